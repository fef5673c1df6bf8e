// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tombee/conductor/internal/apierr"
)

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeAPIError maps a typed apierr.Error (or any other error) onto the
// corresponding HTTP status and body.
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := asAPIError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := errorBody{Error: apiErr.Msg, Fields: apiErr.Fields}
	switch apiErr.Kind {
	case apierr.KindValidation:
		writeJSON(w, http.StatusBadRequest, body)
	case apierr.KindNotFound:
		writeJSON(w, http.StatusNotFound, body)
	case apierr.KindForbidden:
		writeJSON(w, http.StatusForbidden, body)
	case apierr.KindUnauthorized:
		writeJSON(w, http.StatusUnauthorized, body)
	case apierr.KindInvalidPath:
		writeJSON(w, http.StatusBadRequest, body)
	case apierr.KindSignatureInvalid:
		writeJSON(w, http.StatusForbidden, body)
	case apierr.KindExpired:
		writeJSON(w, http.StatusGone, body)
	default:
		writeJSON(w, http.StatusInternalServerError, body)
	}
}

func asAPIError(err error) (*apierr.Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if apiErr, ok := err.(*apierr.Error); ok {
			return apiErr, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
