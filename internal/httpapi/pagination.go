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
	"net/http"
	"strconv"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// page is the offset/limit window requested by a list endpoint.
type page struct {
	Offset int
	Limit  int
}

func parsePage(r *http.Request) page {
	p := page{Offset: 0, Limit: defaultLimit}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			if n > maxLimit {
				n = maxLimit
			}
			p.Limit = n
		}
	}
	return p
}

// pagedResponse wraps a slice of items with the offset/limit/total
// envelope the intake and listing endpoints expose.
type pagedResponse struct {
	Items          any  `json:"items"`
	Total          int  `json:"total"`
	Offset         int  `json:"offset"`
	Limit          int  `json:"limit"`
	NextOffset     *int `json:"next_offset,omitempty"`
	PreviousOffset *int `json:"previous_offset,omitempty"`
}

// slice applies the page to a generic items count, returning the bounds to use and
// the next/previous offsets for the response envelope.
func (p page) slice(total int) (start, end int, next, previous *int) {
	start = p.Offset
	if start > total {
		start = total
	}
	end = start + p.Limit
	if end > total {
		end = total
	}
	if end < total {
		n := end
		next = &n
	}
	if start > 0 {
		prev := start - p.Limit
		if prev < 0 {
			prev = 0
		}
		previous = &prev
	}
	return start, end, next, previous
}
