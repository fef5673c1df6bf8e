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

// Package apierr provides a small typed-error hierarchy shared by the
// run registry, workflow engine, activities, and HTTP boundary, so that
// error handling decisions (HTTP status mapping, retry-or-terminal) are
// made on error kind rather than string matching.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and retry decisions.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindForbidden
	KindUnauthorized
	KindInvalidPath
	KindSignatureInvalid
	KindExpired
	KindRetryable
	KindTerminal
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidPath:
		return "invalid_path"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindExpired:
		return "expired"
	case KindRetryable:
		return "retryable"
	case KindTerminal:
		return "terminal"
	default:
		return "internal"
	}
}

// Error is a typed, wrappable error carrying a Kind and, for validation
// failures, a field-level message map mirroring the original payload
// validator's errors dict.
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is an *Error of the given Kind.
func Is(err error, k Kind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == k
	}
	return false
}

func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

func Wrap(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Validation builds a KindValidation error from a field->message map,
// mirroring the shape of the original ValidationError(errors=...).
func Validation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Msg: "payload validation failed", Fields: fields}
}

// NotFound builds a KindNotFound error.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

// Retryable wraps err as a retryable activity failure.
func Retryable(err error) *Error {
	return &Error{Kind: KindRetryable, Msg: "retryable failure", Err: err}
}

// Terminal wraps err as a non-retryable activity failure.
func Terminal(err error) *Error {
	return &Error{Kind: KindTerminal, Msg: "terminal failure", Err: err}
}
