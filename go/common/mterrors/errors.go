// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mterrors defines the error taxonomy surfaced to callers of the
// asynchronous connection: every failure is either a ConnectError or a
// QueryError, optionally wrapping a PostgreSQL diagnostic or one of the
// sentinels below.
package mterrors

import "errors"

// Sentinels wrapped by the coded errors in code.go. Match them with errors.Is.
var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrConnectionBusy     = errors.New("connection busy")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionNotReady = errors.New("connection not ready")
	ErrConnectTimeout     = errors.New("connect timed out")
	ErrMalformedResult    = errors.New("malformed result")
)

// Kind tells which operation an Error belongs to.
type Kind int

const (
	// KindConnect is a failed handshake: bad credentials, unreachable host,
	// protocol negotiation failure, or a connection closed while connecting.
	KindConnect Kind = iota + 1
	// KindQuery is a rejected statement or a connection torn down mid-query.
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "ConnectError"
	case KindQuery:
		return "QueryError"
	default:
		return "UnknownError"
	}
}

// Error is the failure value delivered to a continuation.
type Error struct {
	Kind Kind

	// Message is the human readable text from the wire layer.
	Message string

	// Err is the underlying cause. It is a *PgDiagnostic when the server
	// rejected the operation.
	Err error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewConnectError wraps err as a ConnectError.
func NewConnectError(err error) *Error {
	return newError(KindConnect, err)
}

// NewQueryError wraps err as a QueryError.
func NewQueryError(err error) *Error {
	return newError(KindQuery, err)
}

func newError(kind Kind, err error) *Error {
	if err == nil {
		err = MT13001("nil cause for " + kind.String())
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == kind {
		return e
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// IsConnectError reports whether err is, or wraps, a ConnectError.
func IsConnectError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConnect
}

// IsQueryError reports whether err is, or wraps, a QueryError.
func IsQueryError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindQuery
}

// Diagnostic returns the PostgreSQL diagnostic carried by err, if any.
func Diagnostic(err error) (*PgDiagnostic, bool) {
	var diag *PgDiagnostic
	if errors.As(err, &diag) {
		return diag, true
	}
	return nil, false
}
