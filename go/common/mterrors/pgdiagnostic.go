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

package mterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Severity values sent by the server in the 'S'/'V' diagnostic fields.
const (
	SeverityError   = "ERROR"
	SeverityFatal   = "FATAL"
	SeverityPanic   = "PANIC"
	SeverityWarning = "WARNING"
	SeverityNotice  = "NOTICE"
)

// SQLSTATE codes referenced by the client and the fake server.
const (
	SQLStateSyntaxError          = "42601"
	SQLStateUndefinedTable       = "42P01"
	SQLStateInvalidPassword      = "28P01"
	SQLStateInvalidAuthorization = "28000"
	SQLStateAdminShutdown        = "57P01"
	SQLStateInternalError        = "XX000"
)

// PgDiagnostic is a PostgreSQL ErrorResponse ('E') or NoticeResponse ('N').
// Both share one wire format; MessageType tells them apart.
type PgDiagnostic struct {
	MessageType      byte
	Severity         string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	Schema           string
	Table            string
	Column           string
	DataType         string
	Constraint       string
}

// NewPgError builds an ErrorResponse diagnostic.
func NewPgError(severity, code, message string) *PgDiagnostic {
	return &PgDiagnostic{
		MessageType: 'E',
		Severity:    severity,
		Code:        code,
		Message:     message,
	}
}

// IsError reports whether d came from an ErrorResponse.
func (d *PgDiagnostic) IsError() bool {
	return d.MessageType == 'E'
}

// IsNotice reports whether d came from a NoticeResponse.
func (d *PgDiagnostic) IsNotice() bool {
	return d.MessageType == 'N'
}

// SQLSTATE returns the five character SQLSTATE code.
func (d *PgDiagnostic) SQLSTATE() string {
	return d.Code
}

// SQLSTATEClass returns the first two characters of the SQLSTATE code,
// e.g. "42" for 42P01, or "" when the code is too short.
func (d *PgDiagnostic) SQLSTATEClass() string {
	if len(d.Code) < 2 {
		return ""
	}
	return d.Code[:2]
}

// IsClass reports whether the SQLSTATE belongs to class.
func (d *PgDiagnostic) IsClass(class string) bool {
	return d.SQLSTATEClass() == class
}

// IsFatal reports whether the server ended the session (FATAL) or all
// sessions (PANIC). ERROR leaves the session usable.
func (d *PgDiagnostic) IsFatal() bool {
	return d.Severity == SeverityFatal || d.Severity == SeverityPanic
}

// IsAuthFailure reports whether the diagnostic is an authorization failure
// (class 28), as sent for bad credentials.
func (d *PgDiagnostic) IsAuthFailure() bool {
	return d.IsClass("28")
}

// Error returns the primary line as psql shows it: "SEVERITY: message".
func (d *PgDiagnostic) Error() string {
	if d == nil {
		return "ERROR: unknown error"
	}
	return d.Severity + ": " + d.Message
}

// FullError appends the SQLSTATE to the primary line.
func (d *PgDiagnostic) FullError() string {
	if d == nil {
		return "ERROR: unknown error (SQLSTATE 00000)"
	}
	return d.Severity + ": " + d.Message + " (SQLSTATE " + d.Code + ")"
}

// Validate checks the fields the protocol says are always present. Callers
// log the result rather than reject the message.
func (d *PgDiagnostic) Validate() error {
	if d == nil {
		return errors.New("diagnostic is nil")
	}

	var issues []string
	switch d.MessageType {
	case 'E', 'N':
	case 0:
		issues = append(issues, "MessageType is unset (0x00): must be 'E' or 'N'")
	default:
		issues = append(issues, fmt.Sprintf("invalid MessageType '%c' (0x%02x): must be 'E' or 'N'", d.MessageType, d.MessageType))
	}
	if d.Severity == "" {
		issues = append(issues, "Severity is empty")
	}
	if d.Code == "" {
		issues = append(issues, "Code (SQLSTATE) is empty")
	}
	if d.Message == "" {
		issues = append(issues, "Message is empty")
	}

	if len(issues) > 0 {
		return fmt.Errorf("invalid PgDiagnostic: %s", strings.Join(issues, "; "))
	}
	return nil
}
