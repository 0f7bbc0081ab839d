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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgDiagnosticError(t *testing.T) {
	d := NewPgError(SeverityError, SQLStateUndefinedTable, `relation "missing" does not exist`)
	assert.Equal(t, `ERROR: relation "missing" does not exist`, d.Error())
	assert.Equal(t, `ERROR: relation "missing" does not exist (SQLSTATE 42P01)`, d.FullError())
	assert.True(t, d.IsError())
	assert.False(t, d.IsNotice())
	assert.False(t, d.IsFatal())

	var nilDiag *PgDiagnostic
	assert.Equal(t, "ERROR: unknown error", nilDiag.Error())
}

func TestPgDiagnosticClass(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		class string
		auth  bool
	}{
		{name: "syntax", code: SQLStateSyntaxError, class: "42"},
		{name: "password", code: SQLStateInvalidPassword, class: "28", auth: true},
		{name: "authorization", code: SQLStateInvalidAuthorization, class: "28", auth: true},
		{name: "short", code: "4", class: ""},
		{name: "empty", code: "", class: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &PgDiagnostic{Code: tt.code}
			assert.Equal(t, tt.class, d.SQLSTATEClass())
			assert.Equal(t, tt.auth, d.IsAuthFailure())
			assert.Equal(t, tt.code, d.SQLSTATE())
		})
	}
}

func TestPgDiagnosticIsFatal(t *testing.T) {
	assert.True(t, NewPgError(SeverityFatal, SQLStateAdminShutdown, "terminating").IsFatal())
	assert.True(t, NewPgError(SeverityPanic, SQLStateInternalError, "boom").IsFatal())
	assert.False(t, NewPgError(SeverityError, SQLStateSyntaxError, "oops").IsFatal())
}

func TestPgDiagnosticValidate(t *testing.T) {
	require.NoError(t, NewPgError(SeverityError, SQLStateSyntaxError, "bad").Validate())
	require.NoError(t, (&PgDiagnostic{MessageType: 'N', Severity: SeverityNotice, Code: "00000", Message: "hi"}).Validate())

	var nilDiag *PgDiagnostic
	require.Error(t, nilDiag.Validate())

	err := (&PgDiagnostic{}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MessageType is unset")
	assert.Contains(t, err.Error(), "Severity is empty")
	assert.Contains(t, err.Error(), "Code (SQLSTATE) is empty")
	assert.Contains(t, err.Error(), "Message is empty")

	err = (&PgDiagnostic{MessageType: 'X', Severity: "ERROR", Code: "42601", Message: "m"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid MessageType 'X'")
}
