// Copyright 2022 The Vitess Authors.
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
// Modifications Copyright 2025 Supabase, Inc.

package mterrors

import "fmt"

// Coded errors. Every variable added here must also be listed in Errors.
var (
	// MT13001 General Error
	MT13001 = errorWithoutSentinel("MT13001", "[BUG] %s", "This error should not happen and is a bug. Please file an issue on GitHub: https://github.com/multigres/pgreactor/issues/new/choose.")

	// MT03001 connection busy
	MT03001 = errorWithSentinel("MT03001", ErrConnectionBusy, "%s", "A query was issued while another operation was still in flight on the same connection. Only one operation may be outstanding; wait for the pending continuation before issuing the next query.")

	// MT03002 connection closed
	MT03002 = errorWithSentinel("MT03002", ErrConnectionClosed, "%s", "The connection was closed, either before the operation was issued or while it was in flight.")

	// MT03003 connection failed
	MT03003 = errorWithSentinel("MT03003", ErrConnectionFailed, "%s", "The connection failed during the handshake or on an unrecoverable query error and cannot accept further queries. Open a new connection.")

	// MT03004 connection not ready
	MT03004 = errorWithSentinel("MT03004", ErrConnectionNotReady, "%s", "A query was issued before the connect continuation reported success.")

	// MT03005 connect timeout
	MT03005 = errorWithSentinel("MT03005", ErrConnectTimeout, "no response within %v", "The handshake did not complete within the configured connect timeout.")

	// MT03006 malformed result
	MT03006 = errorWithSentinel("MT03006", ErrMalformedResult, "%s", "The wire layer delivered a result payload that could not be assembled into a result envelope.")

	// Errors lists every coded error above for documentation.
	Errors = []func(args ...any) *MultigresError{
		MT13001,
		MT03001,
		MT03002,
		MT03003,
		MT03004,
		MT03005,
		MT03006,
	}
)

// MultigresError is an error with a stable identifier and a long description.
type MultigresError struct {
	Err         error
	Description string
	ID          string
}

func (o *MultigresError) Error() string {
	return o.Err.Error()
}

func (o *MultigresError) Unwrap() error {
	return o.Err
}

var _ error = (*MultigresError)(nil)

func errorWithoutSentinel(id, short, long string) func(args ...any) *MultigresError {
	return func(args ...any) *MultigresError {
		s := short
		if len(args) != 0 {
			s = fmt.Sprintf(s, args...)
		}
		return &MultigresError{
			Err:         fmt.Errorf("%s: %s", id, s),
			Description: long,
			ID:          id,
		}
	}
}

// errorWithSentinel builds errors that match sentinel under errors.Is.
func errorWithSentinel(id string, sentinel error, short, long string) func(args ...any) *MultigresError {
	return func(args ...any) *MultigresError {
		var err error
		if len(args) != 0 {
			err = fmt.Errorf("%s: %w: %s", id, sentinel, fmt.Sprintf(short, args...))
		} else {
			err = fmt.Errorf("%s: %w", id, sentinel)
		}
		return &MultigresError{
			Err:         err,
			Description: long,
			ID:          id,
		}
	}
}
