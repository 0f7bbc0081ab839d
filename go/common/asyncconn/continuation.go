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

package asyncconn

import (
	"log/slog"

	"github.com/multigres/pgreactor/go/common/mterrors"
)

// Result is the outcome handed to a continuation: either a value or an
// *mterrors.Error, never both.
type Result[T any] struct {
	value T
	err   *mterrors.Error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail wraps a failure. A nil err is itself reported as a bug.
func Fail[T any](err *mterrors.Error) Result[T] {
	if err == nil {
		err = &mterrors.Error{
			Message: "failure without an error",
			Err:     mterrors.MT13001("Fail called with a nil error"),
		}
	}
	return Result[T]{err: err}
}

// Value returns the value and true on success.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.err == nil
}

// Err returns the failure, or nil on success.
func (r Result[T]) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// Get returns the value and the failure in the usual Go form.
func (r Result[T]) Get() (T, error) {
	return r.value, r.Err()
}

// OK reports whether the result holds a value.
func (r Result[T]) OK() bool {
	return r.err == nil
}

// Continuation receives the outcome of one operation. It runs on the loop
// goroutine, or inside Close for an operation cancelled by Close.
type Continuation[T any] func(Result[T])

// once guards a continuation so the caller sees exactly one outcome.
type once[T any] struct {
	k      Continuation[T]
	op     string
	logger *slog.Logger
	fired  bool
}

func newOnce[T any](k Continuation[T], op string, logger *slog.Logger) *once[T] {
	return &once[T]{k: k, op: op, logger: logger}
}

// fire delivers r. A second call is swallowed and reported as a bug.
func (o *once[T]) fire(r Result[T]) error {
	if o.fired {
		err := mterrors.MT13001(o.op + " continuation fired twice")
		o.logger.Error("dropping duplicate completion", "op", o.op, "error", err)
		return err
	}
	o.fired = true
	o.k(r)
	return nil
}
