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

package eventloop

import "context"

// Submit runs work on a goroutine owned by the loop and queues ready on the
// loop goroutine with its outcome. work receives the source context and
// must return promptly once it is cancelled.
//
// If the source is deregistered before ready would run, or the loop stops
// first, the value is handed to discard instead so the caller can release
// it. discard may be nil and may run on any goroutine.
func Submit[T any](src *Source, work func(ctx context.Context) (T, error), ready func(T, error), discard func(T)) error {
	if !src.Active() {
		return ErrSourceDeregistered
	}

	l := src.loop
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.ioWG.Add(1)
	l.mu.Unlock()

	drop := func(v T) {
		if discard != nil {
			discard(v)
		}
	}

	go func() {
		defer l.ioWG.Done()

		v, err := work(src.ctx)
		posted := l.PostOrElse(func() {
			if !src.Active() {
				drop(v)
				return
			}
			ready(v, err)
		}, func() { drop(v) })
		if posted != nil {
			drop(v)
		}
	}()
	return nil
}
