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

import (
	"sync/atomic"
	"time"
)

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	loop *Loop
	t    *time.Timer

	// done is set by whichever of Stop and the loop callback gets there first.
	done atomic.Bool
}

// AfterFunc arranges for fn to run on the loop after d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		t.done.Store(true)
		return t
	}
	l.timers[t] = struct{}{}
	l.mu.Unlock()

	t.t = time.AfterFunc(d, func() {
		err := l.Post(func() {
			l.forgetTimer(t)
			if t.done.CompareAndSwap(false, true) {
				fn()
			}
		})
		if err != nil {
			t.done.Store(true)
		}
	})
	return t
}

// Stop prevents the timer from firing. It returns true if the call stopped
// the timer, in which case fn is guaranteed not to run, and false if fn has
// already run or the timer was already stopped.
func (t *Timer) Stop() bool {
	if !t.done.CompareAndSwap(false, true) {
		return false
	}
	if t.t != nil {
		t.t.Stop()
	}
	t.loop.forgetTimer(t)
	return true
}

func (l *Loop) forgetTimer(t *Timer) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}
