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
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startLoop runs a new loop on its own goroutine and stops it at cleanup.
func startLoop(t *testing.T) (*Loop, <-chan error) {
	t.Helper()
	l := New()
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Run(context.Background())
	}()
	t.Cleanup(func() {
		l.Stop()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("loop did not exit")
		}
	})
	return l, errCh
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, l *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, l.Post(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callback did not run")
	}
}

func TestPostRunsInOrder(t *testing.T) {
	l := New()

	var got []int
	for i := range 5 {
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Post(l.Stop))

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestPostFromCallbackRunsLater(t *testing.T) {
	l := New()

	var got []string
	require.NoError(t, l.Post(func() {
		require.NoError(t, l.Post(func() {
			got = append(got, "inner")
			l.Stop()
		}))
		got = append(got, "outer")
	}))

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestPostNeverRunsInline(t *testing.T) {
	l, _ := startLoop(t)

	onLoop(t, l, func() {
		ran := false
		require.NoError(t, l.Post(func() { ran = true }))
		assert.False(t, ran)
	})
}

func TestStop(t *testing.T) {
	t.Run("post after stop", func(t *testing.T) {
		l := New()
		l.Stop()
		assert.ErrorIs(t, l.Post(func() {}), ErrLoopClosed)
	})

	t.Run("idempotent", func(t *testing.T) {
		l := New()
		l.Stop()
		l.Stop()
		select {
		case <-l.Done():
		default:
			t.Fatal("Done not closed")
		}
	})

	t.Run("run after stop", func(t *testing.T) {
		l := New()
		l.Stop()
		assert.ErrorIs(t, l.Run(context.Background()), ErrLoopClosed)
	})

	t.Run("drops queued callbacks", func(t *testing.T) {
		l := New()
		var ran atomic.Bool
		require.NoError(t, l.Post(l.Stop))
		require.NoError(t, l.Post(func() { ran.Store(true) }))
		require.NoError(t, l.Run(context.Background()))
		assert.False(t, ran.Load())
	})
}

func TestPostOrElse(t *testing.T) {
	t.Run("runs fn", func(t *testing.T) {
		l := New()
		var ran, dropped atomic.Bool
		require.NoError(t, l.PostOrElse(func() { ran.Store(true) }, func() { dropped.Store(true) }))
		require.NoError(t, l.Post(l.Stop))
		require.NoError(t, l.Run(context.Background()))
		assert.True(t, ran.Load())
		assert.False(t, dropped.Load())
	})

	t.Run("runs dropped after stop", func(t *testing.T) {
		l := New()
		var got []string
		require.NoError(t, l.Post(l.Stop))
		require.NoError(t, l.PostOrElse(func() { got = append(got, "fn1") }, func() { got = append(got, "dropped1") }))
		require.NoError(t, l.Post(func() { got = append(got, "plain") }))
		require.NoError(t, l.PostOrElse(func() { got = append(got, "fn2") }, func() { got = append(got, "dropped2") }))
		require.NoError(t, l.Run(context.Background()))
		assert.Equal(t, []string{"dropped1", "dropped2"}, got)
	})

	t.Run("closed loop", func(t *testing.T) {
		l := New()
		l.Stop()
		assert.ErrorIs(t, l.PostOrElse(func() {}, func() {}), ErrLoopClosed)
	})
}

func TestOnLoopExit(t *testing.T) {
	t.Run("runs before cancel", func(t *testing.T) {
		l := New()
		src, err := l.Register("conn")
		require.NoError(t, err)

		var activeInHook, ctxLiveInHook bool
		src.OnLoopExit(func() {
			activeInHook = src.Active()
			ctxLiveInHook = src.Context().Err() == nil
		})
		require.NoError(t, l.Post(l.Stop))
		require.NoError(t, l.Run(context.Background()))

		assert.True(t, activeInHook)
		assert.True(t, ctxLiveInHook)
		assert.False(t, src.Active())
	})

	t.Run("skipped after deregister", func(t *testing.T) {
		l := New()
		src, err := l.Register("conn")
		require.NoError(t, err)

		var ran bool
		src.OnLoopExit(func() { ran = true })
		src.Deregister()
		require.NoError(t, l.Post(l.Stop))
		require.NoError(t, l.Run(context.Background()))
		assert.False(t, ran)
	})

	t.Run("after dropped callbacks", func(t *testing.T) {
		l := New()
		src, err := l.Register("conn")
		require.NoError(t, err)

		var got []string
		src.OnLoopExit(func() { got = append(got, "exit") })
		require.NoError(t, l.Post(l.Stop))
		require.NoError(t, l.PostOrElse(func() {}, func() { got = append(got, "dropped") }))
		require.NoError(t, l.Run(context.Background()))
		assert.Equal(t, []string{"dropped", "exit"}, got)
	})
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, l.Post(func() {}), ErrLoopClosed)
}

func TestRunTwice(t *testing.T) {
	l, _ := startLoop(t)
	// Make sure the first Run has started.
	onLoop(t, l, func() {})
	assert.Error(t, l.Run(context.Background()))
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	l, _ := startLoop(t)

	require.NoError(t, l.Post(func() { panic("boom") }))
	ran := false
	onLoop(t, l, func() { ran = true })
	assert.True(t, ran)
}

func TestSources(t *testing.T) {
	l, _ := startLoop(t)

	a, err := l.Register("a")
	require.NoError(t, err)
	b, err := l.Register("b")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Sources())
	assert.Equal(t, "a", a.Name())
	assert.True(t, a.Active())

	a.Deregister()
	a.Deregister()
	assert.False(t, a.Active())
	assert.Error(t, a.Context().Err())
	assert.NoError(t, b.Context().Err())
	assert.Equal(t, 1, l.Sources())

	b.Deregister()
	assert.Equal(t, 0, l.Sources())
}

func TestRegisterAfterStop(t *testing.T) {
	l := New()
	l.Stop()
	_, err := l.Register("late")
	assert.ErrorIs(t, err, ErrLoopClosed)
}

func TestRunExitCancelsSources(t *testing.T) {
	l := New()
	src, err := l.Register("conn")
	require.NoError(t, err)

	require.NoError(t, l.Post(l.Stop))
	require.NoError(t, l.Run(context.Background()))

	assert.False(t, src.Active())
	assert.ErrorIs(t, src.Context().Err(), context.Canceled)
	assert.Equal(t, 0, l.Sources())
}

func TestSubmit(t *testing.T) {
	t.Run("delivers on loop", func(t *testing.T) {
		l, _ := startLoop(t)
		src, err := l.Register("conn")
		require.NoError(t, err)

		type outcome struct {
			v   int
			err error
		}
		got := make(chan outcome, 1)
		var onLoopGoroutine atomic.Bool
		onLoop(t, l, func() {
			onLoopGoroutine.Store(true)
			require.NoError(t, Submit(src,
				func(context.Context) (int, error) { return 42, nil },
				func(v int, err error) {
					// The submitting callback has returned by the time ready runs.
					assert.True(t, onLoopGoroutine.Load())
					got <- outcome{v, err}
				},
				nil,
			))
		})

		select {
		case o := <-got:
			assert.Equal(t, 42, o.v)
			assert.NoError(t, o.err)
		case <-time.After(5 * time.Second):
			t.Fatal("ready not called")
		}
	})

	t.Run("propagates error", func(t *testing.T) {
		l, _ := startLoop(t)
		src, err := l.Register("conn")
		require.NoError(t, err)

		boom := errors.New("boom")
		got := make(chan error, 1)
		require.NoError(t, Submit(src,
			func(context.Context) (string, error) { return "", boom },
			func(_ string, err error) { got <- err },
			nil,
		))
		assert.ErrorIs(t, <-got, boom)
	})

	t.Run("deregistered source discards", func(t *testing.T) {
		l, _ := startLoop(t)
		src, err := l.Register("conn")
		require.NoError(t, err)

		release := make(chan struct{})
		discarded := make(chan int, 1)
		require.NoError(t, Submit(src,
			func(context.Context) (int, error) {
				<-release
				return 7, nil
			},
			func(int, error) { t.Error("ready called for deregistered source") },
			func(v int) { discarded <- v },
		))

		src.Deregister()
		close(release)
		assert.Equal(t, 7, <-discarded)
	})

	t.Run("queued result discarded on stop", func(t *testing.T) {
		l := New()
		src, err := l.Register("conn")
		require.NoError(t, err)

		discarded := make(chan int, 1)
		require.NoError(t, l.Post(func() {
			assert.NoError(t, Submit(src,
				func(context.Context) (int, error) { return 9, nil },
				func(int, error) { t.Error("ready called after stop") },
				func(v int) { discarded <- v },
			))
			// Wait for the completion to be queued behind this callback.
			assert.Eventually(t, func() bool {
				l.mu.Lock()
				defer l.mu.Unlock()
				return len(l.queue) > 0
			}, 5*time.Second, time.Millisecond)
			l.Stop()
		}))
		require.NoError(t, l.Run(context.Background()))

		select {
		case v := <-discarded:
			assert.Equal(t, 9, v)
		default:
			t.Fatal("queued result was not discarded")
		}
	})

	t.Run("deregister cancels work", func(t *testing.T) {
		l, _ := startLoop(t)
		src, err := l.Register("conn")
		require.NoError(t, err)

		started := make(chan struct{})
		var workErr atomic.Value
		discarded := make(chan int, 1)
		require.NoError(t, Submit(src,
			func(ctx context.Context) (int, error) {
				close(started)
				<-ctx.Done()
				workErr.Store(ctx.Err())
				return 3, ctx.Err()
			},
			func(int, error) { t.Error("ready called for deregistered source") },
			func(v int) { discarded <- v },
		))

		<-started
		src.Deregister()
		assert.Equal(t, 3, <-discarded)
		assert.ErrorIs(t, workErr.Load().(error), context.Canceled)
	})

	t.Run("rejected after deregister", func(t *testing.T) {
		l, _ := startLoop(t)
		src, err := l.Register("conn")
		require.NoError(t, err)
		src.Deregister()

		err = Submit(src, func(context.Context) (int, error) { return 0, nil }, func(int, error) {}, nil)
		assert.ErrorIs(t, err, ErrSourceDeregistered)
	})

	t.Run("loop exit waits for work", func(t *testing.T) {
		l := New()
		src, err := l.Register("conn")
		require.NoError(t, err)

		var finished atomic.Bool
		discarded := make(chan struct{}, 1)
		require.NoError(t, Submit(src,
			func(ctx context.Context) (int, error) {
				<-ctx.Done()
				finished.Store(true)
				return 0, ctx.Err()
			},
			func(int, error) {},
			func(int) { discarded <- struct{}{} },
		))

		require.NoError(t, l.Post(l.Stop))
		require.NoError(t, l.Run(context.Background()))
		assert.True(t, finished.Load())
		select {
		case <-discarded:
		default:
			t.Fatal("result not discarded")
		}
	})
}

func TestAfterFunc(t *testing.T) {
	t.Run("fires on loop", func(t *testing.T) {
		l, _ := startLoop(t)

		fired := make(chan struct{})
		l.AfterFunc(time.Millisecond, func() { close(fired) })
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatal("timer did not fire")
		}

		onLoop(t, l, func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			assert.Empty(t, l.timers)
		})
	})

	t.Run("stop before fire", func(t *testing.T) {
		l, _ := startLoop(t)

		var fired atomic.Bool
		timer := l.AfterFunc(time.Hour, func() { fired.Store(true) })
		assert.True(t, timer.Stop())
		assert.False(t, timer.Stop())
		assert.False(t, fired.Load())
	})

	t.Run("stop after expiry but before dispatch", func(t *testing.T) {
		l, _ := startLoop(t)

		var fired atomic.Bool
		onLoop(t, l, func() {
			timer := l.AfterFunc(time.Millisecond, func() { fired.Store(true) })
			// Hold the loop until the timer has expired and queued its callback.
			time.Sleep(20 * time.Millisecond)
			assert.True(t, timer.Stop())
		})
		onLoop(t, l, func() {})
		assert.False(t, fired.Load())
	})

	t.Run("stop after fire", func(t *testing.T) {
		l, _ := startLoop(t)

		fired := make(chan struct{})
		timer := l.AfterFunc(time.Millisecond, func() { close(fired) })
		<-fired
		assert.False(t, timer.Stop())
	})

	t.Run("after stop", func(t *testing.T) {
		l := New()
		l.Stop()
		timer := l.AfterFunc(time.Millisecond, func() { t.Error("fired on closed loop") })
		assert.False(t, timer.Stop())
	})

	t.Run("loop exit stops timers", func(t *testing.T) {
		l := New()
		l.AfterFunc(time.Hour, func() {})
		require.NoError(t, l.Post(l.Stop))
		require.NoError(t, l.Run(context.Background()))

		l.mu.Lock()
		defer l.mu.Unlock()
		assert.Empty(t, l.timers)
	})
}
