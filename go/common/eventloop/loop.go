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

// Package eventloop provides a single-goroutine reactor. Every callback
// posted to a Loop, every readiness completion and every timer runs on the
// goroutine that called Run, one at a time, in the order it was queued.
//
// Go exposes blocking net.Conn values rather than pollable descriptors, so
// readiness is modelled with Submit: blocking work runs on a goroutine owned
// by the loop and its completion is queued back onto the loop.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrLoopClosed is returned when work is handed to a loop that has stopped.
var ErrLoopClosed = errors.New("event loop closed")

// Loop is a cooperative reactor. The zero value is not usable; call New.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []queued
	closed  bool
	running bool
	sources map[*Source]struct{}
	timers  map[*Timer]struct{}

	// wake has capacity one. A pending token means the queue may be non-empty.
	wake chan struct{}
	done chan struct{}

	stopOnce sync.Once

	// ioWG tracks goroutines started by Submit.
	ioWG sync.WaitGroup
}

// queued is a posted callback. dropped, if set, runs in its place when the
// loop stops before fn has started.
type queued struct {
	fn      func()
	dropped func()
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for panics recovered from callbacks.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a stopped loop. Callbacks may be posted before Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger:  slog.Default(),
		sources: make(map[*Source]struct{}),
		timers:  make(map[*Timer]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run dispatches callbacks until Stop is called or ctx is done. Before
// returning it cancels every registered source and waits for the I/O
// goroutines started by Submit. Run returns nil after Stop and ctx.Err()
// after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("event loop already running")
	}
	if l.closed {
		l.mu.Unlock()
		l.shutdown()
		return ErrLoopClosed
	}
	l.running = true
	l.mu.Unlock()

	var err error
loop:
	for {
		l.drain()
		select {
		case <-l.wake:
		case <-l.done:
			break loop
		case <-ctx.Done():
			err = ctx.Err()
			l.Stop()
			break loop
		}
	}

	l.shutdown()
	return err
}

// drain runs queued callbacks until the queue is empty. Callbacks queued by
// a running callback are picked up in the same pass.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if l.closed || len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		item := l.queue[0]
		l.queue[0] = queued{}
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.invoke(item.fn)
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop callback panicked", "panic", r)
		}
	}()
	fn()
}

// shutdown runs on the Run goroutine once dispatch has ended. Timers are
// stopped first. Then the dropped hooks of callbacks that never started run
// in queue order, followed by the exit hooks of sources still registered.
// Finally every source is cancelled and the I/O goroutines are waited for.
func (l *Loop) shutdown() {
	l.mu.Lock()
	sources := make([]*Source, 0, len(l.sources))
	for src := range l.sources {
		sources = append(sources, src)
	}
	timers := make([]*Timer, 0, len(l.timers))
	for t := range l.timers {
		timers = append(timers, t)
	}
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, item := range queue {
		if item.dropped != nil {
			l.invoke(item.dropped)
		}
	}
	for _, src := range sources {
		if fn := src.exitHook(); fn != nil && src.Active() {
			l.invoke(fn)
		}
	}
	for _, src := range sources {
		src.Deregister()
	}
	l.ioWG.Wait()
}

// Stop makes Run return after the callback currently executing, if any.
// Queued callbacks that have not started are dropped; those posted with
// PostOrElse have their dropped hook run instead. Stop is idempotent and
// safe to call from any goroutine, including from a callback.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn to run on the loop goroutine. It never runs fn inline.
func (l *Loop) Post(fn func()) error {
	return l.PostOrElse(fn, nil)
}

// PostOrElse queues fn like Post. If the loop stops before fn has started,
// dropped runs instead, on the Run goroutine while the loop shuts down.
// Exactly one of fn and dropped runs once Run has been called. dropped may
// be nil.
func (l *Loop) PostOrElse(fn, dropped func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, queued{fn: fn, dropped: dropped})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Sources returns the number of registered sources.
func (l *Loop) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}
