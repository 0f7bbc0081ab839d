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
)

// ErrSourceDeregistered is returned by Submit once the source has been
// deregistered.
var ErrSourceDeregistered = errors.New("event source deregistered")

// Source is a registration with the loop for one stream of readiness
// events, typically one network connection. Deregistering a source cancels
// its context, which interrupts the blocking work submitted for it, and
// stops the delivery of any completion still in flight.
type Source struct {
	loop   *Loop
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Bool

	// onExit is guarded by loop.mu.
	onExit func()
}

// Register adds a source to the loop.
func (l *Loop) Register(name string) (*Source, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLoopClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	src := &Source{
		loop:   l,
		name:   name,
		ctx:    ctx,
		cancel: cancel,
	}
	src.active.Store(true)
	l.sources[src] = struct{}{}
	return src, nil
}

// Name returns the name the source was registered with.
func (s *Source) Name() string {
	return s.name
}

// Context is cancelled when the source is deregistered or the loop exits.
func (s *Source) Context() context.Context {
	return s.ctx
}

// Active reports whether the source is still registered.
func (s *Source) Active() bool {
	return s.active.Load()
}

// OnLoopExit sets fn to run on the Run goroutine when the loop exits while
// the source is still registered, before its context is cancelled. A later
// call replaces fn. Deregistering the source first means fn never runs.
func (s *Source) OnLoopExit(fn func()) {
	s.loop.mu.Lock()
	s.onExit = fn
	s.loop.mu.Unlock()
}

func (s *Source) exitHook() func() {
	s.loop.mu.Lock()
	defer s.loop.mu.Unlock()
	return s.onExit
}

// Deregister removes the source from the loop. It is idempotent.
func (s *Source) Deregister() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.cancel()

	s.loop.mu.Lock()
	delete(s.loop.sources, s)
	s.loop.mu.Unlock()
}
