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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgreactor/go/common/eventloop"
	"github.com/multigres/pgreactor/go/common/mterrors"
	"github.com/multigres/pgreactor/go/common/sqltypes"
)

// runLoop starts loop and returns a function that waits for Run to return.
func runLoop(t *testing.T, loop *eventloop.Loop) func() {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(context.Background()) }()
	t.Cleanup(loop.Stop)
	return func() {
		t.Helper()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("loop did not exit")
		}
	}
}

func blockingSession() *fakeSession {
	return &fakeSession{
		query: func(ctx context.Context, _ string) ([]*sqltypes.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// connectOn opens a connection on a running loop and waits until it is Ready.
func connectOn(t *testing.T, loop *eventloop.Loop, sess *fakeSession, k Continuation[*Conn]) *Conn {
	t.Helper()
	ready := make(chan *Conn, 1)
	require.NoError(t, loop.Post(func() {
		c := Connect(loop, Params{}, k, WithDialer(sessionDialer(sess)))
		ready <- c
	}))
	c := <-ready
	require.Eventually(t, func() bool {
		st := make(chan State, 1)
		if err := loop.Post(func() { st <- c.State() }); err != nil {
			return false
		}
		return <-st == StateReady
	}, waitTimeout, time.Millisecond)
	return c
}

func TestLoopStopCompletesBusyAndRejectedQueries(t *testing.T) {
	sess := blockingSession()
	loop := eventloop.New()
	waitExit := runLoop(t, loop)
	c := connectOn(t, loop, sess, func(Result[*Conn]) {})

	var first, second []Result[*Envelope]
	require.NoError(t, loop.Post(func() {
		c.Query("SELECT 1", func(r Result[*Envelope]) { first = append(first, r) })
		c.Query("SELECT 2", func(r Result[*Envelope]) { second = append(second, r) })
		loop.Stop()
	}))
	waitExit()

	require.Len(t, first, 1)
	assert.True(t, mterrors.IsQueryError(first[0].Err()))
	assert.ErrorIs(t, first[0].Err(), eventloop.ErrLoopClosed)

	require.Len(t, second, 1)
	assert.ErrorIs(t, second[0].Err(), mterrors.ErrConnectionBusy)

	assert.Equal(t, StateFailed, c.State())
	assert.True(t, sess.closed.Load())
	assert.Equal(t, 0, loop.Sources())
}

func TestLoopStopDuringConnect(t *testing.T) {
	loop := eventloop.New()
	waitExit := runLoop(t, loop)

	dialing := make(chan struct{})
	dialer := DialerFunc(func(ctx context.Context, _ Params) (Session, error) {
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var got []Result[*Conn]
	var c *Conn
	require.NoError(t, loop.Post(func() {
		c = Connect(loop, Params{}, func(r Result[*Conn]) { got = append(got, r) }, WithDialer(dialer))
	}))
	<-dialing
	loop.Stop()
	waitExit()

	require.Len(t, got, 1)
	assert.True(t, mterrors.IsConnectError(got[0].Err()))
	assert.ErrorIs(t, got[0].Err(), eventloop.ErrLoopClosed)
	assert.Equal(t, StateFailed, c.State())
}

func TestLoopStopDeliversHeldConnectOutcome(t *testing.T) {
	sess := blockingSession()
	loop := eventloop.New()
	waitExit := runLoop(t, loop)
	c := connectOn(t, loop, sess, nil)

	var got []Result[*Conn]
	require.NoError(t, loop.Post(func() {
		assert.NoError(t, c.OnConnected(func(r Result[*Conn]) { got = append(got, r) }))
		loop.Stop()
	}))
	waitExit()

	require.Len(t, got, 1)
	v, ok := got[0].Value()
	require.True(t, ok)
	assert.Same(t, c, v)
	// The loop took the idle connection down with it.
	assert.Equal(t, StateFailed, c.State())
	assert.True(t, sess.closed.Load())
}

func TestLoopStopAfterCloseIsQuiet(t *testing.T) {
	sess := blockingSession()
	loop := eventloop.New()
	waitExit := runLoop(t, loop)
	c := connectOn(t, loop, sess, func(Result[*Conn]) {})

	var got []Result[*Envelope]
	require.NoError(t, loop.Post(func() {
		c.Query("SELECT 1", func(r Result[*Envelope]) { got = append(got, r) })
		c.Close()
		loop.Stop()
	}))
	waitExit()

	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err(), mterrors.ErrConnectionClosed)
	assert.Equal(t, StateClosed, c.State())
}
