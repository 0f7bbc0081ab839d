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

// Package asyncconn implements a non-blocking PostgreSQL connection driven
// by an eventloop.Loop.
//
// A Conn has at most one operation in flight. Its outcome is delivered to a
// one-shot continuation on the loop goroutine. All methods of a Conn must be
// called on the loop goroutine, from a callback or through Loop.Post; a Conn
// holds no locks and starts no goroutines of its own.
package asyncconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/pgreactor/go/common/eventloop"
	"github.com/multigres/pgreactor/go/common/mterrors"
	"github.com/multigres/pgreactor/go/common/sqltypes"
	"github.com/multigres/pgreactor/go/tools/telemetry"
)

// ErrContinuationRegistered is returned by OnConnected when a connect
// continuation is already registered.
var ErrContinuationRegistered = errors.New("connect continuation already registered")

// State is the lifecycle state of a Conn.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateBusy
	// StateFailed only leaves for StateClosed, through Close.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Conn.
type Option func(*Conn)

// WithDialer replaces the wire layer. The default is PGDialer.
func WithDialer(d Dialer) Option {
	return func(c *Conn) {
		c.dialer = d
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Conn is one asynchronous session.
type Conn struct {
	loop    *eventloop.Loop
	params  Params
	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics

	state   State
	src     *eventloop.Source
	session Session
	timer   *eventloop.Timer

	onConnected *once[*Conn]
	// held is a connect outcome that arrived before OnConnected was called.
	held         *Result[*Conn]
	connectSpan  trace.Span
	connectStart time.Time

	onQuery    *once[*Envelope]
	queryStart time.Time
}

// Connect starts the handshake and returns at once. onConnected, which may
// be nil and registered later with OnConnected, receives the Conn on
// success or a ConnectError. It runs on the loop, except when the loop has
// already stopped, in which case the error is delivered before Connect
// returns.
func Connect(loop *eventloop.Loop, params Params, onConnected Continuation[*Conn], opts ...Option) *Conn {
	c := &Conn{
		loop:         loop,
		params:       params,
		dialer:       PGDialer{},
		logger:       slog.Default(),
		state:        StateConnecting,
		connectStart: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("addr", params.Address())
	c.metrics = NewMetrics()
	if onConnected != nil {
		c.onConnected = newOnce(onConnected, "connect", c.logger)
	}

	src, err := loop.Register("asyncconn " + params.Address())
	if err != nil {
		c.failConnect(mterrors.NewConnectError(err), OutcomeError)
		return c
	}
	c.src = src
	src.OnLoopExit(c.loopExited)

	_, span := telemetry.Tracer().Start(src.Context(), "connect postgresql",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBNamespace(params.Database),
			semconv.ServerAddress(params.Host),
			semconv.ServerPort(params.port()),
		),
	)
	c.connectSpan = span

	if params.ConnectTimeout > 0 {
		c.timer = loop.AfterFunc(params.ConnectTimeout, c.connectTimedOut)
	}

	dialer := c.dialer
	err = eventloop.Submit(src,
		func(ctx context.Context) (Session, error) {
			return dialer.Dial(trace.ContextWithSpan(ctx, span), params)
		},
		c.connected,
		closeSession,
	)
	if err != nil {
		c.failConnect(mterrors.NewConnectError(err), OutcomeError)
	}
	return c
}

// OnConnected registers the connect continuation. If the handshake has
// already completed, the outcome is posted to the loop. It is still
// delivered if the loop stops before the posted callback runs.
func (c *Conn) OnConnected(k Continuation[*Conn]) error {
	if k == nil {
		panic("asyncconn: nil connect continuation")
	}
	if c.onConnected != nil {
		return ErrContinuationRegistered
	}
	guard := newOnce(k, "connect", c.logger)
	c.onConnected = guard

	if c.held == nil {
		return nil
	}
	r := *c.held
	c.held = nil
	c.post(func() { _ = guard.fire(r) })
	return nil
}

// Query sends sql with the simple query protocol. k receives the Envelope
// of the last statement or a QueryError. A Conn that is not Ready rejects
// the query through k without touching the server. k must not be nil.
func (c *Conn) Query(sql string, k Continuation[*Envelope]) {
	if k == nil {
		panic("asyncconn: nil query continuation")
	}
	guard := newOnce(k, "query", c.logger)

	var reject *mterrors.MultigresError
	switch c.state {
	case StateReady:
	case StateBusy:
		reject = mterrors.MT03001()
	case StateConnecting:
		reject = mterrors.MT03004()
	case StateFailed:
		reject = mterrors.MT03003()
	default:
		reject = mterrors.MT03002()
	}
	if reject != nil {
		c.rejectQuery(guard, mterrors.NewQueryError(reject))
		return
	}

	session := c.session
	c.setState(StateBusy)
	c.onQuery = guard
	c.queryStart = time.Now()

	err := eventloop.Submit(c.src,
		func(ctx context.Context) ([]*sqltypes.Result, error) {
			return session.Query(ctx, sql)
		},
		c.queryDone,
		nil,
	)
	if err != nil {
		// The loop has stopped, so nothing else will complete the query.
		c.onQuery = nil
		c.setState(StateFailed)
		c.release()
		c.completeQuery(guard, Fail[*Envelope](mterrors.NewQueryError(err)), OutcomeError)
	}
}

// Close releases the connection and moves it to Closed, including from
// Failed. A pending continuation receives an error wrapping
// mterrors.ErrConnectionClosed before Close returns. Close is idempotent.
func (c *Conn) Close() {
	prev := c.state
	if prev == StateClosed {
		return
	}
	c.setState(StateClosed)

	switch prev {
	case StateConnecting:
		err := mterrors.NewConnectError(mterrors.MT03002())
		c.endConnect(OutcomeClosed, err)
		c.release()
		c.deliverConnect(Fail[*Conn](err))
		return
	case StateBusy:
		guard := c.onQuery
		c.onQuery = nil
		c.release()
		c.completeQuery(guard, Fail[*Envelope](mterrors.NewQueryError(mterrors.MT03002())), OutcomeClosed)
		return
	}
	c.release()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return c.state
}

// ServerParams returns the parameters reported by the server, or nil
// without a session.
func (c *Conn) ServerParams() map[string]string {
	if c.session == nil {
		return nil
	}
	return c.session.ServerParams()
}

// Params returns the parameters the connection was opened with.
func (c *Conn) Params() Params {
	return c.params
}

func (c *Conn) connected(s Session, err error) {
	if c.state != StateConnecting {
		closeSession(s)
		return
	}
	if err != nil {
		c.failConnect(mterrors.NewConnectError(err), OutcomeError)
		return
	}

	c.stopTimer()
	c.session = s
	c.setState(StateReady)
	c.endConnect(OutcomeOK, nil)
	c.deliverConnect(Ok(c))
}

func (c *Conn) connectTimedOut() {
	c.timer = nil
	if c.state != StateConnecting {
		return
	}
	c.logger.Warn("connect timed out", "timeout", c.params.ConnectTimeout)
	err := mterrors.MT03005(c.params.ConnectTimeout)
	c.failConnect(mterrors.NewConnectError(err), OutcomeTimeout)
}

func (c *Conn) failConnect(err *mterrors.Error, outcome Outcome) {
	c.setState(StateFailed)
	c.release()
	c.endConnect(outcome, err)
	c.deliverConnect(Fail[*Conn](err))
}

func (c *Conn) endConnect(outcome Outcome, err *mterrors.Error) {
	ctx := context.Background()
	c.metrics.AddOperation(ctx, OpConnect, outcome)
	c.metrics.RecordDuration(ctx, time.Since(c.connectStart), OpConnect, outcome)

	if c.connectSpan == nil {
		return
	}
	if err != nil {
		c.connectSpan.RecordError(err)
		c.connectSpan.SetStatus(codes.Error, string(outcome))
	}
	c.connectSpan.End()
	c.connectSpan = nil
}

func (c *Conn) deliverConnect(r Result[*Conn]) {
	if c.onConnected == nil {
		c.held = &r
		return
	}
	_ = c.onConnected.fire(r)
}

func (c *Conn) queryDone(results []*sqltypes.Result, err error) {
	if c.state != StateBusy || c.onQuery == nil {
		return
	}
	guard := c.onQuery
	c.onQuery = nil

	if err != nil {
		if recoverable(err) {
			c.setState(StateReady)
		} else {
			c.logger.Warn("query failed, connection unusable", "error", err)
			c.setState(StateFailed)
			c.release()
		}
		c.completeQuery(guard, Fail[*Envelope](mterrors.NewQueryError(err)), OutcomeError)
		return
	}

	env, aerr := assembleEnvelope(results)
	c.setState(StateReady)
	if aerr != nil {
		c.logger.Warn("discarding malformed result", "error", aerr)
		c.completeQuery(guard, Fail[*Envelope](aerr), OutcomeError)
		return
	}
	c.completeQuery(guard, Ok(env), OutcomeOK)
}

// recoverable reports whether the session survives err. Only a server
// error below FATAL leaves the protocol in a known state.
func recoverable(err error) bool {
	diag, ok := mterrors.Diagnostic(err)
	return ok && !diag.IsFatal()
}

func (c *Conn) rejectQuery(guard *once[*Envelope], err *mterrors.Error) {
	c.metrics.AddOperation(context.Background(), OpQuery, OutcomeRejected)
	c.logger.Debug("query rejected", "state", c.state, "error", err)

	r := Fail[*Envelope](err)
	c.post(func() { _ = guard.fire(r) })
}

// post runs fn on the loop. fn also runs if the loop stops before reaching
// it, and runs inline when the loop has already stopped.
func (c *Conn) post(fn func()) {
	if err := c.loop.PostOrElse(fn, fn); err != nil {
		fn()
	}
}

// loopExited fails the operation in flight when the loop stops under a
// live connection. The connection ends up Failed.
func (c *Conn) loopExited() {
	switch c.state {
	case StateConnecting:
		c.logger.Warn("event loop stopped during connect")
		c.failConnect(mterrors.NewConnectError(eventloop.ErrLoopClosed), OutcomeClosed)
	case StateBusy:
		c.logger.Warn("event loop stopped during query")
		guard := c.onQuery
		c.onQuery = nil
		c.setState(StateFailed)
		c.release()
		c.completeQuery(guard, Fail[*Envelope](mterrors.NewQueryError(eventloop.ErrLoopClosed)), OutcomeClosed)
	default:
		c.setState(StateFailed)
		c.release()
	}
}

func (c *Conn) completeQuery(guard *once[*Envelope], r Result[*Envelope], outcome Outcome) {
	ctx := context.Background()
	c.metrics.AddOperation(ctx, OpQuery, outcome)
	c.metrics.RecordDuration(ctx, time.Since(c.queryStart), OpQuery, outcome)
	_ = guard.fire(r)
}

// release stops the connect timer, deregisters the source, which cancels
// blocked I/O, and closes the session. It is idempotent.
func (c *Conn) release() {
	c.stopTimer()
	if c.src != nil {
		c.src.Deregister()
		c.src = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Debug("error closing session", "error", err)
		}
		c.session = nil
	}
}

func (c *Conn) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("connection state change", "from", c.state, "to", s)
	c.state = s
}

func closeSession(s Session) {
	if s != nil {
		_ = s.Close()
	}
}
