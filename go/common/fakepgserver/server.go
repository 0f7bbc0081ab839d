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

// Package fakepgserver provides a fake PostgreSQL server for tests. It
// speaks the v3 wire protocol over TCP, authenticates with a configurable
// method and answers simple queries with pre-configured results.
package fakepgserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/multigres/pgreactor/go/common/mterrors"
	"github.com/multigres/pgreactor/go/common/pgprotocol/client"
	"github.com/multigres/pgreactor/go/common/sqltypes"
)

// AuthMethod selects how the server authenticates clients.
type AuthMethod int

const (
	AuthTrust AuthMethod = iota
	AuthCleartext
	AuthMD5
	AuthSCRAM
)

// Default startup identity used by ClientConfig.
const (
	DefaultUser     = "test"
	DefaultDatabase = "testdb"
)

// Option configures a Server.
type Option func(*Server)

// WithPassword requires password. The method defaults to cleartext.
func WithPassword(password string) Option {
	return func(s *Server) {
		s.password = password
		if s.authMethod == AuthTrust {
			s.authMethod = AuthCleartext
		}
	}
}

// WithAuthMethod selects the authentication method.
func WithAuthMethod(m AuthMethod) Option {
	return func(s *Server) {
		s.authMethod = m
	}
}

// WithParameter adds a ParameterStatus sent after authentication.
func WithParameter(name, value string) Option {
	return func(s *Server) {
		s.params[name] = value
	}
}

// Server is a fake PostgreSQL server for testing.
// All methods are thread-safe.
type Server struct {
	t        testing.TB
	listener net.Listener
	address  string
	logger   *slog.Logger

	authMethod AuthMethod
	password   string
	params     map[string]string

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	nextConnID  atomic.Uint32
	connections atomic.Int64

	// neverFail makes unmatched queries return empty results instead of errors.
	neverFail atomic.Bool

	// mu protects all the following fields.
	mu sync.Mutex

	name  string
	conns map[net.Conn]struct{}

	// data maps tolower(query) to the results of its statements.
	data map[string][]*sqltypes.Result

	// rejectedData maps tolower(query) to an error sent as ERROR.
	rejectedData map[string]error

	// fatalData maps tolower(query) to a diagnostic sent before closing the
	// connection.
	fatalData map[string]*mterrors.PgDiagnostic

	// blocked maps tolower(query) to a gate the query waits on.
	blocked map[string]chan struct{}

	// startupGate, when set, holds every new connection before it reads
	// the startup packet.
	startupGate chan struct{}

	patternData   map[string]exprResult
	patternCalled map[string]int
	queryCalled   map[string]int
	querylog      []string
}

type exprResult struct {
	queryPattern string
	expr         *regexp.Regexp
	result       *sqltypes.Result
	err          string
}

// queryResponse is what the server decided to send for one query.
type queryResponse struct {
	results []*sqltypes.Result
	err     error
	fatal   *mterrors.PgDiagnostic
	gate    chan struct{}
}

// New starts a fake server on a random local port. It is closed at test
// cleanup if the test does not close it first.
func New(t testing.TB, opts ...Option) *Server {
	s := &Server{
		t:             t,
		logger:        slog.Default().With("component", "fakepgserver"),
		name:          "fakepgserver",
		params:        make(map[string]string),
		closing:       make(chan struct{}),
		conns:         make(map[net.Conn]struct{}),
		data:          make(map[string][]*sqltypes.Result),
		rejectedData:  make(map[string]error),
		fatalData:     make(map[string]*mterrors.PgDiagnostic),
		blocked:       make(map[string]chan struct{}),
		patternData:   make(map[string]exprResult),
		patternCalled: make(map[string]int),
		queryCalled:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakepgserver: failed to listen: %v", err)
	}
	s.listener = listener
	s.address = listener.Addr().String()

	s.wg.Go(s.serve)
	t.Cleanup(s.Close)

	t.Logf("fakepgserver: listening on %s", s.address)
	return s
}

func (s *Server) serve() {
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
			default:
				if !errors.Is(err, net.ErrClosed) {
					s.t.Logf("fakepgserver: accept error: %v", err)
				}
			}
			return
		}

		s.mu.Lock()
		select {
		case <-s.closing:
			s.mu.Unlock()
			_ = netConn.Close()
			return
		default:
		}
		s.conns[netConn] = struct{}{}
		s.mu.Unlock()
		s.connections.Add(1)

		conn := newBackendConn(s, netConn, s.nextConnID.Add(1))
		s.wg.Go(func() {
			defer s.forget(netConn)
			conn.serve()
		})
	}
}

func (s *Server) forget(netConn net.Conn) {
	s.mu.Lock()
	delete(s.conns, netConn)
	s.mu.Unlock()
	_ = netConn.Close()
}

// Close stops accepting connections, closes the open ones and waits for
// their handlers to return. It is idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closing)
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()

		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.t.Logf("fakepgserver: close error: %v", err)
		}
		s.wg.Wait()
	})
}

// Name returns the name of the server.
func (s *Server) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName sets the name used in error messages.
func (s *Server) SetName(name string) *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	return s
}

// Address returns the server's listening address (host:port).
func (s *Server) Address() string {
	return s.address
}

// ClientConfig returns a client.Config for connecting to this server with
// the configured password.
func (s *Server) ClientConfig() *client.Config {
	host, port, err := net.SplitHostPort(s.address)
	if err != nil {
		s.t.Fatalf("fakepgserver: failed to parse address: %v", err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		s.t.Fatalf("fakepgserver: failed to parse port: %v", err)
	}
	return &client.Config{
		Host:     host,
		Port:     portNum,
		User:     DefaultUser,
		Password: s.password,
		Database: DefaultDatabase,
	}
}

// ConnectionCount returns the number of connections accepted so far.
func (s *Server) ConnectionCount() int {
	return int(s.connections.Load())
}

// OpenConnections returns the number of connections currently open.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

//
// Methods to add expected queries and results.
//

// AddQuery adds a query and its expected result.
func (s *Server) AddQuery(q string, result *sqltypes.Result) {
	s.AddMultiStatementQuery(q, result)
}

// AddMultiStatementQuery adds a query whose statements produce results in
// order, as a multi-statement simple query does.
func (s *Server) AddMultiStatementQuery(q string, results ...*sqltypes.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(q)
	s.data[key] = results
	s.queryCalled[key] = 0
}

// AddQueryPattern adds an expected result for a set of queries.
// These patterns are checked if no exact matches from AddQuery() are found.
// This function forces the addition of begin/end anchors (^$) and turns on
// case-insensitive matching mode.
func (s *Server) AddQueryPattern(queryPattern string, result *sqltypes.Result) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternData[queryPattern] = exprResult{
		queryPattern: queryPattern,
		expr:         expr,
		result:       result,
	}
}

// RejectQueryPattern rejects queries matching the pattern with errMsg.
func (s *Server) RejectQueryPattern(queryPattern, errMsg string) {
	expr := regexp.MustCompile("(?is)^" + queryPattern + "$")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternData[queryPattern] = exprResult{
		queryPattern: queryPattern,
		expr:         expr,
		err:          errMsg,
	}
}

// DeleteQuery deletes query from the fake server.
func (s *Server) DeleteQuery(query string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(query)
	delete(s.data, key)
	delete(s.queryCalled, key)
}

// AddRejectedQuery makes query fail with an ERROR response. A
// *mterrors.PgDiagnostic is sent as is; any other error becomes XX000.
// The connection stays usable.
func (s *Server) AddRejectedQuery(query string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectedData[strings.ToLower(query)] = err
}

// AddFatalQuery makes query end the session: the server sends a FATAL
// error with code and message and closes the connection.
func (s *Server) AddFatalQuery(query, code, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatalData[strings.ToLower(query)] = mterrors.NewPgError(mterrors.SeverityFatal, code, message)
}

// BlockQuery holds every execution of query until release is called or
// the server closes. The query is counted by GetQueryCalledNum as soon as
// it arrives.
func (s *Server) BlockQuery(query string) (release func()) {
	gate := make(chan struct{})
	key := strings.ToLower(query)
	s.mu.Lock()
	s.blocked[key] = gate
	s.mu.Unlock()

	return sync.OnceFunc(func() {
		s.mu.Lock()
		if s.blocked[key] == gate {
			delete(s.blocked, key)
		}
		s.mu.Unlock()
		close(gate)
	})
}

// BlockStartup holds new connections before the startup handshake until
// release is called or the server closes.
func (s *Server) BlockStartup() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.startupGate = gate
	s.mu.Unlock()

	return sync.OnceFunc(func() {
		s.mu.Lock()
		if s.startupGate == gate {
			s.startupGate = nil
		}
		s.mu.Unlock()
		close(gate)
	})
}

// GetQueryCalledNum returns how many times the server executed a certain query.
func (s *Server) GetQueryCalledNum(query string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalled[strings.ToLower(query)]
}

// GetPatternCalledNum returns how many times a pattern was matched.
func (s *Server) GetPatternCalledNum(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patternCalled[pattern]
}

// QueryLog returns the query log as a semicolon separated string.
func (s *Server) QueryLog() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.querylog, ";")
}

// ResetQueryLog resets the query log.
func (s *Server) ResetQueryLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.querylog = nil
}

// SetNeverFail makes unmatched queries return empty results instead of errors.
func (s *Server) SetNeverFail(neverFail bool) {
	s.neverFail.Store(neverFail)
}

func (s *Server) startupWait() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupGate
}

// handleQuery decides the response to q. It is called by the connection
// handlers.
func (s *Server) handleQuery(q string) queryResponse {
	key := strings.ToLower(q)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queryCalled[key]++
	s.querylog = append(s.querylog, key)
	gate := s.blocked[key]

	if diag, ok := s.fatalData[key]; ok {
		return queryResponse{fatal: diag, gate: gate}
	}
	if err, ok := s.rejectedData[key]; ok {
		return queryResponse{err: err, gate: gate}
	}
	if results, ok := s.data[key]; ok {
		return queryResponse{results: results, gate: gate}
	}
	for _, pat := range s.patternData {
		if pat.expr.MatchString(q) {
			s.patternCalled[pat.queryPattern]++
			if pat.err != "" {
				return queryResponse{err: errors.New(pat.err), gate: gate}
			}
			return queryResponse{results: []*sqltypes.Result{pat.result}, gate: gate}
		}
	}

	if s.neverFail.Load() {
		return queryResponse{results: []*sqltypes.Result{{CommandTag: "SELECT 0", Fields: []*sqltypes.Field{}}}, gate: gate}
	}
	err := mterrors.NewPgError(mterrors.SeverityError, mterrors.SQLStateSyntaxError,
		fmt.Sprintf("fakepgserver: query '%s' is not supported on %v", q, s.name))
	return queryResponse{err: err, gate: gate}
}

// MakeResult creates a simple sqltypes.Result from column names and row values.
// This is a convenience function for tests. All values are converted to text
// format and typed text, except int64 values, which are typed int8.
func MakeResult(columns []string, rows [][]any) *sqltypes.Result {
	fields := make([]*sqltypes.Field, len(columns))
	for i, col := range columns {
		fields[i] = &sqltypes.Field{
			Name:         col,
			DataTypeOid:  sqltypes.OidText,
			DataTypeSize: -1,
			TypeModifier: -1,
			Type:         sqltypes.TypeName(sqltypes.OidText),
		}
		if len(rows) > 0 && i < len(rows[0]) {
			if _, ok := rows[0][i].(int64); ok {
				fields[i].DataTypeOid = sqltypes.OidInt8
				fields[i].DataTypeSize = 8
				fields[i].Type = sqltypes.TypeName(sqltypes.OidInt8)
			}
		}
	}

	sqlRows := make([]*sqltypes.Row, len(rows))
	for i, row := range rows {
		values := make([]sqltypes.Value, len(row))
		for j, val := range row {
			if val == nil {
				values[j] = nil // NULL
			} else {
				// Converting keeps "" distinct from NULL.
				values[j] = []byte(fmt.Sprint(val))
			}
		}
		sqlRows[i] = &sqltypes.Row{Values: values}
	}

	return &sqltypes.Result{
		Fields:     fields,
		Rows:       sqlRows,
		CommandTag: fmt.Sprintf("SELECT %d", len(rows)),
	}
}

// MakeCommandResult creates the result of a statement that returns no rows,
// such as "INSERT 0 3".
func MakeCommandResult(tag string) *sqltypes.Result {
	return &sqltypes.Result{Fields: []*sqltypes.Field{}, CommandTag: tag}
}
