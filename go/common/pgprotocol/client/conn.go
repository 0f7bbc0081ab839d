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

// Package client is a blocking PostgreSQL v3 wire protocol client. It covers
// the startup handshake, password and SCRAM authentication, and the simple
// query protocol.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"maps"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multigres/pgreactor/go/common/pgprotocol/protocol"
)

const (
	// connBufferSize is the size of read and write buffers.
	connBufferSize = 16 * 1024
)

// ErrConnClosed is returned by operations on a closed connection.
var ErrConnClosed = errors.New("connection is closed")

// Config holds the configuration for connecting to a PostgreSQL server.
type Config struct {
	// Host is the server hostname or IP address (for TCP connections).
	// Ignored if SocketFile is set.
	Host string

	// Port is the server port number (for TCP connections).
	Port int

	// SocketFile is the full path to the PostgreSQL Unix socket file.
	// Example: /var/run/postgresql/.s.PGSQL.5432
	SocketFile string

	// User is the PostgreSQL user name.
	User string

	// Password is the user's password (optional for trust auth).
	Password string

	// Database is the database name to connect to.
	Database string

	// Parameters are additional startup parameters (application_name, ...).
	Parameters map[string]string

	// TLSConfig enables SSL negotiation for TCP connections.
	TLSConfig *tls.Config

	// TLSOptional continues without TLS when the server refuses SSL
	// (sslmode=prefer). When false a refusal fails the connect.
	TLSOptional bool

	// DialTimeout is the timeout for establishing the TCP connection.
	DialTimeout time.Duration
}

// Address returns the dial target, for logs and errors.
func (c *Config) Address() string {
	if c.SocketFile != "" {
		return c.SocketFile
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Conn is a client connection to a PostgreSQL server.
//
// Query and QueryStreaming are serialized by bufmu. Close may be called
// from any goroutine, including while a query is blocked on the socket.
type Conn struct {
	conn           net.Conn
	bufferedReader *bufio.Reader
	bufferedWriter *bufio.Writer

	// bufmu protects bufferedReader and bufferedWriter.
	bufmu sync.Mutex

	config *Config

	// Backend key data received from the server.
	processID uint32
	secretKey uint32

	// paramsMu guards serverParams, which ParameterStatus can update mid-query.
	paramsMu     sync.Mutex
	serverParams map[string]string

	txnStatus protocol.TransactionStatus

	closed atomic.Bool
}

// Connect dials the server and performs the startup handshake. Cancelling
// ctx aborts a blocked dial or handshake.
func Connect(ctx context.Context, config *Config) (*Conn, error) {
	dialer := &net.Dialer{
		Timeout: config.DialTimeout,
	}

	var netConn net.Conn
	var err error
	if config.SocketFile != "" {
		netConn, err = dialer.DialContext(ctx, "unix", config.SocketFile)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", config.Address())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Address(), err)
	}

	c := newConn(netConn, config)
	if err := c.startup(ctx); err != nil {
		c.closed.Store(true)
		_ = c.conn.Close()
		return nil, err
	}
	return c, nil
}

func newConn(netConn net.Conn, config *Config) *Conn {
	return &Conn{
		conn:           netConn,
		bufferedReader: bufio.NewReaderSize(netConn, connBufferSize),
		bufferedWriter: bufio.NewWriterSize(netConn, connBufferSize),
		config:         config,
		serverParams:   make(map[string]string),
		txnStatus:      protocol.TxnStatusIdle,
	}
}

// Close sends Terminate when no query is running, then closes the socket.
// Closing the socket unblocks any query waiting on it.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Terminate is best effort: a blocked query holds bufmu.
	if c.bufmu.TryLock() {
		_ = c.writeTerminate()
		_ = c.flush()
		c.bufmu.Unlock()
	}

	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ProcessID returns the backend process ID.
func (c *Conn) ProcessID() uint32 {
	return c.processID
}

// SecretKey returns the backend secret key for query cancellation.
func (c *Conn) SecretKey() uint32 {
	return c.secretKey
}

// ServerParams returns a copy of the server parameters reported so far.
func (c *Conn) ServerParams() map[string]string {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()
	return maps.Clone(c.serverParams)
}

// TxnStatus returns the transaction status from the last ReadyForQuery.
func (c *Conn) TxnStatus() protocol.TransactionStatus {
	return c.txnStatus
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// watchContext makes blocked socket I/O fail once ctx is done. The returned
// func must be called when the I/O is finished.
func (c *Conn) watchContext(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
}

// ioError attributes an I/O failure to ctx when ctx caused it.
func ioError(ctx context.Context, what string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", what, ctxErr)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (c *Conn) flush() error {
	return c.bufferedWriter.Flush()
}
