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

	"github.com/multigres/pgreactor/go/common/pgprotocol/client"
	"github.com/multigres/pgreactor/go/common/sqltypes"
)

// Session is an established, blocking wire protocol session. Its methods
// are called from loop owned I/O goroutines, never from the loop itself.
// Close must be safe to call while Query is blocked.
type Session interface {
	Query(ctx context.Context, sql string) ([]*sqltypes.Result, error)
	ServerParams() map[string]string
	Close() error
}

// Dialer opens sessions. Dial must return promptly once ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, params Params) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, params Params) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, params Params) (Session, error) {
	return f(ctx, params)
}

// PGDialer dials PostgreSQL with the native wire client.
type PGDialer struct{}

// Dial opens a session with client.Connect using params.ClientConfig.
func (PGDialer) Dial(ctx context.Context, params Params) (Session, error) {
	conn, err := client.Connect(ctx, params.ClientConfig())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var _ Session = (*client.Conn)(nil)
