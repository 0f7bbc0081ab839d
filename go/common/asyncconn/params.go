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
	"crypto/tls"
	"fmt"
	"maps"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/multigres/pgreactor/go/common/pgprotocol/client"
)

// DefaultPort is used when Params.Port is zero.
const DefaultPort = 5432

// Params are the connection parameters of one session.
type Params struct {
	// Host is a hostname, an IP address, or an absolute directory holding
	// the server's Unix socket.
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Parameters are extra startup parameters such as application_name.
	Parameters map[string]string

	// ConnectTimeout bounds the handshake. Zero disables the timeout.
	ConnectTimeout time.Duration

	// TLSConfig requests SSL. With TLSOptional a refusal falls back to a
	// plaintext session.
	TLSConfig   *tls.Config
	TLSOptional bool
}

func (p Params) port() int {
	if p.Port == 0 {
		return DefaultPort
	}
	return p.Port
}

// Address returns the dial target.
func (p Params) Address() string {
	if p.isSocket() {
		return p.socketFile()
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.port()))
}

func (p Params) isSocket() bool {
	return strings.HasPrefix(p.Host, "/")
}

func (p Params) socketFile() string {
	return fmt.Sprintf("%s/.s.PGSQL.%d", strings.TrimSuffix(p.Host, "/"), p.port())
}

// ClientConfig converts p to the wire client configuration.
func (p Params) ClientConfig() *client.Config {
	cfg := &client.Config{
		User:        p.User,
		Password:    p.Password,
		Database:    p.Database,
		Parameters:  p.Parameters,
		TLSConfig:   p.TLSConfig,
		TLSOptional: p.TLSOptional,
		DialTimeout: p.ConnectTimeout,
	}
	if p.isSocket() {
		cfg.SocketFile = p.socketFile()
	} else {
		cfg.Host = p.Host
		cfg.Port = p.port()
	}
	return cfg
}

// ParseDSN parses a postgres:// URL or a keyword/value connection string.
// Unset values fall back to the PG* environment variables and libpq
// defaults. Only the first host is used.
func ParseDSN(dsn string) (Params, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return Params{}, fmt.Errorf("invalid dsn: %w", err)
	}

	p := Params{
		Host:           cfg.Host,
		Port:           int(cfg.Port),
		User:           cfg.User,
		Password:       cfg.Password,
		Database:       cfg.Database,
		ConnectTimeout: cfg.ConnectTimeout,
		TLSConfig:      cfg.TLSConfig,
	}
	if len(cfg.RuntimeParams) > 0 {
		p.Parameters = maps.Clone(cfg.RuntimeParams)
	}

	// pgconn expresses sslmode=prefer and allow as a fallback to the same
	// host with TLS toggled: prefer tries TLS first, allow tries plaintext
	// first. The client only negotiates TLS then falls back, so both map to
	// TLSOptional with the TLS config of whichever entry has one.
	for _, fb := range cfg.Fallbacks {
		if fb.Host != cfg.Host || fb.Port != cfg.Port {
			continue
		}
		if p.TLSConfig != nil && fb.TLSConfig == nil {
			p.TLSOptional = true
			break
		}
		if p.TLSConfig == nil && fb.TLSConfig != nil {
			p.TLSConfig = fb.TLSConfig
			p.TLSOptional = true
			break
		}
	}
	return p, nil
}
