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

package client

import (
	"bufio"
	"context"
	"crypto/md5" //nolint:gosec // MD5 is required by PostgreSQL's legacy authentication protocol
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/multigres/pgreactor/go/common/pgprotocol/protocol"
	"github.com/multigres/pgreactor/go/common/pgprotocol/scram"
)

// errServerRefusedSSL is returned when the server answers SSLRequest with 'N'.
var errServerRefusedSSL = errors.New("server does not support SSL")

// startup performs SSL negotiation (if configured), sends the startup
// message, and runs authentication until the first ReadyForQuery.
func (c *Conn) startup(ctx context.Context) error {
	stop := c.watchContext(ctx)
	defer stop()

	if c.config.TLSConfig != nil && c.config.SocketFile == "" {
		if err := c.negotiateSSL(ctx); err != nil {
			if !errors.Is(err, errServerRefusedSSL) || !c.config.TLSOptional {
				return fmt.Errorf("SSL negotiation failed: %w", err)
			}
		}
	}

	if err := c.sendStartupMessage(); err != nil {
		return ioError(ctx, "failed to send startup message", err)
	}

	return c.processStartupResponses(ctx)
}

// negotiateSSL sends SSLRequest and upgrades the socket when the server
// answers 'S'.
func (c *Conn) negotiateSSL(ctx context.Context) error {
	w := NewMessageWriter()
	w.WriteUint32(protocol.SSLRequestCode)
	if err := c.writeUntypedMessage(w.Bytes()); err != nil {
		return ioError(ctx, "failed to send SSL request", err)
	}

	response, err := c.bufferedReader.ReadByte()
	if err != nil {
		return ioError(ctx, "failed to read SSL response", err)
	}
	switch response {
	case 'N':
		return errServerRefusedSSL
	case 'S':
	default:
		return fmt.Errorf("unexpected SSL response: %c", response)
	}

	cfg := c.config.TLSConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.config.Host
	}
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.conn = tlsConn
	c.bufferedReader = bufio.NewReaderSize(tlsConn, connBufferSize)
	c.bufferedWriter = bufio.NewWriterSize(tlsConn, connBufferSize)
	return nil
}

// sendStartupMessage sends the StartupMessage with user, database and the
// extra parameters in key order.
func (c *Conn) sendStartupMessage() error {
	w := NewMessageWriter()
	w.WriteUint32(protocol.ProtocolVersionNumber)

	w.WriteString("user")
	w.WriteString(c.config.User)

	// The server defaults database to the user name.
	if c.config.Database != "" {
		w.WriteString("database")
		w.WriteString(c.config.Database)
	}

	keys := make([]string, 0, len(c.config.Parameters))
	for k := range c.config.Parameters {
		if k == "user" || k == "database" {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		w.WriteString(k)
		w.WriteString(c.config.Parameters[k])
	}

	w.WriteByte(0)
	return c.writeUntypedMessage(w.Bytes())
}

// processStartupResponses processes all messages until ReadyForQuery.
func (c *Conn) processStartupResponses(ctx context.Context) error {
	for {
		msgType, body, err := c.readMessage()
		if err != nil {
			return ioError(ctx, "failed to read startup response", err)
		}

		switch msgType {
		case protocol.MsgAuthenticationRequest:
			if err := c.handleAuthenticationRequest(body); err != nil {
				return err
			}

		case protocol.MsgBackendKeyData:
			if err := c.handleBackendKeyData(body); err != nil {
				return err
			}

		case protocol.MsgParameterStatus:
			if err := c.handleParameterStatus(body); err != nil {
				return err
			}

		case protocol.MsgReadyForQuery:
			return c.handleReadyForQuery(body)

		case protocol.MsgErrorResponse:
			return c.parseError(body)

		case protocol.MsgNoticeResponse:
			// Ignore notices during startup.

		default:
			return fmt.Errorf("unexpected message type during startup: %c (0x%02x)", msgType, msgType)
		}
	}
}

// handleAuthenticationRequest answers one AuthenticationRequest message.
func (c *Conn) handleAuthenticationRequest(body []byte) error {
	if len(body) < 4 {
		return errors.New("authentication message too short")
	}

	reader := NewMessageReader(body)
	authType, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read auth type: %w", err)
	}

	switch authType {
	case protocol.AuthOk:
		return nil

	case protocol.AuthCleartextPassword:
		return c.sendPasswordMessage(c.config.Password)

	case protocol.AuthMD5Password:
		salt, err := reader.ReadBytes(4)
		if err != nil {
			return fmt.Errorf("failed to read MD5 salt: %w", err)
		}
		return c.sendPasswordMessage(md5Password(c.config.User, c.config.Password, salt))

	case protocol.AuthSASL:
		var mechanisms []string
		for reader.Remaining() > 0 {
			mech, err := reader.ReadString()
			if err != nil {
				return fmt.Errorf("failed to read SASL mechanism: %w", err)
			}
			if mech == "" {
				break
			}
			mechanisms = append(mechanisms, mech)
		}
		if !slices.Contains(mechanisms, scram.Mechanism) {
			return fmt.Errorf("server does not support %s (available: %v)", scram.Mechanism, mechanisms)
		}
		return newScramClient(c, c.config.User, c.config.Password).authenticate()

	default:
		return fmt.Errorf("unsupported authentication method: %d", authType)
	}
}

func (c *Conn) sendPasswordMessage(password string) error {
	w := NewMessageWriter()
	w.WriteString(password)
	return c.writeMessage(protocol.MsgPasswordMsg, w.Bytes())
}

// md5Password returns "md5" + md5(md5(password + user) + salt).
func md5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user)) //nolint:gosec // Required by PostgreSQL protocol
	h2 := md5.New()                        //nolint:gosec // Required by PostgreSQL protocol
	h2.Write([]byte(hex.EncodeToString(h1[:])))
	h2.Write(salt)
	return "md5" + hex.EncodeToString(h2.Sum(nil))
}

func (c *Conn) handleBackendKeyData(body []byte) error {
	reader := NewMessageReader(body)
	processID, err := reader.ReadUint32()
	if err != nil {
		return fmt.Errorf("failed to read process ID: %w", err)
	}
	secretKey, err := reader.ReadUint32()
	if err != nil {
		return fmt.Errorf("failed to read secret key: %w", err)
	}
	c.processID = processID
	c.secretKey = secretKey
	return nil
}

func (c *Conn) handleParameterStatus(body []byte) error {
	reader := NewMessageReader(body)
	name, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read parameter name: %w", err)
	}
	value, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read parameter value: %w", err)
	}

	c.paramsMu.Lock()
	c.serverParams[name] = value
	c.paramsMu.Unlock()
	return nil
}

func (c *Conn) handleReadyForQuery(body []byte) error {
	if len(body) != 1 {
		return fmt.Errorf("invalid ReadyForQuery length: %d", len(body))
	}
	switch body[0] {
	case protocol.TxnStatusIdle, protocol.TxnStatusInBlock, protocol.TxnStatusFailed:
		c.txnStatus = body[0]
		return nil
	default:
		return fmt.Errorf("invalid transaction status: %c", body[0])
	}
}
