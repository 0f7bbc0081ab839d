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

package fakepgserver

import (
	"bufio"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strings"

	"github.com/multigres/pgreactor/go/common/mterrors"
	"github.com/multigres/pgreactor/go/common/pgprotocol/client"
	"github.com/multigres/pgreactor/go/common/pgprotocol/protocol"
	"github.com/multigres/pgreactor/go/common/pgprotocol/scram"
	"github.com/multigres/pgreactor/go/common/sqltypes"
)

const maxMessageLength = 1 << 30

// errSessionEnded is returned after a FATAL error was sent.
var errSessionEnded = errors.New("session ended by server")

// backendConn serves one client connection: startup, authentication, then
// the simple query loop until Terminate or a closed socket.
type backendConn struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	id     uint32
	logger *slog.Logger

	user     string
	database string
}

func newBackendConn(s *Server, conn net.Conn, id uint32) *backendConn {
	return &backendConn{
		server: s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		id:     id,
		logger: s.logger.With("conn_id", id),
	}
}

func (c *backendConn) serve() {
	if err := c.serveErr(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, errSessionEnded) {
		c.logger.Debug("connection error", "error", err)
	}
}

func (c *backendConn) serveErr() error {
	if gate := c.server.startupWait(); gate != nil {
		select {
		case <-gate:
		case <-c.server.closing:
			return net.ErrClosed
		}
	}

	if err := c.handleStartup(); err != nil {
		return err
	}

	for {
		msgType, body, err := c.readMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case protocol.MsgQuery:
			query, err := client.NewMessageReader(body).ReadString()
			if err != nil {
				return fmt.Errorf("failed to read query: %w", err)
			}
			if err := c.handleQuery(query); err != nil {
				return err
			}
		case protocol.MsgTerminate:
			return nil
		default:
			diag := mterrors.NewPgError(mterrors.SeverityError, "08P01", fmt.Sprintf("fakepgserver: unsupported message type %q", msgType))
			c.writeDiagnostic(protocol.MsgErrorResponse, diag)
			c.writeReadyForQuery()
			if err := c.writer.Flush(); err != nil {
				return err
			}
		}
	}
}

//
// Startup and authentication.
//

func (c *backendConn) handleStartup() error {
	buf, err := c.readStartupPacket()
	if err != nil {
		return fmt.Errorf("failed to read startup packet: %w", err)
	}
	reader := client.NewMessageReader(buf)
	code, err := reader.ReadUint32()
	if err != nil {
		return fmt.Errorf("failed to read protocol code: %w", err)
	}

	if code == protocol.SSLRequestCode {
		// TLS is not offered; the client continues in plaintext or gives up.
		if err := c.writer.WriteByte('N'); err != nil {
			return err
		}
		if err := c.writer.Flush(); err != nil {
			return err
		}
		if buf, err = c.readStartupPacket(); err != nil {
			return fmt.Errorf("failed to read startup message after SSL: %w", err)
		}
		reader = client.NewMessageReader(buf)
		if code, err = reader.ReadUint32(); err != nil {
			return fmt.Errorf("failed to read protocol code: %w", err)
		}
	}

	if !protocol.ProtocolVersion(code).IsSupported() {
		return c.fatal(mterrors.NewPgError(mterrors.SeverityFatal, "0A000",
			fmt.Sprintf("unsupported frontend protocol %s", protocol.ProtocolVersion(code))))
	}

	for {
		key, err := reader.ReadString()
		if err != nil {
			return fmt.Errorf("failed to read startup parameter: %w", err)
		}
		if key == "" {
			break
		}
		value, err := reader.ReadString()
		if err != nil {
			return fmt.Errorf("failed to read startup parameter %q: %w", key, err)
		}
		switch key {
		case "user":
			c.user = value
		case "database":
			c.database = value
		}
	}
	if c.user == "" {
		return c.fatal(mterrors.NewPgError(mterrors.SeverityFatal, mterrors.SQLStateInvalidAuthorization, "no PostgreSQL user name specified in startup packet"))
	}

	if err := c.authenticate(); err != nil {
		return err
	}

	c.writeAuth(protocol.AuthOk, nil)
	c.writeParameterStatuses()
	c.writeBackendKeyData()
	c.writeReadyForQuery()
	return c.writer.Flush()
}

func (c *backendConn) authenticate() error {
	s := c.server
	switch s.authMethod {
	case AuthTrust:
		return nil

	case AuthCleartext:
		c.writeAuth(protocol.AuthCleartextPassword, nil)
		got, err := c.readPassword()
		if err != nil {
			return err
		}
		if got != s.password {
			return c.passwordFailed()
		}
		return nil

	case AuthMD5:
		salt := make([]byte, 4)
		_, _ = rand.Read(salt)
		c.writeAuth(protocol.AuthMD5Password, salt)
		got, err := c.readPassword()
		if err != nil {
			return err
		}
		if got != md5Password(c.user, s.password, salt) {
			return c.passwordFailed()
		}
		return nil

	case AuthSCRAM:
		return c.authenticateSCRAM()

	default:
		return fmt.Errorf("unknown auth method %d", s.authMethod)
	}
}

func (c *backendConn) authenticateSCRAM() error {
	exchange, err := scram.NewServerExchange(c.server.password, nil, scram.DefaultIterations)
	if err != nil {
		return err
	}

	w := client.NewMessageWriter()
	w.WriteString(scram.Mechanism)
	w.WriteByte(0)
	c.writeAuth(protocol.AuthSASL, w.Bytes())

	body, err := c.readPasswordMessage()
	if err != nil {
		return err
	}
	reader := client.NewMessageReader(body)
	mechanism, err := reader.ReadString()
	if err != nil {
		return fmt.Errorf("failed to read SASL mechanism: %w", err)
	}
	if mechanism != scram.Mechanism {
		return c.fatal(mterrors.NewPgError(mterrors.SeverityFatal, "28000", "unsupported SASL mechanism "+mechanism))
	}
	n, err := reader.ReadInt32()
	if err != nil {
		return fmt.Errorf("failed to read SASL data length: %w", err)
	}
	first, err := reader.ReadBytes(int(n))
	if err != nil {
		return fmt.Errorf("failed to read SASL data: %w", err)
	}

	serverFirst, err := exchange.HandleClientFirst(string(first))
	if err != nil {
		return c.fatal(mterrors.NewPgError(mterrors.SeverityFatal, "08P01", err.Error()))
	}
	c.writeAuth(protocol.AuthSASLContinue, []byte(serverFirst))

	final, err := c.readPasswordMessage()
	if err != nil {
		return err
	}
	serverFinal, err := exchange.HandleClientFinal(string(final))
	if errors.Is(err, scram.ErrAuthenticationFailed) {
		return c.passwordFailed()
	}
	if err != nil {
		return c.fatal(mterrors.NewPgError(mterrors.SeverityFatal, "08P01", err.Error()))
	}
	c.writeAuth(protocol.AuthSASLFinal, []byte(serverFinal))
	return nil
}

func (c *backendConn) passwordFailed() error {
	return c.fatal(mterrors.NewPgError(mterrors.SeverityFatal, mterrors.SQLStateInvalidPassword,
		fmt.Sprintf("password authentication failed for user %q", c.user)))
}

// readPasswordMessage flushes pending output and reads a PasswordMessage.
func (c *backendConn) readPasswordMessage() ([]byte, error) {
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	msgType, body, err := c.readMessage()
	if err != nil {
		return nil, err
	}
	if msgType != protocol.MsgPasswordMsg {
		return nil, c.fatal(mterrors.NewPgError(mterrors.SeverityFatal, "08P01",
			fmt.Sprintf("expected password response, got message type %q", msgType)))
	}
	return body, nil
}

func (c *backendConn) readPassword() (string, error) {
	body, err := c.readPasswordMessage()
	if err != nil {
		return "", err
	}
	return client.NewMessageReader(body).ReadString()
}

// md5Password returns "md5" + md5(md5(password + user) + salt).
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user)) //nolint:gosec // Required by PostgreSQL protocol
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt...)) //nolint:gosec // Required by PostgreSQL protocol
	return "md5" + hex.EncodeToString(outer[:])
}

//
// Query handling.
//

func (c *backendConn) handleQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		c.writeMessage(protocol.MsgEmptyQueryResponse, nil)
		c.writeReadyForQuery()
		return c.writer.Flush()
	}

	resp := c.server.handleQuery(query)
	if resp.gate != nil {
		select {
		case <-resp.gate:
		case <-c.server.closing:
			return net.ErrClosed
		}
	}

	switch {
	case resp.fatal != nil:
		return c.fatal(resp.fatal)

	case resp.err != nil:
		diag, ok := mterrors.Diagnostic(resp.err)
		if !ok {
			diag = mterrors.NewPgError(mterrors.SeverityError, mterrors.SQLStateInternalError, resp.err.Error())
		}
		c.writeDiagnostic(protocol.MsgErrorResponse, diag)

	default:
		for _, result := range resp.results {
			c.writeResult(result)
		}
	}

	c.writeReadyForQuery()
	return c.writer.Flush()
}

func (c *backendConn) writeResult(result *sqltypes.Result) {
	for _, notice := range result.Notices {
		c.writeDiagnostic(protocol.MsgNoticeResponse, notice)
	}
	if result.Fields == nil && result.CommandTag == "" {
		// A result carrying only notices adds no statement of its own.
		if len(result.Notices) == 0 {
			c.writeMessage(protocol.MsgEmptyQueryResponse, nil)
		}
		return
	}
	if len(result.Fields) > 0 {
		c.writeRowDescription(result.Fields)
	}
	for _, row := range result.Rows {
		c.writeDataRow(row)
	}
	w := client.NewMessageWriter()
	w.WriteString(result.CommandTag)
	c.writeMessage(protocol.MsgCommandComplete, w.Bytes())
}

func (c *backendConn) writeRowDescription(fields []*sqltypes.Field) {
	w := client.NewMessageWriter()
	w.WriteInt16(int16(len(fields)))
	for _, f := range fields {
		w.WriteString(f.Name)
		w.WriteUint32(f.TableOid)
		w.WriteInt16(int16(f.TableAttributeNumber))
		w.WriteUint32(f.DataTypeOid)
		w.WriteInt16(int16(f.DataTypeSize))
		w.WriteInt32(f.TypeModifier)
		w.WriteInt16(int16(f.Format))
	}
	c.writeMessage(protocol.MsgRowDescription, w.Bytes())
}

func (c *backendConn) writeDataRow(row *sqltypes.Row) {
	w := client.NewMessageWriter()
	w.WriteInt16(int16(len(row.Values)))
	for _, v := range row.Values {
		w.WriteByteString(v)
	}
	c.writeMessage(protocol.MsgDataRow, w.Bytes())
}

//
// Message framing.
//

func (c *backendConn) readStartupPacket() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.reader, hdr[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(hdr[:]))
	if length < 8 || length > protocol.MaxStartupPacketLength {
		return nil, fmt.Errorf("invalid startup packet length %d", length)
	}
	buf := make([]byte, length-4)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *backendConn) readMessage() (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(c.reader, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := int(binary.BigEndian.Uint32(hdr[1:]))
	if length < 4 || length > maxMessageLength {
		return 0, nil, fmt.Errorf("invalid message length %d", length)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return 0, nil, err
	}
	return hdr[0], body, nil
}

// writeMessage buffers one message. Write errors surface on Flush.
func (c *backendConn) writeMessage(msgType byte, body []byte) {
	var hdr [5]byte
	hdr[0] = msgType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(body)+4))
	_, _ = c.writer.Write(hdr[:])
	_, _ = c.writer.Write(body)
}

func (c *backendConn) writeAuth(code int32, data []byte) {
	w := client.NewMessageWriter()
	w.WriteInt32(code)
	w.WriteBytes(data)
	c.writeMessage(protocol.MsgAuthenticationRequest, w.Bytes())
}

func (c *backendConn) writeParameterStatuses() {
	params := map[string]string{
		"server_version":    "16.0 (fakepgserver)",
		"server_encoding":   "UTF8",
		"client_encoding":   "UTF8",
		"DateStyle":         "ISO, MDY",
		"integer_datetimes": "on",
	}
	maps.Copy(params, c.server.params)
	for _, name := range slices.Sorted(maps.Keys(params)) {
		w := client.NewMessageWriter()
		w.WriteString(name)
		w.WriteString(params[name])
		c.writeMessage(protocol.MsgParameterStatus, w.Bytes())
	}
}

func (c *backendConn) writeBackendKeyData() {
	w := client.NewMessageWriter()
	w.WriteUint32(c.id)
	w.WriteUint32(c.id * 7919)
	c.writeMessage(protocol.MsgBackendKeyData, w.Bytes())
}

func (c *backendConn) writeReadyForQuery() {
	c.writeMessage(protocol.MsgReadyForQuery, []byte{protocol.TxnStatusIdle})
}

func (c *backendConn) writeDiagnostic(msgType byte, diag *mterrors.PgDiagnostic) {
	w := client.NewMessageWriter()
	field := func(code byte, value string) {
		if value != "" {
			w.WriteByte(code)
			w.WriteString(value)
		}
	}
	field(protocol.FieldSeverity, diag.Severity)
	field(protocol.FieldSeverityV, diag.Severity)
	field(protocol.FieldCode, diag.Code)
	field(protocol.FieldMessage, diag.Message)
	field(protocol.FieldDetail, diag.Detail)
	field(protocol.FieldHint, diag.Hint)
	field(protocol.FieldTable, diag.Table)
	field(protocol.FieldConstraint, diag.Constraint)
	w.WriteByte(0)
	c.writeMessage(msgType, w.Bytes())
}

// fatal sends diag and ends the session.
func (c *backendConn) fatal(diag *mterrors.PgDiagnostic) error {
	c.writeDiagnostic(protocol.MsgErrorResponse, diag)
	if err := c.writer.Flush(); err != nil {
		return err
	}
	return errSessionEnded
}
