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
	"fmt"

	"github.com/multigres/pgreactor/go/common/pgprotocol/protocol"
	"github.com/multigres/pgreactor/go/common/pgprotocol/scram"
)

// scramClient runs the SASL message exchange for a scram.Client.
type scramClient struct {
	conn   *Conn
	client *scram.Client
}

func newScramClient(conn *Conn, username, password string) *scramClient {
	return &scramClient{
		conn:   conn,
		client: scram.NewClient(username, password),
	}
}

// authenticate performs the full SCRAM-SHA-256 exchange. The caller reads
// the trailing AuthenticationOk.
func (s *scramClient) authenticate() error {
	first, err := s.client.ClientFirstMessage()
	if err != nil {
		return fmt.Errorf("SCRAM client-first failed: %w", err)
	}
	w := NewMessageWriter()
	w.WriteString(scram.Mechanism)
	w.WriteInt32(int32(len(first)))
	w.WriteBytes([]byte(first))
	if err := s.conn.writeMessage(protocol.MsgPasswordMsg, w.Bytes()); err != nil {
		return fmt.Errorf("SCRAM client-first failed: %w", err)
	}

	serverFirst, err := s.receive(protocol.AuthSASLContinue)
	if err != nil {
		return fmt.Errorf("SCRAM server-first failed: %w", err)
	}

	final, err := s.client.ProcessServerFirst(serverFirst)
	if err != nil {
		return fmt.Errorf("SCRAM client-final failed: %w", err)
	}
	if err := s.conn.writeMessage(protocol.MsgPasswordMsg, []byte(final)); err != nil {
		return fmt.Errorf("SCRAM client-final failed: %w", err)
	}

	serverFinal, err := s.receive(protocol.AuthSASLFinal)
	if err != nil {
		return fmt.Errorf("SCRAM server-final failed: %w", err)
	}
	if err := s.client.VerifyServerFinal(serverFinal); err != nil {
		return fmt.Errorf("SCRAM server-final failed: %w", err)
	}
	return nil
}

// receive reads one AuthenticationRequest of the wanted subtype and returns
// its SASL payload. An ErrorResponse is returned as the diagnostic itself.
func (s *scramClient) receive(want int32) (string, error) {
	msgType, body, err := s.conn.readMessage()
	if err != nil {
		return "", fmt.Errorf("failed to read message: %w", err)
	}
	if msgType == protocol.MsgErrorResponse {
		return "", s.conn.parseError(body)
	}
	if msgType != protocol.MsgAuthenticationRequest {
		return "", fmt.Errorf("expected AuthenticationRequest, got %c", msgType)
	}

	reader := NewMessageReader(body)
	authType, err := reader.ReadInt32()
	if err != nil {
		return "", fmt.Errorf("failed to read auth type: %w", err)
	}
	if authType != want {
		return "", fmt.Errorf("expected auth type %d, got %d", want, authType)
	}
	data, err := reader.ReadBytes(reader.Remaining())
	if err != nil {
		return "", fmt.Errorf("failed to read SASL data: %w", err)
	}
	return string(data), nil
}
