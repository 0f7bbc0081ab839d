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

package scram

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// DefaultIterations matches PostgreSQL's scram_iterations default.
const DefaultIterations = 4096

// ServerExchange is the backend half of one SCRAM-SHA-256 exchange against
// a known plaintext password.
type ServerExchange struct {
	storedKey  []byte
	serverKey  []byte
	salt       []byte
	iterations int

	newNonce func() (string, error)

	firstBare   string
	serverFirst string
	nonce       string
}

// NewServerExchange derives the verifier for password. A nil salt gets a
// random one.
func NewServerExchange(password string, salt []byte, iterations int) (*ServerExchange, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if len(salt) == 0 {
		s, err := randomNonce()
		if err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		salt = []byte(s)[:16]
	}
	salted := SaltedPassword(password, salt, iterations)
	return &ServerExchange{
		storedKey:  StoredKey(ClientKey(salted)),
		serverKey:  ServerKey(salted),
		salt:       salt,
		iterations: iterations,
		newNonce:   randomNonce,
	}, nil
}

// HandleClientFirst consumes the client-first-message and returns the
// server-first-message.
func (s *ServerExchange) HandleClientFirst(msg string) (string, error) {
	cf, err := parseClientFirst(msg)
	if err != nil {
		return "", err
	}
	serverNonce, err := s.newNonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate server nonce: %w", err)
	}
	s.firstBare = cf.bare
	s.nonce = cf.nonce + serverNonce
	s.serverFirst = fmt.Sprintf("r=%s,s=%s,i=%d", s.nonce, base64.StdEncoding.EncodeToString(s.salt), s.iterations)
	return s.serverFirst, nil
}

// HandleClientFinal verifies the client proof and returns the
// server-final-message. A wrong password yields ErrAuthenticationFailed.
func (s *ServerExchange) HandleClientFinal(msg string) (string, error) {
	if s.serverFirst == "" {
		return "", errors.New("HandleClientFinal called before HandleClientFirst")
	}
	cf, err := parseClientFinal(msg)
	if err != nil {
		return "", err
	}
	if cf.nonce != s.nonce {
		return "", errors.New("client-final nonce does not match")
	}
	am := authMessage(s.firstBare, s.serverFirst, cf.withoutProof)
	if err := verifyProof(s.storedKey, am, cf.proof); err != nil {
		return "", err
	}
	return "v=" + base64.StdEncoding.EncodeToString(Signature(s.serverKey, am)), nil
}
