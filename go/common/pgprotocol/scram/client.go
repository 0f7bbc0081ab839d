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
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// nonceLength is the number of random bytes in a nonce before base64.
const nonceLength = 24

// Client is the frontend half of one SCRAM-SHA-256 exchange. It is not
// reusable across exchanges.
type Client struct {
	username string
	password string

	// newNonce is replaced in tests to pin the client nonce.
	newNonce func() (string, error)

	nonce       string
	firstBare   string
	authMessage string
	serverKey   []byte
}

// NewClient returns a Client that authenticates username with password.
func NewClient(username, password string) *Client {
	return &Client{username: username, password: password, newNonce: randomNonce}
}

// ClientFirstMessage returns the client-first-message, GS2 header included.
func (c *Client) ClientFirstMessage() (string, error) {
	nonce, err := c.newNonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate client nonce: %w", err)
	}
	c.nonce = nonce
	c.firstBare = "n=" + encodeSaslName(c.username) + ",r=" + nonce
	return gs2Header + c.firstBare, nil
}

// ProcessServerFirst consumes the server-first-message and returns the
// client-final-message carrying the proof.
func (c *Client) ProcessServerFirst(msg string) (string, error) {
	if c.nonce == "" {
		return "", errors.New("ProcessServerFirst called before ClientFirstMessage")
	}
	sf, err := parseServerFirst(msg)
	if err != nil {
		return "", fmt.Errorf("failed to parse server-first-message: %w", err)
	}
	if !strings.HasPrefix(sf.nonce, c.nonce) {
		return "", errors.New("server nonce does not start with client nonce")
	}

	withoutProof := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header)) + ",r=" + sf.nonce
	c.authMessage = authMessage(c.firstBare, msg, withoutProof)

	salted := SaltedPassword(c.password, sf.salt, sf.iterations)
	clientKey := ClientKey(salted)
	c.serverKey = ServerKey(salted)

	proof, err := xorBytes(clientKey, Signature(StoredKey(clientKey), c.authMessage))
	if err != nil {
		return "", fmt.Errorf("failed to compute client proof: %w", err)
	}
	return withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// VerifyServerFinal checks the server signature in "v=...".
func (c *Client) VerifyServerFinal(msg string) error {
	if strings.HasPrefix(msg, "e=") {
		return fmt.Errorf("server reported SCRAM error: %s", msg[2:])
	}
	if !strings.HasPrefix(msg, "v=") {
		return errors.New("invalid server-final-message: expected v=...")
	}
	if c.serverKey == nil {
		return errors.New("VerifyServerFinal called before ProcessServerFirst")
	}
	sig, err := base64.StdEncoding.DecodeString(msg[2:])
	if err != nil {
		return fmt.Errorf("invalid server signature: %w", err)
	}
	if !hmac.Equal(sig, Signature(c.serverKey, c.authMessage)) {
		return errors.New("server signature verification failed")
	}
	return nil
}

func randomNonce() (string, error) {
	b := make([]byte, nonceLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
