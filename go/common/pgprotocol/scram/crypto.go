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
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrAuthenticationFailed is returned when a client proof does not match.
var ErrAuthenticationFailed = errors.New("scram: authentication failed")

const (
	keyLen = sha256.Size

	clientKeyLiteral = "Client Key"
	serverKeyLiteral = "Server Key"
)

// SaltedPassword computes Hi(password, salt, iterations), PBKDF2 with HMAC-SHA-256.
func SaltedPassword(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keyLen, sha256.New)
}

// ClientKey computes HMAC(SaltedPassword, "Client Key").
func ClientKey(saltedPassword []byte) []byte {
	return hmacSHA256(saltedPassword, []byte(clientKeyLiteral))
}

// ServerKey computes HMAC(SaltedPassword, "Server Key").
func ServerKey(saltedPassword []byte) []byte {
	return hmacSHA256(saltedPassword, []byte(serverKeyLiteral))
}

// StoredKey computes H(ClientKey).
func StoredKey(clientKey []byte) []byte {
	h := sha256.Sum256(clientKey)
	return h[:]
}

// Signature computes HMAC(key, AuthMessage). With StoredKey it is the
// ClientSignature, with ServerKey the ServerSignature.
func Signature(key []byte, authMessage string) []byte {
	return hmacSHA256(key, []byte(authMessage))
}

// verifyProof recovers ClientKey from proof and checks it hashes to storedKey.
func verifyProof(storedKey []byte, authMessage string, proof []byte) error {
	if len(proof) != keyLen {
		return fmt.Errorf("invalid proof length: expected %d, got %d", keyLen, len(proof))
	}
	clientKey, err := xorBytes(proof, Signature(storedKey, authMessage))
	if err != nil {
		return err
	}
	if !hmac.Equal(StoredKey(clientKey), storedKey) {
		return ErrAuthenticationFailed
	}
	return nil
}

func hmacSHA256(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

func xorBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("xorBytes: length mismatch (a=%d, b=%d)", len(a), len(b))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}
