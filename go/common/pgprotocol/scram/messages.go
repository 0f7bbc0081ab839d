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
	"strconv"
	"strings"
)

// Mechanism is the SASL mechanism name advertised by PostgreSQL.
const Mechanism = "SCRAM-SHA-256"

// gs2Header is "no channel binding, no authzid". Its base64 form "biws"
// is the c= attribute of the client-final-message.
const gs2Header = "n,,"

type clientFirst struct {
	username string
	nonce    string
	bare     string
}

type clientFinal struct {
	nonce        string
	proof        []byte
	withoutProof string
}

type serverFirst struct {
	nonce      string
	salt       []byte
	iterations int
}

// parseClientFirst parses "n,,n=user,r=nonce".
func parseClientFirst(msg string) (*clientFirst, error) {
	parts := strings.SplitN(msg, ",", 3)
	if len(parts) < 3 {
		return nil, errors.New("invalid client-first-message: expected gs2 header and bare message")
	}
	switch {
	case parts[0] == "n", parts[0] == "y":
	case strings.HasPrefix(parts[0], "p="):
		return nil, fmt.Errorf("channel binding not supported (client requested %q)", parts[0])
	default:
		return nil, fmt.Errorf("invalid GS2 channel binding flag: %q", parts[0])
	}

	m := &clientFirst{bare: parts[2]}
	for attr := range strings.SplitSeq(m.bare, ",") {
		switch {
		case strings.HasPrefix(attr, "n="):
			m.username = decodeSaslName(attr[2:])
		case strings.HasPrefix(attr, "r="):
			m.nonce = attr[2:]
		}
	}
	if m.nonce == "" {
		return nil, errors.New("missing nonce in client-first-message")
	}
	return m, nil
}

// parseClientFinal parses "c=biws,r=nonce,p=proof".
func parseClientFinal(msg string) (*clientFinal, error) {
	idx := strings.LastIndex(msg, ",p=")
	if idx == -1 {
		return nil, errors.New("missing proof in client-final-message")
	}
	m := &clientFinal{withoutProof: msg[:idx]}
	proof, err := base64.StdEncoding.DecodeString(msg[idx+3:])
	if err != nil {
		return nil, fmt.Errorf("invalid proof: %w", err)
	}
	m.proof = proof

	var binding string
	for attr := range strings.SplitSeq(m.withoutProof, ",") {
		switch {
		case strings.HasPrefix(attr, "c="):
			binding = attr[2:]
		case strings.HasPrefix(attr, "r="):
			m.nonce = attr[2:]
		}
	}
	if binding == "" {
		return nil, errors.New("missing channel binding in client-final-message")
	}
	if m.nonce == "" {
		return nil, errors.New("missing nonce in client-final-message")
	}
	return m, nil
}

// parseServerFirst parses "r=nonce,s=salt,i=iterations".
func parseServerFirst(msg string) (*serverFirst, error) {
	if msg == "" {
		return nil, errors.New("empty server-first-message")
	}
	m := &serverFirst{}
	for attr := range strings.SplitSeq(msg, ",") {
		var err error
		switch {
		case strings.HasPrefix(attr, "r="):
			m.nonce = attr[2:]
		case strings.HasPrefix(attr, "s="):
			if m.salt, err = base64.StdEncoding.DecodeString(attr[2:]); err != nil {
				return nil, fmt.Errorf("invalid salt: %w", err)
			}
		case strings.HasPrefix(attr, "i="):
			if m.iterations, err = strconv.Atoi(attr[2:]); err != nil {
				return nil, fmt.Errorf("invalid iterations: %w", err)
			}
		}
	}
	switch {
	case m.nonce == "":
		return nil, errors.New("missing nonce in server-first-message")
	case len(m.salt) == 0:
		return nil, errors.New("missing salt in server-first-message")
	case m.iterations <= 0:
		return nil, errors.New("missing iterations in server-first-message")
	}
	return m, nil
}

func authMessage(clientFirstBare, serverFirst, clientFinalWithoutProof string) string {
	return clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
}

// In SASL names '=' is sent as "=3D" and ',' as "=2C".
func encodeSaslName(s string) string {
	s = strings.ReplaceAll(s, "=", "=3D")
	return strings.ReplaceAll(s, ",", "=2C")
}

func decodeSaslName(s string) string {
	s = strings.ReplaceAll(s, "=2C", ",")
	return strings.ReplaceAll(s, "=3D", "=")
}
