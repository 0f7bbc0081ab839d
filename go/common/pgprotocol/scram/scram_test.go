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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Exchange from RFC 7677 section 3.
const (
	rfcUser        = "user"
	rfcPassword    = "pencil"
	rfcClientNonce = "rOprNGfwEbeRWgbNEkqO"
	rfcServerNonce = "%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0"
	rfcSalt        = "W22ZaJ0SNY7soEsUEjb6gQ=="
	rfcClientFirst = "n,,n=user,r=rOprNGfwEbeRWgbNEkqO"
	rfcServerFirst = "r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,s=W22ZaJ0SNY7soEsUEjb6gQ==,i=4096"
	rfcClientFinal = "c=biws,r=rOprNGfwEbeRWgbNEkqO%hvYDpWUa2RaTCAfuxFIlj)hNlF$k0,p=dHzbZapWIk4jUhN+Ute9ytag9zjfMHgsqmmiz7AndVQ="
	rfcServerFinal = "v=6rriTRBi23WpRR/wtup+mMhUZUn/dB5nLTJRsjl95G4="
	rfcIterations  = 4096
)

func fixed(s string) func() (string, error) {
	return func() (string, error) { return s, nil }
}

func TestClientRFC7677(t *testing.T) {
	c := NewClient(rfcUser, rfcPassword)
	c.newNonce = fixed(rfcClientNonce)

	first, err := c.ClientFirstMessage()
	require.NoError(t, err)
	assert.Equal(t, rfcClientFirst, first)

	final, err := c.ProcessServerFirst(rfcServerFirst)
	require.NoError(t, err)
	assert.Equal(t, rfcClientFinal, final)

	require.NoError(t, c.VerifyServerFinal(rfcServerFinal))
}

func TestServerExchangeRFC7677(t *testing.T) {
	salt, err := base64.StdEncoding.DecodeString(rfcSalt)
	require.NoError(t, err)

	s, err := NewServerExchange(rfcPassword, salt, rfcIterations)
	require.NoError(t, err)
	s.newNonce = fixed(rfcServerNonce)

	serverFirst, err := s.HandleClientFirst(rfcClientFirst)
	require.NoError(t, err)
	assert.Equal(t, rfcServerFirst, serverFirst)

	serverFinal, err := s.HandleClientFinal(rfcClientFinal)
	require.NoError(t, err)
	assert.Equal(t, rfcServerFinal, serverFinal)
}

func TestRoundTrip(t *testing.T) {
	s, err := NewServerExchange("s3cret", nil, 0)
	require.NoError(t, err)
	c := NewClient("app,user=1", "s3cret")

	first, err := c.ClientFirstMessage()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(first, "n,,n=app=2Cuser=3D1,r="))

	serverFirst, err := s.HandleClientFirst(first)
	require.NoError(t, err)
	final, err := c.ProcessServerFirst(serverFirst)
	require.NoError(t, err)
	serverFinal, err := s.HandleClientFinal(final)
	require.NoError(t, err)
	require.NoError(t, c.VerifyServerFinal(serverFinal))
}

func TestWrongPassword(t *testing.T) {
	s, err := NewServerExchange("right", nil, 0)
	require.NoError(t, err)
	c := NewClient("app", "wrong")

	first, err := c.ClientFirstMessage()
	require.NoError(t, err)
	serverFirst, err := s.HandleClientFirst(first)
	require.NoError(t, err)
	final, err := c.ProcessServerFirst(serverFirst)
	require.NoError(t, err)

	_, err = s.HandleClientFinal(final)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestClientRejectsBadServerMessages(t *testing.T) {
	t.Run("before client first", func(t *testing.T) {
		c := NewClient(rfcUser, rfcPassword)
		_, err := c.ProcessServerFirst(rfcServerFirst)
		require.Error(t, err)
	})

	t.Run("foreign nonce", func(t *testing.T) {
		c := NewClient(rfcUser, rfcPassword)
		c.newNonce = fixed("abc")
		_, err := c.ClientFirstMessage()
		require.NoError(t, err)
		_, err = c.ProcessServerFirst("r=xyz123,s=" + rfcSalt + ",i=4096")
		assert.ErrorContains(t, err, "does not start with client nonce")
	})

	t.Run("tampered signature", func(t *testing.T) {
		c := NewClient(rfcUser, rfcPassword)
		c.newNonce = fixed(rfcClientNonce)
		_, err := c.ClientFirstMessage()
		require.NoError(t, err)
		_, err = c.ProcessServerFirst(rfcServerFirst)
		require.NoError(t, err)
		bad := "v=" + base64.StdEncoding.EncodeToString(make([]byte, 32))
		assert.ErrorContains(t, c.VerifyServerFinal(bad), "verification failed")
	})

	t.Run("server error attribute", func(t *testing.T) {
		c := NewClient(rfcUser, rfcPassword)
		assert.ErrorContains(t, c.VerifyServerFinal("e=invalid-proof"), "invalid-proof")
	})
}

func TestParseServerFirst(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		wantErr string
	}{
		{name: "empty", msg: "", wantErr: "empty"},
		{name: "no nonce", msg: "s=" + rfcSalt + ",i=4096", wantErr: "missing nonce"},
		{name: "no salt", msg: "r=abc,i=4096", wantErr: "missing salt"},
		{name: "bad salt", msg: "r=abc,s=!!!,i=4096", wantErr: "invalid salt"},
		{name: "bad iterations", msg: "r=abc,s=" + rfcSalt + ",i=x", wantErr: "invalid iterations"},
		{name: "no iterations", msg: "r=abc,s=" + rfcSalt, wantErr: "missing iterations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseServerFirst(tt.msg)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	m, err := parseServerFirst(rfcServerFirst)
	require.NoError(t, err)
	assert.Equal(t, rfcClientNonce+rfcServerNonce, m.nonce)
	assert.Equal(t, rfcIterations, m.iterations)
}

func TestParseClientFirst(t *testing.T) {
	m, err := parseClientFirst(rfcClientFirst)
	require.NoError(t, err)
	assert.Equal(t, rfcUser, m.username)
	assert.Equal(t, rfcClientNonce, m.nonce)
	assert.Equal(t, "n=user,r="+rfcClientNonce, m.bare)

	_, err = parseClientFirst("p=tls-server-end-point,,n=user,r=abc")
	assert.ErrorContains(t, err, "channel binding not supported")

	_, err = parseClientFirst("n,,n=user")
	assert.ErrorContains(t, err, "missing nonce")
}

func TestSaslName(t *testing.T) {
	assert.Equal(t, "a=3Db=2Cc", encodeSaslName("a=b,c"))
	assert.Equal(t, "a=b,c", decodeSaslName("a=3Db=2Cc"))
}
