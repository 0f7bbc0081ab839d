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
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgreactor/go/common/pgprotocol/protocol"
)

// backendMessage frames body as a typed protocol message.
func backendMessage(msgType byte, body []byte) []byte {
	w := NewMessageWriter()
	w.WriteByte(msgType)
	w.WriteInt32(int32(4 + len(body)))
	w.WriteBytes(body)
	return w.Bytes()
}

// scriptedConn returns a Conn that reads stream and writes into out.
func scriptedConn(stream []byte, out *bytes.Buffer) *Conn {
	return &Conn{
		bufferedReader: bufio.NewReader(bytes.NewReader(stream)),
		bufferedWriter: bufio.NewWriter(out),
		config:         &Config{},
		serverParams:   make(map[string]string),
	}
}

func TestMessageReader(t *testing.T) {
	w := NewMessageWriter()
	w.WriteByte(0x01)
	w.WriteUint16(0x0203)
	w.WriteInt32(-2)
	w.WriteString("hello")
	w.WriteByteString(nil)
	w.WriteByteString([]byte{})
	w.WriteByteString([]byte("abc"))

	r := NewMessageReader(w.Bytes())

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), b)

	u16, err := r.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0203), u16)

	i32, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-2), i32)

	s, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	null, err := r.ReadByteString()
	require.NoError(t, err)
	assert.Nil(t, null)

	empty, err := r.ReadByteString()
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	abc, err := r.ReadByteString()
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), abc)

	assert.Equal(t, 0, r.Remaining())
	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMessageReaderShortInput(t *testing.T) {
	r := NewMessageReader([]byte{0x00})
	_, err := r.ReadUint32()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	r = NewMessageReader([]byte("unterminated"))
	_, err = r.ReadString()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	w := NewMessageWriter()
	w.WriteInt32(10)
	w.WriteBytes([]byte("abc"))
	r = NewMessageReader(w.Bytes())
	_, err = r.ReadByteString()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	w.Reset()
	w.WriteInt32(-5)
	r = NewMessageReader(w.Bytes())
	_, err = r.ReadByteString()
	assert.ErrorContains(t, err, "invalid byte string length")
}

func TestReadMessage(t *testing.T) {
	stream := append(backendMessage(protocol.MsgReadyForQuery, []byte{'I'}), backendMessage(protocol.MsgEmptyQueryResponse, nil)...)
	c := scriptedConn(stream, &bytes.Buffer{})

	msgType, body, err := c.readMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.MsgReadyForQuery), msgType)
	assert.Equal(t, []byte{'I'}, body)

	msgType, body, err = c.readMessage()
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.MsgEmptyQueryResponse), msgType)
	assert.Nil(t, body)

	_, _, err = c.readMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageInvalidLength(t *testing.T) {
	c := scriptedConn([]byte{'Z', 0, 0, 0, 2}, &bytes.Buffer{})
	_, _, err := c.readMessage()
	assert.ErrorContains(t, err, "invalid message length 2")
}

func TestWriteMessage(t *testing.T) {
	var out bytes.Buffer
	c := scriptedConn(nil, &out)

	require.NoError(t, c.writeMessage(protocol.MsgQuery, []byte("SELECT 1\x00")))
	assert.Equal(t, []byte("Q\x00\x00\x00\x0dSELECT 1\x00"), out.Bytes())

	out.Reset()
	require.NoError(t, c.writeTerminate())
	require.NoError(t, c.flush())
	assert.Equal(t, []byte{'X', 0, 0, 0, 4}, out.Bytes())
}
