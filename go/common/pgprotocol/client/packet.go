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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/multigres/pgreactor/go/common/pgprotocol/protocol"
)

// maxMessageLength bounds a single backend message (1GB, the server's own
// MaxAllocSize) so a corrupt length cannot trigger a huge allocation.
const maxMessageLength = 1 << 30

// readMessage reads a complete message (type, length, body).
func (c *Conn) readMessage() (byte, []byte, error) {
	msgType, err := c.bufferedReader.ReadByte()
	if err != nil {
		return 0, nil, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.bufferedReader, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 4 || length > maxMessageLength {
		return 0, nil, fmt.Errorf("invalid message length %d for message type '%c'", length, msgType)
	}

	if length == 4 {
		return msgType, nil, nil
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(c.bufferedReader, body); err != nil {
		return 0, nil, err
	}
	return msgType, body, nil
}

// writeMessage writes a complete message and flushes it.
func (c *Conn) writeMessage(msgType byte, body []byte) error {
	if err := c.writeMessageNoFlush(msgType, body); err != nil {
		return err
	}
	return c.flush()
}

func (c *Conn) writeMessageNoFlush(msgType byte, body []byte) error {
	if err := c.bufferedWriter.WriteByte(msgType); err != nil {
		return err
	}
	if err := c.writeUint32(uint32(4 + len(body))); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := c.bufferedWriter.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// writeUntypedMessage writes a startup-phase packet, which has no type byte.
func (c *Conn) writeUntypedMessage(body []byte) error {
	if err := c.writeUint32(uint32(4 + len(body))); err != nil {
		return err
	}
	if _, err := c.bufferedWriter.Write(body); err != nil {
		return err
	}
	return c.flush()
}

func (c *Conn) writeUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := c.bufferedWriter.Write(buf[:])
	return err
}

func (c *Conn) writeTerminate() error {
	return c.writeMessageNoFlush(protocol.MsgTerminate, nil)
}

// MessageReader reads fields from a message body.
type MessageReader struct {
	buf []byte
	pos int
}

// NewMessageReader creates a reader over buf.
func NewMessageReader(buf []byte) *MessageReader {
	return &MessageReader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *MessageReader) Remaining() int {
	return len(r.buf) - r.pos
}

// ReadByte reads a single byte.
func (r *MessageReader) ReadByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads a 16-bit unsigned integer in network byte order.
func (r *MessageReader) ReadUint16() (uint16, error) {
	if r.pos+2 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadUint32 reads a 32-bit unsigned integer in network byte order.
func (r *MessageReader) ReadUint32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadInt16 reads a 16-bit signed integer in network byte order.
func (r *MessageReader) ReadInt16() (int16, error) {
	v, err := r.ReadUint16()
	return int16(v), err
}

// ReadInt32 reads a 32-bit signed integer in network byte order.
func (r *MessageReader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadString reads a null-terminated string.
func (r *MessageReader) ReadString() (string, error) {
	for i := r.pos; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", io.ErrUnexpectedEOF
}

// ReadBytes reads n bytes. The result aliases the message body.
func (r *MessageReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadByteString reads an Int32 length followed by that many bytes.
// Length -1 is NULL and yields nil.
func (r *MessageReader) ReadByteString() ([]byte, error) {
	length, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if length == -1 {
		return nil, nil
	}
	if length < 0 {
		return nil, fmt.Errorf("invalid byte string length: %d", length)
	}
	b, err := r.ReadBytes(int(length))
	if err != nil {
		return nil, err
	}
	// Keep empty distinct from NULL.
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

// MessageWriter builds message bodies.
type MessageWriter struct {
	buf []byte
}

// NewMessageWriter creates a new message writer.
func NewMessageWriter() *MessageWriter {
	return &MessageWriter{buf: make([]byte, 0, 256)}
}

// Bytes returns the accumulated message bytes.
func (w *MessageWriter) Bytes() []byte {
	return w.buf
}

// Len returns the current length of the message.
func (w *MessageWriter) Len() int {
	return len(w.buf)
}

// Reset resets the writer for reuse.
func (w *MessageWriter) Reset() {
	w.buf = w.buf[:0]
}

// WriteByte writes a single byte.
func (w *MessageWriter) WriteByte(b byte) {
	w.buf = append(w.buf, b)
}

// WriteBytes writes raw bytes.
func (w *MessageWriter) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteUint16 writes a 16-bit unsigned integer in network byte order.
func (w *MessageWriter) WriteUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// WriteUint32 writes a 32-bit unsigned integer in network byte order.
func (w *MessageWriter) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

// WriteInt16 writes a 16-bit signed integer in network byte order.
func (w *MessageWriter) WriteInt16(v int16) {
	w.WriteUint16(uint16(v))
}

// WriteInt32 writes a 32-bit signed integer in network byte order.
func (w *MessageWriter) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

// WriteString writes a null-terminated string.
func (w *MessageWriter) WriteString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// WriteByteString writes an Int32 length and the bytes. nil is written as NULL (-1).
func (w *MessageWriter) WriteByteString(b []byte) {
	if b == nil {
		w.WriteInt32(-1)
		return
	}
	w.WriteInt32(int32(len(b)))
	w.WriteBytes(b)
}
