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

// Package protocol holds the PostgreSQL v3 wire protocol constants shared by
// the client and the fake server.
package protocol

// Frontend (client to server) message types.
const (
	MsgQuery       = 'Q' // Simple query
	MsgTerminate   = 'X' // Terminate
	MsgPasswordMsg = 'p' // Password message (also SASL responses)
)

// Backend (server to client) message types.
const (
	MsgCommandComplete       = 'C'
	MsgDataRow               = 'D'
	MsgErrorResponse         = 'E'
	MsgEmptyQueryResponse    = 'I'
	MsgBackendKeyData        = 'K'
	MsgNoticeResponse        = 'N'
	MsgAuthenticationRequest = 'R'
	MsgParameterStatus       = 'S'
	MsgRowDescription        = 'T'
	MsgReadyForQuery         = 'Z'
)

// Authentication request codes carried by an AuthenticationRequest message.
const (
	AuthOk                = 0
	AuthCleartextPassword = 3
	AuthMD5Password       = 5
	AuthSASL              = 10
	AuthSASLContinue      = 11
	AuthSASLFinal         = 12
)

// ErrorResponse and NoticeResponse field codes.
const (
	FieldSeverity         = 'S'
	FieldSeverityV        = 'V' // non-localized severity
	FieldCode             = 'C' // SQLSTATE
	FieldMessage          = 'M'
	FieldDetail           = 'D'
	FieldHint             = 'H'
	FieldPosition         = 'P'
	FieldInternalPosition = 'p'
	FieldInternalQuery    = 'q'
	FieldWhere            = 'W'
	FieldSchema           = 's'
	FieldTable            = 't'
	FieldColumn           = 'c'
	FieldDataType         = 'd'
	FieldConstraint       = 'n'
)

// TransactionStatus is the status byte carried by ReadyForQuery.
type TransactionStatus = byte

const (
	TxnStatusIdle    TransactionStatus = 'I'
	TxnStatusInBlock TransactionStatus = 'T'
	TxnStatusFailed  TransactionStatus = 'E'
)

// Format codes.
const (
	FormatText   = 0
	FormatBinary = 1
)

const (
	ProtocolVersionMajor  = 3
	ProtocolVersionMinor  = 0
	ProtocolVersionNumber = (ProtocolVersionMajor << 16) | ProtocolVersionMinor

	// SSLRequestCode is sent in place of a protocol version to ask for TLS.
	SSLRequestCode = (1234 << 16) | 5679

	// MaxStartupPacketLength bounds the startup packet a server will accept.
	MaxStartupPacketLength = 10000
)
