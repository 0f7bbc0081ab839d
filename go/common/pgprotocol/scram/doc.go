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

// Package scram implements SCRAM-SHA-256 (RFC 5802, RFC 7677) as used by
// PostgreSQL SASL authentication.
//
// Client drives the frontend side of the exchange:
//
//	c := scram.NewClient(user, password)
//	first, _ := c.ClientFirstMessage()        // SASLInitialResponse
//	final, _ := c.ProcessServerFirst(serverFirst) // SASLResponse
//	err := c.VerifyServerFinal(serverFinal)   // AuthenticationSASLFinal
//
// ServerExchange is the backend side. It only verifies a plaintext password
// and exists so test servers can exercise the client.
//
// Channel binding (SCRAM-SHA-256-PLUS) and SASLprep normalization are not
// implemented. PostgreSQL does not enforce SASLprep either.
package scram
