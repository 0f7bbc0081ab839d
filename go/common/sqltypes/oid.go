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

package sqltypes

import "fmt"

// Type OIDs from pg_type for the built-in types a client commonly sees.
const (
	OidBool        uint32 = 16
	OidBytea       uint32 = 17
	OidChar        uint32 = 18
	OidName        uint32 = 19
	OidInt8        uint32 = 20
	OidInt2        uint32 = 21
	OidInt4        uint32 = 23
	OidText        uint32 = 25
	OidOid         uint32 = 26
	OidJSON        uint32 = 114
	OidFloat4      uint32 = 700
	OidFloat8      uint32 = 701
	OidUnknown     uint32 = 705
	OidBpchar      uint32 = 1042
	OidVarchar     uint32 = 1043
	OidDate        uint32 = 1082
	OidTime        uint32 = 1083
	OidTimestamp   uint32 = 1114
	OidTimestamptz uint32 = 1184
	OidInterval    uint32 = 1186
	OidNumeric     uint32 = 1700
	OidUUID        uint32 = 2950
	OidJSONB       uint32 = 3802
)

var typeNames = map[uint32]string{
	OidBool:        "bool",
	OidBytea:       "bytea",
	OidChar:        "char",
	OidName:        "name",
	OidInt8:        "int8",
	OidInt2:        "int2",
	OidInt4:        "int4",
	OidText:        "text",
	OidOid:         "oid",
	OidJSON:        "json",
	OidFloat4:      "float4",
	OidFloat8:      "float8",
	OidUnknown:     "unknown",
	OidBpchar:      "bpchar",
	OidVarchar:     "varchar",
	OidDate:        "date",
	OidTime:        "time",
	OidTimestamp:   "timestamp",
	OidTimestamptz: "timestamptz",
	OidInterval:    "interval",
	OidNumeric:     "numeric",
	OidUUID:        "uuid",
	OidJSONB:       "jsonb",
}

// TypeName returns the pg_type name for a type OID. OIDs outside the
// built-in table are rendered as "oid:<n>".
func TypeName(oid uint32) string {
	if name, ok := typeNames[oid]; ok {
		return name
	}
	return fmt.Sprintf("oid:%d", oid)
}
