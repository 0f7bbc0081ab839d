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

// Package sqltypes holds the raw result types produced by the wire client.
// Values keep the NULL vs empty string distinction: a nil Value is NULL.
package sqltypes

import (
	"fmt"
	"strconv"

	"github.com/multigres/pgreactor/go/common/mterrors"
)

// Value represents a nullable column value in text format.
// nil means NULL, []byte{} means empty string.
type Value []byte

// IsNull returns true if the value is NULL.
func (v Value) IsNull() bool {
	return v == nil
}

// String returns the text form of the value, or "NULL".
func (v Value) String() string {
	if v == nil {
		return "NULL"
	}
	return string(v)
}

// ToInt64 parses the value as a base-10 integer.
func (v Value) ToInt64() (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("cannot convert NULL to int64")
	}
	return strconv.ParseInt(string(v), 10, 64)
}

// ToFloat64 parses the value as a float.
func (v Value) ToFloat64() (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("cannot convert NULL to float64")
	}
	return strconv.ParseFloat(string(v), 64)
}

// ToBool parses a PostgreSQL boolean in text format ("t" or "f").
func (v Value) ToBool() (bool, error) {
	switch string(v) {
	case "t", "true":
		return true, nil
	case "f", "false":
		return false, nil
	}
	if v == nil {
		return false, fmt.Errorf("cannot convert NULL to bool")
	}
	return false, fmt.Errorf("invalid boolean value %q", string(v))
}

// Clone returns a copy of v that shares no memory with it.
func (v Value) Clone() Value {
	if v == nil {
		return nil
	}
	return append(Value{}, v...)
}

// Field describes one column of a RowDescription message.
type Field struct {
	Name                 string
	TableOid             uint32
	TableAttributeNumber int32
	DataTypeOid          uint32
	DataTypeSize         int32
	TypeModifier         int32
	Format               int32

	// Type is the PostgreSQL type name resolved from DataTypeOid.
	Type string
}

// Row represents a row with nullable column values.
type Row struct {
	// Values contains the column values. nil entry means NULL.
	Values []Value
}

// Result is one result set of a simple query, as read off the wire.
type Result struct {
	// Fields describes the columns in the result set.
	Fields []*Field

	// RowsAffected is the number of rows affected (INSERT, UPDATE, DELETE, etc.)
	RowsAffected uint64

	// Rows contains the actual data rows.
	Rows []*Row

	// CommandTag is the PostgreSQL command tag for this result set.
	// Examples: "SELECT 42", "INSERT 0 5", "UPDATE 10", "DELETE 3"
	CommandTag string

	// Notices contains any PostgreSQL notices received during query execution.
	Notices []*mterrors.PgDiagnostic
}

// MakeRow creates a new Row from a slice of byte slices.
// nil entries represent NULL values.
func MakeRow(values [][]byte) *Row {
	row := &Row{
		Values: make([]Value, len(values)),
	}
	for i, v := range values {
		if v != nil {
			row.Values[i] = Value(v)
		}
	}
	return row
}
