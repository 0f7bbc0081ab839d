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

package asyncconn

import (
	"fmt"

	"github.com/multigres/pgreactor/go/common/mterrors"
	"github.com/multigres/pgreactor/go/common/sqltypes"
)

// Column describes one column of an Envelope.
type Column struct {
	Name     string
	TypeOID  uint32
	TypeName string
	// Format is 0 for text and 1 for binary.
	Format int32
}

// Row is one row of an Envelope. Values are addressable by column name and
// by position. Accessors return copies.
type Row struct {
	values []sqltypes.Value
	// index is shared by every row of the envelope.
	index map[string]int
}

// Get returns the value of the named column. For duplicate column names
// the first column wins. NULL is a nil Value with ok true.
func (r Row) Get(name string) (v sqltypes.Value, ok bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.values[i].Clone(), true
}

// Value returns the value at position i. It panics if i is out of range.
func (r Row) Value(i int) sqltypes.Value {
	return r.values[i].Clone()
}

// Len returns the number of values.
func (r Row) Len() int {
	return len(r.values)
}

// Values returns a copy of all values in column order.
func (r Row) Values() []sqltypes.Value {
	out := make([]sqltypes.Value, len(r.values))
	for i, v := range r.values {
		out[i] = v.Clone()
	}
	return out
}

// Map returns the row keyed by column name.
func (r Row) Map() map[string]sqltypes.Value {
	out := make(map[string]sqltypes.Value, len(r.index))
	for name, i := range r.index {
		out[name] = r.values[i].Clone()
	}
	return out
}

// Envelope is the immutable result of a completed query. For multi-statement
// text it describes the result set of the last statement, while
// RowsAffected and Notices cover every statement.
type Envelope struct {
	columns      []Column
	rows         []Row
	rowsAffected uint64
	commandTag   string
	notices      []*mterrors.PgDiagnostic
}

// Columns returns the column metadata.
func (e *Envelope) Columns() []Column {
	return append([]Column(nil), e.columns...)
}

// Rows returns the rows in server order.
func (e *Envelope) Rows() []Row {
	return append([]Row(nil), e.rows...)
}

// Row returns row i. It panics if i is out of range.
func (e *Envelope) Row(i int) Row {
	return e.rows[i]
}

// RowCount returns the number of rows in the final result set.
func (e *Envelope) RowCount() int {
	return len(e.rows)
}

// RowsAffected is the sum of the row counts reported by every statement.
func (e *Envelope) RowsAffected() uint64 {
	return e.rowsAffected
}

// CommandTag is the tag of the last statement, such as "SELECT 1".
func (e *Envelope) CommandTag() string {
	return e.commandTag
}

// Notices returns copies of the notices raised by every statement.
func (e *Envelope) Notices() []*mterrors.PgDiagnostic {
	out := make([]*mterrors.PgDiagnostic, len(e.notices))
	for i, n := range e.notices {
		c := *n
		out[i] = &c
	}
	return out
}

func malformed(format string, args ...any) *mterrors.Error {
	return mterrors.NewQueryError(mterrors.MT03006(fmt.Sprintf(format, args...)))
}

// assembleEnvelope packages the wire results of one query. It copies every
// value so the envelope does not alias wire buffers.
func assembleEnvelope(results []*sqltypes.Result) (*Envelope, *mterrors.Error) {
	if len(results) == 0 {
		return nil, malformed("no result set")
	}

	env := &Envelope{}
	for i, res := range results {
		if res == nil {
			return nil, malformed("nil result for statement %d", i+1)
		}
		env.rowsAffected += res.RowsAffected
		for _, n := range res.Notices {
			if n != nil {
				env.notices = append(env.notices, n)
			}
		}
	}

	last := results[len(results)-1]
	env.commandTag = last.CommandTag

	env.columns = make([]Column, len(last.Fields))
	index := make(map[string]int, len(last.Fields))
	for i, f := range last.Fields {
		if f == nil {
			return nil, malformed("nil description for column %d", i+1)
		}
		env.columns[i] = Column{
			Name:     f.Name,
			TypeOID:  f.DataTypeOid,
			TypeName: f.Type,
			Format:   f.Format,
		}
		if _, dup := index[f.Name]; !dup {
			index[f.Name] = i
		}
	}

	env.rows = make([]Row, len(last.Rows))
	for i, row := range last.Rows {
		if row == nil {
			return nil, malformed("nil row %d", i+1)
		}
		if len(row.Values) != len(env.columns) {
			return nil, malformed("row %d has %d values, want %d", i+1, len(row.Values), len(env.columns))
		}
		values := make([]sqltypes.Value, len(row.Values))
		for j, v := range row.Values {
			values[j] = v.Clone()
		}
		env.rows[i] = Row{values: values, index: index}
	}
	return env, nil
}
