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

package command

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/multigres/pgreactor/go/common/asyncconn"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// queryResult is the json and yaml shape of one query's envelope. NULL
// values are nil.
type queryResult struct {
	Query        string      `json:"query" yaml:"query"`
	Columns      []column    `json:"columns" yaml:"columns"`
	Rows         [][]*string `json:"rows" yaml:"rows"`
	RowsAffected uint64      `json:"rows_affected" yaml:"rows_affected"`
	CommandTag   string      `json:"command_tag" yaml:"command_tag"`
	Notices      []notice    `json:"notices,omitempty" yaml:"notices,omitempty"`
}

type column struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

type notice struct {
	Severity string `json:"severity" yaml:"severity"`
	Code     string `json:"code,omitempty" yaml:"code,omitempty"`
	Message  string `json:"message" yaml:"message"`
}

func newQueryResult(sql string, env *asyncconn.Envelope) queryResult {
	res := queryResult{
		Query:        sql,
		Columns:      []column{},
		Rows:         make([][]*string, 0, env.RowCount()),
		RowsAffected: env.RowsAffected(),
		CommandTag:   env.CommandTag(),
	}
	for _, c := range env.Columns() {
		typ := c.TypeName
		if typ == "" {
			typ = fmt.Sprintf("oid:%d", c.TypeOID)
		}
		res.Columns = append(res.Columns, column{Name: c.Name, Type: typ})
	}
	for _, row := range env.Rows() {
		values := make([]*string, row.Len())
		for i, v := range row.Values() {
			if !v.IsNull() {
				s := v.String()
				values[i] = &s
			}
		}
		res.Rows = append(res.Rows, values)
	}
	for _, n := range env.Notices() {
		res.Notices = append(res.Notices, notice{Severity: n.Severity, Code: n.Code, Message: n.Message})
	}
	return res
}

type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return &printer{w: w, format: format}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want %s, %s or %s)", format, formatTable, formatJSON, formatYAML)
}

func (p *printer) print(sql string, env *asyncconn.Envelope) error {
	res := newQueryResult(sql, env)
	switch p.format {
	case formatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case formatYAML:
		// One document per query.
		if _, err := io.WriteString(p.w, "---\n"); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	default:
		return p.printTable(res)
	}
}

func (p *printer) printTable(res queryResult) error {
	for _, n := range res.Notices {
		if _, err := fmt.Fprintf(p.w, "%s:  %s\n", n.Severity, n.Message); err != nil {
			return err
		}
	}
	if len(res.Columns) == 0 {
		_, err := fmt.Fprintln(p.w, res.CommandTag)
		return err
	}

	headers := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		headers[i] = c.Name
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = *v
			}
		}
		t.Row(cells...)
	}

	rows := "rows"
	if len(res.Rows) == 1 {
		rows = "row"
	}
	_, err := fmt.Fprintf(p.w, "%s\n(%d %s)\n", t.Render(), len(res.Rows), rows)
	return err
}
