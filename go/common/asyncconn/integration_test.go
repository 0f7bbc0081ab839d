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
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgreactor/go/common/mterrors"
	"github.com/multigres/pgreactor/go/common/sqltypes"
)

// realServerDSN returns the DSN of a live PostgreSQL server, skipping the
// test when PGREACTOR_TEST_DSN is unset.
func realServerDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PGREACTOR_TEST_DSN")
	if dsn == "" {
		t.Skip("PGREACTOR_TEST_DSN not set")
	}
	return dsn
}

func TestRealServer(t *testing.T) {
	dsn := realServerDSN(t)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	table := fmt.Sprintf("pgreactor_it_%d", time.Now().UnixNano())
	_, err = db.Exec("CREATE TABLE " + table + " (id int8 PRIMARY KEY, name text)")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = db.Exec("DROP TABLE IF EXISTS " + table) })
	_, err = db.Exec("INSERT INTO "+table+" VALUES ($1, $2), ($3, $4)", 1, "alice", 2, nil)
	require.NoError(t, err)

	p, err := ParseDSN(dsn)
	require.NoError(t, err)
	h := newHarness(t)
	c := h.mustConnect(p)
	assert.NotEmpty(t, h.serverParam(c, "server_version"))

	r := h.query(c, "SELECT id, name FROM "+table+" ORDER BY id")
	env, err := r.Get()
	require.NoError(t, err)
	require.Equal(t, 2, env.RowCount())
	assert.Equal(t, "SELECT 2", env.CommandTag())
	assert.Equal(t, uint32(sqltypes.OidInt8), env.Columns()[0].TypeOID)

	name, _ := env.Row(0).Get("name")
	assert.Equal(t, "alice", name.String())
	name, _ = env.Row(1).Get("name")
	assert.True(t, name.IsNull())

	r = h.query(c, "UPDATE "+table+" SET name = 'bob'; SELECT count(*) FROM "+table)
	env, err = r.Get()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), env.RowsAffected())
	assert.Equal(t, "2", env.Row(0).Value(0).String())

	r = h.query(c, "SELECT * FROM "+table+"_missing")
	diag, ok := mterrors.Diagnostic(r.Err())
	require.True(t, ok)
	assert.Equal(t, mterrors.SQLStateUndefinedTable, diag.Code)
	assert.Equal(t, StateReady, h.state(c))

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM "+table+" WHERE name = 'bob'").Scan(&count))
	assert.Equal(t, 2, count)
}
