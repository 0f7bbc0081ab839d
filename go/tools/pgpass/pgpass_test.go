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

package pgpass

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFile = `# comment
db.internal:5432:orders:app:first
*:5432:*:app:second
localhost:*:*:*:pa\:ss\\word
malformed:line
`

func writeFile(t *testing.T, perm uint32) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/home/u/.pgpass", []byte(testFile), 0o600))
	require.NoError(t, fs.Chmod("/home/u/.pgpass", os.FileMode(perm)))
	return fs
}

func TestReadFile(t *testing.T) {
	fs := writeFile(t, 0o600)
	entries, err := ReadFile(fs, "/home/u/.pgpass")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Host: "db.internal", Port: "5432", Database: "orders", User: "app", Password: "first"}, entries[0])
	assert.Equal(t, "pa:ss\\word", entries[2].Password)
}

func TestReadFilePermissions(t *testing.T) {
	fs := writeFile(t, 0o644)
	_, err := ReadFile(fs, "/home/u/.pgpass")
	assert.ErrorContains(t, err, "invalid password file permissions")
}

func TestLookup(t *testing.T) {
	fs := writeFile(t, 0o600)

	tests := []struct {
		name                       string
		host, port, database, user string
		want                       string
		found                      bool
	}{
		{"exact", "db.internal", "5432", "orders", "app", "first", true},
		{"wildcard host", "other", "5432", "orders", "app", "second", true},
		{"first match wins", "db.internal", "5432", "orders", "app", "first", true},
		{"escaped", "localhost", "6432", "x", "bob", "pa:ss\\word", true},
		{"no match", "other", "6432", "orders", "app", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found, err := Lookup(fs, "/home/u/.pgpass", tt.host, tt.port, tt.database, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookupMissingFile(t *testing.T) {
	_, found, err := Lookup(afero.NewMemMapFs(), "/nope/.pgpass", "h", "1", "d", "u")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = Lookup(afero.NewMemMapFs(), "", "h", "1", "d", "u")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("PGPASSFILE", "/etc/pgpass")
	assert.Equal(t, "/etc/pgpass", DefaultPath())
}
