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

// Package pgpass reads PostgreSQL password files.
//
// Each line is hostname:port:database:username:password. Any of the first
// four fields may be *, which matches anything. A literal colon or
// backslash in a field is escaped with a backslash. The first matching
// line wins.
package pgpass

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Entry is one line of a password file.
type Entry struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

func (e Entry) matches(host, port, database, user string) bool {
	return field(e.Host, host) && field(e.Port, port) && field(e.Database, database) && field(e.User, user)
}

func field(pattern, value string) bool {
	return pattern == "*" || pattern == value
}

// DefaultPath returns $PGPASSFILE, or ~/.pgpass when it is unset.
func DefaultPath() string {
	if p := os.Getenv("PGPASSFILE"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pgpass")
}

// ReadFile parses the password file at path. The file must not be readable
// by group or others.
func ReadFile(fsys afero.Fs, path string) ([]Entry, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("invalid password file permissions on %s: must be 0600 or less (current: %04o)", path, info.Mode().Perm())
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := splitLine(line)
		if len(parts) != 5 {
			// libpq skips malformed lines.
			continue
		}
		entries = append(entries, Entry{
			Host:     parts[0],
			Port:     parts[1],
			Database: parts[2],
			User:     parts[3],
			Password: parts[4],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read password file %s: %w", path, err)
	}
	return entries, nil
}

// splitLine splits on unescaped colons and removes escapes.
func splitLine(line string) []string {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(parts, cur.String())
}

// Lookup returns the password for the connection from the file at path.
// A missing file is not an error.
func Lookup(fsys afero.Fs, path, host, port, database, user string) (string, bool, error) {
	if path == "" {
		return "", false, nil
	}
	entries, err := ReadFile(fsys, path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.matches(host, port, database, user) {
			return e.Password, true, nil
		}
	}
	return "", false, nil
}
