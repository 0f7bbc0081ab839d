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

package servenv

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgreactor/go/viperutil"
)

func newTestLogger(t *testing.T, fs afero.Fs, args ...string) (*Logger, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	orig := slog.Default()
	t.Cleanup(func() { slog.SetDefault(orig) })

	reg := viperutil.NewRegistry(viperutil.WithFs(fs))
	lg := NewLogger(reg)
	var stdout, stderr bytes.Buffer
	lg.stdout = &stdout
	lg.stderr = &stderr

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	lg.RegisterFlags(flags)
	require.NoError(t, flags.Parse(args))
	t.Cleanup(func() { _ = lg.Close() })
	return lg, &stdout, &stderr
}

func TestLoggerDefaults(t *testing.T) {
	lg, stdout, stderr := newTestLogger(t, afero.NewMemMapFs())
	assert.Equal(t, "info", lg.GetLogLevel())
	assert.Equal(t, "text", lg.GetLogFormat())
	assert.Equal(t, "stderr", lg.GetLogOutput())

	require.NoError(t, lg.SetupLogging(nil))
	lg.GetLogger().Debug("hidden")
	slog.Info("shown", "k", "v")

	assert.Empty(t, stdout.String())
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "msg=shown k=v")
}

func TestLoggerFlags(t *testing.T) {
	lg, stdout, stderr := newTestLogger(t, afero.NewMemMapFs(), "--log-level=debug", "--log-format=json", "--log-output=stdout")

	var hooked *slog.Logger
	lg.OnLoggingSetup(func(l *slog.Logger) { hooked = l })
	require.NoError(t, lg.SetupLogging(nil))
	assert.Same(t, lg.GetLogger(), hooked)

	lg.GetLogger().Debug("state change", "state", "ready")
	assert.Empty(t, stderr.String())
	assert.Contains(t, stdout.String(), `"msg":"state change"`)
	assert.Contains(t, stdout.String(), `"state":"ready"`)
}

func TestLoggerFileOutput(t *testing.T) {
	fs := afero.NewMemMapFs()
	lg, _, _ := newTestLogger(t, fs, "--log-output=/var/log/pgreactor.log")
	require.NoError(t, lg.SetupLogging(nil))
	lg.GetLogger().Warn("dropped completion")
	require.NoError(t, lg.Close())

	data, err := afero.ReadFile(fs, "/var/log/pgreactor.log")
	require.NoError(t, err)
	assert.Contains(t, string(data), "level=WARN msg=\"dropped completion\"")
}

func TestLoggerInvalidConfig(t *testing.T) {
	t.Run("level", func(t *testing.T) {
		lg, _, _ := newTestLogger(t, afero.NewMemMapFs(), "--log-level=loud")
		assert.ErrorContains(t, lg.SetupLogging(nil), "invalid log level")
	})
	t.Run("format", func(t *testing.T) {
		lg, _, _ := newTestLogger(t, afero.NewMemMapFs(), "--log-format=xml")
		assert.ErrorContains(t, lg.SetupLogging(nil), "invalid log format")
	})
	t.Run("output", func(t *testing.T) {
		fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
		lg, _, _ := newTestLogger(t, fs, "--log-output=/log.txt")
		assert.ErrorContains(t, lg.SetupLogging(nil), "failed to open log output")
	})
}

func TestGetLoggerBeforeSetup(t *testing.T) {
	lg, _, _ := newTestLogger(t, afero.NewMemMapFs())
	assert.Same(t, slog.Default(), lg.GetLogger())
}
