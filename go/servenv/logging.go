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

// Package servenv holds the process environment shared by pgreactor
// commands.
package servenv

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/multigres/pgreactor/go/tools/telemetry"
	"github.com/multigres/pgreactor/go/viperutil"
)

// Logger configures the process logger from the log-level, log-format
// and log-output flags.
type Logger struct {
	reg *viperutil.Registry

	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]

	// stdout and stderr are replaced in tests.
	stdout io.Writer
	stderr io.Writer

	mu     sync.Mutex
	logger *slog.Logger
	file   io.Closer

	loggingSetupHooks []func(*slog.Logger)
}

func NewLogger(reg *viperutil.Registry) *Logger {
	return &Logger{
		reg: reg,
		logLevel: viperutil.Configure(reg, "log-level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
		}),
		logFormat: viperutil.Configure(reg, "log-format", viperutil.Options[string]{
			Default:  "text",
			FlagName: "log-format",
		}),
		logOutput: viperutil.Configure(reg, "log-output", viperutil.Options[string]{
			Default:  "stderr",
			FlagName: "log-output",
		}),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// RegisterFlags registers logging-related command line flags.
func (lg *Logger) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", lg.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", lg.logFormat.Default(), "Log format (json, text)")
	fs.String("log-output", lg.logOutput.Default(), "Log output (stdout, stderr, or file path)")
	viperutil.BindFlags(fs, lg.logLevel, lg.logFormat, lg.logOutput)
}

// OnLoggingSetup registers a callback to run after the logger is created.
func (lg *Logger) OnLoggingSetup(f func(*slog.Logger)) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.loggingSetupHooks = append(lg.loggingSetupHooks, f)
}

// SetupLogging builds the logger from the parsed flags and installs it as
// the slog default. When tel is not nil, records are also sent to its
// logger provider and carry the active trace context.
func (lg *Logger) SetupLogging(tel *telemetry.Telemetry) error {
	var level slog.Level
	levelStr := lg.logLevel.Get()
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}

	output, closer, err := lg.openOutput(lg.logOutput.Get())
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	formatStr := strings.ToLower(lg.logFormat.Get())
	switch formatStr {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return fmt.Errorf("invalid log format %q (want json or text)", formatStr)
	}
	if tel != nil {
		handler = tel.WrapSlogHandler(handler)
	}

	newLogger := slog.New(handler)
	slog.SetDefault(newLogger)

	lg.mu.Lock()
	if lg.file != nil {
		_ = lg.file.Close()
	}
	lg.logger = newLogger
	lg.file = closer
	hooks := append([]func(*slog.Logger){}, lg.loggingSetupHooks...)
	lg.mu.Unlock()

	for _, hook := range hooks {
		hook(newLogger)
	}

	newLogger.Debug("logging initialized",
		"level", levelStr,
		"format", formatStr,
		"output", lg.logOutput.Get(),
	)
	return nil
}

func (lg *Logger) openOutput(dest string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(dest) {
	case "", "stderr":
		return lg.stderr, nil, nil
	case "stdout":
		return lg.stdout, nil, nil
	}
	file, err := lg.reg.Fs().OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log output: %w", err)
	}
	return file, file, nil
}

// GetLogger returns the configured logger, or slog.Default before
// SetupLogging.
func (lg *Logger) GetLogger() *slog.Logger {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.logger == nil {
		return slog.Default()
	}
	return lg.logger
}

// Close closes the log file, if any.
func (lg *Logger) Close() error {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.file == nil {
		return nil
	}
	err := lg.file.Close()
	lg.file = nil
	return err
}

func (lg *Logger) GetLogLevel() string  { return lg.logLevel.Get() }
func (lg *Logger) GetLogFormat() string { return lg.logFormat.Get() }
func (lg *Logger) GetLogOutput() string { return lg.logOutput.Get() }
