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
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/pgreactor/go/common/asyncconn"
	"github.com/multigres/pgreactor/go/servenv"
	"github.com/multigres/pgreactor/go/tools/pgpass"
	"github.com/multigres/pgreactor/go/tools/telemetry"
	"github.com/multigres/pgreactor/go/viperutil"
)

const (
	serviceName = "pgreactor"
	envPrefix   = "PGREACTOR"
)

// ReactorCommand holds the configuration shared by pgreactor commands.
type ReactorCommand struct {
	reg            *viperutil.Registry
	dsn            viperutil.Value[string]
	host           viperutil.Value[string]
	port           viperutil.Value[int]
	user           viperutil.Value[string]
	password       viperutil.Value[string]
	database       viperutil.Value[string]
	connectTimeout viperutil.Value[time.Duration]
	passfile       viperutil.Value[string]
	vc             *viperutil.ViperConfig
	lg             *servenv.Logger
	telemetry      *telemetry.Telemetry

	// dialer is replaced in tests.
	dialer asyncconn.Dialer
}

// GetRootCommand creates the pgreactor root command. Config files are read
// from fs.
func GetRootCommand(fs afero.Fs) (*cobra.Command, *ReactorCommand) {
	reg := viperutil.NewRegistry(viperutil.WithFs(fs), viperutil.WithEnvPrefix(envPrefix))
	rc := &ReactorCommand{
		reg: reg,
		dsn: viperutil.Configure(reg, "dsn", viperutil.Options[string]{
			FlagName: "dsn",
		}),
		host: viperutil.Configure(reg, "host", viperutil.Options[string]{
			Default:  "localhost",
			FlagName: "host",
		}),
		port: viperutil.Configure(reg, "port", viperutil.Options[int]{
			Default:  asyncconn.DefaultPort,
			FlagName: "port",
		}),
		user: viperutil.Configure(reg, "user", viperutil.Options[string]{
			Default:  "postgres",
			FlagName: "user",
		}),
		password: viperutil.Configure(reg, "password", viperutil.Options[string]{
			FlagName: "password",
		}),
		database: viperutil.Configure(reg, "database", viperutil.Options[string]{
			Default:  "postgres",
			FlagName: "database",
		}),
		connectTimeout: viperutil.Configure(reg, "connect-timeout", viperutil.Options[time.Duration]{
			Default:  10 * time.Second,
			FlagName: "connect-timeout",
		}),
		passfile: viperutil.Configure(reg, "passfile", viperutil.Options[string]{
			Default:  pgpass.DefaultPath(),
			FlagName: "passfile",
		}),
		vc:        viperutil.NewViperConfig(reg, serviceName),
		lg:        servenv.NewLogger(reg),
		telemetry: telemetry.NewTelemetry(),
		dialer:    asyncconn.PGDialer{},
	}

	var span trace.Span

	root := &cobra.Command{
		Use:   serviceName,
		Short: "Run SQL through a non-blocking PostgreSQL connection",
		Long: `pgreactor drives a single PostgreSQL connection from an event loop.

Connection settings come from flags, PGREACTOR_* environment variables, or a
pgreactor.yaml config file, in that order of precedence. A --dsn takes the
place of the individual connection flags.`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if err := rc.vc.LoadConfig(rc.reg); err != nil {
				return err
			}

			var err error
			if span, err = rc.telemetry.InitForCommand(cmd, serviceName, true); err != nil {
				return err
			}
			return rc.lg.SetupLogging(rc.telemetry)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if span != nil {
				span.End()
			}

			// Flush pending spans before the process exits.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rc.telemetry.ShutdownTelemetry(ctx); err != nil {
				return fmt.Errorf("failed to shutdown OpenTelemetry: %w", err)
			}
			return rc.lg.Close()
		},
	}

	flags := root.PersistentFlags()
	flags.String("dsn", rc.dsn.Default(), "Connection string, as a postgres:// URL or key=value pairs")
	flags.StringP("host", "H", rc.host.Default(), "Server host, or a directory holding its Unix socket")
	flags.IntP("port", "p", rc.port.Default(), "Server port")
	flags.StringP("user", "U", rc.user.Default(), "User to connect as")
	flags.String("password", rc.password.Default(), "Password for the user")
	flags.StringP("database", "d", rc.database.Default(), "Database to connect to")
	flags.Duration("connect-timeout", rc.connectTimeout.Default(), "Maximum time to wait for the handshake (0 waits forever)")
	flags.String("passfile", rc.passfile.Default(), "Password file consulted when no password is given")
	rc.vc.RegisterFlags(flags)
	rc.lg.RegisterFlags(flags)

	viperutil.BindFlags(flags,
		rc.dsn,
		rc.host,
		rc.port,
		rc.user,
		rc.password,
		rc.database,
		rc.connectTimeout,
		rc.passfile,
	)

	AddQueryCommand(root, rc)
	AddConfigCommand(root, rc)

	return root, rc
}

// Params resolves the connection settings. A DSN supplies every setting
// it names; connect-timeout still applies when the DSN has none. Without a
// DSN or a password, the password comes from the passfile.
func (rc *ReactorCommand) Params() (asyncconn.Params, error) {
	if dsn := rc.dsn.Get(); dsn != "" {
		p, err := asyncconn.ParseDSN(dsn)
		if err != nil {
			return asyncconn.Params{}, err
		}
		if p.ConnectTimeout == 0 {
			p.ConnectTimeout = rc.connectTimeout.Get()
		}
		return p, nil
	}

	if rc.connectTimeout.Get() < 0 {
		return asyncconn.Params{}, fmt.Errorf("connect-timeout must not be negative")
	}
	p := asyncconn.Params{
		Host:           rc.host.Get(),
		Port:           rc.port.Get(),
		User:           rc.user.Get(),
		Password:       rc.password.Get(),
		Database:       rc.database.Get(),
		ConnectTimeout: rc.connectTimeout.Get(),
	}
	if p.Password == "" {
		// Socket connections match passfile entries as localhost.
		host := p.Host
		if strings.HasPrefix(host, "/") {
			host = "localhost"
		}
		pw, ok, err := pgpass.Lookup(rc.reg.Fs(), rc.passfile.Get(), host, strconv.Itoa(p.Port), p.Database, p.User)
		if err != nil {
			return asyncconn.Params{}, err
		}
		if ok {
			p.Password = pw
		}
	}
	return p, nil
}

// GetLogger returns the configured logger.
func (rc *ReactorCommand) GetLogger() *slog.Logger {
	return rc.lg.GetLogger()
}
