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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/multigres/pgreactor/go/common/asyncconn"
	"github.com/multigres/pgreactor/go/common/eventloop"
	"github.com/multigres/pgreactor/go/viperutil"
)

// queryCmd holds the query command configuration.
type queryCmd struct {
	rc     *ReactorCommand
	output viperutil.Value[string]
}

// AddQueryCommand adds the query subcommand to the root command.
func AddQueryCommand(root *cobra.Command, rc *ReactorCommand) {
	q := &queryCmd{
		rc: rc,
		output: viperutil.Configure(rc.reg, "output", viperutil.Options[string]{
			Default:  formatTable,
			FlagName: "output",
		}),
	}

	cmd := &cobra.Command{
		Use:   "query <sql> [<sql>...]",
		Short: "Run SQL and print the result",
		Long: `Connect, run each SQL argument in order, print its result, and close.

Each argument is sent as one simple-protocol query, so it may hold several
statements separated by semicolons. The printed result is that of the last
statement; rows affected are summed over all of them. The first error stops
the run.

Examples:
  pgreactor query "SELECT 1"
  pgreactor query --dsn postgres://app@db/orders -o json "SELECT * FROM orders"`,
		Args: cobra.MinimumNArgs(1),
		RunE: q.run,
	}
	cmd.Flags().StringP("output", "o", q.output.Default(), fmt.Sprintf("Output format (%s, %s, %s)", formatTable, formatJSON, formatYAML))
	viperutil.BindFlags(cmd.Flags(), q.output)
	root.AddCommand(cmd)
}

func (q *queryCmd) run(cmd *cobra.Command, args []string) error {
	format := q.output.Get()
	p, err := newPrinter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}
	params, err := q.rc.Params()
	if err != nil {
		return err
	}

	logger := q.rc.GetLogger()
	loop := eventloop.New(eventloop.WithLogger(logger))
	s := &session{
		loop:    loop,
		queries: args,
		print:   p.print,
	}
	opts := []asyncconn.Option{asyncconn.WithLogger(logger), asyncconn.WithDialer(q.rc.dialer)}
	if err := loop.Post(func() { s.start(params, opts) }); err != nil {
		return err
	}
	if err := loop.Run(cmd.Context()); err != nil {
		return err
	}
	return s.err
}

// session runs queries one after another on a single connection. All of
// its methods run on the loop.
type session struct {
	loop    *eventloop.Loop
	queries []string
	print   func(sql string, env *asyncconn.Envelope) error

	conn *asyncconn.Conn
	err  error
}

func (s *session) start(params asyncconn.Params, opts []asyncconn.Option) {
	s.conn = asyncconn.Connect(s.loop, params, s.connected, opts...)
}

func (s *session) connected(r asyncconn.Result[*asyncconn.Conn]) {
	if err := r.Err(); err != nil {
		s.finish(err)
		return
	}
	s.next()
}

func (s *session) next() {
	if len(s.queries) == 0 {
		s.finish(nil)
		return
	}
	sql := s.queries[0]
	s.queries = s.queries[1:]
	s.conn.Query(sql, func(r asyncconn.Result[*asyncconn.Envelope]) {
		env, err := r.Get()
		if err != nil {
			s.finish(fmt.Errorf("query %q: %w", sql, err))
			return
		}
		if err := s.print(sql, env); err != nil {
			s.finish(err)
			return
		}
		s.next()
	})
}

func (s *session) finish(err error) {
	s.err = errors.Join(s.err, err)
	if s.conn != nil {
		s.conn.Close()
	}
	s.loop.Stop()
}
