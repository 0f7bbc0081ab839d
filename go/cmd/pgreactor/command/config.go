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
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// AddConfigCommand adds the config subcommand to the root command.
func AddConfigCommand(root *cobra.Command, rc *ReactorCommand) {
	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Long: `Print every setting after merging flags, environment and the config file.
Passwords are redacted. The output is valid pgreactor.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := rc.reg.AllSettings()
			if pw, ok := settings["password"].(string); ok && pw != "" {
				settings["password"] = redacted
			}
			if dsn, ok := settings["dsn"].(string); ok && dsn != "" {
				if p, err := rc.Params(); err == nil && p.Password != "" {
					settings["dsn"] = redacted
				}
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(settings); err != nil {
				return err
			}
			return enc.Close()
		},
	})
}
