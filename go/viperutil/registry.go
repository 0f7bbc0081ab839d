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

package viperutil

import (
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Registry holds the viper instance that config values are bound to.
// Lookups resolve flag, then environment, then config file, then default.
type Registry struct {
	v  *viper.Viper
	fs afero.Fs
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithFs reads config files from fs instead of the OS filesystem.
func WithFs(fs afero.Fs) RegistryOption {
	return func(reg *Registry) {
		reg.fs = fs
	}
}

// WithEnvPrefix resolves every key from PREFIX_KEY environment variables,
// with dashes and dots in the key replaced by underscores.
func WithEnvPrefix(prefix string) RegistryOption {
	return func(reg *Registry) {
		reg.v.SetEnvPrefix(prefix)
		reg.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
		reg.v.AutomaticEnv()
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	reg := &Registry{
		v:  viper.New(),
		fs: afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(reg)
	}
	reg.v.SetFs(reg.fs)
	return reg
}

// Fs returns the filesystem config files are read from.
func (reg *Registry) Fs() afero.Fs {
	return reg.fs
}

// AllSettings returns the resolved value of every known key.
func (reg *Registry) AllSettings() map[string]any {
	return reg.v.AllSettings()
}

// ConfigFileUsed returns the path of the config file that was loaded, if any.
func (reg *Registry) ConfigFileUsed() string {
	return reg.v.ConfigFileUsed()
}
