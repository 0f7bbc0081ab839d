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
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Value is a config variable bound to a Registry.
type Value[T any] interface {
	Key() string
	Default() T
	Get() T
	// Set overrides every other source.
	Set(v T)

	flagName() string
	registry() *Registry
}

// Options describe how a value is registered.
type Options[T any] struct {
	Default T
	// FlagName is the pflag bound by BindFlags. Empty means no flag.
	FlagName string
	// EnvVars are checked, in order, before the automatic prefixed name.
	EnvVars []string
	// GetFunc reads the key as T. Strings, ints, bools, durations and string
	// slices have built in readers.
	GetFunc func(v *viper.Viper) func(key string) T
}

type static[T any] struct {
	reg  *Registry
	key  string
	opts Options[T]
	get  func(key string) T
}

// Configure registers key in reg and returns its Value.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.v.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		_ = reg.v.BindEnv(append([]string{key}, opts.EnvVars...)...)
	}

	get := defaultGetter[T](reg.v)
	if opts.GetFunc != nil {
		get = opts.GetFunc(reg.v)
	}
	if get == nil {
		panic(fmt.Sprintf("viperutil: no reader for %s of type %T; set Options.GetFunc", key, opts.Default))
	}
	return &static[T]{reg: reg, key: key, opts: opts, get: get}
}

func (s *static[T]) Key() string         { return s.key }
func (s *static[T]) Default() T          { return s.opts.Default }
func (s *static[T]) Get() T              { return s.get(s.key) }
func (s *static[T]) Set(v T)             { s.reg.v.Set(s.key, v) }
func (s *static[T]) flagName() string    { return s.opts.FlagName }
func (s *static[T]) registry() *Registry { return s.reg }

func defaultGetter[T any](v *viper.Viper) func(string) T {
	var zero T
	var get any
	switch any(zero).(type) {
	case string:
		get = v.GetString
	case int:
		get = v.GetInt
	case bool:
		get = v.GetBool
	case time.Duration:
		get = v.GetDuration
	case []string:
		get = v.GetStringSlice
	}
	f, _ := get.(func(string) T)
	return f
}

// bindable is a Value of any type.
type bindable interface {
	Key() string
	flagName() string
	registry() *Registry
}

// BindFlags binds each value to its flag in fs. The flags must already be
// defined.
func BindFlags(fs *pflag.FlagSet, values ...bindable) {
	for _, val := range values {
		name := val.flagName()
		if name == "" {
			continue
		}
		if f := fs.Lookup(name); f != nil {
			_ = val.registry().v.BindPFlag(val.Key(), f)
		}
	}
}
