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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ViperConfig holds the flags that locate the config file.
type ViperConfig struct {
	configPaths                Value[[]string]
	configType                 Value[string]
	configName                 Value[string]
	configFile                 Value[string]
	configFileNotFoundHandling Value[ConfigFileNotFoundHandling]
}

// NewViperConfig registers the config file flags in reg. name is the
// default file name, without extension, searched for in the current
// directory.
func NewViperConfig(reg *Registry, name string) *ViperConfig {
	return &ViperConfig{
		configPaths: Configure(reg, "config.paths", Options[[]string]{
			Default:  []string{"."},
			FlagName: "config-path",
		}),
		configType: Configure(reg, "config.type", Options[string]{
			FlagName: "config-type",
		}),
		configName: Configure(reg, "config.name", Options[string]{
			Default:  name,
			FlagName: "config-name",
		}),
		configFile: Configure(reg, "config.file", Options[string]{
			FlagName: "config-file",
		}),
		configFileNotFoundHandling: Configure(reg, "config.notfound.handling", Options[ConfigFileNotFoundHandling]{
			Default:  IgnoreConfigFileNotFound,
			GetFunc:  getHandlingValue,
			FlagName: "config-file-not-found-handling",
		}),
	}
}

func (vc *ViperConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSlice("config-path", vc.configPaths.Default(), "Paths to search for config files in.")
	fs.String("config-type", vc.configType.Default(), "Config file type (omit to infer config type from file extension).")
	fs.String("config-name", vc.configName.Default(), "Name of the config file (without extension) to search for.")
	fs.String("config-file", vc.configFile.Default(), "Full path of the config file (with extension) to use. If set, --config-path, --config-type, and --config-name are ignored.")

	h := vc.configFileNotFoundHandling.Default()
	fs.Var(&h, "config-file-not-found-handling", fmt.Sprintf("Behavior when a config file is not found. (Options: %s)", strings.Join(handlingNames, ", ")))

	BindFlags(fs, vc.configPaths, vc.configType, vc.configName, vc.configFile, vc.configFileNotFoundHandling)
}

// LoadConfig reads the config file into reg. A missing file is handled
// according to --config-file-not-found-handling.
func (vc *ViperConfig) LoadConfig(reg *Registry) error {
	var err error
	switch file := vc.configFile.Get(); file {
	case "":
		name := vc.configName.Get()
		if name == "" {
			return nil
		}
		reg.v.SetConfigName(name)
		for _, path := range vc.configPaths.Get() {
			reg.v.AddConfigPath(path)
		}
		if cfgType := vc.configType.Get(); cfgType != "" {
			reg.v.SetConfigType(cfgType)
		}
		err = reg.v.ReadInConfig()
	default:
		reg.v.SetConfigFile(file)
		err = reg.v.ReadInConfig()
	}

	if err == nil {
		slog.Debug("loaded config file", "path", reg.v.ConfigFileUsed())
		return nil
	}
	if !isConfigFileNotFoundError(err) {
		return fmt.Errorf("failed to read config: %w", err)
	}

	switch vc.configFileNotFoundHandling.Get() {
	case IgnoreConfigFileNotFound:
		return nil
	case WarnOnConfigFileNotFound:
		slog.Warn("config file not found", "error", err)
		return nil
	default:
		return fmt.Errorf("config file not found: %w", err)
	}
}

func isConfigFileNotFoundError(err error) bool {
	if errors.As(err, &viper.ConfigFileNotFoundError{}) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

type ConfigFileNotFoundHandling int

const (
	// IgnoreConfigFileNotFound proceeds silently with defaults, environment
	// variables and flags.
	IgnoreConfigFileNotFound ConfigFileNotFoundHandling = iota
	// WarnOnConfigFileNotFound logs a warning and proceeds.
	WarnOnConfigFileNotFound
	// ErrorOnConfigFileNotFound makes LoadConfig return the error.
	ErrorOnConfigFileNotFound
)

var (
	handlingNames         []string
	handlingNamesToValues = map[string]ConfigFileNotFoundHandling{
		"ignore": IgnoreConfigFileNotFound,
		"warn":   WarnOnConfigFileNotFound,
		"error":  ErrorOnConfigFileNotFound,
	}
)

func init() {
	for name := range handlingNamesToValues {
		handlingNames = append(handlingNames, name)
	}
	sort.Strings(handlingNames)
}

// getHandlingValue accepts the handling as a name, an int, or the type itself.
// Anything else reads as IgnoreConfigFileNotFound.
func getHandlingValue(v *viper.Viper) func(key string) ConfigFileNotFoundHandling {
	return func(key string) ConfigFileNotFoundHandling {
		var h ConfigFileNotFoundHandling
		switch raw := v.Get(key).(type) {
		case ConfigFileNotFoundHandling:
			return raw
		case int:
			if raw >= 0 && raw <= int(ErrorOnConfigFileNotFound) {
				return ConfigFileNotFoundHandling(raw)
			}
		case string:
			if err := h.Set(raw); err == nil {
				return h
			}
		}
		return IgnoreConfigFileNotFound
	}
}

func (h *ConfigFileNotFoundHandling) Set(arg string) error {
	if v, ok := handlingNamesToValues[strings.ToLower(arg)]; ok {
		*h = v
		return nil
	}
	return fmt.Errorf("unknown handling name %s", arg)
}

func (h ConfigFileNotFoundHandling) String() string {
	for name, v := range handlingNamesToValues {
		if v == h {
			return name
		}
	}
	return fmt.Sprintf("<UNKNOWN:%d>", int(h))
}

func (h *ConfigFileNotFoundHandling) Type() string { return "ConfigFileNotFoundHandling" }
