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

package telemetry

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/yaml.v3"
)

// customSamplerName is the OTEL_TRACES_SAMPLER value that selects the
// file-based sampler. OTEL_TRACES_SAMPLER_CONFIG names the YAML file.
const customSamplerName = "pgreactor_custom"

// SamplingConfig maps spans to categories with their own probability.
//
//	categories:
//	  default: {probability: 1.0}
//	  queries: {probability: 0.1}
//	operations:
//	  QUERY: queries
//	spans:
//	  exact:
//	    connect postgresql: default
//	  patterns:
//	    "* postgresql": queries
type SamplingConfig struct {
	Categories map[string]CategoryConfig `yaml:"categories"`
	// Operations keys on the db.operation.name span attribute.
	Operations map[string]string `yaml:"operations"`
	Spans      SpanConfig        `yaml:"spans"`
}

// CategoryConfig defines the sampling probability for a category
type CategoryConfig struct {
	Probability float64 `yaml:"probability"`
}

// SpanConfig matches span names exactly or with filepath.Match patterns.
type SpanConfig struct {
	Exact    map[string]string `yaml:"exact"`
	Patterns map[string]string `yaml:"patterns"`
}

// parseSamplingConfig validates a YAML sampling configuration.
func parseSamplingConfig(data []byte) (*SamplingConfig, error) {
	var config SamplingConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse sampling config YAML: %w", err)
	}

	if _, ok := config.Categories["default"]; !ok {
		return nil, errors.New("sampling config must define a 'default' category")
	}
	for name, cat := range config.Categories {
		if cat.Probability < 0 || cat.Probability > 1 {
			return nil, fmt.Errorf("category %q has invalid probability %f (must be 0.0-1.0)", name, cat.Probability)
		}
	}

	all := make(map[string]string)
	maps.Copy(all, config.Operations)
	maps.Copy(all, config.Spans.Exact)
	maps.Copy(all, config.Spans.Patterns)
	for span, cat := range all {
		if _, ok := config.Categories[cat]; !ok {
			return nil, fmt.Errorf("span %q references undefined category %q", span, cat)
		}
	}
	return &config, nil
}

// SpanSampler routes each sampling decision to its category's sampler.
type SpanSampler struct {
	config   *SamplingConfig
	samplers map[string]sdktrace.Sampler
}

// NewSpanSampler builds a sampler from a validated config.
func NewSpanSampler(config *SamplingConfig) *SpanSampler {
	samplers := make(map[string]sdktrace.Sampler, len(config.Categories))
	for name, cat := range config.Categories {
		samplers[name] = sdktrace.TraceIDRatioBased(cat.Probability)
	}
	return &SpanSampler{config: config, samplers: samplers}
}

func attributeValue(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, attr := range attrs {
		if attr.Key == key {
			return attr.Value.AsString(), true
		}
	}
	return "", false
}

// category resolves, in order: db.operation.name, exact span name, span
// name pattern, then "default".
func (s *SpanSampler) category(params sdktrace.SamplingParameters) string {
	if op, ok := attributeValue(params.Attributes, "db.operation.name"); ok {
		if cat, ok := s.config.Operations[op]; ok {
			return cat
		}
	}
	if cat, ok := s.config.Spans.Exact[params.Name]; ok {
		return cat
	}
	for pattern, cat := range s.config.Spans.Patterns {
		if matched, _ := filepath.Match(pattern, params.Name); matched {
			return cat
		}
	}
	return "default"
}

func (s *SpanSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	return s.samplers[s.category(params)].ShouldSample(params)
}

func (s *SpanSampler) Description() string {
	return fmt.Sprintf("SpanSampler{categories=%d}", len(s.config.Categories))
}

// maybeCreateSpanSampler returns (nil, nil) unless OTEL_TRACES_SAMPLER
// selects the file-based sampler, leaving the SDK to read the standard
// sampler variables.
func maybeCreateSpanSampler() (sdktrace.Sampler, error) {
	if os.Getenv("OTEL_TRACES_SAMPLER") != customSamplerName {
		return nil, nil
	}

	path := os.Getenv("OTEL_TRACES_SAMPLER_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("OTEL_TRACES_SAMPLER=%s but OTEL_TRACES_SAMPLER_CONFIG not set", customSamplerName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sampling config file: %w", err)
	}
	config, err := parseSamplingConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load sampling config from %s: %w", path, err)
	}
	return sdktrace.ParentBased(NewSpanSampler(config)), nil
}
