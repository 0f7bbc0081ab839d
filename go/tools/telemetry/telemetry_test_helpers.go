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
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry holds in-memory exporters installed as the global providers.
type TestTelemetry struct {
	Telemetry    *Telemetry
	SpanExporter *tracetest.InMemoryExporter
	MetricReader *metric.ManualReader
}

// SetupTestTelemetry installs in-memory exporters as the global providers
// for the duration of the test. Tests using it must not run in parallel.
func SetupTestTelemetry(t testing.TB) *TestTelemetry {
	t.Helper()

	originalTracerProvider := otel.GetTracerProvider()
	originalMeterProvider := otel.GetMeterProvider()
	originalTextMapPropagator := otel.GetTextMapPropagator()

	spanExporter := tracetest.NewInMemoryExporter()
	metricReader := metric.NewManualReader()
	tel := NewTelemetry().WithTestExporters(spanExporter, metricReader, nil)
	if err := tel.InitTelemetry(context.Background(), "pgreactor-test"); err != nil {
		t.Fatalf("InitTelemetry: %v", err)
	}

	t.Cleanup(func() {
		_ = tel.ShutdownTelemetry(context.Background())
		otel.SetTracerProvider(originalTracerProvider)
		otel.SetMeterProvider(originalMeterProvider)
		otel.SetTextMapPropagator(originalTextMapPropagator)
	})

	return &TestTelemetry{
		Telemetry:    tel,
		SpanExporter: spanExporter,
		MetricReader: metricReader,
	}
}

// SpanNames returns the names of the finished spans, in end order.
func (tt *TestTelemetry) SpanNames() []string {
	spans := tt.SpanExporter.GetSpans()
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name)
	}
	return names
}

// Collect reads the current metrics.
func (tt *TestTelemetry) Collect(t testing.TB) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := tt.MetricReader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	return rm
}

// FindMetric returns the named metric from rm.
func FindMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}
