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

package asyncconn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/multigres/pgreactor/go/tools/telemetry"
)

// Operation names an asynchronous operation in metrics.
type Operation string

const (
	OpConnect Operation = "connect"
	OpQuery   Operation = "query"
)

// Outcome is how an operation completed.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeError    Outcome = "error"
	OutcomeRejected Outcome = "rejected" // refused without reaching the server
	OutcomeClosed   Outcome = "closed"
	OutcomeTimeout  Outcome = "timeout"
)

// Metrics holds the OpenTelemetry instruments of a connection.
type Metrics struct {
	operations metric.Int64Counter
	duration   OperationDuration
}

// OperationDuration wraps a Float64Histogram so callers don't need to know
// the attribute keys.
type OperationDuration struct {
	metric.Float64Histogram
}

// Record records how long op took, in seconds.
func (m OperationDuration) Record(ctx context.Context, val float64, op Operation, outcome Outcome) {
	m.Float64Histogram.Record(ctx, val,
		metric.WithAttributes(
			attribute.String("op", string(op)),
			attribute.String("outcome", string(outcome)),
		))
}

// NewMetrics creates the instruments on the current global meter provider.
// Instruments that fail to register are replaced with no-ops.
func NewMetrics() *Metrics {
	meter := telemetry.Meter()
	m := &Metrics{}

	var err error
	m.operations, err = meter.Int64Counter(
		"pgreactor.connection.operations",
		metric.WithDescription("Number of completed connect and query operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		m.operations = noop.Int64Counter{}
	}

	hist, err := meter.Float64Histogram(
		"pgreactor.connection.operation.duration",
		metric.WithDescription("Time from issuing an operation to its completion"),
		metric.WithUnit("s"),
	)
	if err != nil {
		m.duration = OperationDuration{noop.Float64Histogram{}}
	} else {
		m.duration = OperationDuration{hist}
	}
	return m
}

// AddOperation counts one completion.
func (m *Metrics) AddOperation(ctx context.Context, op Operation, outcome Outcome) {
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", string(op)),
		attribute.String("outcome", string(outcome)),
	))
}

// RecordDuration records the duration of an operation that was started.
func (m *Metrics) RecordDuration(ctx context.Context, d time.Duration, op Operation, outcome Outcome) {
	m.duration.Record(ctx, d.Seconds(), op, outcome)
}
