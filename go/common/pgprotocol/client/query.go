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

package client

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/pgreactor/go/common/mterrors"
	"github.com/multigres/pgreactor/go/common/pgprotocol/protocol"
	"github.com/multigres/pgreactor/go/common/sqltypes"
	"github.com/multigres/pgreactor/go/tools/telemetry"
)

// DefaultStreamingBatchSize is the size threshold (in bytes) of row data
// accumulated before QueryStreaming flushes a batch to its callback.
const DefaultStreamingBatchSize = 2 * 1024 * 1024

// queryTracingKey is the context key for query tracing configuration.
type queryTracingKey struct{}

// QueryTracingConfig holds optional configuration for query tracing.
// Spans are always created; this controls what they carry.
type QueryTracingConfig struct {
	// OperationName names the span. Defaults to "QUERY".
	OperationName string

	// IncludeQueryText records the SQL text as db.query.text. Only enable it
	// for queries that carry no user data.
	IncludeQueryText bool
}

// WithQueryTracing returns a context with query tracing configuration.
func WithQueryTracing(ctx context.Context, config QueryTracingConfig) context.Context {
	return context.WithValue(ctx, queryTracingKey{}, config)
}

func getQueryTracingConfig(ctx context.Context) QueryTracingConfig {
	config, _ := ctx.Value(queryTracingKey{}).(QueryTracingConfig)
	return config
}

// Query executes a simple query and returns one Result per statement.
// A statement that fails is not in the slice; the error is the first
// ErrorResponse as a *mterrors.PgDiagnostic.
func (c *Conn) Query(ctx context.Context, queryStr string) ([]*sqltypes.Result, error) {
	var results []*sqltypes.Result
	var current *sqltypes.Result
	var pendingNotices []*mterrors.PgDiagnostic

	err := c.QueryStreaming(ctx, queryStr, func(ctx context.Context, result *sqltypes.Result) error {
		// Notice-only callbacks attach to the statement that follows them.
		if len(result.Notices) > 0 && len(result.Rows) == 0 && result.CommandTag == "" && result.Fields == nil {
			if current != nil {
				current.Notices = append(current.Notices, result.Notices...)
			} else {
				pendingNotices = append(pendingNotices, result.Notices...)
			}
			return nil
		}

		if current == nil {
			current = &sqltypes.Result{Fields: result.Fields, Notices: pendingNotices}
			pendingNotices = nil
		}
		current.Rows = append(current.Rows, result.Rows...)
		current.Notices = append(current.Notices, result.Notices...)

		if result.CommandTag != "" || (result.Fields == nil && len(result.Rows) == 0) {
			current.CommandTag = result.CommandTag
			current.RowsAffected = result.RowsAffected
			results = append(results, current)
			current = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pendingNotices) > 0 {
		// Notices after the last statement, e.g. from a failed COMMIT path.
		if len(results) == 0 {
			results = append(results, &sqltypes.Result{})
		}
		last := results[len(results)-1]
		last.Notices = append(last.Notices, pendingNotices...)
	}
	return results, nil
}

// QueryStreaming executes a simple query and streams results via callback.
//   - Rows are batched until DefaultStreamingBatchSize is exceeded, then
//     flushed together with Fields.
//   - CommandComplete flushes the remaining rows with the CommandTag, which
//     marks the end of a statement's result set.
//   - EmptyQueryResponse yields an empty Result.
//   - Notices are delivered immediately as Results carrying only Notices.
//
// The response is always drained to ReadyForQuery. The first ErrorResponse
// or callback error is returned after draining.
func (c *Conn) QueryStreaming(ctx context.Context, queryStr string, callback func(ctx context.Context, result *sqltypes.Result) error) error {
	config := getQueryTracingConfig(ctx)
	opName := config.OperationName
	if opName == "" {
		opName = "QUERY"
	}
	attrs := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			semconv.DBOperationName(opName),
		),
	}
	if config.IncludeQueryText {
		attrs = append(attrs, trace.WithAttributes(semconv.DBQueryText(queryStr)))
	}
	ctx, span := telemetry.Tracer().Start(ctx, opName+" postgresql", attrs...)
	defer span.End()

	if c.IsClosed() {
		span.SetStatus(codes.Error, "connection closed")
		return ErrConnClosed
	}

	c.bufmu.Lock()
	defer c.bufmu.Unlock()

	stop := c.watchContext(ctx)
	defer stop()

	if err := c.writeQueryMessage(queryStr); err != nil {
		err = c.wrapIOError(ctx, "failed to send query", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send query")
		return err
	}

	err := c.processQueryResponses(ctx, callback)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
	}
	return err
}

// wrapIOError marks failures caused by a concurrent Close with ErrConnClosed.
func (c *Conn) wrapIOError(ctx context.Context, what string, err error) error {
	if c.IsClosed() {
		return fmt.Errorf("%s: %w (%v)", what, ErrConnClosed, err)
	}
	return ioError(ctx, what, err)
}

func (c *Conn) writeQueryMessage(queryStr string) error {
	w := NewMessageWriter()
	w.WriteString(queryStr)
	return c.writeMessage(protocol.MsgQuery, w.Bytes())
}

// processQueryResponses reads until ReadyForQuery. Parse failures are
// returned at once: the stream can no longer be trusted.
func (c *Conn) processQueryResponses(ctx context.Context, callback func(ctx context.Context, result *sqltypes.Result) error) error {
	var currentFields []*sqltypes.Field
	var batchedRows []*sqltypes.Row
	var batchedSize int

	// Keep draining after the first error so the connection stays usable.
	var firstErr error
	deliver := func(result *sqltypes.Result) {
		if callback != nil && firstErr == nil {
			firstErr = callback(ctx, result)
		}
	}

	for {
		msgType, body, err := c.readMessage()
		if err != nil {
			return c.wrapIOError(ctx, "failed to read query response", err)
		}

		switch msgType {
		case protocol.MsgRowDescription:
			currentFields, err = c.parseRowDescription(body)
			if err != nil {
				return err
			}

		case protocol.MsgDataRow:
			row, err := c.parseDataRow(body)
			if err != nil {
				return err
			}
			batchedRows = append(batchedRows, row)
			batchedSize += len(body)
			if batchedSize >= DefaultStreamingBatchSize {
				deliver(&sqltypes.Result{Fields: currentFields, Rows: batchedRows})
				batchedRows = nil
				batchedSize = 0
			}

		case protocol.MsgCommandComplete:
			tag, err := c.parseCommandComplete(body)
			if err != nil {
				return err
			}
			fields := currentFields
			if fields == nil {
				fields = []*sqltypes.Field{}
			}
			deliver(&sqltypes.Result{
				Fields:       fields,
				Rows:         batchedRows,
				CommandTag:   tag,
				RowsAffected: parseRowsAffected(tag),
			})
			currentFields = nil
			batchedRows = nil
			batchedSize = 0

		case protocol.MsgEmptyQueryResponse:
			deliver(&sqltypes.Result{})

		case protocol.MsgReadyForQuery:
			if err := c.handleReadyForQuery(body); err != nil {
				return err
			}
			return firstErr

		case protocol.MsgErrorResponse:
			if firstErr == nil {
				firstErr = c.parseError(body)
			}
			currentFields = nil
			batchedRows = nil
			batchedSize = 0

		case protocol.MsgNoticeResponse:
			deliver(&sqltypes.Result{Notices: []*mterrors.PgDiagnostic{c.parseNotice(body)}})

		case protocol.MsgParameterStatus:
			if err := c.handleParameterStatus(body); err != nil && firstErr == nil {
				firstErr = err
			}

		default:
			if firstErr == nil {
				firstErr = fmt.Errorf("unexpected message type in query response: %c (0x%02x)", msgType, msgType)
			}
		}
	}
}

func (c *Conn) parseRowDescription(body []byte) ([]*sqltypes.Field, error) {
	reader := NewMessageReader(body)

	fieldCount, err := reader.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read field count: %w", err)
	}
	if fieldCount < 0 {
		return nil, fmt.Errorf("invalid field count: %d", fieldCount)
	}

	fields := make([]*sqltypes.Field, fieldCount)
	for i := range fieldCount {
		field := &sqltypes.Field{}

		if field.Name, err = reader.ReadString(); err != nil {
			return nil, fmt.Errorf("failed to read field name: %w", err)
		}
		if field.TableOid, err = reader.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read table OID: %w", err)
		}
		attrNum, err := reader.ReadInt16()
		if err != nil {
			return nil, fmt.Errorf("failed to read attribute number: %w", err)
		}
		field.TableAttributeNumber = int32(attrNum)

		if field.DataTypeOid, err = reader.ReadUint32(); err != nil {
			return nil, fmt.Errorf("failed to read data type OID: %w", err)
		}
		field.Type = sqltypes.TypeName(field.DataTypeOid)

		dataTypeSize, err := reader.ReadInt16()
		if err != nil {
			return nil, fmt.Errorf("failed to read data type size: %w", err)
		}
		field.DataTypeSize = int32(dataTypeSize)

		if field.TypeModifier, err = reader.ReadInt32(); err != nil {
			return nil, fmt.Errorf("failed to read type modifier: %w", err)
		}
		formatCode, err := reader.ReadInt16()
		if err != nil {
			return nil, fmt.Errorf("failed to read format code: %w", err)
		}
		field.Format = int32(formatCode)

		fields[i] = field
	}
	return fields, nil
}

// parseDataRow parses a DataRow message. NULL columns are nil values.
func (c *Conn) parseDataRow(body []byte) (*sqltypes.Row, error) {
	reader := NewMessageReader(body)

	columnCount, err := reader.ReadInt16()
	if err != nil {
		return nil, fmt.Errorf("failed to read column count: %w", err)
	}
	if columnCount < 0 {
		return nil, fmt.Errorf("invalid column count: %d", columnCount)
	}

	row := &sqltypes.Row{Values: make([]sqltypes.Value, columnCount)}
	for i := range columnCount {
		value, err := reader.ReadByteString()
		if err != nil {
			return nil, fmt.Errorf("failed to read column value: %w", err)
		}
		row.Values[i] = value
	}
	return row, nil
}

func (c *Conn) parseCommandComplete(body []byte) (string, error) {
	tag, err := NewMessageReader(body).ReadString()
	if err != nil {
		return "", fmt.Errorf("failed to read command tag: %w", err)
	}
	return tag, nil
}

// parseRowsAffected extracts the row count from a command tag such as
// "INSERT 0 1", "UPDATE 10" or "DELETE 3". SELECT reads rows without
// affecting them and yields 0.
func parseRowsAffected(tag string) uint64 {
	if strings.HasPrefix(tag, "SELECT") {
		return 0
	}
	idx := strings.LastIndexByte(tag, ' ')
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseUint(tag[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseDiagnosticFields parses the fields shared by ErrorResponse and
// NoticeResponse. A diagnostic missing required fields is logged and still
// returned.
func parseDiagnosticFields(msgType byte, body []byte) *mterrors.PgDiagnostic {
	reader := NewMessageReader(body)
	diag := &mterrors.PgDiagnostic{MessageType: msgType}

	for reader.Remaining() > 0 {
		fieldType, err := reader.ReadByte()
		if err != nil || fieldType == 0 {
			break
		}
		value, err := reader.ReadString()
		if err != nil {
			break
		}

		switch fieldType {
		case protocol.FieldSeverity:
			diag.Severity = value
		case protocol.FieldSeverityV:
			// The non-localized severity wins when both are present.
			diag.Severity = value
		case protocol.FieldCode:
			diag.Code = value
		case protocol.FieldMessage:
			diag.Message = value
		case protocol.FieldDetail:
			diag.Detail = value
		case protocol.FieldHint:
			diag.Hint = value
		case protocol.FieldPosition:
			if pos, err := strconv.ParseInt(value, 10, 32); err == nil {
				diag.Position = int32(pos)
			}
		case protocol.FieldInternalPosition:
			if pos, err := strconv.ParseInt(value, 10, 32); err == nil {
				diag.InternalPosition = int32(pos)
			}
		case protocol.FieldInternalQuery:
			diag.InternalQuery = value
		case protocol.FieldWhere:
			diag.Where = value
		case protocol.FieldSchema:
			diag.Schema = value
		case protocol.FieldTable:
			diag.Table = value
		case protocol.FieldColumn:
			diag.Column = value
		case protocol.FieldDataType:
			diag.DataType = value
		case protocol.FieldConstraint:
			diag.Constraint = value
		}
	}

	if err := diag.Validate(); err != nil {
		slog.Warn("parsed PostgreSQL diagnostic with missing required fields",
			"error", err,
			"message_type", string([]byte{msgType}),
			"severity", diag.Severity,
			"code", diag.Code,
		)
	}
	return diag
}

// parseError parses an ErrorResponse. *mterrors.PgDiagnostic is the error.
func (c *Conn) parseError(body []byte) error {
	return parseDiagnosticFields(protocol.MsgErrorResponse, body)
}

func (c *Conn) parseNotice(body []byte) *mterrors.PgDiagnostic {
	return parseDiagnosticFields(protocol.MsgNoticeResponse, body)
}
