package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartDBSpan starts a span for database operations
func StartDBSpan(ctx context.Context, system, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// DatabaseMetrics holds database-related metrics
type DatabaseMetrics struct {
	queryDuration   metric.Float64Histogram
	queryCount      metric.Int64Counter
	errorCount      metric.Int64Counter
	connectionCount metric.Int64UpDownCounter
}

// NewDatabaseMetrics creates database metrics instruments
func NewDatabaseMetrics() (*DatabaseMetrics, error) {
	meter := otel.Meter(instrumentationName)

	queryDuration, err := meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queryCount, err := meter.Int64Counter(
		"db.query.count",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{queries}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"db.error.count",
		metric.WithDescription("Total number of database errors"),
		metric.WithUnit("{errors}"),
	)
	if err != nil {
		return nil, err
	}

	connectionCount, err := meter.Int64UpDownCounter(
		"db.connection.count",
		metric.WithDescription("Number of active database connections"),
		metric.WithUnit("{connections}"),
	)
	if err != nil {
		return nil, err
	}

	return &DatabaseMetrics{
		queryDuration:   queryDuration,
		queryCount:      queryCount,
		errorCount:      errorCount,
		connectionCount: connectionCount,
	}, nil
}

// RecordQuery records a database query metrics
func (m *DatabaseMetrics) RecordQuery(ctx context.Context, operation, table string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
	}

	m.queryCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.queryDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.errorCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// TraceDB wraps sql.DB with tracing. The system label distinguishes the
// sqlite device store from the postgres canonical store in span attributes.
type TraceDB struct {
	db      *sql.DB
	system  string
	metrics *DatabaseMetrics
}

// NewTraceDB creates a traced database wrapper
func NewTraceDB(db *sql.DB, system string) (*TraceDB, error) {
	metrics, err := NewDatabaseMetrics()
	if err != nil {
		return nil, err
	}

	return &TraceDB{
		db:      db,
		system:  system,
		metrics: metrics,
	}, nil
}

// QueryContext executes a query with tracing
func (t *TraceDB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, span := StartSpan(ctx, "DB Query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", t.system),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	defer span.End()

	start := time.Now()
	rows, err := t.db.QueryContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
	}

	span.SetAttributes(attribute.Int64("db.query_duration_ms", duration.Milliseconds()))

	return rows, err
}

// ExecContext executes a statement with tracing
func (t *TraceDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, span := StartSpan(ctx, "DB Exec",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", t.system),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := t.db.ExecContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
		if rowsAffected, raErr := result.RowsAffected(); raErr == nil {
			span.SetAttributes(attribute.Int64("db.rows_affected", rowsAffected))
		}
	}

	span.SetAttributes(attribute.Int64("db.query_duration_ms", duration.Milliseconds()))

	return result, err
}

// QueryRowContext executes a query that returns a single row with tracing
func (t *TraceDB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	ctx, span := StartSpan(ctx, "DB QueryRow",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", t.system),
			attribute.String("db.statement", truncateQuery(query)),
		),
	)
	// Note: span.End() should be called after scanning the row
	// This is a limitation of the sql.Row interface

	row := t.db.QueryRowContext(ctx, query, args...)
	span.End()
	return row
}

// BeginTx starts a transaction. The transaction itself is not traced; the
// surrounding service span covers it.
func (t *TraceDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return t.db.BeginTx(ctx, opts)
}

// DB returns the underlying database connection
func (t *TraceDB) DB() *sql.DB {
	return t.db
}

func truncateQuery(query string) string {
	if len(query) > 500 {
		return query[:500] + "..."
	}
	return query
}

// EngineMetrics holds sync and model lifecycle metrics
type EngineMetrics struct {
	recordsEnqueued metric.Int64Counter
	batchesSent     metric.Int64Counter
	batchFailures   metric.Int64Counter
	corrections     metric.Int64Counter
	modelDownloads  metric.Int64Counter
	modelEvictions  metric.Int64Counter
	modelBytes      metric.Int64UpDownCounter
}

// NewEngineMetrics creates engine metrics instruments
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter(instrumentationName)

	recordsEnqueued, err := meter.Int64Counter(
		"plantsync.records.enqueued",
		metric.WithDescription("Total number of records enqueued for sync"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return nil, err
	}

	batchesSent, err := meter.Int64Counter(
		"plantsync.batches.sent",
		metric.WithDescription("Total number of sync batches submitted"),
		metric.WithUnit("{batches}"),
	)
	if err != nil {
		return nil, err
	}

	batchFailures, err := meter.Int64Counter(
		"plantsync.batches.failures",
		metric.WithDescription("Total number of failed batch submissions"),
		metric.WithUnit("{batches}"),
	)
	if err != nil {
		return nil, err
	}

	corrections, err := meter.Int64Counter(
		"plantsync.records.corrections",
		metric.WithDescription("Total number of server corrections applied"),
		metric.WithUnit("{records}"),
	)
	if err != nil {
		return nil, err
	}

	modelDownloads, err := meter.Int64Counter(
		"plantsync.models.downloads",
		metric.WithDescription("Total number of model artifact downloads"),
		metric.WithUnit("{downloads}"),
	)
	if err != nil {
		return nil, err
	}

	modelEvictions, err := meter.Int64Counter(
		"plantsync.models.evictions",
		metric.WithDescription("Total number of model artifact evictions"),
		metric.WithUnit("{evictions}"),
	)
	if err != nil {
		return nil, err
	}

	modelBytes, err := meter.Int64UpDownCounter(
		"plantsync.models.bytes",
		metric.WithDescription("Model artifact bytes held on device"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		recordsEnqueued: recordsEnqueued,
		batchesSent:     batchesSent,
		batchFailures:   batchFailures,
		corrections:     corrections,
		modelDownloads:  modelDownloads,
		modelEvictions:  modelEvictions,
		modelBytes:      modelBytes,
	}, nil
}

// RecordEnqueued records a record accepted into the sync queue
func (m *EngineMetrics) RecordEnqueued(ctx context.Context, kind string) {
	m.recordsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("record_kind", kind)))
}

// RecordBatch records one batch submission attempt
func (m *EngineMetrics) RecordBatch(ctx context.Context, itemCount int, success bool) {
	attrs := []attribute.KeyValue{
		attribute.Int("item_count", itemCount),
	}
	m.batchesSent.Add(ctx, 1, metric.WithAttributes(attrs...))
	if !success {
		m.batchFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordCorrection records a server correction applied to a local record
func (m *EngineMetrics) RecordCorrection(ctx context.Context, kind string) {
	m.corrections.Add(ctx, 1, metric.WithAttributes(attribute.String("record_kind", kind)))
}

// RecordModelDownload records a model download attempt
func (m *EngineMetrics) RecordModelDownload(ctx context.Context, modelID string, sizeBytes int64, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("model_id", modelID),
		attribute.Bool("success", success),
	}
	m.modelDownloads.Add(ctx, 1, metric.WithAttributes(attrs...))
	if success {
		m.modelBytes.Add(ctx, sizeBytes)
	}
}

// RecordModelEviction records a model eviction
func (m *EngineMetrics) RecordModelEviction(ctx context.Context, modelID string, sizeBytes int64) {
	m.modelEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("model_id", modelID)))
	m.modelBytes.Add(ctx, -sizeBytes)
}
