package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/cadence/pkg/memory"
	"github.com/MrWong99/cadence/pkg/provider/mood"
)

var (
	_ memory.TurnStore = (*Store)(nil)
	_ mood.Provider    = (*MoodSource)(nil)
)

// Option adjusts the pool built by [NewStore].
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool size. Values below one are ignored.
func WithMaxConns(n int32) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = n
		}
	}
}

// WithoutTracing disables the per-query spans.
func WithoutTracing() Option {
	return func(c *pgxpool.Config) { c.ConnConfig.Tracer = nil }
}

// Store is the turn log on PostgreSQL. The pool is shared with the
// [MoodSource] returned by [Store.Moods]. Safe for concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	moods *MoodSource
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
// Every query is traced through the global OpenTelemetry provider unless
// [WithoutTracing] is given.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.ConnConfig.Tracer = queryTracer{tracer: otel.Tracer("github.com/MrWong99/cadence/pkg/memory/postgres")}
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, moods: &MoodSource{pool: pool}}, nil
}

// Moods returns the source reading users.initial_mood.
func (s *Store) Moods() *MoodSource { return s.moods }

// Ping checks connectivity for the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// queryTracer opens a client span per statement.
type queryTracer struct {
	tracer trace.Tracer
}

func (q queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, _ = q.tracer.Start(ctx, "postgres "+operation(data.SQL),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", strings.TrimSpace(data.SQL)),
		),
	)
	return ctx
}

func (q queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()
}

// operation returns the leading SQL keyword, e.g. "SELECT".
func operation(sql string) string {
	f := strings.Fields(sql)
	if len(f) == 0 {
		return "query"
	}
	return strings.ToUpper(f[0])
}
