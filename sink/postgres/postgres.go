// Package postgres persists record batches in per-destination PostgreSQL
// tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/errs"
	"github.com/courierhq/courier/record"
	"github.com/courierhq/courier/sink"
)

const insertSQLTemplate = `
INSERT INTO %s (
    id,
    kind,
    content_hash,
    payload,
    recorded_at
)
VALUES (
    @id,
    @kind,
    @content_hash,
    @payload::jsonb,
    @recorded_at
)
ON CONFLICT (id) DO NOTHING;
`

// Sink writes batches through a pgx pool. Destination names are fixed at
// construction; anything else is rejected before touching the database.
type Sink struct {
	pool       *pgxpool.Pool
	statements map[string]string
}

var _ sink.Sink = (*Sink)(nil)

// New connects a pool for cfg and maps the configured destinations onto
// their tables.
func New(ctx context.Context, cfg config.DatabaseConfig, destinations config.Destinations) (*Sink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.New("postgres.new", errs.CodeInvalid, errs.WithMessage("parse dsn"), errs.WithCause(err))
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if d := cfg.MaxConnLifetime.Std(); d > 0 {
		poolCfg.MaxConnLifetime = d
	}
	if d := cfg.MaxConnIdleTime.Std(); d > 0 {
		poolCfg.MaxConnIdleTime = d
	}
	if d := cfg.HealthCheckPeriod.Std(); d > 0 {
		poolCfg.HealthCheckPeriod = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errs.New("postgres.new", errs.CodeUnavailable, errs.WithMessage("connect pool"), errs.WithCause(err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.New("postgres.new", errs.CodeUnavailable, errs.WithMessage("ping database"), errs.WithCause(err))
	}
	return NewWithPool(pool, destinations), nil
}

// NewWithPool wraps an existing pool. Integration tests and hosts that
// manage their own pool use this entry point.
func NewWithPool(pool *pgxpool.Pool, destinations config.Destinations) *Sink {
	s := new(Sink)
	s.pool = pool
	s.statements = make(map[string]string, 3)
	for _, table := range destinations.Tables() {
		s.statements[table] = fmt.Sprintf(insertSQLTemplate, table)
	}
	return s
}

// Insert queues the whole batch as one round trip.
func (s *Sink) Insert(ctx context.Context, destination string, records []record.Record) error {
	if len(records) == 0 {
		return nil
	}
	stmt, ok := s.statements[destination]
	if !ok {
		return errs.New("postgres.insert", errs.CodeInvalid,
			errs.WithDestination(destination), errs.WithMessage("unknown destination"))
	}

	batch := new(pgx.Batch)
	for _, rec := range records {
		batch.Queue(stmt, pgx.NamedArgs{
			"id":           rec.ID,
			"kind":         string(rec.Kind),
			"content_hash": nullableString(rec.ContentHash),
			"payload":      payloadArg(rec.Payload),
			"recorded_at":  rec.RecordedAt.UTC(),
		})
	}

	results := s.pool.SendBatch(ctx, batch)
	var execErr error
	for range records {
		if _, err := results.Exec(); err != nil {
			execErr = err
			break
		}
	}
	if err := results.Close(); err != nil && execErr == nil {
		execErr = err
	}
	if execErr != nil {
		return classifyPgError(destination, execErr)
	}
	return nil
}

// Close releases the connection pool.
func (s *Sink) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func payloadArg(payload []byte) string {
	if len(payload) == 0 {
		return "{}"
	}
	return string(payload)
}

// classifyPgError maps driver failures onto the retry taxonomy. Integrity
// and schema violations are permanent; connectivity and resource exhaustion
// stay retryable.
func classifyPgError(destination string, err error) error {
	opts := []errs.Option{errs.WithDestination(destination), errs.WithCause(err)}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.New("postgres.insert", errs.CodeNetwork, append(opts, errs.WithMessage("query cancelled"))...)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.New("postgres.insert", errs.CodeNetwork, append(opts, errs.WithMessage("connection failure"))...)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "42"), strings.HasPrefix(pgErr.Code, "22"):
			return errs.New("postgres.insert", errs.CodeInvalid, append(opts, errs.WithMessage(pgErr.Message))...)
		case strings.HasPrefix(pgErr.Code, "08"):
			return errs.New("postgres.insert", errs.CodeNetwork, append(opts, errs.WithMessage(pgErr.Message))...)
		default:
			return errs.New("postgres.insert", errs.CodeUnavailable, append(opts, errs.WithMessage(pgErr.Message))...)
		}
	}

	return errs.New("postgres.insert", errs.CodeUnavailable, append(opts, errs.WithMessage("batch insert"))...)
}
