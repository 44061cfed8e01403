package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/errs"
	"github.com/courierhq/courier/record"
)

func testDestinations() config.Destinations {
	return config.Destinations{
		Events:    "usage_events",
		Snapshots: "structure_snapshots",
		Mutations: "mutation_logs",
	}
}

func TestNewWithPoolBuildsStatementPerDestination(t *testing.T) {
	s := NewWithPool(nil, testDestinations())

	require.Len(t, s.statements, 3)
	for _, table := range []string{"usage_events", "structure_snapshots", "mutation_logs"} {
		stmt, ok := s.statements[table]
		require.True(t, ok, "missing statement for %s", table)
		require.Contains(t, stmt, fmt.Sprintf("INSERT INTO %s", table))
		require.Contains(t, stmt, "@payload::jsonb")
		require.Contains(t, stmt, "ON CONFLICT (id) DO NOTHING")
	}
}

func TestInsertRejectsUnknownDestination(t *testing.T) {
	s := NewWithPool(nil, testDestinations())

	rec := record.NewEvent([]byte(`{"action":"open"}`))

	err := s.Insert(context.Background(), "audit_trail", []record.Record{rec})

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeInvalid, e.Code)
	require.Equal(t, "audit_trail", e.Destination)
}

func TestInsertSkipsEmptyBatches(t *testing.T) {
	s := NewWithPool(nil, testDestinations())
	require.NoError(t, s.Insert(context.Background(), "usage_events", nil))
}

func TestNewRejectsMalformedDSN(t *testing.T) {
	_, err := New(context.Background(), config.DatabaseConfig{DSN: "://not-a-dsn"}, testDestinations())

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.CodeInvalid, e.Code)
}

func TestClassifyPgErrorMapsSQLStateClasses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code errs.Code
	}{
		{name: "unique violation is permanent", err: &pgconn.PgError{Code: "23505", Message: "duplicate key"}, code: errs.CodeInvalid},
		{name: "undefined table is permanent", err: &pgconn.PgError{Code: "42P01", Message: "relation missing"}, code: errs.CodeInvalid},
		{name: "bad payload text is permanent", err: &pgconn.PgError{Code: "22P02", Message: "invalid json"}, code: errs.CodeInvalid},
		{name: "connection failure is network", err: &pgconn.PgError{Code: "08006", Message: "connection lost"}, code: errs.CodeNetwork},
		{name: "too many connections is transient", err: &pgconn.PgError{Code: "53300", Message: "too many clients"}, code: errs.CodeUnavailable},
		{name: "admin shutdown is transient", err: &pgconn.PgError{Code: "57P01", Message: "terminating connection"}, code: errs.CodeUnavailable},
		{name: "cancelled context is network", err: fmt.Errorf("exec: %w", context.Canceled), code: errs.CodeNetwork},
		{name: "unrecognised failure stays retryable", err: errors.New("boom"), code: errs.CodeUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := classifyPgError("usage_events", tc.err)

			var e *errs.E
			require.ErrorAs(t, mapped, &e)
			require.Equal(t, tc.code, e.Code)
			require.Equal(t, "usage_events", e.Destination)
			require.NotNil(t, errors.Unwrap(e), "cause must be preserved")
		})
	}
}
