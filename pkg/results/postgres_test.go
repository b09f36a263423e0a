package results

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Sternrassler/audience-reach/pkg/reach"
)

func newMockSink(t *testing.T) (*PostgresSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sink := NewPostgresSink(db)
	sink.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }
	return sink, mock
}

func TestPostgresSink_PersistResult(t *testing.T) {
	sink, mock := newMockSink(t)
	now := sink.now()

	t.Run("successful unit", func(t *testing.T) {
		result := reach.EstimateResult{
			Unit:             reach.NewUnit("90210", "us"),
			State:            reach.StateCompleted,
			ResolvedKey:      reach.ResolvedKey{Key: "US:90210", Label: "90210, Beverly Hills", Region: "US"},
			BaselineEstimate: reach.NewRange(10000, 12000),
			TargetedEstimate: reach.NewRange(1000, 1500),
			Success:          true,
		}

		mock.ExpectExec("INSERT INTO reach_results").
			WithArgs("project-1", "US", "90210", "completed",
				sql.NullString{String: "US:90210", Valid: true},
				sql.NullString{String: "90210, Beverly Hills", Valid: true},
				int64(10000), int64(12000), int64(1000), int64(1500),
				true, false, false, false,
				sql.NullString{}, sql.NullString{}, sql.NullInt64{}, 0, now).
			WillReturnResult(sqlmock.NewResult(1, 1))

		if err := sink.PersistResult(context.Background(), "project-1", result); err != nil {
			t.Errorf("PersistResult() error = %v", err)
		}
	})

	t.Run("failed unit stores error kind", func(t *testing.T) {
		result := reach.EstimateResult{
			Unit:         reach.NewUnit("00000", "US"),
			State:        reach.StateFailed,
			ErrorKind:    reach.ErrorKindNotFound,
			ErrorMessage: "no match for 00000 in US",
		}

		mock.ExpectExec("INSERT INTO reach_results").
			WithArgs("project-1", "US", "00000", "failed",
				sql.NullString{}, sql.NullString{},
				int64(0), int64(0), int64(0), int64(0),
				false, false, false, false,
				sql.NullString{String: "not_found", Valid: true},
				sql.NullString{String: "no match for 00000 in US", Valid: true},
				sql.NullInt64{}, 0, now).
			WillReturnResult(sqlmock.NewResult(1, 1))

		if err := sink.PersistResult(context.Background(), "project-1", result); err != nil {
			t.Errorf("PersistResult() error = %v", err)
		}
	})

	t.Run("failed unit stores remote error code", func(t *testing.T) {
		result := reach.EstimateResult{
			Unit:         reach.NewUnit("10001", "US"),
			State:        reach.StateFailed,
			ErrorKind:    reach.ErrorKindAuth,
			ErrorMessage: "Error validating access token",
			ErrorCode:    190,
			Retries:      1,
		}

		mock.ExpectExec("INSERT INTO reach_results").
			WithArgs("project-1", "US", "10001", "failed",
				sql.NullString{}, sql.NullString{},
				int64(0), int64(0), int64(0), int64(0),
				false, false, false, false,
				sql.NullString{String: "auth", Valid: true},
				sql.NullString{String: "Error validating access token", Valid: true},
				sql.NullInt64{Int64: 190, Valid: true}, 1, now).
			WillReturnResult(sqlmock.NewResult(1, 1))

		if err := sink.PersistResult(context.Background(), "project-1", result); err != nil {
			t.Errorf("PersistResult() error = %v", err)
		}
	})

	t.Run("database error is wrapped", func(t *testing.T) {
		dbErr := errors.New("connection reset")
		mock.ExpectExec("INSERT INTO reach_results").WillReturnError(dbErr)

		err := sink.PersistResult(context.Background(), "project-1", reach.EstimateResult{Unit: reach.NewUnit("1", "DE")})
		if !errors.Is(err, dbErr) {
			t.Errorf("PersistResult() error = %v, want wrapped %v", err, dbErr)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestPostgresSink_MarkRunComplete(t *testing.T) {
	sink, mock := newMockSink(t)

	mock.ExpectExec("INSERT INTO reach_runs").
		WithArgs("project-1", "completed", 8, 2, sink.now()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := sink.MarkRunComplete(context.Background(), "project-1", 8, 2); err != nil {
		t.Errorf("MarkRunComplete() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestPostgresSink_EnsureSchema(t *testing.T) {
	sink, mock := newMockSink(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS reach_results").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := sink.EnsureSchema(context.Background()); err != nil {
		t.Errorf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %s", err)
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	_ = sink.PersistResult(ctx, "p", reach.EstimateResult{Unit: reach.NewUnit("1", "US")})
	_ = sink.PersistResult(ctx, "p", reach.EstimateResult{Unit: reach.NewUnit("2", "US")})
	_ = sink.MarkRunComplete(ctx, "p", 2, 0)

	if got := len(sink.Results("p")); got != 2 {
		t.Errorf("Results() len = %d, want 2", got)
	}
	if c := sink.Completions(); len(c) != 1 || c[0].SuccessCount != 2 {
		t.Errorf("Completions() = %+v", c)
	}

	var _ Sink = NopSink{}
	var _ Sink = sink
	var _ Sink = (*PostgresSink)(nil)
}
