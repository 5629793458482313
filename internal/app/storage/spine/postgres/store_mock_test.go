package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

func TestAcquireLockConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	// A live lock row means the conditional upsert touches zero rows.
	mock.ExpectExec("INSERT INTO core_concurrency_locks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := New(db)
	now := time.Now().UTC()
	_, err = store.AcquireLock(context.Background(), domain.ConcurrencyLock{
		LockKey:     "finra:T1:2025-12-26",
		ExecutionID: "exec-2",
		AcquiredAt:  now,
		ExpiresAt:   now.Add(time.Minute),
	})
	if err == nil {
		t.Fatalf("expected lock-held error")
	}
	if spineerr.Category(err) != domain.CategoryConflict {
		t.Fatalf("expected conflict category, got %s", spineerr.Category(err))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSweepExpiredCountsRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM core_concurrency_locks").
		WillReturnResult(sqlmock.NewResult(0, 3))

	store := New(db)
	n, err := store.SweepExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 swept, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNormalizeTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.ErrorCategory
	}{
		{"unique violation", &pq.Error{Code: "23505"}, domain.CategoryConflict},
		{"connection failure", &pq.Error{Code: "08006"}, domain.CategoryTransient},
		{"admin shutdown", &pq.Error{Code: "57P01"}, domain.CategoryTransient},
		{"syntax error", &pq.Error{Code: "42601"}, domain.CategoryPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := spineerr.Category(normalize(tc.err)); got != tc.want {
				t.Fatalf("normalize(%v) category = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}
