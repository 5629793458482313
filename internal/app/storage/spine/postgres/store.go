// Package postgres implements the spine storage interfaces backed by
// PostgreSQL. SQL lives only here; every component above talks to the
// typed interfaces in the parent package.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
	spinestorage "github.com/ryansmccoy/spine-core-sub006/internal/app/storage/spine"
)

// Store implements spinestorage.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ spinestorage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// normalize maps driver errors into the bounded taxonomy from the error
// design: constraint violations become conflict, connection-level
// failures become transient, everything else permanent. Callers re-raise
// conflict as their own domain error (idempotency hit, lock held).
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var se *spineerr.Error
	if errors.As(err, &se) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "23": // integrity constraint violation
			return spineerr.Wrap(domain.CategoryConflict, "constraint violation", err)
		case "08", "53", "57": // connection, resources, operator intervention
			return spineerr.Wrap(domain.CategoryTransient, "database unavailable", err)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return spineerr.Wrap(domain.CategoryNotFound, "row not found", err)
	}
	return spineerr.Wrap(domain.CategoryPermanent, "database error", err)
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func marshalStrings(v []string) ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

func unmarshalStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func marshalExecError(e *domain.ExecutionError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func unmarshalExecError(raw []byte) *domain.ExecutionError {
	if len(raw) == 0 {
		return nil
	}
	var e domain.ExecutionError
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil
	}
	return &e
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return normalize(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return normalize(err)
	}
	return nil
}
