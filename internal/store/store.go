package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"tradein-service/internal/apperrors"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// PostgresStore implements Repository on PostgreSQL.
type PostgresStore struct {
	queries
	db *sqlx.DB
}

// queries runs statements against either the pool or an open transaction.
type queries struct {
	ext sqlx.ExtContext
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{queries: queries{ext: db}, db: db}, nil
}

// EnsureSchema creates missing tables and indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a REPEATABLE READ transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(queries{ext: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateError(err, "transaction", "commit")
	}
	return nil
}

// translateError maps driver errors onto the apperrors taxonomy.
func translateError(err error, entity string, key interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(entity, key)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case uniqueViolation:
			return apperrors.Wrap(apperrors.CodeDuplicate, err, fmt.Sprintf("%s %v already exists", entity, key))
		case "40001", "40P01":
			// serialization failure or deadlock
			return apperrors.Wrap(apperrors.CodeConcurrency, err, fmt.Sprintf("%s %v was modified concurrently", entity, key))
		}
	}
	return err
}

func jsonOrNull(j types.JSONText) interface{} {
	if len(j) == 0 {
		return nil
	}
	return string(j)
}
