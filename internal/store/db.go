package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
)

const uniqueViolation = "23505"

// Open connects to Postgres through the pgx stdlib driver and verifies the
// connection. A failure here is fatal for the process.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, apperr.Fatal("database url is not configured", nil)
	}
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, apperr.Fatal("open db", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, apperr.Fatal("ping db", err)
	}
	return db, nil
}

// uniqueConstraint returns the name of the violated unique constraint, if err
// is a unique violation.
func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
