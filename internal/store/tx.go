package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ui-toolbox/icon-repository-sub000/internal/apperr"
)

// ExternalStep is work done outside the database that must succeed before a
// relational transaction may commit. A failing step rolls the transaction back.
type ExternalStep[T any] interface {
	Apply(ctx context.Context, value T) error
}

// StepFunc adapts a function to ExternalStep.
type StepFunc[T any] func(ctx context.Context, value T) error

func (f StepFunc[T]) Apply(ctx context.Context, value T) error {
	if f == nil {
		return nil
	}
	return f(ctx, value)
}

func applyStep[T any](ctx context.Context, step ExternalStep[T], value T) error {
	if step == nil {
		return nil
	}
	return step.Apply(ctx, value)
}

// WithTx runs fn inside a transaction and commits when it returns nil. Any
// error or panic from fn rolls the transaction back. A failing rollback is
// logged; the caller always sees the error that caused it.
//
// The transaction is not bound to ctx cancellation. An external step may
// already have taken effect when ctx ends, so only fn decides the outcome.
func (r *IconRepository) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := r.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return apperr.Transaction("begin transaction", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.Error("rollback failed", "error", rbErr, "cause", err)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transaction panicked: %v", p)
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		var coded *apperr.Error
		if errors.As(err, &coded) {
			return err
		}
		return apperr.Transaction("transaction body failed", err)
	}

	if err = tx.Commit(); err != nil {
		return apperr.Transaction("commit transaction", err)
	}
	committed = true
	return nil
}
