// Package txn runs multi-step mutations as one all-or-nothing unit of work.
package txn

import (
	"context"
	"fmt"

	"raidline/internal/db"
)

// Coordinator begins, commits and rolls back units of work on a connection.
type Coordinator struct {
	DB *db.DB
}

// Run invokes fn with the transaction as its execution handle. fn's error, or
// a panic, rolls everything back; otherwise the work is committed.
func (c Coordinator) Run(ctx context.Context, fn func(ctx context.Context, q db.Querier) error) error {
	if c.DB == nil {
		return fmt.Errorf("txn: no database configured")
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
		if p := recover(); p != nil {
			panic(p)
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// RunResult is Run for callbacks that produce a value.
func RunResult[T any](ctx context.Context, c Coordinator, fn func(ctx context.Context, q db.Querier) (T, error)) (T, error) {
	var out T
	err := c.Run(ctx, func(ctx context.Context, q db.Querier) error {
		v, err := fn(ctx, q)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
