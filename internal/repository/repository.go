// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apierrors "github.com/agoralabs/agora/internal/pkg/errors"
)

// mapErr translates pgx failures into the API error taxonomy. Unique
// violations become StoreConflict, everything else transport-level becomes
// StoreUnavailable; both are retriable.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apierrors.ErrStoreConflict.Wrap(err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return apierrors.ErrStoreUnavailable.Wrap(err)
}

// inTx runs fn inside a transaction, rolling back on error or panic.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return mapErr(tx.Commit(ctx))
}
