// Package storage is the PostgreSQL implementation of the CRM repositories.
// Every mutation that produces a domain event writes it to outbox_events in the same transaction.
package storage

import (
	"context"
	"fmt"

	"github.com/KAMASDM/cryocrm/libs/db"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/model"
	"github.com/KAMASDM/cryocrm/services/crm-service/internal/outbox"
	"github.com/jackc/pgx/v5"
)

type Store struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func New(pool *db.Pool) *Store {
	return &Store{pool: pool, outbox: outbox.NewRepository(pool)}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// translate maps driver errors onto the model sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsNotFound(err):
		return model.ErrNotFound
	case db.IsUniqueViolation(err):
		return fmt.Errorf("%w: %v", model.ErrConflict, err)
	}
	return err
}

func (s *Store) emit(ctx context.Context, tx pgx.Tx, evt outbox.Event, err error) error {
	if err != nil {
		return err
	}
	return s.outbox.Insert(ctx, tx, evt)
}

func collect[T any](rows pgx.Rows, err error, scan func(rowScanner) (T, error)) ([]T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// lockedUpdate loads a row with FOR UPDATE, applies fn and writes the result back in one transaction.
func lockedUpdate[T any](ctx context.Context, s *Store, query, id string, scan func(rowScanner) (T, error), fn func(*T) error, write func(pgx.Tx, T) error) (T, error) {
	var out T
	err := s.pool.InTx(ctx, func(tx pgx.Tx) error {
		v, err := scan(tx.QueryRow(ctx, query, id))
		if err != nil {
			return translate(err)
		}
		if err := fn(&v); err != nil {
			return err
		}
		if err := write(tx, v); err != nil {
			return translate(err)
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
