// Package sqlrepo implements the order store on database/sql for Postgres and MySQL.
package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"orderprocessor/internal/domain"
	"orderprocessor/internal/repository"
)

type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

var _ repository.Store = (*Store)(nil)

func NewStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *Store {
	return &Store{db: db, dialect: dialect, logger: logger}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("Failed to begin transaction", zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered panic inside transaction, rolling back", zap.Any("panic", r))
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(ctx, newTxRepository(tx, s.dialect)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
			return fmt.Errorf("rollback failed (%v) after: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return newTxRepository(s.db, s.dialect).getOrder(ctx, id, false)
}

// txRepository runs every query through one Querier, normally the open *sql.Tx.
type txRepository struct {
	q       domain.Querier
	dialect Dialect
}

func newTxRepository(q domain.Querier, dialect Dialect) *txRepository {
	return &txRepository{q: q, dialect: dialect}
}
