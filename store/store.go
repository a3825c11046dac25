package store

import (
	"database/sql"
	"errors"

	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateTransaction maps the unique (provider, transaction_id)
	// violation. Callers treat it as "already recorded", not a failure.
	ErrDuplicateTransaction = errors.New("payment already exists for transaction")
	// ErrInvalidTransition is returned when a status update would leave a
	// terminal state or skip a required prior state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}
