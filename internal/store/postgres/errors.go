package postgres

import (
	"errors"
	"fmt"

	"github.com/emperorhan/block-indexer/internal/store"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

// isUniqueViolation recognises unique violations from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolationCode
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}

func wrapWriteError(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", store.ErrUniqueViolation, err)
	}
	return err
}
