package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isDuplicateKeyError reports whether err is a PostgreSQL unique-violation
// (SQLSTATE 23505), the signal this package maps to domain.ErrConflict.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
