package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. The sync engine treats this as the expected conflict branch of
// the upsert state machine (insert → conflict → update), not a failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
