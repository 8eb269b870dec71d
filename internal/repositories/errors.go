package repositories

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isDuplicateKeyError reports whether err is a unique-constraint violation
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
