package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// isDuplicateConstraint reports whether err came from re-applying a
// constraint that already exists, so migrations stay re-runnable.
func isDuplicateConstraint(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 42710 duplicate_object, 42P07 duplicate_table
		return pgErr.Code == "42710" || pgErr.Code == "42P07"
	}
	return strings.Contains(err.Error(), "already exists")
}
