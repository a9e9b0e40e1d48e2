package postgres

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// nullTime converts a *time.Time to a value pgx stores as NULL when nil.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
