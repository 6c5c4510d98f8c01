package session

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// DB is the slice of pgx the validity check needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGValidity checks session liveness against the sessions table. A session
// row that is missing or past its expiry is not valid.
type PGValidity struct {
	DB DB
}

func (v *PGValidity) SessionValid(ctx context.Context, sessionID string) (bool, error) {
	var valid bool
	err := v.DB.QueryRow(ctx,
		`SELECT expires_at IS NULL OR expires_at > now() FROM sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&valid)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return valid, nil
}
