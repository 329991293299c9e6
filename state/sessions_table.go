package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/roomwatch/occupancy/internal"
)

// SessionsTable stores occupancy sessions. Sessions are append-only.
type SessionsTable struct {
	db *sqlx.DB
}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	return &SessionsTable{db}
}

func (t *SessionsTable) Insert(ctx context.Context, txn *sqlx.Tx, createdAt time.Time) (*internal.Session, error) {
	sess := internal.Session{
		ID:        uuid.NewString(),
		CreatedAt: createdAt,
	}
	err := txn.QueryRowContext(ctx,
		`INSERT INTO occupancy_sessions(session_id, created_at) VALUES($1, $2) RETURNING session_nid`,
		sess.ID, sess.CreatedAt,
	).Scan(&sess.NID)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SelectLatest returns the most recently created session, or nil if there are none.
func (t *SessionsTable) SelectLatest(ctx context.Context, txn *sqlx.Tx) (*internal.Session, error) {
	var sess internal.Session
	err := txn.GetContext(ctx, &sess, `SELECT session_nid, session_id, created_at FROM occupancy_sessions ORDER BY session_nid DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SelectLatestN returns up to limit sessions, newest first.
func (t *SessionsTable) SelectLatestN(ctx context.Context, txn *sqlx.Tx, limit int) (sessions []internal.Session, err error) {
	err = txn.SelectContext(ctx, &sessions, `SELECT session_nid, session_id, created_at FROM occupancy_sessions ORDER BY session_nid DESC LIMIT $1`, limit)
	return
}
