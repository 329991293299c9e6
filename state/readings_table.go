package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/roomwatch/occupancy/internal"
)

// ReadingsTable stores sensor readings. Readings are append-only; reading_nid order is
// the chronological order of a session.
type ReadingsTable struct {
	db *sqlx.DB
}

func NewReadingsTable(db *sqlx.DB) *ReadingsTable {
	return &ReadingsTable{db}
}

func (t *ReadingsTable) Insert(ctx context.Context, txn *sqlx.Tx, sessionID string, in internal.Incoming, synthetic bool, createdAt time.Time) (*internal.Reading, error) {
	r := internal.Reading{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Kind:      in.Kind,
		Value:     in.Value,
		Synthetic: synthetic,
		CreatedAt: createdAt,
	}
	err := txn.QueryRowContext(ctx, `
		INSERT INTO occupancy_readings(reading_id, session_id, kind, value, synthetic, created_at)
		VALUES($1, $2, $3, $4, $5, $6) RETURNING reading_nid`,
		r.ID, r.SessionID, r.Kind, r.Value, r.Synthetic, r.CreatedAt,
	).Scan(&r.NID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SelectLatestByKind returns the newest reading of this kind in the session, or nil.
func (t *ReadingsTable) SelectLatestByKind(ctx context.Context, txn *sqlx.Tx, sessionID string, kind internal.Kind) (*internal.Reading, error) {
	var r internal.Reading
	err := txn.GetContext(ctx, &r, `
		SELECT reading_nid, reading_id, session_id, kind, value, synthetic, created_at FROM occupancy_readings
		WHERE session_id = $1 AND kind = $2 ORDER BY reading_nid DESC LIMIT 1`, sessionID, kind)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SelectBySessions returns every reading of these sessions, oldest first.
func (t *ReadingsTable) SelectBySessions(ctx context.Context, txn *sqlx.Tx, sessionIDs []string) (readings []internal.Reading, err error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	err = txn.SelectContext(ctx, &readings, `
		SELECT reading_nid, reading_id, session_id, kind, value, synthetic, created_at FROM occupancy_readings
		WHERE session_id = ANY($1) ORDER BY reading_nid ASC`, pq.StringArray(sessionIDs))
	return
}
