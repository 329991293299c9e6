package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upReadingValueCheck, downReadingValueCheck)
}

const readingValueCheck = "occupancy_readings_kind_value_check"

// Readings written before this migration were only validated by the service. Fails if any
// stored reading would break the constraint; such rows have to be fixed by hand.
func upReadingValueCheck(ctx context.Context, tx *sql.Tx) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pg_constraint WHERE conname = $1)`, readingValueCheck).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for constraint: %w", err)
	}
	if exists {
		return nil
	}
	var numBad int
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM occupancy_readings
		WHERE NOT ((kind = 'DOOR' AND value IN ('OPEN', 'CLOSED')) OR (kind = 'MOTION' AND value IN ('MOTION', 'STILL')))
	`).Scan(&numBad)
	if err != nil {
		return fmt.Errorf("failed to count invalid readings: %w", err)
	}
	if numBad > 0 {
		return fmt.Errorf("%d readings have a value outside their kind's domain", numBad)
	}
	_, err = tx.ExecContext(ctx, `
		ALTER TABLE occupancy_readings ADD CONSTRAINT `+readingValueCheck+` CHECK (
			(kind = 'DOOR' AND value IN ('OPEN', 'CLOSED')) OR (kind = 'MOTION' AND value IN ('MOTION', 'STILL'))
		)
	`)
	return err
}

func downReadingValueCheck(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `ALTER TABLE occupancy_readings DROP CONSTRAINT IF EXISTS `+readingValueCheck)
	return err
}
