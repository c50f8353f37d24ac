package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// DefaultRetention is how long samples are kept.
const DefaultRetention = 10 * time.Hour

// Trim deletes every row older than now-retention. It is idempotent.
func (d *DB) Trim(now time.Time, retention time.Duration) (int64, error) {
	return d.DeleteOlderThan(now.Add(-retention))
}

// DeleteOlderThan deletes rows from all tables whose time is strictly
// before the given instant, in one transaction. Returns the total number
// of deleted rows.
func (d *DB) DeleteOlderThan(before time.Time) (int64, error) {
	var total int64
	err := d.withTx(func(tx *sql.Tx) error {
		// Table names come from this fixed list; placeholders cannot bind identifiers.
		for _, table := range []string{"power", "battery"} {
			res, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE time < ?", table), before.UnixMilli())
			if err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
