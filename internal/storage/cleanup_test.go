package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
)

func countRows(t *testing.T, db *DB, table string) int {
	t.Helper()

	var n int
	row := db.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table))
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count rows in %s: %v", table, err)
	}
	return n
}

func TestTrim(t *testing.T) {
	db := openTestDB(t)

	now := at(100_000)
	cutoff := now.Add(-DefaultRetention)
	stamps := []time.Time{
		cutoff.Add(-time.Second), // old
		cutoff,                   // exactly on the bound, kept
		now,                      // new
	}

	for _, ts := range stamps {
		if err := db.RecordBattery(ts, collector.BatteryTelemetry{Discharging: true, Percent: intPtr(80)}); err != nil {
			t.Fatalf("RecordBattery(%v): %v", ts, err)
		}
		if err := db.RecordPower(ts, collector.Snapshot{"a": 1, "b": 2}); err != nil {
			t.Fatalf("RecordPower(%v): %v", ts, err)
		}
	}

	deleted, err := db.Trim(now, DefaultRetention)
	if err != nil {
		t.Fatalf("Trim() error = %v", err)
	}
	if deleted != 3 {
		t.Fatalf("Trim() deleted = %d, want 3 (1 battery + 2 power)", deleted)
	}
	if got := countRows(t, db, "battery"); got != 2 {
		t.Fatalf("battery row count after trim = %d, want 2", got)
	}
	if got := countRows(t, db, "power"); got != 4 {
		t.Fatalf("power row count after trim = %d, want 4", got)
	}

	rows, err := db.QueryPowerSince(time.Time{})
	if err != nil {
		t.Fatalf("QueryPowerSince() error = %v", err)
	}
	for _, r := range rows {
		if r.Time.Before(cutoff) {
			t.Fatalf("row at %v survived trim with cutoff %v", r.Time, cutoff)
		}
	}

	// Idempotent.
	deleted, err = db.Trim(now, DefaultRetention)
	if err != nil {
		t.Fatalf("second Trim() error = %v", err)
	}
	if deleted != 0 {
		t.Fatalf("second Trim() deleted = %d, want 0", deleted)
	}
}
