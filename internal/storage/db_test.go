package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})

	return db
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func at(sec int64) time.Time      { return time.Unix(1_700_000_000+sec, 0) }

func sumByApp(records []PowerRecord) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range records {
		out[r.App] += r.CPUPercent
	}
	return out
}

func TestRecordPower_DropsNoise(t *testing.T) {
	db := openTestDB(t)

	err := db.RecordPower(at(0), collector.Snapshot{
		"Firefox": 40.004,
		"System":  0.006, // rounds to 0.01, kept
		"tiny":    0.005, // rounds to 0.01, kept
		"idle":    0.004, // rounds to 0.00, dropped
	})
	if err != nil {
		t.Fatalf("RecordPower() error = %v", err)
	}

	got, err := db.QueryPowerSince(at(0))
	if err != nil {
		t.Fatalf("QueryPowerSince() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("QueryPowerSince() len = %d, want 3: %#v", len(got), got)
	}
	sums := sumByApp(got)
	if sums["Firefox"] != 40.0 || sums["System"] != 0.01 || sums["tiny"] != 0.01 {
		t.Fatalf("rows = %#v, want Firefox=40 System=0.01 tiny=0.01", sums)
	}
	if _, ok := sums["idle"]; ok {
		t.Fatal("noise row for idle was persisted")
	}
	for _, r := range got {
		if r.CPUPercent < NoiseThreshold {
			t.Fatalf("persisted %s with cpu percent %v below %v", r.App, r.CPUPercent, NoiseThreshold)
		}
		if r.PID != nil {
			t.Fatalf("PID = %d, want NULL", *r.PID)
		}
		if !r.Time.Equal(at(0)) {
			t.Fatalf("Time = %v, want %v", r.Time, at(0))
		}
	}
}

func TestRecordPower_DuplicatesAreKept(t *testing.T) {
	db := openTestDB(t)

	snap := collector.Snapshot{"Firefox": 12.5}
	for i := 0; i < 2; i++ {
		if err := db.RecordPower(at(10), snap); err != nil {
			t.Fatalf("RecordPower() #%d error = %v", i, err)
		}
	}

	got, err := db.QueryPowerSince(at(0))
	if err != nil {
		t.Fatalf("QueryPowerSince() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("QueryPowerSince() len = %d, want 2 (no dedup)", len(got))
	}
	if sumByApp(got)["Firefox"] != 25.0 {
		t.Fatalf("sum = %v, want 25", sumByApp(got)["Firefox"])
	}
}

func TestQueryPowerSince_Bound(t *testing.T) {
	db := openTestDB(t)

	for _, sec := range []int64{0, 60, 120} {
		if err := db.RecordPower(at(sec), collector.Snapshot{"a": 1}); err != nil {
			t.Fatalf("RecordPower(%d) error = %v", sec, err)
		}
	}

	got, err := db.QueryPowerSince(at(60))
	if err != nil {
		t.Fatalf("QueryPowerSince() error = %v", err)
	}
	if len(got) != 2 || !got[0].Time.Equal(at(60)) {
		t.Fatalf("QueryPowerSince(60) = %#v, want rows at 60 and 120", got)
	}
}

func TestRecordBattery_NullableFields(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordBattery(at(0), collector.BatteryTelemetry{Discharging: true}); err != nil {
		t.Fatalf("RecordBattery() error = %v", err)
	}

	latest, err := db.LatestBattery()
	if err != nil {
		t.Fatalf("LatestBattery() error = %v", err)
	}
	if latest == nil {
		t.Fatal("LatestBattery() = nil, want row")
	}
	if latest.Charging || latest.Percent != nil || latest.Energy != nil || latest.EnergyFull != nil {
		t.Fatalf("LatestBattery() = %#v, want discharging with NULL numerics", latest)
	}
}

func TestBatteryBoundaries(t *testing.T) {
	db := openTestDB(t)

	readings := []struct {
		sec      int64
		charging bool
		pct      int
	}{
		{0, true, 60},
		{60, true, 70},
		{120, false, 80},
		{180, false, 79},
		{240, true, 79},
		{300, false, 79},
	}
	for _, r := range readings {
		tel := collector.BatteryTelemetry{Discharging: !r.charging, Percent: intPtr(r.pct), Energy: floatPtr(40), EnergyFull: floatPtr(50)}
		if err := db.RecordBattery(at(r.sec), tel); err != nil {
			t.Fatalf("RecordBattery(%d) error = %v", r.sec, err)
		}
	}

	charging, err := db.LatestChargingBefore(at(240))
	if err != nil {
		t.Fatalf("LatestChargingBefore() error = %v", err)
	}
	if charging == nil || !charging.Time.Equal(at(60)) {
		t.Fatalf("LatestChargingBefore(240) = %#v, want row at 60 (strictly before)", charging)
	}

	first, err := db.FirstDischargingSince(at(60))
	if err != nil {
		t.Fatalf("FirstDischargingSince() error = %v", err)
	}
	if first == nil || !first.Time.Equal(at(120)) || *first.Percent != 80 {
		t.Fatalf("FirstDischargingSince(60) = %#v, want row at 120 pct=80", first)
	}
	if first.Energy == nil || *first.Energy != 40 || *first.EnergyFull != 50 {
		t.Fatalf("FirstDischargingSince(60) energy = %#v", first)
	}

	first, err = db.FirstDischargingSince(at(300))
	if err != nil {
		t.Fatalf("FirstDischargingSince() error = %v", err)
	}
	if first == nil || !first.Time.Equal(at(300)) {
		t.Fatalf("FirstDischargingSince(300) = %#v, want row at 300 (inclusive)", first)
	}

	none, err := db.LatestChargingBefore(at(0))
	if err != nil {
		t.Fatalf("LatestChargingBefore() error = %v", err)
	}
	if none != nil {
		t.Fatalf("LatestChargingBefore(0) = %#v, want nil", none)
	}
}

func TestRecordPass_WritesBothTables(t *testing.T) {
	db := openTestDB(t)

	tel := &collector.BatteryTelemetry{Discharging: true, Percent: intPtr(50)}
	if err := db.RecordPass(at(0), tel, collector.Snapshot{"Firefox": 3, "System": 1}); err != nil {
		t.Fatalf("RecordPass() error = %v", err)
	}
	if got := countRows(t, db, "battery"); got != 1 {
		t.Fatalf("battery rows = %d, want 1", got)
	}
	if got := countRows(t, db, "power"); got != 2 {
		t.Fatalf("power rows = %d, want 2", got)
	}

	// Without telemetry only power rows are written.
	if err := db.RecordPass(at(60), nil, collector.Snapshot{"Firefox": 3}); err != nil {
		t.Fatalf("RecordPass(nil battery) error = %v", err)
	}
	if got := countRows(t, db, "battery"); got != 1 {
		t.Fatalf("battery rows = %d, want 1", got)
	}
	if got := countRows(t, db, "power"); got != 3 {
		t.Fatalf("power rows = %d, want 3", got)
	}
}
