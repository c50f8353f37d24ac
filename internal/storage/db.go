package storage

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
)

// NoiseThreshold is the smallest CPU percent (after rounding to two
// decimals) that is persisted.
const NoiseThreshold = 0.01

const schema = `
CREATE TABLE IF NOT EXISTS power (
	time INTEGER NOT NULL,
	app TEXT NOT NULL,
	power REAL NOT NULL,
	pid INTEGER
);
CREATE INDEX IF NOT EXISTS idx_power_time ON power(time);

CREATE TABLE IF NOT EXISTS battery (
	time INTEGER NOT NULL,
	charging INTEGER NOT NULL,
	percent INTEGER,
	energy REAL,
	energy_full REAL
);
CREATE INDEX IF NOT EXISTS idx_battery_time ON battery(time);
`

// PowerRecord is one persisted CPU share row.
type PowerRecord struct {
	Time       time.Time `json:"time"`
	App        string    `json:"app"`
	CPUPercent float64   `json:"cpu_percent"`
	PID        *int32    `json:"pid,omitempty"`
}

// BatteryRecord is one persisted battery reading.
type BatteryRecord struct {
	Time       time.Time `json:"time"`
	Charging   bool      `json:"charging"`
	Percent    *int      `json:"percent,omitempty"`
	Energy     *float64  `json:"energy_wh,omitempty"`
	EnergyFull *float64  `json:"energy_full_wh,omitempty"`
}

// DB wraps the SQLite time series of power and battery samples.
type DB struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path. Write
// transactions take the lock up front so overlapping invocations queue on
// the busy timeout instead of failing mid-pass.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordPower inserts one row per identity whose CPU percent rounds to at
// least NoiseThreshold. Rows below the threshold are dropped; kept values
// are stored rounded to two decimals.
func (d *DB) RecordPower(ts time.Time, apps collector.Snapshot) error {
	return d.withTx(func(tx *sql.Tx) error {
		return insertPower(tx, ts, apps)
	})
}

// RecordBattery inserts exactly one battery row. Absent numeric fields are
// stored as NULL.
func (d *DB) RecordBattery(ts time.Time, t collector.BatteryTelemetry) error {
	return d.withTx(func(tx *sql.Tx) error {
		return insertBattery(tx, ts, t)
	})
}

// RecordPass writes the battery row (if any) and the power rows of one
// sampling pass in a single transaction.
func (d *DB) RecordPass(ts time.Time, battery *collector.BatteryTelemetry, apps collector.Snapshot) error {
	return d.withTx(func(tx *sql.Tx) error {
		if battery != nil {
			if err := insertBattery(tx, ts, *battery); err != nil {
				return err
			}
		}
		return insertPower(tx, ts, apps)
	})
}

func insertPower(tx *sql.Tx, ts time.Time, apps collector.Snapshot) error {
	rounded := make(map[string]float64, len(apps))
	names := make([]string, 0, len(apps))
	for app, pct := range apps {
		v := math.Round(pct*100) / 100
		if v < NoiseThreshold {
			continue
		}
		rounded[app] = v
		names = append(names, app)
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	stmt, err := tx.Prepare("INSERT INTO power (time, app, power, pid) VALUES (?, ?, ?, NULL)")
	if err != nil {
		return fmt.Errorf("prepare power insert: %w", err)
	}
	defer stmt.Close()
	for _, app := range names {
		if _, err := stmt.Exec(ts.UnixMilli(), app, rounded[app]); err != nil {
			return fmt.Errorf("insert power row %q: %w", app, err)
		}
	}
	return nil
}

func insertBattery(tx *sql.Tx, ts time.Time, t collector.BatteryTelemetry) error {
	_, err := tx.Exec(
		"INSERT INTO battery (time, charging, percent, energy, energy_full) VALUES (?, ?, ?, ?, ?)",
		ts.UnixMilli(), boolToInt(t.Charging()), nullInt(t.Percent), nullFloat(t.Energy), nullFloat(t.EnergyFull),
	)
	if err != nil {
		return fmt.Errorf("insert battery row: %w", err)
	}
	return nil
}

// QueryPowerSince returns all power rows with time >= since.
func (d *DB) QueryPowerSince(since time.Time) ([]PowerRecord, error) {
	rows, err := d.db.Query(
		"SELECT time, app, power, pid FROM power WHERE time >= ? ORDER BY time",
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []PowerRecord
	for rows.Next() {
		var (
			r   PowerRecord
			ms  int64
			pid sql.NullInt32
		)
		if err := rows.Scan(&ms, &r.App, &r.CPUPercent, &pid); err != nil {
			return nil, err
		}
		r.Time = time.UnixMilli(ms)
		if pid.Valid {
			r.PID = &pid.Int32
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

const batteryColumns = "time, charging, percent, energy, energy_full"

// LatestChargingBefore returns the most recent charging row strictly
// before the given time, or nil if there is none.
func (d *DB) LatestChargingBefore(before time.Time) (*BatteryRecord, error) {
	return d.batteryRow(
		"SELECT "+batteryColumns+" FROM battery WHERE charging = 1 AND time < ? ORDER BY time DESC LIMIT 1",
		before.UnixMilli(),
	)
}

// FirstDischargingSince returns the earliest discharging row at or after
// the given time, or nil if there is none.
func (d *DB) FirstDischargingSince(since time.Time) (*BatteryRecord, error) {
	return d.batteryRow(
		"SELECT "+batteryColumns+" FROM battery WHERE charging = 0 AND time >= ? ORDER BY time ASC LIMIT 1",
		since.UnixMilli(),
	)
}

// LatestBattery returns the most recent battery row.
func (d *DB) LatestBattery() (*BatteryRecord, error) {
	return d.batteryRow("SELECT " + batteryColumns + " FROM battery ORDER BY time DESC LIMIT 1")
}

func (d *DB) batteryRow(query string, args ...any) (*BatteryRecord, error) {
	var (
		r          BatteryRecord
		ms         int64
		charging   int
		percent    sql.NullInt64
		energy     sql.NullFloat64
		energyFull sql.NullFloat64
	)
	err := d.db.QueryRow(query, args...).Scan(&ms, &charging, &percent, &energy, &energyFull)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Time = time.UnixMilli(ms)
	r.Charging = charging != 0
	if percent.Valid {
		v := int(percent.Int64)
		r.Percent = &v
	}
	if energy.Valid {
		r.Energy = &energy.Float64
	}
	if energyFull.Valid {
		r.EnergyFull = &energyFull.Float64
	}
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
