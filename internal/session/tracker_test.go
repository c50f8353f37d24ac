package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
	"github.com/cptspacemanspiff/gnome-app-power/internal/storage"
)

var discardLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type probeFunc func(ctx context.Context) (*collector.BatteryTelemetry, error)

func (f probeFunc) Read(ctx context.Context) (*collector.BatteryTelemetry, error) { return f(ctx) }

func openStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func pct(v int) *int { return &v }

func record(t *testing.T, db *storage.DB, ts time.Time, discharging bool, percent int) *collector.BatteryTelemetry {
	t.Helper()
	tel := &collector.BatteryTelemetry{Discharging: discharging, Percent: pct(percent)}
	require.NoError(t, db.RecordBattery(ts, *tel))
	return tel
}

var now = time.Unix(1_700_000_000, 0)

func TestResolve_DischargingAfterCharging(t *testing.T) {
	db := openStore(t)
	record(t, db, now.Add(-50*time.Minute), false, 90)
	record(t, db, now.Add(-30*time.Minute), true, 95) // plugged in
	record(t, db, now.Add(-20*time.Minute), false, 95)
	record(t, db, now.Add(-10*time.Minute), false, 90)
	cur := record(t, db, now, false, 85)

	sess, err := NewTracker(nil, db, time.Hour, discardLog).Resolve(now, cur)
	require.NoError(t, err)

	assert.True(t, sess.Active)
	require.NotNil(t, sess.Anchor)
	assert.True(t, sess.Start.Equal(now.Add(-20*time.Minute)), "start = %v", sess.Start)
	assert.Equal(t, 95, *sess.Anchor.Percent)
}

func TestResolve_NoChargingInWindow(t *testing.T) {
	db := openStore(t)
	record(t, db, now.Add(-2*time.Hour), true, 100)
	record(t, db, now.Add(-90*time.Minute), false, 99)
	record(t, db, now.Add(-45*time.Minute), false, 80)
	cur := record(t, db, now, false, 70)

	sess, err := NewTracker(nil, db, time.Hour, discardLog).Resolve(now, cur)
	require.NoError(t, err)

	// Window is capped at one hour; the anchor is the first discharging
	// reading inside it.
	assert.True(t, sess.Active)
	assert.True(t, sess.Start.Equal(now.Add(-45*time.Minute)), "start = %v", sess.Start)
	assert.Equal(t, 80, *sess.Anchor.Percent)
}

func TestResolve_ChargingHasNoSession(t *testing.T) {
	db := openStore(t)
	record(t, db, now.Add(-40*time.Minute), false, 50)
	record(t, db, now.Add(-5*time.Minute), true, 52)
	cur := record(t, db, now, true, 53)

	sess, err := NewTracker(nil, db, time.Hour, discardLog).Resolve(now, cur)
	require.NoError(t, err)

	assert.False(t, sess.Active)
	assert.Nil(t, sess.Anchor)
	assert.True(t, sess.Start.Equal(now.Add(-5*time.Minute)), "start = %v", sess.Start)
}

func TestResolve_NoTelemetry(t *testing.T) {
	db := openStore(t)

	sess, err := NewTracker(nil, db, 0, discardLog).Resolve(now, nil)
	require.NoError(t, err)

	assert.False(t, sess.Active)
	assert.True(t, sess.Start.Equal(now.Add(-DefaultWindow)))
}

func TestRead_DegradesOnProbeFailure(t *testing.T) {
	tests := []struct {
		name  string
		probe collector.BatteryProbe
	}{
		{name: "nil probe", probe: nil},
		{name: "no battery", probe: probeFunc(func(context.Context) (*collector.BatteryTelemetry, error) {
			return nil, collector.ErrNoBattery
		})},
		{name: "probe error", probe: probeFunc(func(context.Context) (*collector.BatteryTelemetry, error) {
			return nil, errors.New("upower: exit status 1")
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(tt.probe, nil, time.Hour, discardLog)
			assert.Nil(t, tr.Read(context.Background()))
		})
	}
}

func TestRead_NilLoggerUsesDefault(t *testing.T) {
	tr := NewTracker(probeFunc(func(context.Context) (*collector.BatteryTelemetry, error) {
		return nil, errors.New("upower: exit status 1")
	}), nil, time.Hour, nil)

	assert.NotPanics(t, func() {
		assert.Nil(t, tr.Read(context.Background()))
	})
}

func TestRead_ReturnsTelemetry(t *testing.T) {
	want := &collector.BatteryTelemetry{Discharging: true, Percent: pct(42)}
	tr := NewTracker(probeFunc(func(context.Context) (*collector.BatteryTelemetry, error) {
		return want, nil
	}), nil, time.Hour, discardLog)

	assert.Same(t, want, tr.Read(context.Background()))
}
