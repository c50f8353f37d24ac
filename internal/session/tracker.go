// Package session finds the current battery discharge session so energy
// accounting only covers time spent on battery.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
	"github.com/cptspacemanspiff/gnome-app-power/internal/storage"
)

// DefaultWindow is the longest span a report looks back.
const DefaultWindow = time.Hour

// Store is the subset of the time series the tracker queries.
type Store interface {
	LatestChargingBefore(before time.Time) (*storage.BatteryRecord, error)
	FirstDischargingSince(since time.Time) (*storage.BatteryRecord, error)
}

// Session describes the report window. When Active is false there is no
// discharge session and Anchor is nil.
type Session struct {
	Start   time.Time
	Active  bool
	Anchor  *storage.BatteryRecord
	Current *collector.BatteryTelemetry
}

// Tracker reads battery telemetry and resolves the discharge session.
type Tracker struct {
	probe  collector.BatteryProbe
	store  Store
	window time.Duration
	log    *slog.Logger
}

// NewTracker creates a Tracker. probe may be nil on machines without a
// battery; a zero window means DefaultWindow and a nil logger slog.Default.
func NewTracker(probe collector.BatteryProbe, store Store, window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{probe: probe, store: store, window: window, log: logger}
}

// Read returns the current telemetry, or nil when the probe is missing or
// fails. It never aborts the pass.
func (t *Tracker) Read(ctx context.Context) *collector.BatteryTelemetry {
	if t.probe == nil {
		return nil
	}
	tel, err := t.probe.Read(ctx)
	if err != nil {
		if errors.Is(err, collector.ErrNoBattery) {
			t.log.Debug("no battery present")
		} else {
			t.log.Warn("battery probe failed", "err", err)
		}
		return nil
	}
	t.log.Info("sample",
		"discharging", tel.Discharging,
		"percent", derefInt(tel.Percent),
		"energy_wh", derefFloat(tel.Energy))
	return tel
}

// Resolve computes the window start for now. The start is the later of
// now-window and the last charging reading before now; while discharging it
// moves forward to the first discharging reading after that bound, which
// becomes the session anchor. current must already be persisted.
func (t *Tracker) Resolve(now time.Time, current *collector.BatteryTelemetry) (Session, error) {
	start := now.Add(-t.window)

	charging, err := t.store.LatestChargingBefore(now)
	if err != nil {
		return Session{}, fmt.Errorf("latest charging reading: %w", err)
	}
	if charging != nil && charging.Time.After(start) {
		start = charging.Time
	}

	sess := Session{Start: start, Current: current}
	if current == nil || !current.Discharging {
		return sess, nil
	}

	anchor, err := t.store.FirstDischargingSince(start)
	if err != nil {
		return Session{}, fmt.Errorf("first discharging reading: %w", err)
	}
	if anchor == nil {
		return sess, nil
	}
	sess.Start = anchor.Time
	sess.Active = true
	sess.Anchor = anchor
	return sess, nil
}

func derefInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
