// Package pass runs one sampling and reporting pass: collect, persist,
// aggregate, trim.
package pass

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cptspacemanspiff/gnome-app-power/internal/attribution"
	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
	"github.com/cptspacemanspiff/gnome-app-power/internal/session"
	"github.com/cptspacemanspiff/gnome-app-power/internal/storage"
)

// Store is the persistence a pass needs.
type Store interface {
	session.Store
	RecordPass(ts time.Time, battery *collector.BatteryTelemetry, apps collector.Snapshot) error
	QueryPowerSince(since time.Time) ([]storage.PowerRecord, error)
	Trim(now time.Time, retention time.Duration) (int64, error)
}

// Runner wires the collectors to the store. Zero-valued optional fields
// fall back to the live system implementations.
type Runner struct {
	Store     Store
	Tracker   *session.Tracker
	Sampler   collector.Sampler
	Inspector collector.Inspector
	Options   collector.ClassifierOptions
	// Flatpak runs the sandbox app lister. Nil skips name resolution.
	Flatpak   collector.CommandRunner
	Retention time.Duration
	// Exclude returns the pids never attributed, normally this process and
	// its descendants.
	Exclude func(ctx context.Context) map[int32]bool
	Logger  *slog.Logger
}

// Run executes one pass at now and returns the report for the window
// ending at now. A store failure before the report is built returns a nil
// report. A trim failure returns the finished report along with the error.
func (r *Runner) Run(ctx context.Context, now time.Time) (*attribution.Report, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	processLog := logger.With("topic", "process")
	flatpakLog := logger.With("topic", "flatpak")
	storageLog := logger.With("topic", "storage")

	names := r.loadNames(ctx, flatpakLog)

	exclude := map[int32]bool{}
	if r.Exclude != nil {
		exclude = r.Exclude(ctx)
	}
	sampler := r.Sampler
	if sampler == nil {
		sampler = collector.PsutilSampler{}
	}
	inspector := r.Inspector
	if inspector == nil {
		inspector = collector.ProcInspector{}
	}

	var snapshot collector.Snapshot
	samples, err := sampler.Sample(ctx)
	if err != nil {
		processLog.Warn("process sampling failed", "err", err)
		snapshot = collector.Snapshot{}
	} else {
		classifier := collector.NewClassifier(inspector, names, r.Options)
		snapshot = collector.Collect(ctx, samples, exclude, classifier, processLog)
	}

	var battery *collector.BatteryTelemetry
	if r.Tracker != nil {
		battery = r.Tracker.Read(ctx)
	}

	if err := r.Store.RecordPass(now, battery, snapshot); err != nil {
		return nil, fmt.Errorf("record pass: %w", err)
	}
	storageLog.Debug("recorded pass", "apps", len(snapshot), "battery", battery != nil)

	sess := session.Session{Start: now.Add(-session.DefaultWindow), Current: battery}
	if r.Tracker != nil {
		sess, err = r.Tracker.Resolve(now, battery)
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
	}

	records, err := r.Store.QueryPowerSince(sess.Start)
	if err != nil {
		return nil, fmt.Errorf("query power samples: %w", err)
	}
	report := attribution.Aggregate(records, snapshot, sess)

	retention := r.Retention
	if retention <= 0 {
		retention = storage.DefaultRetention
	}
	deleted, err := r.Store.Trim(now, retention)
	if err != nil {
		return &report, fmt.Errorf("trim samples: %w", err)
	}
	storageLog.Debug("trimmed", "rows", deleted, "retention", retention)

	return &report, nil
}

func (r *Runner) loadNames(ctx context.Context, logger *slog.Logger) collector.FlatpakNames {
	if r.Flatpak == nil {
		return collector.FlatpakNames{}
	}
	names, err := collector.LoadFlatpakNames(ctx, r.Flatpak)
	if err != nil {
		logger.Debug("flatpak names unavailable", "err", err)
		return collector.FlatpakNames{}
	}
	logger.Debug("loaded flatpak names", "count", names.Len())
	return names
}
