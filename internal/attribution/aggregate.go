// Package attribution turns stored CPU samples into per-application shares
// and splits the discharge session's battery drain across them.
package attribution

import (
	"sort"
	"time"

	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
	"github.com/cptspacemanspiff/gnome-app-power/internal/session"
	"github.com/cptspacemanspiff/gnome-app-power/internal/storage"
)

// Row is one application's line in the report. Positive deltas mean
// energy or charge consumed.
type Row struct {
	App            string  `json:"app"`
	PercentOfTotal float64 `json:"percent_of_total"`
	EnergyDelta    float64 `json:"energy_delta_wh"`
	PercentDelta   float64 `json:"percent_delta"`
	Active         bool    `json:"active"`
}

// Report is the aggregated result for one window.
type Report struct {
	WindowStart       time.Time `json:"window_start"`
	Session           bool      `json:"discharge_session"`
	PercentDeltaTotal float64   `json:"percent_delta_total"`
	EnergyDeltaTotal  float64   `json:"energy_delta_total_wh"`
	Rows              []Row     `json:"rows"`
}

// Aggregate sums records per app, converts the sums to percentages of the
// window total and, when a discharge session is active, allocates the
// session's drain in proportion. An empty or all-zero window yields no rows.
func Aggregate(records []storage.PowerRecord, snapshot collector.Snapshot, sess session.Session) Report {
	rep := Report{WindowStart: sess.Start, Session: sess.Active}

	totals := make(map[string]float64)
	var grand float64
	for _, r := range records {
		totals[r.App] += r.CPUPercent
		grand += r.CPUPercent
	}
	if grand == 0 {
		return rep
	}

	if sess.Active && sess.Anchor != nil && sess.Current != nil {
		rep.PercentDeltaTotal = percentDrain(sess.Anchor.Percent, sess.Current.Percent)
		rep.EnergyDeltaTotal = energyDrain(sess.Anchor.Energy, sess.Current.Energy)
	}

	apps := make([]string, 0, len(totals))
	for app := range totals {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	rep.Rows = make([]Row, 0, len(apps))
	for _, app := range apps {
		share := totals[app] / grand * 100
		rep.Rows = append(rep.Rows, Row{
			App:            app,
			PercentOfTotal: share,
			EnergyDelta:    rep.EnergyDeltaTotal * share / 100,
			PercentDelta:   rep.PercentDeltaTotal * share / 100,
			Active:         snapshot[app] > 0,
		})
	}
	sort.SliceStable(rep.Rows, func(i, j int) bool {
		return rep.Rows[i].PercentOfTotal > rep.Rows[j].PercentOfTotal
	})
	return rep
}

// percentDrain is anchor-current, unclamped. Missing readings give zero.
func percentDrain(anchor, current *int) float64 {
	if anchor == nil || current == nil {
		return 0
	}
	return float64(*anchor - *current)
}

func energyDrain(anchor, current *float64) float64 {
	if anchor == nil || current == nil {
		return 0
	}
	return *anchor - *current
}
