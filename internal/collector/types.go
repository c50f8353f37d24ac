package collector

import "errors"

// SystemApp is the catch-all identity for unclassified and system processes.
const SystemApp = "System"

var (
	// ErrProcessGone is returned when a pid exits between sampling and classification.
	ErrProcessGone = errors.New("process gone")
	// ErrNoBattery is returned by probes when no battery device is present.
	ErrNoBattery = errors.New("no battery found")
)

// ProcessSample is one process's CPU share as reported by the sampler.
type ProcessSample struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
}

// Snapshot maps application identity to summed CPU percent for one instant.
type Snapshot map[string]float64

// BatteryTelemetry is the parsed battery state. Numeric fields are nil when
// the probe did not report them.
type BatteryTelemetry struct {
	Discharging bool     `json:"discharging"`
	Percent     *int     `json:"percent,omitempty"`
	Energy      *float64 `json:"energy_wh,omitempty"`
	EnergyFull  *float64 `json:"energy_full_wh,omitempty"`
}

// Charging reports the stored sense of the flag: true whenever the battery
// is not discharging (charging, full, pending, unknown).
func (t BatteryTelemetry) Charging() bool {
	return !t.Discharging
}
