package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// BatteryHealth is the static identity and wear of a battery.
type BatteryHealth struct {
	Device       string `json:"device"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Technology   string `json:"technology,omitempty"`
	CycleCount   int64  `json:"cycle_count,omitempty"`
	// CapacityPct is full capacity over design capacity, 0 when unknown.
	CapacityPct float64 `json:"capacity_pct,omitempty"`
}

// ReadBatteryHealth reads identity and wear from the sysfs uevent of device,
// or of the first BAT* entry when device is empty.
func ReadBatteryHealth(device string) (*BatteryHealth, error) {
	dir, err := SysfsProbe{Device: device}.batteryDir()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, "uevent"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoBattery
		}
		return nil, fmt.Errorf("read uevent: %w", err)
	}

	props := parseUevent(string(data))
	h := &BatteryHealth{
		Device:       filepath.Base(dir),
		Manufacturer: props["POWER_SUPPLY_MANUFACTURER"],
		Model:        props["POWER_SUPPLY_MODEL_NAME"],
		Technology:   props["POWER_SUPPLY_TECHNOLOGY"],
	}
	h.CycleCount, _ = strconv.ParseInt(props["POWER_SUPPLY_CYCLE_COUNT"], 10, 64)

	full, okFull := microInt(props, "POWER_SUPPLY_ENERGY_FULL")
	design, okDesign := microInt(props, "POWER_SUPPLY_ENERGY_FULL_DESIGN")
	if !okFull || !okDesign {
		full, okFull = microInt(props, "POWER_SUPPLY_CHARGE_FULL")
		design, okDesign = microInt(props, "POWER_SUPPLY_CHARGE_FULL_DESIGN")
	}
	if okFull && okDesign {
		h.CapacityPct = full / design * 100
	}

	return h, nil
}
