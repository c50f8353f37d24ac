package collector

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// sysfsRoot is the sysfs mount, overridable in tests.
var sysfsRoot = "/sys"

// BatteryProbe reads the current battery state.
type BatteryProbe interface {
	Read(ctx context.Context) (*BatteryTelemetry, error)
}

// UPowerDevicePath returns the UPower object path for a kernel battery name.
func UPowerDevicePath(device string) string {
	return "/org/freedesktop/UPower/devices/battery_" + device
}

// UPowerProbe scrapes `upower -i <device>` output.
type UPowerProbe struct {
	Device string
	Run    CommandRunner
}

func (p UPowerProbe) Read(ctx context.Context) (*BatteryTelemetry, error) {
	out, err := p.Run(ctx, "upower", "-i", UPowerDevicePath(p.Device))
	if err != nil {
		return nil, fmt.Errorf("upower: %w", err)
	}
	return ParseUPower(string(out))
}

var (
	upowerPresentRe    = regexp.MustCompile(`(?m)^\s*present:\s*(\S+)`)
	upowerStateRe      = regexp.MustCompile(`(?m)^\s*state:\s*(\S+)`)
	upowerPercentRe    = regexp.MustCompile(`(?m)^\s*percentage:\s*([0-9]+(?:[.,][0-9]+)?)\s*%`)
	upowerEnergyRe     = regexp.MustCompile(`(?m)^\s*energy:\s*([0-9]+(?:[.,][0-9]+)?)\s*Wh`)
	upowerEnergyFullRe = regexp.MustCompile(`(?m)^\s*energy-full:\s*([0-9]+(?:[.,][0-9]+)?)\s*Wh`)
)

// ParseUPower extracts battery telemetry from `upower -i` text. Fields that
// are missing or unparseable stay nil.
func ParseUPower(text string) (*BatteryTelemetry, error) {
	if m := upowerPresentRe.FindStringSubmatch(text); m != nil && m[1] == "no" {
		return nil, ErrNoBattery
	}
	state := upowerStateRe.FindStringSubmatch(text)
	t := &BatteryTelemetry{
		Percent:    percentField(upowerPercentRe, text),
		Energy:     floatField(upowerEnergyRe, text),
		EnergyFull: floatField(upowerEnergyFullRe, text),
	}
	if state == nil && t.Percent == nil && t.Energy == nil {
		return nil, ErrNoBattery
	}
	if state != nil {
		t.Discharging = state[1] == "discharging"
	}
	return t, nil
}

func floatField(re *regexp.Regexp, text string) *float64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return nil
	}
	return &v
}

func percentField(re *regexp.Regexp, text string) *int {
	f := floatField(re, text)
	if f == nil {
		return nil
	}
	pct := int(math.Round(*f))
	return &pct
}

// SysfsProbe reads /sys/class/power_supply/<Device>/uevent. An empty Device
// picks the first BAT* entry.
type SysfsProbe struct {
	Device string
}

func (p SysfsProbe) Read(_ context.Context) (*BatteryTelemetry, error) {
	dir, err := p.batteryDir()
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
	t := &BatteryTelemetry{Discharging: props["POWER_SUPPLY_STATUS"] == "Discharging"}

	if v, err := strconv.Atoi(props["POWER_SUPPLY_CAPACITY"]); err == nil {
		t.Percent = &v
	}

	// energy_* is in µWh; batteries that only report charge (µAh) are
	// converted with the design voltage (µV).
	if now, ok := microInt(props, "POWER_SUPPLY_ENERGY_NOW"); ok {
		t.Energy = wattHours(now, 1e6)
		if full, ok := microInt(props, "POWER_SUPPLY_ENERGY_FULL"); ok {
			t.EnergyFull = wattHours(full, 1e6)
		}
	} else if volts, ok := microInt(props, "POWER_SUPPLY_VOLTAGE_MIN_DESIGN"); ok {
		if now, ok := microInt(props, "POWER_SUPPLY_CHARGE_NOW"); ok {
			t.Energy = wattHours(now*volts, 1e12)
		}
		if full, ok := microInt(props, "POWER_SUPPLY_CHARGE_FULL"); ok {
			t.EnergyFull = wattHours(full*volts, 1e12)
		}
	}

	// Some firmware reports "Discharging" at full capacity while on AC power.
	if t.Discharging && t.Percent != nil && *t.Percent >= 100 && isACOnline() {
		t.Discharging = false
	}

	return t, nil
}

func (p SysfsProbe) batteryDir() (string, error) {
	if p.Device != "" {
		return filepath.Join(sysfsRoot, "class/power_supply", p.Device), nil
	}
	matches, err := filepath.Glob(filepath.Join(sysfsRoot, "class/power_supply/BAT*"))
	if err != nil {
		return "", fmt.Errorf("glob battery: %w", err)
	}
	if len(matches) == 0 {
		return "", ErrNoBattery
	}
	return matches[0], nil
}

func microInt(props map[string]string, key string) (float64, bool) {
	v, err := strconv.ParseInt(props[key], 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return float64(v), true
}

func wattHours(v, scale float64) *float64 {
	wh := v / scale
	return &wh
}

// isACOnline checks if any AC adapter is online.
func isACOnline() bool {
	matches, err := filepath.Glob(filepath.Join(sysfsRoot, "class/power_supply/AC*/online"))
	if err != nil {
		return false
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err == nil && strings.TrimSpace(string(data)) == "1" {
			return true
		}
	}
	return false
}

func parseUevent(data string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			props[k] = v
		}
	}
	return props
}
