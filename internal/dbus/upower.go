package dbus

import (
	"context"
	"fmt"
	"time"

	godbus "github.com/godbus/dbus/v5"

	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
)

const (
	upowerName  = "org.freedesktop.UPower"
	deviceIface = "org.freedesktop.UPower.Device"
)

// UPower device states, see org.freedesktop.UPower.Device.State.
const (
	stateUnknown uint32 = iota
	stateCharging
	stateDischarging
)

// UPowerProbe reads a battery's properties from UPower on the system bus.
type UPowerProbe struct {
	Device string
	// Timeout bounds the whole exchange when positive.
	Timeout time.Duration
}

// Read connects to the system bus, fetches all device properties and
// closes the connection again.
func (p UPowerProbe) Read(ctx context.Context) (*collector.BatteryTelemetry, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	conn, err := godbus.ConnectSystemBus(godbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(upowerName, godbus.ObjectPath(collector.UPowerDevicePath(p.Device)))
	var props map[string]godbus.Variant
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.GetAll", 0, deviceIface).Store(&props); err != nil {
		return nil, fmt.Errorf("get device properties: %w", err)
	}
	return telemetryFromProps(props)
}

func telemetryFromProps(props map[string]godbus.Variant) (*collector.BatteryTelemetry, error) {
	if len(props) == 0 {
		return nil, collector.ErrNoBattery
	}
	if present, ok := props["IsPresent"].Value().(bool); ok && !present {
		return nil, collector.ErrNoBattery
	}

	t := &collector.BatteryTelemetry{}
	if state, ok := props["State"].Value().(uint32); ok {
		t.Discharging = state == stateDischarging
	}
	if pct, ok := props["Percentage"].Value().(float64); ok {
		v := int(pct + 0.5)
		t.Percent = &v
	}
	// UPower reports 0 for energy it does not know.
	if e, ok := props["Energy"].Value().(float64); ok && e > 0 {
		t.Energy = &e
	}
	if e, ok := props["EnergyFull"].Value().(float64); ok && e > 0 {
		t.EnergyFull = &e
	}
	return t, nil
}
