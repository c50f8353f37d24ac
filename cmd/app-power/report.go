package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/cptspacemanspiff/gnome-app-power/internal/attribution"
	"github.com/cptspacemanspiff/gnome-app-power/internal/collector"
	"github.com/cptspacemanspiff/gnome-app-power/internal/storage"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	noteStyle  = lipgloss.NewStyle().Faint(true)
)

func renderReport(w io.Writer, rep *attribution.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}

	fmt.Fprintln(w, titleStyle.Render("Power usage since "+rep.WindowStart.Format(time.DateTime)))
	if rep.Session {
		fmt.Fprintln(w, noteStyle.Render(fmt.Sprintf("On battery: %.2f%% and %.2f Wh used this session",
			rep.PercentDeltaTotal, rep.EnergyDeltaTotal)))
	} else {
		fmt.Fprintln(w, noteStyle.Render("No discharge session; battery figures are zero"))
	}

	if len(rep.Rows) == 0 {
		_, err := fmt.Fprintln(w, "No samples recorded in this window.")
		return err
	}
	_, err := fmt.Fprintln(w, reportTable(rep.Rows))
	return err
}

func reportTable(rows []attribution.Row) *table.Table {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("App", "CPU (%)", "Energy (Wh)", "Battery (%)", "Active")
	for _, r := range rows {
		t.Row(
			r.App,
			fmt.Sprintf("%.2f", r.PercentOfTotal),
			fmt.Sprintf("%.2f", r.EnergyDelta),
			fmt.Sprintf("%.2f", r.PercentDelta),
			yesNo(r.Active),
		)
	}
	return t
}

func renderStatus(w io.Writer, b *storage.BatteryRecord, health *collector.BatteryHealth) error {
	if health != nil {
		line := fmt.Sprintf("%s %s %s, %d cycles", health.Device, health.Manufacturer, health.Model, health.CycleCount)
		if health.CapacityPct > 0 {
			line += fmt.Sprintf(", %.1f%% of design capacity", health.CapacityPct)
		}
		fmt.Fprintln(w, noteStyle.Render(line))
	}
	if b == nil {
		_, err := fmt.Fprintln(w, "No battery readings recorded.")
		return err
	}
	state := "discharging"
	if b.Charging {
		state = "charging"
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("Time", "State", "Percent", "Energy (Wh)", "Full (Wh)").
		Row(b.Time.Format(time.DateTime), state, optInt(b.Percent), optFloat(b.Energy), optFloat(b.EnergyFull))
	_, err := fmt.Fprintln(w, t)
	return err
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d%%", *v)
}

func optFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
