package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"

	"ccmlink/derive"
	"ccmlink/poller"
)

// panelRow is one line of the panel status table.
type panelRow struct {
	Poller     string
	Panel      string // empty for the all-panels poller
	State      poller.State
	Connection poller.ConnectionStatus
	Age        string
	TS         string
	Tags       int
	Detail     string
}

// buildPanelRows turns poller statuses into table rows. Per-panel pollers
// come first in configuration order, the all-panels poller last.
func buildPanelRows(panels []string, statuses []poller.Status, now time.Time) []panelRow {
	byName := make(map[string]poller.Status, len(statuses))
	for _, st := range statuses {
		byName[st.Name] = st
	}

	rows := make([]panelRow, 0, len(panels)+1)
	for _, id := range panels {
		row := panelRow{Poller: poller.PanelPollerName(id), Panel: id, State: poller.StateLoading}
		if st, ok := byName[row.Poller]; ok {
			fillRow(&row, st, now)
			if snap, ok := st.Snapshot(id); ok {
				row.Tags = len(snap.Values)
				if !snap.TS.IsZero() {
					row.TS = snap.TS.Local().Format("15:04:05")
					if !snap.TSConfirmed {
						row.TS += "?"
					}
				}
			}
		}
		rows = append(rows, row)
	}

	if st, ok := byName[poller.AllPanels]; ok {
		row := panelRow{Poller: poller.AllPanels}
		fillRow(&row, st, now)
		row.Tags = len(st.Unified.Values)
		if !st.Unified.TS.IsZero() {
			row.TS = st.Unified.TS.Local().Format("15:04:05")
		}
		if len(st.FailedPanels) > 0 {
			row.Detail = "down: " + strings.Join(st.FailedPanels, ", ")
		}
		rows = append(rows, row)
	}
	return rows
}

func fillRow(row *panelRow, st poller.Status, now time.Time) {
	row.State = st.State
	row.Connection = st.Connection
	if !st.LastSuccess.IsZero() {
		row.Age = formatAge(now.Sub(st.LastSuccess))
	}
	switch {
	case st.Error != "":
		row.Detail = st.Error
	case st.Warning != "":
		row.Detail = st.Warning
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func stateTag(s poller.State) string {
	th := CurrentTheme
	switch s {
	case poller.StateReady:
		return th.TagSuccess
	case poller.StateReadyWarning:
		return th.TagWarning
	case poller.StateReadyError:
		return th.TagError
	}
	return th.TagTextDim
}

func connectionIndicator(c poller.ConnectionStatus) string {
	th := CurrentTheme
	switch c {
	case poller.StatusConnected:
		return th.TagSuccess + StatusIndicatorConnected + th.TagReset
	case poller.StatusDisconnected:
		return th.TagError + StatusIndicatorDisconnected + th.TagReset
	}
	return th.TagWarning + StatusIndicatorConnecting + th.TagReset
}

var panelColumns = []string{"", "Poller", "State", "Last OK", "Backend TS", "Tags", "Detail"}

// renderPanelTable fills table with rows, keeping the header on row 0.
func renderPanelTable(table *tview.Table, rows []panelRow) {
	th := CurrentTheme
	table.Clear()
	for col, name := range panelColumns {
		table.SetCell(0, col, tview.NewTableCell(name).
			SetTextColor(th.Accent).
			SetSelectable(false))
	}
	for i, r := range rows {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(connectionIndicator(r.Connection)))
		table.SetCell(row, 1, tview.NewTableCell(r.Poller).SetTextColor(th.Text))
		table.SetCell(row, 2, tview.NewTableCell(stateTag(r.State)+r.State.String()+th.TagReset))
		table.SetCell(row, 3, tview.NewTableCell(r.Age).SetTextColor(th.TextDim))
		table.SetCell(row, 4, tview.NewTableCell(r.TS).SetTextColor(th.TextDim))
		table.SetCell(row, 5, tview.NewTableCell(fmt.Sprintf("%d", r.Tags)).SetAlign(tview.AlignRight))
		table.SetCell(row, 6, tview.NewTableCell(tview.Escape(r.Detail)).SetExpansion(1).SetTextColor(th.Text))
	}
}

func severityTag(s derive.Severity) string {
	th := CurrentTheme
	switch s {
	case derive.SeverityEmergency:
		return th.TagError
	case derive.SeverityHigh:
		return th.TagWarning
	}
	return th.TagAccent
}

// formatAlarms renders the active alarm list, most severe first as
// delivered by the derived state.
func formatAlarms(alarms []derive.Alarm) string {
	th := CurrentTheme
	if len(alarms) == 0 {
		return th.TagSuccess + " Nenhum alarme ativo" + th.TagReset
	}
	var b strings.Builder
	for _, a := range alarms {
		fmt.Fprintf(&b, " %s%-9s%s %s %s\n", severityTag(a.Severity), a.Severity, th.TagReset,
			tview.Escape(a.Label), th.TagTextDim+tview.Escape(a.Detail)+th.TagReset)
	}
	return b.String()
}

func formatOptional(v *float64, format string) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf(format, *v)
}

// formatSummary renders the plant-wide management view.
func formatSummary(s derive.Summary, ok bool) string {
	th := CurrentTheme
	if !ok {
		return th.TagTextDim + " Aguardando primeira leitura..." + th.TagReset
	}
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, " %s%-18s%s %s\n", th.TagTextDim, label, th.TagReset, value)
	}
	line("Potência total", fmt.Sprintf("%.1f kW", s.TotalPower))
	line("Consumo total", fmt.Sprintf("%.1f kWh", s.TotalConsumption))
	line("Fator de potência", formatOptional(s.PowerFactorAvg, "%.2f"))
	line("Eficiência", formatOptional(s.Efficiency, "%.1f%%"))
	line("Motores", fmt.Sprintf("%s%d ligados%s / %s%d falha%s / %d desligados",
		th.TagSuccess, s.Motors.Active, th.TagReset,
		th.TagError, s.Motors.Fault, th.TagReset,
		s.Motors.Off))
	line("Elevadores", fmt.Sprintf("%d ativos, carga média %s", s.ElevatorsActive, formatOptional(s.ElevatorAvg, "%.1f%%")))
	for _, t := range s.Temperatures {
		line(t.Label, formatOptional(t.Value, "%.1f °C"))
	}
	crit := fmt.Sprintf("%d", s.CriticalAlarms)
	if s.CriticalAlarms > 0 {
		crit = th.TagError + crit + th.TagReset
	}
	line("Alarmes críticos", crit)
	if !s.TS.IsZero() {
		line("Atualizado", s.TS.Local().Format("02/01 15:04:05"))
	}
	return b.String()
}
