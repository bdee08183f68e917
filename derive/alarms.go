package derive

import (
	"fmt"
	"sort"
	"strings"

	"ccmlink/tags"
)

// Severity orders alarms. EMERGENCY outranks HIGH which outranks MEDIUM.
type Severity string

const (
	SeverityEmergency Severity = "EMERGENCY"
	SeverityHigh      Severity = "HIGH"
	SeverityMedium    Severity = "MEDIUM"
)

// Weight returns the sort weight of the severity; higher sorts first.
func (s Severity) Weight() int {
	switch s {
	case SeverityEmergency:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Critical reports whether the severity counts toward the critical total.
func (s Severity) Critical() bool {
	return s != SeverityMedium
}

// Alarm is an active condition derived from the current tag state.
type Alarm struct {
	ID       string   `json:"id"`
	Panel    string   `json:"panel"`
	Label    string   `json:"label"`
	Detail   string   `json:"detail"`
	Severity Severity `json:"severity"`
}

type alarmCondition struct {
	suffix   string
	slug     string
	label    string
	detail   string
	severity Severity
}

var alarmConditions = []alarmCondition{
	{"_STATUS_EMERGENCIA", "emergencia", "Emergência ativa", "Comando de emergência acionado no CCM.", SeverityEmergency},
	{"_STATUS_FALTA_FASE", "falta-fase", "Falta de fase", "Verificar alimentação das fases do CCM.", SeverityHigh},
	{"_STATUS_SUPER_AQUECIMENTO", "super-aquecimento", "Superaquecimento", "Temperatura elevada detectada no painel.", SeverityMedium},
}

// PanelPrefix returns the tag prefix used by a panel id ("ccm1" -> "CCM1").
func PanelPrefix(panel string) string {
	return strings.ToUpper(panel)
}

// PanelAlarms returns the alarms raised by one panel's values, sorted by
// severity.
func PanelAlarms(panel string, values map[string]tags.Value) []Alarm {
	alarms := panelAlarms(panel, values)
	sortAlarms(alarms)
	return alarms
}

// BuildAlarms evaluates the status coils of every panel in order and returns
// the alarms sorted by severity. The sort is stable, so alarms of equal
// severity keep panel order then condition order.
func BuildAlarms(valuesByPanel map[string]map[string]tags.Value, order []string) []Alarm {
	alarms := []Alarm{}
	for _, panel := range order {
		values, ok := valuesByPanel[panel]
		if !ok {
			continue
		}
		alarms = append(alarms, panelAlarms(panel, values)...)
	}
	sortAlarms(alarms)
	return alarms
}

// CountCritical returns the number of alarms whose severity is not MEDIUM.
func CountCritical(alarms []Alarm) int {
	n := 0
	for _, a := range alarms {
		if a.Severity.Critical() {
			n++
		}
	}
	return n
}

func panelAlarms(panel string, values map[string]tags.Value) []Alarm {
	prefix := PanelPrefix(panel)
	out := []Alarm{}
	for _, c := range alarmConditions {
		if !IsTruthy(values[prefix+c.suffix]) {
			continue
		}
		out = append(out, Alarm{
			ID:       prefix + "-" + c.slug,
			Panel:    panel,
			Label:    fmt.Sprintf("%s (%s)", c.label, prefix),
			Detail:   c.detail,
			Severity: c.severity,
		})
	}
	return out
}

func sortAlarms(alarms []Alarm) {
	sort.SliceStable(alarms, func(i, j int) bool {
		return alarms[i].Severity.Weight() > alarms[j].Severity.Weight()
	})
}
