package derive

import (
	"fmt"
	"time"

	"ccmlink/tags"
)

// ElevatorCount is the number of bucket elevators tracked by the plant.
const ElevatorCount = 12

// PanelReading is an optional per-panel numeric reading.
type PanelReading struct {
	Panel string   `json:"panel"`
	Label string   `json:"label"`
	Value *float64 `json:"value"`
}

// Elevator is the load reading of one elevator, nil when no candidate tag
// holds a number.
type Elevator struct {
	ID   int      `json:"id"`
	Load *float64 `json:"load"`
}

// Summary is the plant-wide management view computed from the unified
// snapshot.
type Summary struct {
	TS               time.Time      `json:"ts"`
	PowerFactorAvg   *float64       `json:"power_factor_avg"`
	Efficiency       *float64       `json:"efficiency"`
	TotalPower       float64        `json:"total_power"`
	TotalConsumption float64        `json:"total_consumption"`
	Temperatures     []PanelReading `json:"temperatures"`
	Motors           MotorCounts    `json:"motors"`
	MotorTally       MotorCounts    `json:"motor_tally"`
	Elevators        []Elevator     `json:"elevators"`
	ElevatorAvg      *float64       `json:"elevator_avg"`
	ElevatorsActive  int            `json:"elevators_active"`
	Alarms           []Alarm        `json:"alarms"`
	CriticalAlarms   int            `json:"critical_alarms"`
}

// ElevatorCandidates returns the tag names tried, in order, for elevator id.
func ElevatorCandidates(id int) []string {
	suffix := fmt.Sprintf("%02d", id)
	return []string{
		"CCM1_ELEVADOR_" + suffix + "_CARGA",
		"CCM2_ELEVADOR_" + suffix + "_CARGA",
		"ELEVADOR_" + suffix + "_CARGA",
	}
}

// Summarize computes the management view. u.Values is expected to have had
// legacy aliases applied. Alarms and the motor tally use the per-panel maps.
func Summarize(u tags.Unified) Summary {
	s := Summary{TS: u.TS}

	var pfs []float64
	for _, panel := range u.Panels {
		prefix := PanelPrefix(panel)
		if n, ok := PickNumber(u.Values, prefix+"_FATOR_POTENCIA"); ok {
			pfs = append(pfs, n)
		}
		if n, ok := PickNumber(u.Values, prefix+"_POTENCIA"); ok {
			s.TotalPower += n
		}
		if n, ok := PickNumber(u.Values, prefix+"_CONSUMO_TOTAL"); ok {
			s.TotalConsumption += n
		}
		reading := PanelReading{Panel: panel, Label: "Temperatura " + prefix}
		if n, ok := PickNumber(u.Values, prefix+"_TEMP_PAINEL"); ok {
			reading.Value = &n
		}
		s.Temperatures = append(s.Temperatures, reading)
	}

	if avg, ok := average(pfs); ok {
		s.PowerFactorAvg = &avg
		eff := clamp(avg*100, 0, 100)
		s.Efficiency = &eff
	}

	s.Motors = summaryMotors(u.Values, u.Panels)
	s.MotorTally = CountMotors(u.ValuesByPanel)

	var loads []float64
	s.Elevators = make([]Elevator, 0, ElevatorCount)
	for id := 1; id <= ElevatorCount; id++ {
		e := Elevator{ID: id}
		if n, ok := PickNumber(u.Values, ElevatorCandidates(id)...); ok {
			e.Load = &n
			loads = append(loads, n)
		}
		s.Elevators = append(s.Elevators, e)
	}
	if avg, ok := average(loads); ok {
		s.ElevatorAvg = &avg
	}
	s.ElevatorsActive = len(loads)

	s.Alarms = BuildAlarms(u.ValuesByPanel, u.Panels)
	s.CriticalAlarms = CountCritical(s.Alarms)
	return s
}

// summaryMotors sums the motor summary tags of all panels. The off count is
// derived from the total when any total is published, otherwise the
// published off counts are summed.
func summaryMotors(values map[string]tags.Value, panels []string) MotorCounts {
	var total, active, fault, off float64
	for _, panel := range panels {
		prefix := PanelPrefix(panel)
		total += numberOrZero(values, prefix+"_MOTORES_TOTAL")
		active += numberOrZero(values, prefix+"_MOTORES_ATIVOS")
		fault += numberOrZero(values, prefix+"_MOTORES_FALHA")
		off += numberOrZero(values, prefix+"_MOTORES_DESLIGADOS")
	}
	if total > 0 {
		off = total - active - fault
		if off < 0 {
			off = 0
		}
	}
	return MotorCounts{Active: count(active), Fault: count(fault), Off: count(off)}
}

func average(vals []float64) (float64, bool) {
	if len(vals) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals)), true
}
