package derive

import (
	"math"
	"regexp"
	"sort"
	"strconv"

	"ccmlink/tags"
)

// MotorCounts is a tally of motors by state. Each counted motor is in
// exactly one bucket.
type MotorCounts struct {
	Active int `json:"active"`
	Fault  int `json:"fault"`
	Off    int `json:"off"`
}

// Total returns the number of counted motors.
func (c MotorCounts) Total() int {
	return c.Active + c.Fault + c.Off
}

// Add returns the element-wise sum of two tallies.
func (c MotorCounts) Add(o MotorCounts) MotorCounts {
	return MotorCounts{Active: c.Active + o.Active, Fault: c.Fault + o.Fault, Off: c.Off + o.Off}
}

// MotorStatus is the display state of a single motor.
type MotorStatus string

const (
	MotorOn    MotorStatus = "ON"
	MotorOff   MotorStatus = "OFF"
	MotorAlarm MotorStatus = "ALARM"
)

// Motor is one entry of a panel's motor inventory.
type Motor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Panel       string      `json:"panel,omitempty"`
	Status      MotorStatus `json:"status"`
	Hours       float64     `json:"hours"`
	CurrentA    *float64    `json:"current_a"`
	LoadPercent int         `json:"load_percent"`
	AlarmText   string      `json:"alarm_text"`
}

var (
	// Running/fault pair, optionally panel-prefixed: M3_S, CCM1_M3_F.
	motorStatePattern = regexp.MustCompile(`^(?:(CCM\d+)_)?M(\d+)_(S|F)$`)
	// Full per-motor tag family: current, fault, hours, running.
	motorTagPattern = regexp.MustCompile(`^(?:(CCM\d+)_)?M(\d+)_([AFHS])$`)
)

type motorKey struct {
	panel  string
	prefix string
	index  int
}

type motorState struct {
	running bool
	fault   bool
}

// CountMotors tallies motors across panels. Motors are keyed by panel, tag
// prefix and index, so motor 5 on one panel is never merged with motor 5 on
// another. A motor index with no running or fault reading is not counted.
func CountMotors(valuesByPanel map[string]map[string]tags.Value) MotorCounts {
	groups := make(map[motorKey]*motorState)
	for panel, values := range valuesByPanel {
		collectMotorStates(panel, values, groups)
	}
	return tally(groups)
}

// CountPanelMotors tallies the motors of a single panel.
func CountPanelMotors(panel string, values map[string]tags.Value) MotorCounts {
	groups := make(map[motorKey]*motorState)
	collectMotorStates(panel, values, groups)
	return tally(groups)
}

func collectMotorStates(panel string, values map[string]tags.Value, groups map[motorKey]*motorState) {
	for name, v := range values {
		m := motorStatePattern.FindStringSubmatch(name)
		if m == nil || v.IsAbsent() {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		key := motorKey{panel: panel, prefix: m[1], index: idx}
		st, ok := groups[key]
		if !ok {
			st = &motorState{}
			groups[key] = st
		}
		switch m[3] {
		case "S":
			st.running = IsTruthy(v)
		case "F":
			st.fault = IsTruthy(v)
		}
	}
}

func tally(groups map[motorKey]*motorState) MotorCounts {
	var c MotorCounts
	for _, st := range groups {
		switch {
		case st.fault:
			c.Fault++
		case st.running:
			c.Active++
		default:
			c.Off++
		}
	}
	return c
}

// SummaryCounts reads the PLC-maintained motor summary tags of one panel
// (PREFIX_MOTORES_TOTAL, _ATIVOS, _FALHA, _DESLIGADOS). When the off count
// is not published it is derived from the total.
func SummaryCounts(panel string, values map[string]tags.Value) MotorCounts {
	prefix := PanelPrefix(panel)
	total := numberOrZero(values, prefix+"_MOTORES_TOTAL")
	active := numberOrZero(values, prefix+"_MOTORES_ATIVOS")
	fault := numberOrZero(values, prefix+"_MOTORES_FALHA")
	off, ok := PickNumber(values, prefix+"_MOTORES_DESLIGADOS")
	if !ok {
		off = math.Max(0, total-active-fault)
	}
	return MotorCounts{Active: count(active), Fault: count(fault), Off: count(off)}
}

// count converts a PLC-reported tally to a count. Negative and NaN readings
// count as zero; fractions are truncated.
func count(f float64) int {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	return int(f)
}

// MotorsFromTags builds a panel's motor inventory from its M<n>_A/F/H/S
// tags. Load percent is each motor's current relative to the largest
// current on the panel. The result is sorted by motor number.
func MotorsFromTags(panel string, values map[string]tags.Value) []Motor {
	type group struct {
		prefix  string
		index   int
		current *float64
		hours   float64
		running bool
		fault   bool
	}
	groups := make(map[string]*group)

	for name, v := range values {
		m := motorTagPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		id := "M" + m[2]
		if m[1] != "" {
			id = m[1] + "_" + id
		}
		g, ok := groups[id]
		if !ok {
			g = &group{prefix: m[1], index: idx}
			groups[id] = g
		}
		switch m[3] {
		case "A":
			if n, ok := v.AsNumber(); ok {
				g.current = &n
			}
		case "H":
			if n, ok := v.AsNumber(); ok {
				g.hours = n
			}
		case "S":
			g.running = IsTruthy(v)
		case "F":
			g.fault = IsTruthy(v)
		}
	}

	maxA := 0.0
	for _, g := range groups {
		if g.current != nil && *g.current > maxA {
			maxA = *g.current
		}
	}

	motors := make([]Motor, 0, len(groups))
	for id, g := range groups {
		motors = append(motors, Motor{
			ID:          id,
			Name:        id,
			Panel:       panel,
			Status:      motorStatus(g.running, g.fault),
			Hours:       g.hours,
			CurrentA:    g.current,
			LoadPercent: loadPercent(g.current, maxA),
			AlarmText:   alarmText(g.fault),
		})
	}

	sort.Slice(motors, func(i, j int) bool {
		gi, gj := groups[motors[i].ID], groups[motors[j].ID]
		if gi.prefix != gj.prefix {
			return gi.prefix < gj.prefix
		}
		return gi.index < gj.index
	})
	return motors
}

// CountOverview tallies the motors reported by the overview stream.
func CountOverview(items []tags.MotorOverview) MotorCounts {
	var c MotorCounts
	for _, m := range items {
		switch {
		case m.Fault != 0:
			c.Fault++
		case m.Status != 0:
			c.Active++
		default:
			c.Off++
		}
	}
	return c
}

// OverviewMotors converts the overview stream records of one panel into an
// inventory. An empty panel keeps every record.
func OverviewMotors(panel string, items []tags.MotorOverview) []Motor {
	var selected []tags.MotorOverview
	for _, m := range items {
		if panel == "" || m.CCM == panel {
			selected = append(selected, m)
		}
	}

	maxA := 0.0
	for _, m := range selected {
		if m.Current > maxA {
			maxA = m.Current
		}
	}

	motors := make([]Motor, 0, len(selected))
	for i, m := range selected {
		current := m.Current
		motors = append(motors, Motor{
			ID:          "M" + strconv.Itoa(i+1),
			Name:        m.Name,
			Panel:       m.CCM,
			Status:      motorStatus(m.Status != 0, m.Fault != 0),
			Hours:       m.Hours,
			CurrentA:    &current,
			LoadPercent: loadPercent(&current, maxA),
			AlarmText:   alarmText(m.Fault != 0),
		})
	}
	return motors
}

// CountInventory tallies an inventory by status.
func CountInventory(motors []Motor) MotorCounts {
	var c MotorCounts
	for _, m := range motors {
		switch m.Status {
		case MotorAlarm:
			c.Fault++
		case MotorOn:
			c.Active++
		default:
			c.Off++
		}
	}
	return c
}

func motorStatus(running, fault bool) MotorStatus {
	if fault {
		return MotorAlarm
	}
	if running {
		return MotorOn
	}
	return MotorOff
}

func alarmText(fault bool) string {
	if fault {
		return "Falha"
	}
	return "OK"
}

// loadPercent is round(clamp(current / maxCurrent * 100, 0, 100)), or 0
// when either side is unknown.
func loadPercent(current *float64, maxCurrent float64) int {
	if current == nil || maxCurrent <= 0 {
		return 0
	}
	return int(math.Round(clamp(*current/maxCurrent*100, 0, 100)))
}
