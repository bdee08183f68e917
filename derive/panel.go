package derive

import (
	"time"

	"ccmlink/tags"
)

// Reading is a catalog tag rendered for display.
type Reading struct {
	Tag     string     `json:"tag"`
	Label   string     `json:"label"`
	Unit    string     `json:"unit,omitempty"`
	Value   tags.Value `json:"value"`
	Display string     `json:"display"`
	Quality string     `json:"quality"`
	Trusted bool       `json:"trusted"`
}

// PanelView is the single-panel dashboard.
type PanelView struct {
	Panel     string      `json:"panel"`
	Name      string      `json:"name"`
	TS        time.Time   `json:"ts"`
	Automatic bool        `json:"automatic"`
	Alarms    []Alarm     `json:"alarms"`
	Motors    MotorCounts `json:"motors"`
	Readings  []Reading   `json:"readings"`
}

// BuildPanelView renders a panel snapshot through its display catalog.
func BuildPanelView(name string, snap tags.Snapshot, catalog []tags.Display) PanelView {
	prefix := PanelPrefix(snap.Panel)
	view := PanelView{
		Panel:     snap.Panel,
		Name:      name,
		TS:        snap.TS,
		Automatic: IsTruthy(snap.Values[prefix+"_MODO_AUTOMATICO"]),
		Alarms:    PanelAlarms(snap.Panel, snap.Values),
		Motors:    SummaryCounts(snap.Panel, snap.Values),
		Readings:  make([]Reading, 0, len(catalog)),
	}
	for _, d := range catalog {
		v := snap.Values[d.Tag]
		view.Readings = append(view.Readings, Reading{
			Tag:     d.Tag,
			Label:   d.Label,
			Unit:    d.Unit,
			Value:   v,
			Display: d.Format(v),
			Quality: snap.Meta[d.Tag].QualityLabel(),
			Trusted: snap.Meta[d.Tag].Trusted(),
		})
	}
	return view
}
