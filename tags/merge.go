package tags

import (
	"sort"
	"time"
)

// Unified is the merged view across panels. Values and Meta are flattened
// with later panels winning on name collisions; ValuesByPanel and
// MetaByPanel keep every panel's own data for panel-sensitive consumers.
type Unified struct {
	TS            time.Time                   `json:"ts"`
	Panels        []string                    `json:"panels"`
	Values        map[string]Value            `json:"values"`
	Meta          map[string]Tag              `json:"meta"`
	ValuesByPanel map[string]map[string]Value `json:"values_by_panel"`
	MetaByPanel   map[string]map[string]Tag   `json:"meta_by_panel"`
}

// PanelOrder returns order followed by any panels in snaps that order does
// not mention, sorted by id.
func PanelOrder(order []string, snaps map[string]Snapshot) []string {
	seen := make(map[string]bool, len(order))
	out := make([]string, 0, len(snaps))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := snaps[id]; ok {
			out = append(out, id)
		}
	}
	var extra []string
	for id := range snaps {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Merge flattens per-panel snapshots into a unified view. Panels are applied
// in PanelOrder so the collision winner is always the same for the same
// inputs.
func Merge(order []string, snaps map[string]Snapshot) Unified {
	u := Unified{
		Values:        make(map[string]Value),
		Meta:          make(map[string]Tag),
		ValuesByPanel: make(map[string]map[string]Value, len(snaps)),
		MetaByPanel:   make(map[string]map[string]Tag, len(snaps)),
	}
	u.Panels = PanelOrder(order, snaps)

	for _, id := range u.Panels {
		snap := snaps[id].Clone()
		for name, v := range snap.Values {
			u.Values[name] = v
		}
		for name, m := range snap.Meta {
			u.Meta[name] = m
		}
		u.ValuesByPanel[id] = snap.Values
		u.MetaByPanel[id] = snap.Meta
		if snap.TS.After(u.TS) {
			u.TS = snap.TS
		}
	}
	return u
}
