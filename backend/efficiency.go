package backend

import (
	"context"
	"encoding/json"
	"fmt"
)

// EfficiencyKind selects one of the efficiency indicators.
type EfficiencyKind string

const (
	EfficiencyProductive EfficiencyKind = "productive"
	EfficiencyEnergy     EfficiencyKind = "energy"
)

// ParseEfficiencyKind validates a kind name.
func ParseEfficiencyKind(s string) (EfficiencyKind, error) {
	switch EfficiencyKind(s) {
	case EfficiencyProductive, EfficiencyEnergy:
		return EfficiencyKind(s), nil
	}
	return "", fmt.Errorf("unknown efficiency kind %q", s)
}

// Efficiency is the backend's efficiency report. OverallEfficiency is a
// ratio in [0,1].
type Efficiency struct {
	OverallEfficiency            float64  `json:"overallEfficiency"`
	TotalActiveCurrent           float64  `json:"totalActiveCurrent"`
	TotalNominalCurrentOfActives float64  `json:"totalNominalCurrentOfActives"`
	ActiveProductiveMotorsCount  int      `json:"activeProductiveMotorsCount"`
	ActiveMotorNames             []string `json:"activeMotorNames"`
}

// Percent returns OverallEfficiency as a percentage clamped to 0..100.
func (e Efficiency) Percent() float64 {
	p := e.OverallEfficiency * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// FetchEfficiency reads the given efficiency indicator.
func (c *Client) FetchEfficiency(ctx context.Context, kind EfficiencyKind) (Efficiency, error) {
	path := "/api/efficiency/" + string(kind)
	body, err := c.get(ctx, string(kind)+" efficiency", path)
	if err != nil {
		return Efficiency{}, err
	}
	var eff Efficiency
	if err := json.Unmarshal(body, &eff); err != nil {
		return Efficiency{}, &MalformedResponse{Path: path, Err: err}
	}
	return eff, nil
}
