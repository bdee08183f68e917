package tags

// AliasGroup maps legacy tag names onto a canonical name. Legacy names are
// tried in order and the first present one is used.
type AliasGroup struct {
	Canonical string   `yaml:"canonical" json:"canonical"`
	Legacy    []string `yaml:"legacy" json:"legacy"`
}

// DefaultAliases covers the names older backend revisions published for the
// power factor, power and energy readings.
func DefaultAliases() []AliasGroup {
	return []AliasGroup{
		{Canonical: "CCM1_FATOR_POTENCIA", Legacy: []string{"FP"}},
		{Canonical: "CCM2_FATOR_POTENCIA", Legacy: []string{"FP2"}},
		{Canonical: "CCM1_POTENCIA", Legacy: []string{"PA", "PA1"}},
		{Canonical: "CCM2_POTENCIA", Legacy: []string{"PA2"}},
		{Canonical: "CCM1_CONSUMO_TOTAL", Legacy: []string{"CONSUMO1", "CONSUMO_TOTAL"}},
		{Canonical: "CCM2_CONSUMO_TOTAL", Legacy: []string{"CONSUMO2"}},
	}
}

// ApplyAliases returns a copy of values where each canonical name missing
// from the map has been filled from its first non-null legacy value. A
// canonical key that is present is never replaced, even when it holds 0,
// false or null. When every present legacy value is null the canonical key
// is set to null. Applying the same groups twice yields the same map.
func ApplyAliases(values map[string]Value, groups []AliasGroup) map[string]Value {
	out := make(map[string]Value, len(values)+len(groups))
	for k, v := range values {
		out[k] = v
	}
	for _, g := range groups {
		if _, ok := out[g.Canonical]; ok {
			continue
		}
		var pick Value
		present := false
		for _, name := range g.Legacy {
			if v, ok := out[name]; ok {
				pick, present = v, true
				if !v.IsAbsent() {
					break
				}
			}
		}
		if present {
			out[g.Canonical] = pick
		}
	}
	return out
}
