package tags

import "strconv"

// Display describes how a catalog tag is presented: its label, unit and the
// number of decimals for numeric readings.
type Display struct {
	Tag      string `yaml:"tag" json:"tag"`
	Label    string `yaml:"label" json:"label"`
	Unit     string `yaml:"unit,omitempty" json:"unit,omitempty"`
	Decimals int    `yaml:"decimals,omitempty" json:"decimals,omitempty"`
}

// Format renders v using the display's decimals and unit. Absent values
// render as "--" so a missing reading never looks like a zero.
func (d Display) Format(v Value) string {
	var s string
	switch v.Kind() {
	case KindNumber:
		n, _ := v.AsNumber()
		s = strconv.FormatFloat(n, 'f', d.Decimals, 64)
	case KindBool:
		b, _ := v.AsBool()
		if b {
			s = "ON"
		} else {
			s = "OFF"
		}
		return s
	case KindText:
		s, _ = v.AsText()
	default:
		return "--"
	}
	if d.Unit != "" {
		s += " " + d.Unit
	}
	return s
}
