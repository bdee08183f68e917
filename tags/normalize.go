package tags

import (
	"strings"
	"time"
)

// Clock returns the current time. It is injected so normalization stays
// deterministic under test.
type Clock func() time.Time

// Snapshot is the normalized view of one panel at one poll.
// TSConfirmed is false when no timestamp in the set could be parsed and TS
// fell back to the clock.
type Snapshot struct {
	Panel       string           `json:"panel"`
	TS          time.Time        `json:"ts"`
	TSConfirmed bool             `json:"ts_confirmed"`
	Values      map[string]Value `json:"values"`
	Meta        map[string]Tag   `json:"meta"`
}

// Empty reports whether the snapshot carries no tags.
func (s Snapshot) Empty() bool {
	return len(s.Values) == 0
}

// Clone returns a copy whose maps can be modified without affecting s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Values = make(map[string]Value, len(s.Values))
	for k, v := range s.Values {
		out.Values[k] = v
	}
	out.Meta = make(map[string]Tag, len(s.Meta))
	for k, v := range s.Meta {
		out.Meta[k] = v
	}
	return out
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats seen from the backend. Values
// without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Normalize turns a raw tag set into a snapshot. Every tag is copied into
// Meta and its value into Values. TS is the latest parseable timestamp
// among the tags and the envelope; if none parse, TS is clock().
func Normalize(panel string, raw RawSet, clock Clock) Snapshot {
	snap := Snapshot{
		Panel:  panel,
		Values: make(map[string]Value, len(raw.Tags)),
		Meta:   make(map[string]Tag, len(raw.Tags)),
	}

	var latest time.Time
	found := false
	observe := func(s string) {
		t, ok := ParseTimestamp(s)
		if !ok {
			return
		}
		if !found || t.After(latest) {
			latest = t
			found = true
		}
	}

	for name, tag := range raw.Tags {
		if tag.Name == "" {
			tag.Name = name
		}
		snap.Meta[name] = tag
		snap.Values[name] = tag.Value
		observe(tag.Timestamp)
	}
	observe(raw.EnvelopeTS)

	if found {
		snap.TS = latest
		snap.TSConfirmed = true
	} else {
		if clock == nil {
			clock = time.Now
		}
		snap.TS = clock()
	}
	return snap
}
