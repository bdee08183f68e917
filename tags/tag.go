package tags

import "encoding/json"

// Quality is the backend's confidence in a reading. Values other than the
// known constants are passed through unchanged.
type Quality string

const (
	QualityGood    Quality = "GOOD"
	QualityBad     Quality = "BAD"
	QualityUnknown Quality = "UNKNOWN"
)

// Tag is a single record as reported by the backend.
type Tag struct {
	Name      string  `json:"name,omitempty"`
	Value     Value   `json:"value"`
	Timestamp string  `json:"ts,omitempty"`
	Quality   Quality `json:"quality,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// UnmarshalJSON decodes a backend record. Metadata fields that are not JSON
// strings (an epoch number in "ts", an object in "error") are dropped rather
// than failing the record.
func (t *Tag) UnmarshalJSON(data []byte) error {
	var rec struct {
		Name    json.RawMessage `json:"name"`
		Value   Value           `json:"value"`
		TS      json.RawMessage `json:"ts"`
		Quality json.RawMessage `json:"quality"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*t = Tag{
		Name:      looseString(rec.Name),
		Value:     rec.Value,
		Timestamp: looseString(rec.TS),
		Quality:   Quality(looseString(rec.Quality)),
		Error:     looseString(rec.Error),
	}
	return nil
}

func looseString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// Trusted reports whether the backend marked the reading as good.
func (t Tag) Trusted() bool {
	return t.Quality == QualityGood
}

// QualityLabel returns the quality for display, UNKNOWN when unset.
func (t Tag) QualityLabel() string {
	if t.Quality == "" {
		return string(QualityUnknown)
	}
	return string(t.Quality)
}

// RawSet is the tag set of one panel as decoded from a fetch, before
// normalization. EnvelopeTS is the set-level timestamp when the backend
// wraps the tags in an envelope.
type RawSet struct {
	Tags       map[string]Tag
	EnvelopeTS string
}
