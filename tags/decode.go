package tags

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeSet decodes a single-panel body. Two shapes are accepted: a flat
// {name: record} map and an envelope {"ts": ..., "tags": {name: record}}.
func DecodeSet(data []byte) (RawSet, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return RawSet{}, err
	}
	if probe == nil {
		return RawSet{Tags: map[string]Tag{}}, nil
	}

	if inner, ok := probe["tags"]; ok && isEnvelope(inner, probe["ts"]) {
		tags, err := decodeRecords(inner)
		if err != nil {
			return RawSet{}, err
		}
		return RawSet{Tags: tags, EnvelopeTS: looseString(probe["ts"])}, nil
	}

	tags, err := decodeRecordMap(probe)
	if err != nil {
		return RawSet{}, err
	}
	return RawSet{Tags: tags}, nil
}

// DecodeAll decodes an all-panels body of shape {panel: body}, where each
// panel body is any shape DecodeSet accepts. If the top level is instead a
// flat record map with names suffixed "<name><sep><panel>", the records are
// split by panel and the suffix is stripped. An empty sep disables the
// suffix form.
//
// Panels are decoded independently: a panel whose entry cannot be decoded
// is reported in the returned error map and left out of the sets. The final
// error is set only when the body as a whole is not a JSON object.
func DecodeAll(data []byte, sep string) (map[string]RawSet, map[string]error, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, err
	}

	out := make(map[string]RawSet, len(probe))
	failed := make(map[string]error)
	if sep != "" && looksSuffixed(probe, sep) {
		for key, raw := range probe {
			i := strings.LastIndex(key, sep)
			if i <= 0 {
				continue
			}
			name, panel := key[:i], key[i+len(sep):]
			if _, bad := failed[panel]; bad {
				continue
			}
			tag, err := decodeRecord(name, raw)
			if err != nil {
				failed[panel] = fmt.Errorf("tag %s: %w", name, err)
				delete(out, panel)
				continue
			}
			set, ok := out[panel]
			if !ok {
				set = RawSet{Tags: make(map[string]Tag)}
			}
			tag.Name = name
			set.Tags[name] = tag
			out[panel] = set
		}
		return out, failed, nil
	}

	for panel, body := range probe {
		set, err := DecodeSet(body)
		if err != nil {
			failed[panel] = err
			continue
		}
		out[panel] = set
	}
	return out, failed, nil
}

func decodeRecords(data json.RawMessage) (map[string]Tag, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return decodeRecordMap(m)
}

func decodeRecordMap(m map[string]json.RawMessage) (map[string]Tag, error) {
	out := make(map[string]Tag, len(m))
	for name, raw := range m {
		tag, err := decodeRecord(name, raw)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", name, err)
		}
		out[name] = tag
	}
	return out, nil
}

// decodeRecord decodes one tag record, or a bare value without a record
// wrapper.
func decodeRecord(name string, raw json.RawMessage) (Tag, error) {
	var tag Tag
	target := interface{}(&tag)
	if !isObject(raw) {
		target = &tag.Value
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return Tag{}, err
	}
	if tag.Name == "" {
		tag.Name = name
	}
	return tag, nil
}

// looksSuffixed reports whether every top-level key carries sep.
func looksSuffixed(m map[string]json.RawMessage, sep string) bool {
	if len(m) == 0 {
		return false
	}
	for key := range m {
		if !strings.Contains(key, sep) {
			return false
		}
	}
	return true
}

func isObject(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// isEnvelope reports whether the "tags" member of a body is a map of tag
// records rather than a record of a tag named "tags". Every entry of an
// envelope's map is itself an object; an empty map counts only when the
// body also carries a "ts".
func isEnvelope(inner, ts json.RawMessage) bool {
	if !isObject(inner) {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(inner, &m); err != nil {
		return false
	}
	if len(m) == 0 {
		return ts != nil
	}
	for _, raw := range m {
		if !isObject(raw) {
			return false
		}
	}
	return true
}
