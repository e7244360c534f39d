package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Record is the suite-agnostic shape every module's raw output is
// normalized into. Suite specific fields live in TestID (a composite key),
// Metrics and Diagnostics so consumers never special-case a suite.
type Record struct {
	Category        string             `json:"category"`
	TestID          string             `json:"test_identifier"`
	Passed          bool               `json:"passed"`
	DurationSeconds float64            `json:"duration_seconds"`
	Metrics         map[string]float64 `json:"metrics"`
	Diagnostics     []string           `json:"diagnostics"`
	Error           *string            `json:"error"`
}

// Metric returns the named metric and whether it was reported.
func (r *Record) Metric(name string) (float64, bool) {
	v, ok := r.Metrics[name]

	return v, ok
}

// ErrorMessage returns the record error or an empty string.
func (r *Record) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}

	return *r.Error
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.Metrics = maps.Clone(r.Metrics)
	out.Diagnostics = slices.Clone(r.Diagnostics)

	if r.Error != nil {
		msg := *r.Error
		out.Error = &msg
	}

	return out
}

// Bool converts a flag into a metric value (1 or 0).
func Bool(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

// Errorf builds an optional error message for a record.
func Errorf(format string, args ...any) *string {
	msg := fmt.Sprintf(format, args...)

	return &msg
}

// Group is a named collection of records inside a Set. Single groups hold
// exactly one record and render as a JSON object, multi groups render as
// an array.
type Group struct {
	Name    string
	Multi   bool
	Records []Record
}

// Set maps group names to records while preserving insertion order.
type Set struct {
	groups []*Group
	index  map[string]int
}

// NewSet creates an empty result set.
func NewSet() *Set {
	return &Set{index: make(map[string]int, 8)}
}

// AddSingle stores rec as the only record of group name, replacing any
// previous value.
func (s *Set) AddSingle(name string, rec Record) {
	g := s.group(name, false)
	g.Records = []Record{rec}
}

// Append adds rec to the multi-record group name.
func (s *Set) Append(name string, rec Record) {
	g := s.group(name, true)
	g.Records = append(g.Records, rec)
}

// Ensure creates an empty multi-record group so it is reported even when
// every sub-test was skipped.
func (s *Set) Ensure(name string) {
	s.group(name, true)
}

func (s *Set) group(name string, multi bool) *Group {
	if s.index == nil {
		s.index = make(map[string]int, 8)
	}

	if i, ok := s.index[name]; ok {
		return s.groups[i]
	}

	g := &Group{Name: name, Multi: multi}
	s.index[name] = len(s.groups)
	s.groups = append(s.groups, g)

	return g
}

// Group returns the group with the given name.
func (s *Set) Group(name string) (*Group, bool) {
	if s == nil {
		return nil, false
	}

	i, ok := s.index[name]
	if !ok {
		return nil, false
	}

	return s.groups[i], true
}

// Names returns group names in insertion order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}

	names := make([]string, 0, len(s.groups))
	for _, g := range s.groups {
		names = append(names, g.Name)
	}

	return names
}

// Records returns every record in group order.
func (s *Set) Records() []Record {
	if s == nil {
		return nil
	}

	var out []Record
	for _, g := range s.groups {
		out = append(out, g.Records...)
	}

	return out
}

// Summary counts passed and failed records.
func (s *Set) Summary() (passed, failed int) {
	for _, rec := range s.Records() {
		if rec.Passed {
			passed++
		} else {
			failed++
		}
	}

	return passed, failed
}

// Clone returns a deep copy of the set.
func (s *Set) Clone() *Set {
	if s == nil {
		return nil
	}

	out := NewSet()

	for _, g := range s.groups {
		ng := out.group(g.Name, g.Multi)
		ng.Records = make([]Record, 0, len(g.Records))

		for _, rec := range g.Records {
			ng.Records = append(ng.Records, rec.Clone())
		}
	}

	return out
}

// MarshalJSON renders the set as an object keyed by group name in
// insertion order.
func (s *Set) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, g := range s.groups {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(g.Name)
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')

		var value any

		switch {
		case g.Multi && g.Records == nil:
			value = []Record{}
		case g.Multi:
			value = g.Records
		case len(g.Records) == 0:
			value = nil
		default:
			value = g.Records[0]
		}

		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding group %q: %w", g.Name, err)
		}

		buf.Write(data)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON restores a set produced by MarshalJSON, keeping key order.
func (s *Set) UnmarshalJSON(data []byte) error {
	*s = Set{index: make(map[string]int, 8)}

	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("result set must be a JSON object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}

		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decoding group %q: %w", name, err)
		}

		raw = bytes.TrimSpace(raw)

		switch {
		case len(raw) > 0 && raw[0] == '[':
			var recs []Record
			if err := json.Unmarshal(raw, &recs); err != nil {
				return fmt.Errorf("decoding group %q: %w", name, err)
			}

			g := s.group(name, true)
			g.Records = recs
		case bytes.Equal(raw, []byte("null")):
			s.group(name, false)
		default:
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decoding group %q: %w", name, err)
			}

			s.AddSingle(name, rec)
		}
	}

	_, err = dec.Token()

	return err
}
