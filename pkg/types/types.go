package types

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Validation errors surfaced to ingestion callers. They are never retried
// internally; retry policy belongs to the transport feeding the ingestor.
var (
	ErrInvalidName  = errors.New("metric name must not be empty")
	ErrInvalidDelta = errors.New("counter delta must be non-negative")
	ErrInvalidLabel = errors.New("label key must not be empty")
)

// Label is a single name/value pair attached to a series.
type Label struct {
	Name  string
	Value string
}

// LabelSet is an immutable set of labels ordered by label name.
// Equality and hashing are defined by content, not insertion order.
type LabelSet struct {
	labels []Label
}

// NewLabelSet builds a LabelSet from a plain map, sorting keys for a
// canonical order.
func NewLabelSet(m map[string]string) LabelSet {
	if len(m) == 0 {
		return LabelSet{}
	}

	labels := make([]Label, 0, len(m))
	for k, v := range m {
		labels = append(labels, Label{Name: k, Value: v})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

	return LabelSet{labels: labels}
}

// Len returns the number of labels in the set.
func (ls LabelSet) Len() int {
	return len(ls.labels)
}

// Get returns the value for a label name.
func (ls LabelSet) Get(name string) (string, bool) {
	for _, l := range ls.labels {
		if l.Name == name {
			return l.Value, true
		}
	}
	return "", false
}

// Range calls f for each label in canonical order.
func (ls LabelSet) Range(f func(name, value string)) {
	for _, l := range ls.labels {
		f(l.Name, l.Value)
	}
}

// Equal reports whether two sets hold exactly the same labels.
func (ls LabelSet) Equal(other LabelSet) bool {
	if len(ls.labels) != len(other.labels) {
		return false
	}
	for i, l := range ls.labels {
		if other.labels[i] != l {
			return false
		}
	}
	return true
}

// Matches reports whether every pair in filter is present and equal in the
// set. Labels not named by the filter are unconstrained.
func (ls LabelSet) Matches(filter map[string]string) bool {
	for k, want := range filter {
		got, ok := ls.Get(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Project returns a new LabelSet containing only the named keys that are
// present in the set.
func (ls LabelSet) Project(keys []string) LabelSet {
	if len(keys) == 0 {
		return LabelSet{}
	}

	out := make([]Label, 0, len(keys))
	for _, l := range ls.labels {
		for _, k := range keys {
			if l.Name == k {
				out = append(out, l)
				break
			}
		}
	}
	return LabelSet{labels: out}
}

// Map returns a fresh map copy of the set.
func (ls LabelSet) Map() map[string]string {
	m := make(map[string]string, len(ls.labels))
	for _, l := range ls.labels {
		m[l.Name] = l.Value
	}
	return m
}

// String renders the set as {k1="v1",k2="v2"} in canonical order.
func (ls LabelSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, l := range ls.labels {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Name)
		b.WriteString(`="`)
		b.WriteString(l.Value)
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// SeriesKey uniquely identifies one counter series.
type SeriesKey struct {
	Name   string
	Labels LabelSet
}

// Equal reports whether two keys identify the same series.
func (k SeriesKey) Equal(other SeriesKey) bool {
	return k.Name == other.Name && k.Labels.Equal(other.Labels)
}

// Fingerprint hashes the key's canonical encoding with xxhash. Two keys
// with identical name and label content always hash the same.
func (k SeriesKey) Fingerprint() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(k.Name)
	for _, l := range k.Labels.labels {
		_, _ = d.Write([]byte{0}) // separator
		_, _ = d.WriteString(l.Name)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(l.Value)
	}
	return d.Sum64()
}

// MetricPoint is one raw counter increment as received from the transport.
type MetricPoint struct {
	Name      string
	Labels    map[string]string
	Delta     float64
	Timestamp time.Time
}

// Validate checks the point against the ingestion contract.
func (p *MetricPoint) Validate() error {
	if p.Name == "" {
		return ErrInvalidName
	}
	if p.Delta < 0 || math.IsNaN(p.Delta) {
		return ErrInvalidDelta
	}
	for k := range p.Labels {
		if k == "" {
			return ErrInvalidLabel
		}
	}
	return nil
}

// Series is a point-in-time snapshot of one counter series.
type Series struct {
	Name       string
	Labels     LabelSet
	Value      float64
	Created    time.Time
	LastUpdate time.Time
}

// Key returns the identifying key of the series.
func (s Series) Key() SeriesKey {
	return SeriesKey{Name: s.Name, Labels: s.Labels}
}
