package store

import (
	"sync"

	"github.com/vjranagit/countervane/pkg/types"
)

// labelIndex is an inverted index from metric name and label pairs to
// series fingerprints. Unlike the one in a full TSDB it supports removal,
// because the sweeper deletes inactive series.
type labelIndex struct {
	mu sync.RWMutex
	// metric name -> fingerprint set
	names map[string]map[uint64]struct{}
	// label name -> label value -> fingerprint set
	labels map[string]map[string]map[uint64]struct{}
}

func newLabelIndex() *labelIndex {
	return &labelIndex{
		names:  make(map[string]map[uint64]struct{}),
		labels: make(map[string]map[string]map[uint64]struct{}),
	}
}

func (idx *labelIndex) add(key types.SeriesKey, fp uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	set, ok := idx.names[key.Name]
	if !ok {
		set = make(map[uint64]struct{})
		idx.names[key.Name] = set
	}
	set[fp] = struct{}{}

	key.Labels.Range(func(name, value string) {
		values, ok := idx.labels[name]
		if !ok {
			values = make(map[string]map[uint64]struct{})
			idx.labels[name] = values
		}
		set, ok := values[value]
		if !ok {
			set = make(map[uint64]struct{})
			values[value] = set
		}
		set[fp] = struct{}{}
	})
}

func (idx *labelIndex) remove(key types.SeriesKey, fp uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if set, ok := idx.names[key.Name]; ok {
		delete(set, fp)
		if len(set) == 0 {
			delete(idx.names, key.Name)
		}
	}

	key.Labels.Range(func(name, value string) {
		values, ok := idx.labels[name]
		if !ok {
			return
		}
		set, ok := values[value]
		if !ok {
			return
		}
		delete(set, fp)
		if len(set) == 0 {
			delete(values, value)
		}
		if len(values) == 0 {
			delete(idx.labels, name)
		}
	})
}

// byName returns the fingerprints of all series for a metric name.
func (idx *labelIndex) byName(name string) []uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	set, ok := idx.names[name]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(set))
	for fp := range set {
		out = append(out, fp)
	}
	return out
}

// metricNames returns all distinct metric names currently indexed.
func (idx *labelIndex) metricNames() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]string, 0, len(idx.names))
	for name := range idx.names {
		out = append(out, name)
	}
	return out
}
