package store

import (
	"iter"
	"sync"
	"time"

	"github.com/vjranagit/countervane/pkg/types"
)

// shardCount must stay a power of two so fingerprint masking works.
const shardCount = 16

// Config holds store configuration.
type Config struct {
	Path               string
	ExpireAfter        time.Duration
	SweepInterval      time.Duration
	CompressionLevel   int
	EnableJournal      bool
	CheckpointInterval time.Duration
}

// DefaultConfig returns default store configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:               "./data",
		ExpireAfter:        180 * time.Minute,
		SweepInterval:      5 * time.Minute,
		CompressionLevel:   3,
		EnableJournal:      true,
		CheckpointInterval: 15 * time.Minute,
	}
}

// series is the store's mutable counter state for one key. It is only ever
// touched while its shard lock is held.
type series struct {
	key        types.SeriesKey
	value      float64
	created    time.Time
	lastUpdate time.Time
}

func (s *series) snapshot() types.Series {
	return types.Series{
		Name:       s.key.Name,
		Labels:     s.key.Labels,
		Value:      s.value,
		Created:    s.created,
		LastUpdate: s.lastUpdate,
	}
}

// shard buckets series by fingerprint. The chain holds every series whose
// key hashes to the same fingerprint; it is nearly always length one, but
// keys are compared on every access so a hash collision never merges two
// distinct counters.
type shard struct {
	mu     sync.RWMutex
	series map[uint64][]*series
}

// Store owns all counter series, keyed by fingerprint and sharded so that
// updates to distinct keys do not contend. It is safe for concurrent use.
type Store struct {
	shards [shardCount]shard
	index  *labelIndex
}

// New creates an empty store.
func New() *Store {
	st := &Store{index: newLabelIndex()}
	for i := range st.shards {
		st.shards[i].series = make(map[uint64][]*series)
	}
	return st
}

// lookup finds the chain entry for key. Caller holds the shard lock.
func lookup(chain []*series, key types.SeriesKey) *series {
	for _, sr := range chain {
		if sr.key.Equal(key) {
			return sr
		}
	}
	return nil
}

func (st *Store) shardFor(fp uint64) *shard {
	return &st.shards[fp&(shardCount-1)]
}

// Upsert adds delta to the series for key, creating it when absent, and
// advances its last-update timestamp. The read-modify-write is atomic per
// key. Reports whether a new series was created.
func (st *Store) Upsert(key types.SeriesKey, delta float64, ts time.Time) bool {
	fp := key.Fingerprint()
	sh := st.shardFor(fp)

	sh.mu.Lock()
	chain := sh.series[fp]
	sr := lookup(chain, key)
	created := sr == nil
	if created {
		sr = &series{key: key, created: ts}
		sh.series[fp] = append(chain, sr)
	}
	sr.value += delta
	if ts.After(sr.lastUpdate) {
		sr.lastUpdate = ts
	}
	sh.mu.Unlock()

	if created {
		st.index.add(key, fp)
	}
	return created
}

// Get returns a snapshot of the series for key. Absence is an expected
// steady state, reported by the second return value rather than an error.
func (st *Store) Get(key types.SeriesKey) (types.Series, bool) {
	fp := key.Fingerprint()
	sh := st.shardFor(fp)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sr := lookup(sh.series[fp], key)
	if sr == nil {
		return types.Series{}, false
	}
	return sr.snapshot(), true
}

// Remove deletes the series for key. Removing an absent key is a no-op.
func (st *Store) Remove(key types.SeriesKey) bool {
	return st.removeIf(key, nil)
}

// removeIf deletes the series for key when cond (if non-nil) holds under
// the shard write lock. Used by the sweeper so a concurrent ingest that
// bumps last-update between its scan and the delete is never lost.
func (st *Store) removeIf(key types.SeriesKey, cond func(*series) bool) bool {
	fp := key.Fingerprint()
	sh := st.shardFor(fp)

	sh.mu.Lock()
	chain := sh.series[fp]
	pos := -1
	for i, sr := range chain {
		if sr.key.Equal(key) {
			pos = i
			break
		}
	}
	if pos < 0 || (cond != nil && !cond(chain[pos])) {
		sh.mu.Unlock()
		return false
	}
	removed := chain[pos]
	chain = append(chain[:pos], chain[pos+1:]...)
	if len(chain) == 0 {
		delete(sh.series, fp)
	} else {
		sh.series[fp] = chain
	}
	// A colliding survivor with the same metric name still needs the
	// fingerprint in the name index.
	surviving := false
	for _, sr := range chain {
		if sr.key.Name == removed.key.Name {
			surviving = true
			break
		}
	}
	sh.mu.Unlock()

	if !surviving {
		st.index.remove(removed.key, fp)
	}
	return true
}

// Len returns the number of live series.
func (st *Store) Len() int {
	n := 0
	for i := range st.shards {
		sh := &st.shards[i]
		sh.mu.RLock()
		for _, chain := range sh.series {
			n += len(chain)
		}
		sh.mu.RUnlock()
	}
	return n
}

// Query returns a lazy, restartable sequence of series snapshots matching
// the name and label filter. An empty name matches all metrics. Each shard
// is snapshotted under a read lock and yielded outside it, so a running
// scan never blocks writers for its full duration. Iteration order is
// stable only within a single pass.
func (st *Store) Query(name string, filter map[string]string) iter.Seq[types.Series] {
	return func(yield func(types.Series) bool) {
		if name != "" {
			fps := st.index.byName(name)
			for _, fp := range fps {
				// A fingerprint chain may carry colliding series of
				// another name; skip those.
				for _, snap := range st.snapshotsFP(fp) {
					if snap.Name != name || !snap.Labels.Matches(filter) {
						continue
					}
					if !yield(snap) {
						return
					}
				}
			}
			return
		}

		for i := range st.shards {
			for _, snap := range st.snapshotShard(i) {
				if !snap.Labels.Matches(filter) {
					continue
				}
				if !yield(snap) {
					return
				}
			}
		}
	}
}

func (st *Store) snapshotsFP(fp uint64) []types.Series {
	sh := st.shardFor(fp)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	chain := sh.series[fp]
	out := make([]types.Series, 0, len(chain))
	for _, sr := range chain {
		out = append(out, sr.snapshot())
	}
	return out
}

func (st *Store) snapshotShard(i int) []types.Series {
	sh := &st.shards[i]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := make([]types.Series, 0, len(sh.series))
	for _, chain := range sh.series {
		for _, sr := range chain {
			out = append(out, sr.snapshot())
		}
	}
	return out
}

// MetricNames returns the distinct metric names with at least one live
// series. No order is guaranteed.
func (st *Store) MetricNames() []string {
	return st.index.metricNames()
}

// Restore inserts a series snapshot with its recorded value and timestamps,
// replacing any existing series for the same key. Used by checkpoint
// recovery at startup.
func (st *Store) Restore(snap types.Series) {
	key := snap.Key()
	fp := key.Fingerprint()
	sh := st.shardFor(fp)

	sh.mu.Lock()
	chain := sh.series[fp]
	sr := lookup(chain, key)
	existed := sr != nil
	if existed {
		sr.value = snap.Value
		sr.created = snap.Created
		sr.lastUpdate = snap.LastUpdate
	} else {
		sh.series[fp] = append(chain, &series{
			key:        key,
			value:      snap.Value,
			created:    snap.Created,
			lastUpdate: snap.LastUpdate,
		})
	}
	sh.mu.Unlock()

	if !existed {
		st.index.add(key, fp)
	}
}
