package query

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/vjranagit/countervane/pkg/store"
	"github.com/vjranagit/countervane/pkg/types"
)

// Ratio is a derived quotient. Defined is false when the denominator was
// zero; callers decide whether to render that as 0, N/A, or skip the
// metric. This replaces the clamp-to-1 guard seen in dashboard queries,
// so zero activity stays distinguishable from a near-zero ratio.
type Ratio struct {
	Value   float64
	Defined bool
}

// MarshalJSON renders an undefined ratio as null.
func (r Ratio) MarshalJSON() ([]byte, error) {
	if !r.Defined {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(r.Value, 'g', -1, 64)), nil
}

// UnmarshalJSON accepts a number or null.
func (r *Ratio) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Ratio{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Ratio{Value: v, Defined: true}
	return nil
}

// Group is one aggregation bucket produced by SumBy.
type Group struct {
	Labels types.LabelSet
	Value  float64
}

// Engine evaluates aggregate queries over the store. It is stateless: every
// call is a fresh scan over the store's current content, so results are
// never stale.
type Engine struct {
	store *store.Store
}

// NewEngine creates an engine over st.
func NewEngine(st *store.Store) *Engine {
	return &Engine{store: st}
}

// Sum returns the total value of all series matching name and filter.
// No matches yields 0, not an error.
func (e *Engine) Sum(name string, filter map[string]string) float64 {
	var sum float64
	for snap := range e.store.Query(name, filter) {
		sum += snap.Value
	}
	return sum
}

// SumBy groups matching series by the projection of their labels onto `by`
// and sums values per group. The result is keyed by the canonical string of
// the projected label set. Empty `by` collapses to one global group.
func (e *Engine) SumBy(by []string, name string, filter map[string]string) map[string]Group {
	groups := make(map[string]Group)

	for snap := range e.store.Query(name, filter) {
		projected := snap.Labels.Project(by)
		key := projected.String()

		g, ok := groups[key]
		if !ok {
			g = Group{Labels: projected}
		}
		g.Value += snap.Value
		groups[key] = g
	}

	return groups
}

// RatioOf computes sum(numerator) / (sum(numerator) + sum of each
// denominator filter). An exactly-zero combined denominator yields the
// undefined sentinel.
func (e *Engine) RatioOf(name string, numerator map[string]string, denominators ...map[string]string) Ratio {
	num := e.Sum(name, numerator)

	total := num
	for _, den := range denominators {
		total += e.Sum(name, den)
	}

	return quotient(num, total)
}

// RatePerSecond returns the average per-second increase of the matching
// series: the summed value divided by the span from the earliest series
// creation to the latest update. Undefined when no time has elapsed.
func (e *Engine) RatePerSecond(name string, filter map[string]string) Ratio {
	var (
		sum      float64
		earliest time.Time
		latest   time.Time
		found    bool
	)

	for snap := range e.store.Query(name, filter) {
		sum += snap.Value
		if !found || snap.Created.Before(earliest) {
			earliest = snap.Created
		}
		if snap.LastUpdate.After(latest) {
			latest = snap.LastUpdate
		}
		found = true
	}

	if !found {
		return Ratio{}
	}

	elapsed := latest.Sub(earliest).Seconds()
	if elapsed <= 0 {
		return Ratio{}
	}
	return Ratio{Value: sum / elapsed, Defined: true}
}

// quotient divides num by den, returning the undefined sentinel for a zero
// denominator.
func quotient(num, den float64) Ratio {
	if den == 0 {
		return Ratio{}
	}
	return Ratio{Value: num / den, Defined: true}
}
