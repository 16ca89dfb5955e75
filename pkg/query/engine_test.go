package query

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/countervane/pkg/store"
	"github.com/vjranagit/countervane/pkg/types"
)

func seed(t *testing.T) *Engine {
	t.Helper()
	st := store.New()
	now := time.Now()

	upsert := func(labels map[string]string, v float64) {
		st.Upsert(types.SeriesKey{Name: "tokens", Labels: types.NewLabelSet(labels)}, v, now)
	}
	upsert(map[string]string{"type": "cacheRead", "model": "a"}, 50000)
	upsert(map[string]string{"type": "cacheCreation", "model": "a"}, 2000)
	upsert(map[string]string{"type": "input", "model": "a"}, 300)
	upsert(map[string]string{"type": "input", "model": "b"}, 700)

	return NewEngine(st)
}

func TestSum(t *testing.T) {
	e := seed(t)

	assert.Equal(t, 53000.0, e.Sum("tokens", nil))
	assert.Equal(t, 1000.0, e.Sum("tokens", map[string]string{"type": "input"}))
	assert.Equal(t, 0.0, e.Sum("tokens", map[string]string{"type": "absent"}),
		"no matches must yield 0, not an error")
	assert.Equal(t, 0.0, e.Sum("absent", nil))
}

func TestSumBy(t *testing.T) {
	e := seed(t)

	groups := e.SumBy([]string{"model"}, "tokens", map[string]string{"type": "input"})
	require.Len(t, groups, 2)
	assert.Equal(t, 300.0, groups[`{model="a"}`].Value)
	assert.Equal(t, 700.0, groups[`{model="b"}`].Value)

	// Empty group labels collapse to one global bucket.
	global := e.SumBy(nil, "tokens", nil)
	require.Len(t, global, 1)
	assert.Equal(t, 53000.0, global["{}"].Value)

	// Empty result set is an empty map, not an error.
	assert.Empty(t, e.SumBy([]string{"model"}, "tokens", map[string]string{"type": "absent"}))
}

func TestRatioOf(t *testing.T) {
	e := seed(t)

	r := e.RatioOf("tokens",
		map[string]string{"type": "cacheRead"},
		map[string]string{"type": "cacheCreation"})
	require.True(t, r.Defined)
	assert.InDelta(t, 50000.0/52000.0, r.Value, 1e-9)
	assert.GreaterOrEqual(t, r.Value, 0.0)
	assert.LessOrEqual(t, r.Value, 1.0)
}

func TestRatioOfUndefined(t *testing.T) {
	e := NewEngine(store.New())

	r := e.RatioOf("tokens",
		map[string]string{"type": "cacheRead"},
		map[string]string{"type": "cacheCreation"})
	assert.False(t, r.Defined, "zero combined denominator must be undefined, not 0 or NaN")
}

func TestRatioBounds(t *testing.T) {
	e := seed(t)

	// Numerator-only ratios stay within [0,1] whenever the total is positive.
	for _, filter := range []map[string]string{
		{"type": "cacheRead"},
		{"type": "input"},
		{"type": "absent"},
	} {
		r := e.RatioOf("tokens", filter, map[string]string{"type": "cacheCreation"})
		if r.Defined {
			assert.GreaterOrEqual(t, r.Value, 0.0)
			assert.LessOrEqual(t, r.Value, 1.0)
		}
	}
}

func TestRatioJSON(t *testing.T) {
	defined, err := json.Marshal(Ratio{Value: 0.5, Defined: true})
	require.NoError(t, err)
	assert.Equal(t, "0.5", string(defined))

	undefined, err := json.Marshal(Ratio{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(undefined))

	var r Ratio
	require.NoError(t, json.Unmarshal([]byte("0.25"), &r))
	assert.True(t, r.Defined)
	assert.Equal(t, 0.25, r.Value)

	require.NoError(t, json.Unmarshal([]byte("null"), &r))
	assert.False(t, r.Defined)
}

func TestRatePerSecond(t *testing.T) {
	st := store.New()
	start := time.Now()
	k := types.SeriesKey{Name: "tokens", Labels: types.NewLabelSet(map[string]string{"type": "input"})}
	st.Upsert(k, 0, start)
	st.Upsert(k, 600, start.Add(time.Minute))

	e := NewEngine(st)

	r := e.RatePerSecond("tokens", nil)
	require.True(t, r.Defined)
	assert.InDelta(t, 10.0, r.Value, 1e-9)

	// A single instant has no elapsed time: undefined.
	st2 := store.New()
	st2.Upsert(k, 5, start)
	assert.False(t, NewEngine(st2).RatePerSecond("tokens", nil).Defined)

	// No matches: undefined.
	assert.False(t, e.RatePerSecond("absent", nil).Defined)
}
