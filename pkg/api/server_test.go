package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/countervane/pkg/export"
	"github.com/vjranagit/countervane/pkg/ingest"
	"github.com/vjranagit/countervane/pkg/query"
	"github.com/vjranagit/countervane/pkg/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New()

	return NewServer(":0", 5*time.Second, logger,
		ingest.New(st, nil, logger),
		query.NewEngine(st),
		export.NewWriter(st),
		query.DefaultPricing())
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

const seedBody = `{"points":[
	{"name":"tokens","labels":{"type":"cacheRead","model":"a"},"delta":50000},
	{"name":"tokens","labels":{"type":"cacheCreation","model":"a"},"delta":2000},
	{"name":"tokens","labels":{"type":"input","model":"b"},"delta":300}
]}`

func TestIngestEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/ingest", seedBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ID       string `json:"id"`
		Accepted int    `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Accepted)
	assert.NotEmpty(t, resp.ID)
}

func TestIngestEndpointRejectsNegativeDelta(t *testing.T) {
	s := newTestServer(t)

	body := `{"points":[{"name":"tokens","delta":-1}]}`
	rec := do(t, s, http.MethodPost, "/api/v1/ingest", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "point 0")
}

func TestIngestEndpointRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/ingest", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSumEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/ingest", seedBody).Code)

	rec := do(t, s, http.MethodGet, "/api/v1/sum?name=tokens&label=type=input", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Value float64 `json:"value"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 300.0, resp.Value)

	// A filter with no matches sums to 0, not an error.
	rec = do(t, s, http.MethodGet, "/api/v1/sum?name=tokens&label=type=absent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0.0, resp.Value)
}

func TestSumEndpointGrouped(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/ingest", seedBody).Code)

	rec := do(t, s, http.MethodGet, "/api/v1/sum?name=tokens&by=model", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Groups []struct {
			Labels map[string]string `json:"labels"`
			Value  float64           `json:"value"`
		} `json:"groups"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Groups, 2)

	totals := make(map[string]float64)
	for _, g := range resp.Groups {
		totals[g.Labels["model"]] = g.Value
	}
	assert.Equal(t, 52000.0, totals["a"])
	assert.Equal(t, 300.0, totals["b"])
}

func TestSumEndpointRequiresName(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/v1/sum", "").Code)
}

func TestRatioEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/ingest", seedBody).Code)

	rec := do(t, s, http.MethodGet,
		"/api/v1/ratio?name=tokens&num=type=cacheRead&den=type=cacheCreation", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Ratio *float64 `json:"ratio"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Ratio)
	assert.InDelta(t, 50000.0/52000.0, *resp.Ratio, 1e-9)
}

func TestRatioEndpointUndefined(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet,
		"/api/v1/ratio?name=tokens&num=type=cacheRead&den=type=cacheCreation", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Ratio *float64 `json:"ratio"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Ratio, "undefined ratio must render as null")
}

func TestCacheEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/ingest", seedBody).Code)

	rec := do(t, s, http.MethodGet, "/api/v1/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		CacheReadTokens float64  `json:"cache_read_tokens"`
		HitRatio        *float64 `json:"cache_hit_ratio"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 50000.0, resp.CacheReadTokens)
	require.NotNil(t, resp.HitRatio)
	assert.InDelta(t, 50000.0/52000.0, *resp.HitRatio, 1e-9)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/v1/ingest", seedBody).Code)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	body := rec.Body.String()
	assert.Contains(t, body, "# TYPE tokens counter")
	assert.Contains(t, body, `tokens{model="a",type="cacheRead"} 50000`)

	// Determinism across scrapes.
	again := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, body, again.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
