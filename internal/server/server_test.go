package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/kbcast/internal/auth"
	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/danmuck/kbcast/internal/observability"
	"github.com/danmuck/kbcast/internal/reliable"
	"github.com/danmuck/kbcast/internal/testutil/testlog"
	"github.com/danmuck/kbcast/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct{ stats transport.Stats }

func (s stubTransport) Stats() transport.Stats { return s.stats }

func newTestServer(t *testing.T) (*Server, *knowledge.Base, *reliable.Tracker) {
	t.Helper()
	kb := knowledge.NewBase()
	tracker := reliable.NewTracker()
	srv := Appear("node-test", nil, Deps{
		Knowledge: kb,
		Transport: stubTransport{stats: transport.Stats{ID: "node-test", Received: 4}},
		Reliable:  tracker,
	})
	return srv, kb, tracker
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rec, req)
	return rec
}

func TestHealthAssignsRequestID(t *testing.T) {
	testlog.Start(t)

	srv, _, _ := newTestServer(t)
	rec := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(observability.RequestIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-test", body["service"])
}

func TestKnowledgeRoutes(t *testing.T) {
	testlog.Start(t)

	srv, kb, _ := newTestServer(t)
	kb.Set("agent.0.pos", knowledge.NewDoubleArray([]float64{1, 2}))
	kb.Set("agent.1.pos", knowledge.NewDoubleArray([]float64{3, 4}))
	kb.Set("world", knowledge.NewString("earth"))

	rec := get(t, srv, "/knowledge?prefix=agent.")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Clock   uint64       `json:"clock"`
		Total   int          `json:"total"`
		Records []RecordView `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, uint64(3), list.Clock)
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Records, 2)
	assert.Equal(t, "agent.0.pos", list.Records[0].Key)

	rec = get(t, srv, "/knowledge/world")
	require.Equal(t, http.StatusOK, rec.Code)
	var one RecordView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.Equal(t, "earth", one.Value)
	assert.Equal(t, uint64(3), one.Clock)

	rec = get(t, srv, "/knowledge/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransportAndReliableRoutes(t *testing.T) {
	testlog.Start(t)

	srv, _, tracker := newTestServer(t)
	tracker.Upsert(reliable.Status{Name: "map", Fragments: 2, Cells: 4, QueuedAt: time.Now()})

	rec := get(t, srv, "/transport")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats transport.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(4), stats.Received)

	rec = get(t, srv, "/reliable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"map"`)

	assert.Equal(t, http.StatusOK, get(t, srv, "/reliable/map").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/reliable/other").Code)
}

func TestMetricsRoute(t *testing.T) {
	testlog.Start(t)

	srv, _, _ := newTestServer(t)
	get(t, srv, "/health")
	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kbcast_http_requests_total")
}

func TestTokenGuardsAllButHealth(t *testing.T) {
	testlog.Start(t)

	srv := Appear("node-auth", nil, Deps{
		Knowledge: knowledge.NewBase(),
		Auth:      auth.StaticToken{Token: "s3cret"},
	})
	assert.Equal(t, http.StatusOK, get(t, srv, "/health").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, srv, "/knowledge").Code)

	req := httptest.NewRequest(http.MethodGet, "/knowledge", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
