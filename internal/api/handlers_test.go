package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"oddsfeed/ingestion/internal/models"
	"oddsfeed/ingestion/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	err      error
	summary  *models.Summary
	lastKind models.Kind
	synced   bool
}

func (m *mockRunner) Run(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error) {
	m.lastKind = kind
	if m.err != nil {
		return nil, m.err
	}
	if m.summary != nil {
		return m.summary, nil
	}
	s := &models.Summary{Message: "question inserted", Kind: kind, EventID: eventID, MarketID: marketID, QuestionID: 9}
	s.Record(models.Detail{Name: "Team A", SelectionID: "S1", Status: models.ActionInserted})
	return s, nil
}

func (m *mockRunner) SyncFromCache(ctx context.Context, kind models.Kind, eventID, marketID string) (*models.Summary, error) {
	m.synced = true
	m.lastKind = kind
	if m.err != nil {
		return nil, m.err
	}
	return &models.Summary{Kind: kind, Source: "cache", Details: []models.Detail{}}, nil
}

type mockCache struct {
	data    map[string][]byte
	pingErr error
}

func (m *mockCache) Get(ctx context.Context, key string) ([]byte, bool) {
	v, ok := m.data[key]
	return v, ok
}

func (m *mockCache) Ping(ctx context.Context) error {
	return m.pingErr
}

type mockDrainer struct {
	requested int
}

func (m *mockDrainer) DrainOnce(ctx context.Context, maxItems int) (queue.DrainResult, error) {
	m.requested = maxItems
	return queue.DrainResult{Processed: 1}, nil
}

func (m *mockDrainer) Len(ctx context.Context) (int64, error) {
	return 2, nil
}

type mockTracker struct {
	tracked []string
}

func (m *mockTracker) Track(kind models.Kind, eventID, marketID string) {
	m.tracked = append(m.tracked, fmt.Sprintf("%s:%s:%s", kind, eventID, marketID))
}

type mockDB struct {
	err error
}

func (m *mockDB) Health(ctx context.Context) error {
	return m.err
}

type fixture struct {
	router  http.Handler
	runner  *mockRunner
	cache   *mockCache
	drainer *mockDrainer
	tracker *mockTracker
	db      *mockDB
}

func newFixture() *fixture {
	f := &fixture{
		runner:  &mockRunner{},
		cache:   &mockCache{data: map[string][]byte{}},
		drainer: &mockDrainer{},
		tracker: &mockTracker{},
		db:      &mockDB{},
	}
	f.router = NewRouter(NewHandler(f.runner, f.cache, f.drainer, f.tracker, f.db), []string{"*"})
	return f
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	f := newFixture()
	f.cache.pingErr = errors.New("redis down")

	rec := f.do(http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "degraded", body["cache"])

	f.db.err = errors.New("db down")
	rec = f.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFetchOdds_Success(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/fancy-odds/E1/M1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.KindFancy, f.runner.lastKind)
	assert.Equal(t, []string{"fancy:E1:M1"}, f.tracker.tracked)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "question inserted", body["message"])
	assert.Equal(t, float64(9), body["question_id"])
	assert.Equal(t, float64(1), body["inserted"])
	details, ok := body["details"].([]interface{})
	require.True(t, ok)
	require.Len(t, details, 1)
	assert.Equal(t, "inserted", details[0].(map[string]interface{})["status"])
}

func TestFetchOdds_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"match not found", fmt.Errorf("%w: E1", models.ErrMatchNotFound), http.StatusNotFound},
		{"source empty", models.ErrSourceEmpty, http.StatusNotFound},
		{"source unavailable", fmt.Errorf("%w: status 500", models.ErrSourceUnavailable), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.runner.err = tt.err

			rec := f.do(http.MethodGet, "/bookmaker-odds/E1/M1")
			assert.Equal(t, tt.code, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.Empty(t, f.tracker.tracked, "Failed runs are not tracked")
		})
	}
}

func TestSyncFromCache(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/sync/event-odds/E1/M1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.runner.synced)
	assert.Equal(t, models.KindEvent, f.runner.lastKind)

	rec = f.do(http.MethodPost, "/sync/horses/E1/M1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCached(t *testing.T) {
	f := newFixture()
	f.cache.data["bookmakerOdds:E1:M1"] = []byte(`{"market":"Match Odds"}`)

	rec := f.do(http.MethodGet, "/cache/bookmaker/E1/M1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"market":"Match Odds"}}`, rec.Body.String())

	rec = f.do(http.MethodGet, "/cache/bookmaker/E2/M1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDrainQueue(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodPost, "/queue/drain?max=10")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, f.drainer.requested)
	assert.JSONEq(t, `{"result":{"processed":1,"errors":0,"requeued":0,"abandoned":0,"deferred":0},"pending":2}`, rec.Body.String())

	f.do(http.MethodPost, "/queue/drain?max=100000")
	assert.Equal(t, maxDrainBatch, f.drainer.requested)

	rec = f.do(http.MethodPost, "/queue/drain?max=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchOdds_FullAndPartialFailure(t *testing.T) {
	f := newFixture()

	partial := &models.Summary{Kind: models.KindBookmaker, EventID: "E1", MarketID: "M1"}
	partial.Record(models.Detail{Name: "Team A", SelectionID: "S1", Status: models.ActionUpdated})
	partial.Record(models.Detail{Name: "Team B", SelectionID: "S2", Status: models.ActionQueued, Reason: "persist failed"})
	f.runner.summary = partial

	rec := f.do(http.MethodGet, "/bookmaker-odds/E1/M1")
	assert.Equal(t, http.StatusOK, rec.Code, "Some items persisted")

	failed := &models.Summary{Kind: models.KindBookmaker, EventID: "E1", MarketID: "M1"}
	failed.Record(models.Detail{Name: "Team A", SelectionID: "S1", Status: models.ActionFailed, Reason: "invalid price"})
	failed.Record(models.Detail{Name: "Team B", SelectionID: "S2", Status: models.ActionQueued, Reason: "persist failed"})
	f.runner.summary = failed

	rec = f.do(http.MethodGet, "/bookmaker-odds/E1/M1")
	require.Equal(t, http.StatusInternalServerError, rec.Code, "Nothing persisted")

	var body models.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Failed)
	assert.Equal(t, 1, body.Queued)
	assert.Len(t, body.Details, 2)
}
