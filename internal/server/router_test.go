package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewave-labs/flagwise/internal/config"
	"github.com/bluewave-labs/flagwise/internal/consumer"
	"github.com/bluewave-labs/flagwise/internal/crypto"
	"github.com/bluewave-labs/flagwise/internal/detect"
	"github.com/bluewave-labs/flagwise/internal/dlq"
	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/messaging"
	"github.com/bluewave-labs/flagwise/internal/models"
	"github.com/bluewave-labs/flagwise/internal/rules"
)

type mockStore struct {
	pingErr  error
	count    int64
	countErr error
	ruleRows []models.DetectionRule
	rulesErr error
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

func (m *mockStore) RecordCount(context.Context) (int64, error) { return m.count, m.countErr }

func (m *mockStore) ActiveRules(context.Context) ([]models.DetectionRule, error) {
	return m.ruleRows, m.rulesErr
}

type mockConn struct {
	connected bool
}

func (m *mockConn) IsConnected() bool { return m.connected }

type nullSource struct{}

func (nullSource) Fetch(context.Context, int, time.Duration) ([]messaging.InboundMessage, error) {
	return nil, nil
}

type nullSink struct{}

func (nullSink) SaveRecords(_ context.Context, records []*models.EnrichedRecord) (int, error) {
	return len(records), nil
}

type nullPublisher struct{}

func (nullPublisher) PublishSync(context.Context, string, []byte) (*jetstream.PubAck, error) {
	return nil, nil
}

func newTestHandler(t *testing.T, store *mockStore, conn *mockConn) (*Handler, *rules.Cache) {
	t.Helper()
	log := logging.New(slog.LevelError, "text")

	cache := rules.NewCache(store, time.Minute, log)
	engine := detect.NewEngine(cache, log)
	deadletter := dlq.NewQueue(nullPublisher{}, "llm.dlq", log)
	c := consumer.New(nullSource{}, engine, nullSink{}, nil, deadletter, config.ConsumerConfig{
		PollTimeout: time.Second,
		BatchSize:   100,
		AckInterval: 5 * time.Second,
	}, log)
	cryptoSvc := crypto.NewService(nil, crypto.Options{}, log)

	return NewHandler(store, conn, c, engine, cache, cryptoSvc, deadletter, log), cache
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t, &mockStore{}, &mockConn{connected: true})
	router := NewRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, &mockStore{}, &mockConn{connected: true})
	router := NewRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "GET", rr.Header().Get("Allow"))
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		store    *mockStore
		conn     *mockConn
		wantCode int
	}{
		{"all healthy", &mockStore{}, &mockConn{connected: true}, http.StatusOK},
		{"database down", &mockStore{pingErr: errors.New("dial refused")}, &mockConn{connected: true}, http.StatusServiceUnavailable},
		{"event log down", &mockStore{}, &mockConn{connected: false}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, tt.store, tt.conn)
			router := NewRouter(h)

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.wantCode, rr.Code)
		})
	}
}

func TestStats(t *testing.T) {
	store := &mockStore{count: 1234, ruleRows: []models.DetectionRule{
		{ID: "r1", Name: "Keyword", RuleType: models.RuleTypeKeyword, Pattern: "secret", Points: 10, IsActive: true},
	}}
	h, cache := newTestHandler(t, store, &mockConn{connected: true})
	require.NoError(t, cache.ForceRefresh(context.Background()))

	router := NewRouter(h)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(1234), body["stored_records"])
	assert.Contains(t, body, "consumer")
	assert.Contains(t, body, "detection")
	assert.Contains(t, body, "encryption")

	rulesInfo := body["rules"].(map[string]interface{})
	assert.Equal(t, float64(1), rulesInfo["active"])

	encryption := body["encryption"].(map[string]interface{})
	assert.Equal(t, false, encryption["enabled"])
}

func TestStatsStoreError(t *testing.T) {
	store := &mockStore{countErr: errors.New("timeout")}
	h, _ := newTestHandler(t, store, &mockConn{connected: true})
	router := NewRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	// Stats stays available when the count query fails.
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(-1), body["stored_records"])
}

func TestRefreshRules(t *testing.T) {
	store := &mockStore{ruleRows: []models.DetectionRule{
		{ID: "r1", Name: "One", RuleType: models.RuleTypeKeyword, Pattern: "a", Points: 5, IsActive: true},
		{ID: "r2", Name: "Two", RuleType: models.RuleTypeKeyword, Pattern: "b", Points: 5, IsActive: true},
	}}
	h, _ := newTestHandler(t, store, &mockConn{connected: true})
	router := NewRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/rules/refresh", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "refreshed", body["status"])
	assert.Equal(t, float64(2), body["active_rules"])
}

func TestRefreshRulesFailure(t *testing.T) {
	store := &mockStore{rulesErr: errors.New("db unavailable")}
	h, _ := newTestHandler(t, store, &mockConn{connected: true})
	router := NewRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/rules/refresh", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestRefreshRulesGetNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, &mockStore{}, &mockConn{connected: true})
	router := NewRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/rules/refresh", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, &mockStore{}, &mockConn{connected: true})
	router := NewRouter(h)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "flagwise_")
}
