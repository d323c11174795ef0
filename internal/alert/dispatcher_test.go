package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/models"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []models.AlertDeliveryRecord
	err     error
}

func (a *recordingAudit) InsertAlertDelivery(_ context.Context, rec *models.AlertDeliveryRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, *rec)
	return nil
}

func (a *recordingAudit) statuses() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Status
	}
	return out
}

type fakeChannel struct {
	sent []uuid.UUID
	err  error
}

func (c *fakeChannel) Send(_ context.Context, rec *models.EnrichedRecord) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, rec.ID)
	return nil
}

func (c *fakeChannel) Type() string      { return "fake" }
func (c *fakeChannel) Recipient() string { return "fake-recipient" }

func flaggedRecord(score int) *models.EnrichedRecord {
	rec := models.NewEnrichedRecord(&models.IncomingEvent{
		ID:        uuid.New(),
		Timestamp: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		SrcIP:     "192.168.1.10",
		Provider:  "openai",
		Model:     "gpt-4",
		Prompt:    "please review my password reset flow",
	})
	rec.RiskScore = score
	rec.IsFlagged = score > 0
	rec.FlagReason = "Credential Leak"
	return rec
}

func testLog() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

func TestShouldAlert(t *testing.T) {
	disp := NewDispatcher([]Channel{&fakeChannel{}}, NewSlidingWindow(5, time.Minute), nil, 50, testLog())

	assert.True(t, disp.ShouldAlert(flaggedRecord(50)))
	assert.True(t, disp.ShouldAlert(flaggedRecord(100)))
	assert.False(t, disp.ShouldAlert(flaggedRecord(49)))

	unflagged := flaggedRecord(60)
	unflagged.IsFlagged = false
	assert.False(t, disp.ShouldAlert(unflagged))

	noChannels := NewDispatcher(nil, NewSlidingWindow(5, time.Minute), nil, 50, testLog())
	assert.False(t, noChannels.ShouldAlert(flaggedRecord(90)))
}

func TestDispatchSendsAndAudits(t *testing.T) {
	audit := &recordingAudit{}
	ch := &fakeChannel{}
	disp := NewDispatcher([]Channel{ch}, NewSlidingWindow(5, time.Minute), audit, 50, testLog())

	rec := flaggedRecord(85)
	disp.Dispatch(context.Background(), rec)

	require.Len(t, ch.sent, 1)
	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, rec.ID.String(), entry.RequestID)
	assert.Equal(t, "fake", entry.Channel)
	assert.Equal(t, models.AlertStatusSent, entry.Status)
	require.NotNil(t, entry.SentAt)
}

func TestDispatchBelowThresholdIsSilent(t *testing.T) {
	audit := &recordingAudit{}
	ch := &fakeChannel{}
	disp := NewDispatcher([]Channel{ch}, NewSlidingWindow(5, time.Minute), audit, 50, testLog())

	disp.Dispatch(context.Background(), flaggedRecord(30))

	assert.Empty(t, ch.sent)
	assert.Empty(t, audit.entries, "ineligible records leave no audit rows")
}

func TestDispatchRateLimitAudit(t *testing.T) {
	audit := &recordingAudit{}
	ch := &fakeChannel{}
	disp := NewDispatcher([]Channel{ch}, NewSlidingWindow(5, time.Minute), audit, 50, testLog())

	// Eight eligible records against a 5-per-minute window.
	for i := 0; i < 8; i++ {
		disp.Dispatch(context.Background(), flaggedRecord(90))
	}

	assert.Len(t, ch.sent, 5)
	assert.Equal(t, []string{
		models.AlertStatusSent, models.AlertStatusSent, models.AlertStatusSent,
		models.AlertStatusSent, models.AlertStatusSent,
		models.AlertStatusRateLimited, models.AlertStatusRateLimited, models.AlertStatusRateLimited,
	}, audit.statuses())

	rateLimited := audit.entries[5]
	assert.Nil(t, rateLimited.SentAt)
	assert.Empty(t, rateLimited.Error)
}

func TestDispatchSendFailureAudit(t *testing.T) {
	audit := &recordingAudit{}
	ch := &fakeChannel{err: errors.New("connection refused")}
	disp := NewDispatcher([]Channel{ch}, NewSlidingWindow(5, time.Minute), audit, 50, testLog())

	disp.Dispatch(context.Background(), flaggedRecord(70))

	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AlertStatusFailed, audit.entries[0].Status)
	assert.Equal(t, "connection refused", audit.entries[0].Error)
	assert.Nil(t, audit.entries[0].SentAt)
}

func TestDispatchAuditFailureDoesNotPanic(t *testing.T) {
	audit := &recordingAudit{err: errors.New("db down")}
	ch := &fakeChannel{}
	disp := NewDispatcher([]Channel{ch}, NewSlidingWindow(5, time.Minute), audit, 50, testLog())

	disp.Dispatch(context.Background(), flaggedRecord(95))
	assert.Len(t, ch.sent, 1, "alert still goes out when the audit write fails")
}

func TestDispatchMultipleChannels(t *testing.T) {
	audit := &recordingAudit{}
	slack := &fakeChannel{}
	webhook := &fakeChannel{err: errors.New("timeout")}
	disp := NewDispatcher([]Channel{slack, webhook}, NewSlidingWindow(10, time.Minute), audit, 50, testLog())

	disp.Dispatch(context.Background(), flaggedRecord(80))

	assert.Len(t, slack.sent, 1)
	assert.Equal(t, []string{models.AlertStatusSent, models.AlertStatusFailed}, audit.statuses())
}

func TestSlackChannelPayload(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, 5*time.Second, 150, "http://localhost:3000")
	rec := flaggedRecord(85)
	rec.Prompt = strings.Repeat("leak ", 50) // 250 bytes, forces truncation

	require.NoError(t, ch.Send(context.Background(), rec))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Contains(t, payload["text"], "Risk Score: 85")

	attachments := payload["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	attachment := attachments[0].(map[string]interface{})
	assert.Equal(t, "danger", attachment["color"])

	raw := string(body)
	assert.Contains(t, raw, "Credential Leak")
	assert.Contains(t, raw, rec.ID.String())
	assert.Contains(t, raw, "...")
	assert.Contains(t, raw, "http://localhost:3000/requests/"+rec.ID.String())
	assert.NotContains(t, raw, rec.Prompt, "full prompt must not leave the service")
}

func TestSlackChannelNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, 5*time.Second, 150, "http://localhost:3000")
	err := ch.Send(context.Background(), flaggedRecord(85))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestWebhookChannel(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, 5*time.Second)
	rec := flaggedRecord(65)
	require.NoError(t, ch.Send(context.Background(), rec))

	assert.Equal(t, rec.ID.String(), payload["request_id"])
	assert.Equal(t, float64(65), payload["risk_score"])
	assert.Equal(t, "openai", payload["provider"])
}

func TestWebhookChannelServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, 5*time.Second)
	err := ch.Send(context.Background(), flaggedRecord(65))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestRiskDisplayTiers(t *testing.T) {
	for _, tc := range []struct {
		score int
		color string
	}{
		{100, "danger"},
		{80, "danger"},
		{79, "warning"},
		{60, "warning"},
		{59, "#ffcc00"},
		{40, "#ffcc00"},
		{39, "good"},
		{0, "good"},
	} {
		_, color := riskDisplay(tc.score)
		assert.Equal(t, tc.color, color, "score %d", tc.score)
	}
}
