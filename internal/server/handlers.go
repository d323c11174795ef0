package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bluewave-labs/flagwise/internal/consumer"
	"github.com/bluewave-labs/flagwise/internal/crypto"
	"github.com/bluewave-labs/flagwise/internal/detect"
	"github.com/bluewave-labs/flagwise/internal/dlq"
	"github.com/bluewave-labs/flagwise/internal/logging"
	"github.com/bluewave-labs/flagwise/internal/rules"
)

// Store is the slice of the repository the ops endpoints need.
type Store interface {
	Ping(ctx context.Context) error
	RecordCount(ctx context.Context) (int64, error)
}

// Conn reports event log connectivity.
type Conn interface {
	IsConnected() bool
}

// Handler serves the operational endpoints of the consumer: liveness,
// readiness, metrics, a stats snapshot and a rule refresh hook.
type Handler struct {
	store      Store
	conn       Conn
	consumer   *consumer.Consumer
	engine     *detect.Engine
	cache      *rules.Cache
	crypto     *crypto.Service
	deadletter *dlq.Queue
	log        *logging.Logger
	started    time.Time
}

// NewHandler wires the ops endpoints to the running pipeline components.
func NewHandler(store Store, conn Conn, c *consumer.Consumer, engine *detect.Engine, cache *rules.Cache, cryptoSvc *crypto.Service, deadletter *dlq.Queue, log *logging.Logger) *Handler {
	return &Handler{
		store:      store,
		conn:       conn,
		consumer:   c,
		engine:     engine,
		cache:      cache,
		crypto:     cryptoSvc,
		deadletter: deadletter,
		log:        log.Component("server"),
		started:    time.Now(),
	}
}

// Health handles GET /healthz for liveness probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz: the consumer is ready when both the database
// and the event log are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}

	checks := map[string]string{
		"database":  "ok",
		"event_log": "ok",
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if !h.conn.IsConnected() {
		checks["event_log"] = "disconnected"
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, checks)
}

// Stats handles GET /stats: a JSON snapshot of pipeline progress, detection
// counters, rule cache state and encryption posture.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	var stored int64
	if count, err := h.store.RecordCount(ctx); err != nil {
		h.log.Error("failed to count stored records", "error", err)
		stored = -1
	} else {
		stored = count
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"consumer":       h.consumer.Stats(),
		"detection":      h.engine.Stats(),
		"rules": map[string]interface{}{
			"active":      h.cache.Len(),
			"age_seconds": h.cache.Age().Seconds(),
		},
		"encryption":     h.crypto.Status(),
		"stored_records": stored,
		"dead_letters":   h.deadletter.Written(),
	})
}

// RefreshRules handles POST /admin/rules/refresh: force a synchronous rule
// reload instead of waiting out the cache TTL.
func (h *Handler) RefreshRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodPost)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.cache.ForceRefresh(ctx); err != nil {
		h.writeError(w, http.StatusBadGateway, "refresh_failed", err.Error())
		return
	}

	h.log.Info("detection rules refreshed on demand", "active", h.cache.Len())
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "refreshed",
		"active_rules": h.cache.Len(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method is not allowed")
}
