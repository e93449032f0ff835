// Package api exposes the payment pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/fluxwatch/internal/config"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/engine"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/ingest"
	"github.com/gyaneshwarpardhi/fluxwatch/internal/sink"
)

const (
	maxBatchSize     = 100
	maxBodyBytes     = 1 << 20
	defaultAlertPage = 50
	readyThreshold   = 0.8
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	loader *config.Loader // nil disables /v1/rules/reload
	recent *sink.Recorder // nil disables /v1/alerts
	stream http.Handler   // nil disables /v1/alerts/stream
	log    *slog.Logger
	mux    *http.ServeMux
}

// Deps are the optional collaborators of the API.
type Deps struct {
	Loader   *config.Loader
	Recorder *sink.Recorder
	Stream   http.Handler
	Logger   *slog.Logger
}

// New creates an HTTP handler and registers all routes.
func New(eng *engine.Engine, deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		eng:    eng,
		loader: deps.Loader,
		recent: deps.Recorder,
		stream: deps.Stream,
		log:    log,
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/payments", h.ingestPayment)
	h.mux.HandleFunc("POST /v1/payments/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/accounts/{id}/window", h.accountWindow)
	h.mux.HandleFunc("GET /v1/alerts", h.listAlerts)
	h.mux.HandleFunc("GET /v1/alerts/stream", h.streamAlerts)
	h.mux.HandleFunc("GET /v1/rules", h.listRules)
	h.mux.HandleFunc("POST /v1/rules/reload", h.reloadRules)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return requestID(loggingMiddleware(log, h.mux))
}

// POST /v1/payments: synchronous single-payment ingestion.
func (h *Handler) ingestPayment(w http.ResponseWriter, r *http.Request) {
	var p ingest.Payment
	if err := decodeBody(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.eng.IngestSync(r.Context(), p)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// POST /v1/payments/batch: async batch ingestion (up to 100 payments).
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var payments []ingest.Payment
	if err := decodeBody(w, r, &payments); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(payments) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one payment")
		return
	}
	if len(payments) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(payments), maxBatchSize))
		return
	}

	queued, full := 0, 0
	rejected := []batchRejection{}
	for i, p := range payments {
		err := h.eng.IngestAsync(p)
		if err == nil {
			queued++
			continue
		}
		if errors.Is(err, engine.ErrQueueFull) {
			full++
		}
		rejected = append(rejected, batchRejection{Index: i, Error: err.Error()})
	}

	status := http.StatusAccepted
	if queued == 0 && full > 0 {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, map[string]interface{}{
		"job_id":   uuid.NewString(),
		"total":    len(payments),
		"queued":   queued,
		"rejected": rejected,
	})
}

// GET /v1/accounts/{id}/window: current aggregate for one account.
func (h *Handler) accountWindow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	win, ok := h.eng.Window(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no payments seen for account %q", id))
		return
	}
	d := h.eng.WindowDuration()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":      win.AccountID,
		"window_start":    win.WindowEndTime.Add(-d),
		"window_end":      win.WindowEndTime,
		"window_duration": d.String(),
		"inbound_total":   win.InboundTotal,
		"outbound_total":  win.OutboundTotal,
		"net_change":      win.NetChange,
		"event_count":     win.EventCount,
	})
}

// GET /v1/alerts?limit=N: most recent alerts, newest first.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.recent == nil {
		writeError(w, http.StatusNotFound, "alert history is disabled")
		return
	}
	limit := defaultAlertPage
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s))
			return
		}
		limit = n
	}
	alerts := h.recent.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(alerts),
		"total":  h.recent.Total(),
		"alerts": alerts,
	})
}

// GET /v1/alerts/stream: WebSocket alert feed.
func (h *Handler) streamAlerts(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusNotFound, "alert stream is disabled")
		return
	}
	h.stream.ServeHTTP(w, r)
}

type ruleView struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
}

// GET /v1/rules: list active supplementary rules.
func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	active := h.eng.Rules().Rules()
	views := make([]ruleView, 0, len(active))
	for _, rule := range active {
		views = append(views, ruleView{ID: rule.ID, Description: rule.Description, Expression: rule.Expression})
	}
	resp := map[string]interface{}{
		"builtin": config.BuiltinRuleID,
		"rules":   views,
	}
	if h.loader != nil {
		resp["version"] = h.loader.Config().Version
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /v1/rules/reload: hot-reload rules from disk. Subscribers bound
// with engine.BindRules compile and swap the rules during Reload.
func (h *Handler) reloadRules(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotFound, "no config file to reload")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, config.ErrRejected) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded":    true,
		"version":     cfg.Version,
		"rules_count": h.eng.Rules().Len(),
	})
}

// GET /healthz: always 200 (liveness).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if any ingestion lane is more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	lane := h.eng.MaxLaneUtilization()
	if lane > readyThreshold {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":               "overloaded",
			"queue_utilization":    util,
			"max_lane_utilization": lane,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "ready",
		"queue_utilization":    util,
		"max_lane_utilization": lane,
		"accounts":             h.eng.Accounts(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %s", err)
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
