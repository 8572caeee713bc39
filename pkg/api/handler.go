// Package api implements the HTTP admin surface of the key manager.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/abdhe/llm-key-manager/pkg/keymanager"
	"github.com/abdhe/llm-key-manager/pkg/redact"
)

// Manager is the part of keymanager.Manager the admin surface needs.
type Manager interface {
	Snapshot() keymanager.Snapshot
	ResetFailureCounts()
}

// Handler serves /status, /usage, /reset, /healthz and /metrics.
type Handler struct {
	mgr    Manager
	logger *zap.Logger
	mux    *http.ServeMux
}

// Config holds the handler configuration.
type Config struct {
	Manager Manager
	Logger  *zap.Logger

	// Metrics serves /metrics. Nil uses the default prometheus registry.
	Metrics http.Handler
}

// NewHandler creates the admin handler. Every response carries an
// X-Request-ID header.
func NewHandler(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}

	h := &Handler{
		mgr:    cfg.Manager,
		logger: cfg.Logger.Named("api"),
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /status", h.status)
	h.mux.HandleFunc("GET /usage", h.usage)
	h.mux.HandleFunc("POST /reset", h.reset)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.Handle("GET /metrics", cfg.Metrics)

	return requestID(logRequest(h.logger, h.mux))
}

type poolView struct {
	Usable    map[string]int `json:"usable"`
	Exhausted map[string]int `json:"exhausted"`
	Depleted  bool           `json:"depleted"`
}

type statusResponse struct {
	Free            poolView  `json:"free"`
	Paid            *poolView `json:"paid,omitempty"`
	AffinityEntries int       `json:"affinity_entries"`
	MaxFailures     int       `json:"max_failures"`
	TakenAt         time.Time `json:"taken_at"`
}

type usageResponse struct {
	Usage map[string]int64 `json:"usage"`
	Total int64            `json:"total"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	snap := h.mgr.Snapshot()

	resp := statusResponse{
		Free: poolView{
			Usable:    redact.MaskCounts(snap.Free.Usable),
			Exhausted: redact.MaskCounts(snap.Free.Exhausted),
			Depleted:  snap.FreeExhausted,
		},
		AffinityEntries: snap.AffinityEntries,
		MaxFailures:     snap.MaxFailures,
		TakenAt:         snap.TakenAt.UTC(),
	}
	if len(snap.Paid.Usable)+len(snap.Paid.Exhausted) > 0 {
		resp.Paid = &poolView{
			Usable:    redact.MaskCounts(snap.Paid.Usable),
			Exhausted: redact.MaskCounts(snap.Paid.Exhausted),
			Depleted:  snap.PaidExhausted,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) usage(w http.ResponseWriter, r *http.Request) {
	raw := h.mgr.Snapshot().PaidUsage

	var total int64
	for _, n := range raw {
		total += n
	}
	h.writeJSON(w, http.StatusOK, usageResponse{Usage: redact.MaskCounts(raw), Total: total})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	h.mgr.ResetFailureCounts()
	h.logger.Info("failure counts reset via admin api",
		zap.String("request_id", RequestIDFrom(r.Context())),
		zap.String("remote", r.RemoteAddr),
	)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response failed", zap.Error(err))
	}
}
