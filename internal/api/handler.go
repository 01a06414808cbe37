package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// WorkerStats is implemented by *worker.Worker.
type WorkerStats interface {
	GetStats() worker.Stats
}

// Handler holds dependencies for API handlers.
type Handler struct {
	detector *detector.Detector
	cache    domain.Cache
	bus      domain.EventBus
	workers  WorkerStats
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(det *detector.Detector, cache domain.Cache, bus domain.EventBus, workers WorkerStats, version string) *Handler {
	return &Handler{
		detector: det,
		cache:    cache,
		bus:      bus,
		workers:  workers,
		version:  version,
	}
}

// StatsResponse is the response for GET /stats.
type StatsResponse struct {
	Detector detector.Stats `json:"detector"`
	Worker   *worker.Stats  `json:"worker,omitempty"`
}

// Health returns server health status. A failing cache degrades it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			slog.Warn("cache health check failed", "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the cache and event bus are reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			checks["cache"] = err.Error()
			ready = false
		}
	}
	if h.bus != nil {
		checks["bus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			checks["bus"] = err.Error()
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}

// Stats returns detector counters and, when running, worker counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Detector: h.detector.Stats()}
	if h.workers != nil {
		ws := h.workers.GetStats()
		resp.Worker = &ws
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRules returns the registered rules in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.detector.Rules()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":           rules,
		"count":           len(rules),
		"globalThreshold": h.detector.GlobalThreshold(),
	})
}

// GetRule returns a single rule by name.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rule, ok := h.detector.Registry().Rule(name)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// GetVelocity summarizes a user's recent activity. The span defaults to
// one hour and may be set with ?window=30m.
func (h *Handler) GetVelocity(w http.ResponseWriter, r *http.Request) {
	span := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		span = d
	}
	writeJSON(w, http.StatusOK, h.detector.VelocityStats(chi.URLParam(r, "id"), span))
}

// GetUserDevices lists the devices seen for a user.
func (h *Handler) GetUserDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.detector.UserDevices(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDevice returns a device fingerprint.
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	fp, err := h.detector.DeviceFingerprint(chi.URLParam(r, "id"))
	writeLookup(w, fp, err)
}

// GetMerchant returns a merchant profile.
func (h *Handler) GetMerchant(w http.ResponseWriter, r *http.Request) {
	p, err := h.detector.MerchantProfile(chi.URLParam(r, "id"))
	writeLookup(w, p, err)
}

// GetIP returns the profile for a network address.
func (h *Handler) GetIP(w http.ResponseWriter, r *http.Request) {
	p, err := h.detector.IPProfile(chi.URLParam(r, "ip"))
	writeLookup(w, p, err)
}

func writeLookup(w http.ResponseWriter, v interface{}, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		slog.Error("lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
