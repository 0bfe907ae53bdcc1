// Package admin implements the internal read-only Admin/Health Surface of
// SPEC_FULL.md §4.L: recent logs/errors, aggregated metrics, cache
// statistics, and a manual DNS-verify trigger. It is grounded on the
// teacher's internal/admin/handler.go and health.go JSON response shapes
// (handlerDeps, checkResult), trimmed to this read-only surface — the
// teacher's HTML dashboard, Vite dev-mode asset pipeline, and markdown
// docs renderer have no home here since the admin console is an explicit
// external collaborator.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"wisp-edge/internal/cache"
	"wisp-edge/internal/dnsverify"
	"wisp-edge/internal/ingest"
	"wisp-edge/internal/metrics"
	"wisp-edge/internal/obslog"
)

// IngestHealth is the subset of ingest.Worker the health endpoint needs.
type IngestHealth interface {
	Health() ingest.Health
}

// Handlers groups every admin HTTP handler and its dependencies.
type Handlers struct {
	logs      *obslog.Store
	caches    *cache.Caches
	dnsVerify *dnsverify.Verifier
	ingest    IngestHealth
}

// NewHandlers constructs the admin handler set.
func NewHandlers(logs *obslog.Store, caches *cache.Caches, dnsVerify *dnsverify.Verifier, ingest IngestHealth) *Handlers {
	return &Handlers{logs: logs, caches: caches, dnsVerify: dnsVerify, ingest: ingest}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("admin: encoding response failed", "err", err)
	}
}

// --- GET /__internal__/observability/logs ---
// --- GET /__internal__/observability/errors ---

func (h *Handlers) queryEvents(w http.ResponseWriter, r *http.Request, levelFloor string) {
	q := r.URL.Query()
	f := obslog.Filter{
		Level:     q.Get("level"),
		Source:    q.Get("source"),
		EventType: q.Get("eventType"),
		Search:    q.Get("search"),
	}
	if f.Level == "" {
		f.Level = levelFloor
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}

	records, err := h.logs.Query(r.Context(), f)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "querying observability store"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

// Logs handles GET /__internal__/observability/logs.
func (h *Handlers) Logs(w http.ResponseWriter, r *http.Request) {
	h.queryEvents(w, r, "")
}

// Errors handles GET /__internal__/observability/errors.
func (h *Handlers) Errors(w http.ResponseWriter, r *http.Request) {
	h.queryEvents(w, r, "ERROR")
}

// --- GET /__internal__/observability/metrics ---

// Metrics handles GET /__internal__/observability/metrics by delegating
// straight to the Prometheus registry's exposition handler.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

// --- GET /__internal__/observability/cache ---

type cacheStatsResponse struct {
	Files     cache.Stats `json:"files"`
	Meta      cache.Stats `json:"meta"`
	Rewritten cache.Stats `json:"rewritten"`
}

// Cache handles GET /__internal__/observability/cache.
func (h *Handlers) Cache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cacheStatsResponse{
		Files:     h.caches.Files.Stats(),
		Meta:      h.caches.Meta.Stats(),
		Rewritten: h.caches.Rewritten.Stats(),
	})
}

// --- POST /__internal__/admin/verify-dns ---

// VerifyDNS handles POST /__internal__/admin/verify-dns, the manual
// reconciliation trigger named in spec.md §4.J/§4.L.
func (h *Handlers) VerifyDNS(w http.ResponseWriter, r *http.Request) {
	counters := h.dnsVerify.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, counters)
}

// --- GET /health ---

// Health handles GET /health: the aggregate ingestion/DNS-verifier status
// named in spec.md §4.M.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ingestHealth := h.ingest.Health()
	status := "ok"
	code := http.StatusOK
	if !ingestHealth.Healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	last := h.dnsVerify.Last()
	writeJSON(w, code, map[string]any{
		"status": status,
		"ingest": map[string]any{
			"connected":             ingestHealth.Connected,
			"time_since_last_event": ingestHealth.TimeSinceLastEvent.String(),
			"healthy":               ingestHealth.Healthy,
		},
		"dns_verify": last,
	})
}

// Mux builds the internal read-only mux described in spec.md §6.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /__internal__/observability/logs", h.Logs)
	mux.HandleFunc("GET /__internal__/observability/errors", h.Errors)
	mux.HandleFunc("GET /__internal__/observability/metrics", h.Metrics)
	mux.HandleFunc("GET /__internal__/observability/cache", h.Cache)
	mux.HandleFunc("POST /__internal__/admin/verify-dns", h.VerifyDNS)
	mux.HandleFunc("GET /health", h.Health)
	return mux
}
