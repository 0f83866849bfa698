package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/ratekeeper/internal/domain/taxrate"
	"github.com/Strob0t/ratekeeper/internal/middleware"
	"github.com/Strob0t/ratekeeper/internal/service"
)

// DefaultMaxBodyBytes caps request bodies when Handlers.MaxBodyBytes is unset.
const DefaultMaxBodyBytes = 1 << 20

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Resolver     *service.Resolver
	Audit        *slog.Logger
	MaxBodyBytes int64

	// Checks are run by the readiness probe, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

// refreshRequest is the body of POST /{kind}/refresh.
type refreshRequest struct {
	Scope string `json:"scope"`
}

// overrideRequest is the body of PUT /{kind}/override.
type overrideRequest struct {
	Scope   string          `json:"scope"`
	Payload json.RawMessage `json:"payload" validate:"required"`
	Notes   string          `json:"notes" validate:"max=500"`
}

// rollbackRequest is the body of POST /{kind}/rollback.
type rollbackRequest struct {
	Scope   string `json:"scope"`
	Version int    `json:"version" validate:"required,min=1"`
	Notes   string `json:"notes" validate:"max=500"`
}

// versionResponse is a stored version without its payload.
type versionResponse struct {
	Kind taxrate.Kind `json:"kind"`
	taxrate.VersionSummary
}

// historyResponse lists versions newest first.
type historyResponse struct {
	Kind     taxrate.Kind             `json:"kind"`
	Scope    string                   `json:"scope,omitempty"`
	Versions []taxrate.VersionSummary `json:"versions"`
}

func (h *Handlers) bodyLimit() int64 {
	if h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

func (h *Handlers) audit(r *http.Request, action string, attrs ...any) {
	if h.Audit == nil {
		return
	}
	base := []any{
		"action", action,
		"actor", middleware.ActorFromContext(r.Context()),
		"ip", middleware.ClientIP(r),
	}
	h.Audit.InfoContext(r.Context(), "admin action", append(base, attrs...)...)
}

// GetParameters handles GET /admin/tax-rates/{kind} and /{kind}/{scope}. It
// never fails for resolution reasons: the resolver falls back to defaults.
func (h *Handlers) GetParameters(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	scope := chi.URLParam(r, "scope")
	if !checkScope(w, kind, scope) {
		return
	}
	writeJSON(w, http.StatusOK, h.Resolver.Resolve(r.Context(), kind, scope))
}

// Refresh handles POST /admin/tax-rates/{kind}/refresh.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[refreshRequest](w, r, h.bodyLimit(), true)
	if !ok || !checkScope(w, kind, req.Scope) {
		return
	}

	res := h.Resolver.ForceRefresh(r.Context(), kind, req.Scope)
	h.audit(r, "refresh",
		"kind", kind, "scope", res.Scope, "version", res.Version, "source", res.Source)
	writeJSON(w, http.StatusOK, res)
}

// Override handles PUT /admin/tax-rates/{kind}/override.
func (h *Handlers) Override(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[overrideRequest](w, r, h.bodyLimit(), false)
	if !ok || !checkScope(w, kind, req.Scope) {
		return
	}

	v, err := h.Resolver.Override(r.Context(), service.OverrideRequest{
		Kind:      kind,
		Scope:     req.Scope,
		Payload:   req.Payload,
		CreatedBy: middleware.ActorFromContext(r.Context()),
		Notes:     req.Notes,
	})
	if err != nil {
		h.audit(r, "override_rejected", "kind", kind, "scope", req.Scope, "error", err.Error())
		writeDomainError(w, err, "parameter set not found")
		return
	}
	h.audit(r, "override",
		"kind", kind, "scope", v.Scope, "version", v.Version, "source", v.Source)
	writeJSON(w, http.StatusOK, versionResponse{Kind: v.Kind, VersionSummary: v.Summary()})
}

// Rollback handles POST /admin/tax-rates/{kind}/rollback.
func (h *Handlers) Rollback(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[rollbackRequest](w, r, h.bodyLimit(), false)
	if !ok || !checkScope(w, kind, req.Scope) {
		return
	}

	v, err := h.Resolver.Rollback(r.Context(), service.RollbackRequest{
		Kind:      kind,
		Scope:     req.Scope,
		Version:   req.Version,
		CreatedBy: middleware.ActorFromContext(r.Context()),
		Notes:     req.Notes,
	})
	if err != nil {
		writeDomainError(w, err, "version not found")
		return
	}
	h.audit(r, "rollback",
		"kind", kind, "scope", v.Scope, "version", v.Version, "source", v.Source,
		"restored_version", req.Version)
	writeJSON(w, http.StatusOK, versionResponse{Kind: v.Kind, VersionSummary: v.Summary()})
}

// History handles GET /admin/tax-rates/{kind}/history?scope=&limit=. Without
// a scope, a scoped kind lists versions of every scope.
func (h *Handlers) History(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	scope := q.Get("scope")
	if !checkScope(w, kind, scope) {
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	versions, err := h.Resolver.History(r.Context(), kind, scope, true, limit)
	if err != nil {
		writeDomainError(w, err, "no versions")
		return
	}
	resp := historyResponse{Kind: kind, Versions: versions}
	if scope != "" || !kind.Scoped() {
		resp.Scope = h.Resolver.NormalizeScope(kind, scope)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetVersion handles GET /admin/tax-rates/{kind}/history/{version}?scope=.
func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	kind, ok := pathKind(w, r)
	if !ok {
		return
	}
	scope := r.URL.Query().Get("scope")
	if !checkScope(w, kind, scope) {
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeError(w, http.StatusBadRequest, "version must be a positive integer")
		return
	}

	v, err := h.Resolver.Version(r.Context(), kind, scope, version)
	if err != nil {
		writeDomainError(w, err, "version not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. Every configured check must pass.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Checks))
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": checks})
}
