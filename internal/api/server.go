// ABOUTME: Management HTTP surface for tool registration, listing and enablement.
// ABOUTME: JSON request/response handlers with sentinel-to-status error mapping.

package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/nova-gateway/internal/auth"
	"github.com/2389/nova-gateway/internal/ratelimit"
	"github.com/2389/nova-gateway/internal/registry"
	"github.com/2389/nova-gateway/internal/schema"
	"github.com/2389/nova-gateway/internal/store"
	"github.com/2389/nova-gateway/internal/tenant"
)

// Server exposes the management endpoints used by dashboards and scripts.
type Server struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	db       *sql.DB // readiness probe only
	logger   *slog.Logger
}

// NewServer creates the management surface.
func NewServer(reg *registry.Registry, limiter *ratelimit.Limiter, db *sql.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: reg,
		limiter:  limiter,
		db:       db,
		logger:   logger.With("component", "api"),
	}
}

// RegisterRoutes registers the management endpoints. The auth middleware
// wraps /api routes only; health probes stay open.
func (s *Server) RegisterRoutes(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	api := http.NewServeMux()
	api.HandleFunc("/api/tools", s.handleTools)
	api.HandleFunc("/api/tools/", s.handleToolByID)
	api.HandleFunc("/api/tools/enable", s.handleEnable)

	mux.Handle("/api/", authn(api))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
}

// toolResponse is the wire form of a version record.
type toolResponse struct {
	PluginID    string          `json:"plugin_id"`
	FQN         string          `json:"fqn"`
	BaseName    string          `json:"base_name"`
	Version     int             `json:"version"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Endpoint    string          `json:"endpoint,omitempty"`
}

func toToolResponse(p *store.Plugin) toolResponse {
	return toolResponse{
		PluginID:    p.PluginID,
		FQN:         registry.FQNFor(p).String(),
		BaseName:    p.BaseName,
		Version:     p.Version,
		Description: p.Description,
		InputSchema: p.InputSchema,
		Endpoint:    p.Endpoint,
	}
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegister(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleToolByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/tools/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		s.handleUpdate(w, r, id)
	case http.MethodDelete:
		s.handleUnregister(w, r, id)
	default:
		w.Header().Set("Allow", "PUT, DELETE")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type registerPayload struct {
	BaseName     string          `json:"base_name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Endpoint     string          `json:"endpoint"`
	OwnerAccount string          `json:"owner_account_id,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireContext(w, r)
	if !ok {
		return
	}
	if !s.admit(w, caller) {
		return
	}

	var payload registerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.registry.Register(r.Context(), *caller, registry.RegisterRequest{
		BaseName:       payload.BaseName,
		Description:    payload.Description,
		InputSchema:    payload.InputSchema,
		OutputSchema:   payload.OutputSchema,
		Endpoint:       payload.Endpoint,
		OwnerAccountID: payload.OwnerAccount,
	})
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, toToolResponse(p))
}

type updatePayload struct {
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := s.requireContext(w, r)
	if !ok {
		return
	}
	if !s.admit(w, caller) {
		return
	}

	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	p, err := s.registry.Update(r.Context(), *caller, id, registry.UpdateRequest{
		Description:  payload.Description,
		InputSchema:  payload.InputSchema,
		OutputSchema: payload.OutputSchema,
		Endpoint:     payload.Endpoint,
	})
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toToolResponse(p))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.requireContext(w, r)
	if !ok {
		return
	}

	plugins, err := s.registry.ListForContext(r.Context(), *caller)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	out := make([]toolResponse, len(plugins))
	for i, p := range plugins {
		out[i] = toToolResponse(p)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

type enablePayload struct {
	PluginID    string  `json:"plugin_id"`
	Version     int     `json:"version,omitempty"` // 0 targets the lineage default
	Enabled     bool    `json:"enabled"`
	SubjectType *string `json:"subject_context_type,omitempty"`
	SubjectID   *string `json:"subject_context_id,omitempty"`
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	caller, ok := s.requireContext(w, r)
	if !ok {
		return
	}
	if !s.admit(w, caller) {
		return
	}

	var payload enablePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.PluginID == "" {
		s.writeError(w, http.StatusBadRequest, "plugin_id is required")
		return
	}

	// Default subject is the caller itself; naming another subject
	// requires an admin token.
	subject := *caller
	if payload.SubjectType != nil || payload.SubjectID != nil {
		sub, err := tenant.FromPayload(payload.SubjectType, payload.SubjectID)
		if err != nil || sub == nil {
			s.writeError(w, http.StatusBadRequest, "invalid subject context")
			return
		}
		subject = *sub
	}

	ac := auth.FromContext(r.Context())
	admin := ac != nil && ac.Admin
	addedBy := ""
	if ac != nil {
		addedBy = ac.Subject
	}

	err := s.registry.SetEnablement(r.Context(), *caller, subject, payload.PluginID, payload.Version, payload.Enabled, admin, addedBy)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"plugin_id": payload.PluginID,
		"version":   payload.Version,
		"enabled":   payload.Enabled,
	})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request, id string) {
	caller, ok := s.requireContext(w, r)
	if !ok {
		return
	}
	if !s.admit(w, caller) {
		return
	}

	ac := auth.FromContext(r.Context())
	admin := ac != nil && ac.Admin

	if err := s.registry.Unregister(r.Context(), *caller, id, admin); err != nil {
		s.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requireContext extracts and validates the caller context headers.
func (s *Server) requireContext(w http.ResponseWriter, r *http.Request) (*tenant.Context, bool) {
	caller, err := tenant.FromHeaders(r.Header)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid context headers")
		return nil, false
	}
	if caller == nil {
		s.writeError(w, http.StatusBadRequest, "context headers are required")
		return nil, false
	}
	return caller, true
}

// admit runs the rate-limit gate before any mutation.
func (s *Server) admit(w http.ResponseWriter, caller *tenant.Context) bool {
	if s.limiter == nil {
		return true
	}
	if !s.limiter.Admit(caller.RateLimitKey()) {
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrMalformedName),
		errors.Is(err, registry.ErrInvalidEndpoint),
		errors.Is(err, schema.ErrInvalidSchema):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		s.writeError(w, http.StatusConflict, "already exists")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
