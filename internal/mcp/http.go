// ABOUTME: Streamable HTTP transport for the tool dispatch protocol.
// ABOUTME: Tracks sessions via Mcp-Session-Id; context comes from request headers.

package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nova-gateway/internal/auth"
	"github.com/2389/nova-gateway/internal/ratelimit"
	"github.com/2389/nova-gateway/internal/tenant"
)

// HeaderSessionID carries the session id assigned at initialize.
const HeaderSessionID = "Mcp-Session-Id"

// mcpSession tracks an active client session. A session exists only after a
// successful initialize, so presence implies the initialized state.
type mcpSession struct {
	id        string
	ownerKey  string // api key used at initialize; binds the session to its creator
	createdAt time.Time
}

// sessionStore manages active sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(ownerKey string) *mcpSession {
	sess := &mcpSession{
		id:        uuid.New().String(),
		ownerKey:  ownerKey,
		createdAt: time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// Server is the HTTP transport. Every request is authenticated with an API
// key and rate limited before it reaches the dispatcher.
type Server struct {
	dispatcher *Dispatcher
	apiKeys    *auth.APIKeyAuthenticator
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	sessions   *sessionStore
}

// NewServer creates the HTTP transport.
func NewServer(d *Dispatcher, apiKeys *auth.APIKeyAuthenticator, limiter *ratelimit.Limiter, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}
	if apiKeys == nil {
		return nil, errors.New("api key authenticator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: d,
		apiKeys:    apiKeys,
		limiter:    limiter,
		logger:     logger.With("component", "mcp-http"),
		sessions:   newSessionStore(),
	}, nil
}

// RegisterRoutes registers the protocol endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. The caller must present the same API
// key the session was created with.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing "+HeaderSessionID, http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if sess.ownerKey != r.Header.Get(auth.HeaderAPIKey) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get(auth.HeaderAPIKey)
	if err := s.apiKeys.Authenticate(r.Context(), apiKey); err != nil {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.send(w, newError(nil, JSONRPCParseError, "failed to read request body"))
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.send(w, newError(nil, JSONRPCInvalidRequest, "request body too large"))
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.send(w, newError(nil, JSONRPCParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != "2.0" {
		s.send(w, newError(req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version"))
		return
	}

	caller, err := tenant.FromHeaders(r.Header)
	if err != nil {
		s.send(w, newError(req.ID, JSONRPCInvalidRequest, "invalid context headers"))
		return
	}

	// Admission control before any dispatch; a rejected request has no
	// side effects.
	if s.limiter != nil {
		key := "api:" + apiKey
		if caller != nil {
			key = caller.RateLimitKey()
		}
		if !s.limiter.Admit(key) {
			s.send(w, newError(req.ID, CodeRateLimited, "rate limit exceeded"))
			return
		}
	}

	if req.IsNotification() {
		s.logger.Debug("accepted notification", "method", req.Method)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Sessions carry the initialized state: a request is initialized iff
	// it presents a live session id.
	sessionID := r.Header.Get(HeaderSessionID)
	_, initialized := s.sessions.get(sessionID)

	resp, nowInitialized := s.dispatcher.HandleRequest(r.Context(), initialized, caller, &req)
	if nowInitialized && !initialized {
		sess := s.sessions.create(apiKey)
		w.Header().Set(HeaderSessionID, sess.id)
		s.logger.Info("session created", "session_id", sess.id)
	}
	s.send(w, resp)
}

func (s *Server) send(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
