// ABOUTME: Line-delimited stdio transport for local JSON-RPC clients.
// ABOUTME: Caller context comes from context_type/context_id fields inside params.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/nova-gateway/internal/ratelimit"
	"github.com/2389/nova-gateway/internal/tenant"
)

// StdioServer serves one connection's worth of line-delimited JSON-RPC.
// The initialized flag is connection scoped.
type StdioServer struct {
	dispatcher *Dispatcher
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
}

// NewStdioServer creates the stdio transport.
func NewStdioServer(d *Dispatcher, limiter *ratelimit.Limiter, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{
		dispatcher: d,
		limiter:    limiter,
		logger:     logger.With("component", "mcp-stdio"),
	}
}

// contextEnvelope is the slice of params the transport itself reads. The
// full params document still goes to the dispatcher untouched.
type contextEnvelope struct {
	ContextType *string `json:"context_type,omitempty"`
	ContextID   *string `json:"context_id,omitempty"`
}

// Serve reads requests from r line by line and writes responses to w until
// EOF or context cancellation. Malformed lines produce parse errors but do
// not terminate the connection.
func (s *StdioServer) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxRequestBodySize)

	// Requests without context fields (initialize, ping, floods of
	// garbage) still consume rate budget, keyed per connection.
	connKey := "conn:" + uuid.New().String()

	var writeMu sync.Mutex
	write := func(resp *JSONRPCResponse) {
		if resp == nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Warn("failed to write response", "error", err)
		}
	}

	initialized := false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			write(newError(nil, JSONRPCParseError, "invalid JSON"))
			continue
		}
		if req.JSONRPC != "2.0" {
			write(newError(req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version"))
			continue
		}

		caller, err := s.extractContext(req.Params)
		if err != nil {
			write(newError(req.ID, JSONRPCInvalidRequest, "invalid context fields"))
			continue
		}

		rateKey := connKey
		if caller != nil {
			rateKey = caller.RateLimitKey()
		}
		if s.limiter != nil && !s.limiter.Admit(rateKey) {
			write(newError(req.ID, CodeRateLimited, "rate limit exceeded"))
			continue
		}

		var resp *JSONRPCResponse
		resp, initialized = s.dispatcher.HandleRequest(ctx, initialized, caller, &req)
		write(resp)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

func (s *StdioServer) extractContext(params json.RawMessage) (*tenant.Context, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var env contextEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		// Params that are not an object carry no context.
		return nil, nil
	}
	return tenant.FromPayload(env.ContextType, env.ContextID)
}
