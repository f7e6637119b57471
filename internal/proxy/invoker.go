// ABOUTME: Invocation proxy that forwards tool calls to external HTTPS endpoints.
// ABOUTME: Injects the caller's context server-side and maps transport failures to sentinels.

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/2389/nova-gateway/internal/tenant"
)

// Invocation failure sentinels. Each maps one class of upstream misbehavior
// so callers can translate them to protocol errors without string matching.
var (
	ErrTimeout     = errors.New("upstream timeout")
	ErrUnreachable = errors.New("upstream unreachable")
	ErrUpstream    = errors.New("upstream error")
	ErrBadPayload  = errors.New("upstream returned invalid payload")
	ErrBadEndpoint = errors.New("invalid endpoint")
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20 // 1 MiB
)

// Invoker posts tool invocations to externally hosted endpoints. The
// caller's context is injected into the outbound payload here and only
// here; context-looking fields inside the arguments are never trusted.
type Invoker struct {
	client        *http.Client
	timeout       time.Duration
	allowInsecure bool
	logger        *slog.Logger
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithTimeout overrides the per-invocation deadline.
func WithTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithHTTPClient substitutes the transport, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Invoker) { i.client = c }
}

// WithAllowInsecure permits plain-HTTP endpoints. Off by default; intended
// for local development only.
func WithAllowInsecure(allow bool) Option {
	return func(i *Invoker) { i.allowInsecure = allow }
}

// NewInvoker creates an invocation proxy.
func NewInvoker(logger *slog.Logger, opts ...Option) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	inv := &Invoker{
		client:  &http.Client{},
		timeout: defaultTimeout,
		logger:  logger.With("component", "proxy"),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// payload is the wire shape sent to tool endpoints.
type payload struct {
	ContextType string          `json:"context_type"`
	ContextID   string          `json:"context_id"`
	Arguments   json.RawMessage `json:"arguments"`
}

// Invoke posts the arguments to the endpoint on behalf of the caller and
// returns the upstream JSON body. The context deadline is the configured
// timeout or the inbound deadline, whichever is sooner.
func (i *Invoker) Invoke(ctx context.Context, endpoint string, caller tenant.Context, args json.RawMessage) (json.RawMessage, error) {
	if err := i.checkEndpoint(endpoint); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(payload{
		ContextType: string(caller.Type),
		ContextID:   strconv.FormatInt(caller.ID, 10),
		Arguments:   args,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling invocation payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			i.logger.Warn("tool invocation timed out", "endpoint", endpoint, "elapsed", time.Since(start))
			return nil, ErrTimeout
		}
		i.logger.Warn("tool endpoint unreachable", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}
	if len(raw) > maxResponseSize {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrBadPayload, maxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		i.logger.Warn("tool endpoint returned error status",
			"endpoint", endpoint,
			"status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrBadPayload)
	}

	i.logger.Debug("tool invocation succeeded",
		"endpoint", endpoint,
		"elapsed", time.Since(start))
	return json.RawMessage(raw), nil
}

func (i *Invoker) checkEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !i.allowInsecure {
			return fmt.Errorf("%w: plain http endpoints are not allowed", ErrBadEndpoint)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrBadEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrBadEndpoint)
	}
	return nil
}
