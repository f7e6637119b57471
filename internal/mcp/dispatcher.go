// ABOUTME: Transport-agnostic JSON-RPC method state machine for tool dispatch.
// ABOUTME: Routes tools/call to built-in handlers or registry lookup + proxy invocation.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/2389/nova-gateway/internal/builtins"
	"github.com/2389/nova-gateway/internal/proxy"
	"github.com/2389/nova-gateway/internal/registry"
	"github.com/2389/nova-gateway/internal/schema"
	"github.com/2389/nova-gateway/internal/store"
	"github.com/2389/nova-gateway/internal/tenant"
)

// ServerInfo identifies the gateway in initialize responses.
var ServerInfo = map[string]any{
	"name":    "nova-gateway",
	"version": "1.0.0",
}

// Dispatcher implements the protocol method set over the registry, the
// built-in pack and the invocation proxy. Connection state (initialized or
// not) belongs to the transports; the dispatcher is stateless.
type Dispatcher struct {
	registry *registry.Registry
	builtins *builtins.Pack
	invoker  *proxy.Invoker
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. The builtin pack may be nil.
func NewDispatcher(reg *registry.Registry, pack *builtins.Pack, invoker *proxy.Invoker, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		builtins: pack,
		invoker:  invoker,
		logger:   logger.With("component", "dispatcher"),
	}
}

// HandleRequest runs one request through the strict state machine.
// Returns the response (nil for notifications) and whether the connection
// is initialized after this request. Methods other than initialize are
// rejected with CodeNotInitialized until an initialize has succeeded.
func (d *Dispatcher) HandleRequest(ctx context.Context, initialized bool, caller *tenant.Context, req *JSONRPCRequest) (*JSONRPCResponse, bool) {
	// Notifications are accepted and discarded.
	if req.IsNotification() {
		d.logger.Debug("accepted notification", "method", req.Method)
		return nil, initialized
	}

	if req.Method == "initialize" {
		// Idempotent: re-initializing an initialized connection just
		// re-confirms state.
		return newResult(req.ID, d.InitializeResult()), true
	}

	if !initialized {
		return newError(req.ID, CodeNotInitialized, "server not initialized"), false
	}

	switch req.Method {
	case "ping":
		return newResult(req.ID, map[string]any{}), true
	case "tools/list":
		if caller == nil {
			return newError(req.ID, JSONRPCInvalidRequest, "missing caller context"), true
		}
		result, rpcErr := d.ToolsList(ctx, *caller)
		if rpcErr != nil {
			return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}, true
		}
		return newResult(req.ID, result), true
	case "tools/call":
		if caller == nil {
			return newError(req.ID, JSONRPCInvalidRequest, "missing caller context"), true
		}
		var params MCPCallToolParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return newError(req.ID, JSONRPCInvalidParams, "invalid params"), true
			}
		}
		result, rpcErr := d.ToolsCall(ctx, *caller, params)
		if rpcErr != nil {
			return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}, true
		}
		return newResult(req.ID, result), true
	default:
		return newError(req.ID, JSONRPCMethodNotFound, "method not found"), true
	}
}

// InitializeResult builds the initialize response payload.
func (d *Dispatcher) InitializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": ServerInfo,
	}
}

// ToolsList returns the built-in descriptors followed by the registry
// descriptors visible to the caller, the latter sorted by ascending FQN.
func (d *Dispatcher) ToolsList(ctx context.Context, caller tenant.Context) (*MCPListToolsResult, *JSONRPCError) {
	result := &MCPListToolsResult{Tools: []MCPToolInfo{}}

	if d.builtins != nil {
		for _, desc := range d.builtins.Descriptors() {
			result.Tools = append(result.Tools, MCPToolInfo{
				Name:        desc.Name,
				Description: desc.Description,
				InputSchema: desc.InputSchema,
			})
		}
	}

	plugins, err := d.registry.ListForContext(ctx, caller)
	if err != nil {
		d.logger.Error("listing tools failed", "caller", caller.String(), "error", err)
		return nil, &JSONRPCError{Code: JSONRPCInternalError, Message: "internal error"}
	}
	for _, p := range plugins {
		result.Tools = append(result.Tools, MCPToolInfo{
			Name:        registry.FQNFor(p).String(),
			Description: p.Description,
			InputSchema: p.InputSchema,
		})
	}

	d.logger.Debug("tools/list", "caller", caller.String(), "count", len(result.Tools))
	return result, nil
}

// ToolsCall resolves and invokes one tool on behalf of the caller.
func (d *Dispatcher) ToolsCall(ctx context.Context, caller tenant.Context, params MCPCallToolParams) (*MCPCallToolResult, *JSONRPCError) {
	if params.Name == "" {
		return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "tool name is required"}
	}

	requestID := uuid.New().String()

	// Built-in literals dispatch directly; no context ownership check applies.
	if d.builtins != nil {
		if tool := d.builtins.Lookup(params.Name); tool != nil {
			raw, err := tool.Handler(ctx, caller, params.Arguments)
			if err != nil {
				d.logger.Warn("builtin tool failed",
					"tool_name", params.Name,
					"request_id", requestID,
					"error", err)
				return nil, &JSONRPCError{Code: CodeToolFailed, Message: "tool execution failed"}
			}
			return &MCPCallToolResult{
				Content: []MCPContent{{Type: "text", Text: string(raw)}},
			}, nil
		}
	}

	p, err := d.registry.Resolve(ctx, params.Name)
	switch {
	case errors.Is(err, registry.ErrMalformedName):
		return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "malformed tool name"}
	case errors.Is(err, store.ErrNotFound):
		return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "tool not found"}
	case err != nil:
		d.logger.Error("tool resolution failed", "tool_name", params.Name, "error", err)
		return nil, &JSONRPCError{Code: JSONRPCInternalError, Message: "internal error"}
	}

	if err := d.registry.CheckInvocation(ctx, caller, p); err != nil {
		if errors.Is(err, registry.ErrForbidden) {
			d.logger.Warn("tool invocation forbidden",
				"tool_name", params.Name,
				"caller", caller.String(),
				"request_id", requestID)
			return nil, &JSONRPCError{Code: CodeForbidden, Message: "forbidden"}
		}
		d.logger.Error("enablement check failed", "tool_name", params.Name, "error", err)
		return nil, &JSONRPCError{Code: JSONRPCInternalError, Message: "internal error"}
	}

	if err := d.registry.ValidateArguments(p, params.Arguments); err != nil {
		if errors.Is(err, schema.ErrViolation) {
			return nil, &JSONRPCError{Code: JSONRPCInvalidParams, Message: "arguments do not match the tool's input schema"}
		}
		d.logger.Error("argument validation failed", "tool_name", params.Name, "error", err)
		return nil, &JSONRPCError{Code: JSONRPCInternalError, Message: "internal error"}
	}

	d.logger.Debug("tools/call",
		"tool_name", params.Name,
		"caller", caller.String(),
		"request_id", requestID)

	raw, err := d.invoker.Invoke(ctx, p.Endpoint, caller, params.Arguments)
	if err != nil {
		return nil, d.invokeError(params.Name, requestID, err)
	}

	// An output schema violation is the upstream's fault, never the
	// caller's; detail stays in the logs.
	if err := d.registry.ValidateResult(p, raw); err != nil {
		d.logger.Warn("tool returned schema-violating result",
			"tool_name", params.Name,
			"request_id", requestID,
			"error", err)
		return nil, &JSONRPCError{Code: CodeToolFailed, Message: "tool returned an invalid result"}
	}

	return &MCPCallToolResult{
		Content: []MCPContent{{Type: "text", Text: string(raw)}},
	}, nil
}

func (d *Dispatcher) invokeError(toolName, requestID string, err error) *JSONRPCError {
	d.logger.Warn("tool invocation failed",
		"tool_name", toolName,
		"request_id", requestID,
		"error", err)

	message := "tool execution failed"
	switch {
	case errors.Is(err, proxy.ErrTimeout):
		message = "tool execution timed out"
	case errors.Is(err, proxy.ErrUnreachable):
		message = "tool endpoint unreachable"
	case errors.Is(err, proxy.ErrUpstream):
		message = "tool endpoint returned an error"
	case errors.Is(err, proxy.ErrBadPayload):
		message = "tool returned an invalid response"
	case errors.Is(err, proxy.ErrBadEndpoint):
		message = "tool endpoint is not allowed"
	}
	return &JSONRPCError{Code: CodeToolFailed, Message: message}
}
