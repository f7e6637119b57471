// ABOUTME: Built-in tool support for tools that execute in-process.
// ABOUTME: Allows gateway-embedded tools to coexist with registered external tools.

package builtins

import (
	"context"
	"encoding/json"

	"github.com/2389/nova-gateway/internal/tenant"
)

// ToolHandler is a function that executes a built-in tool.
// It receives the calling context and the tool arguments as JSON.
// Returns the result as JSON or an error.
type ToolHandler func(ctx context.Context, caller tenant.Context, args json.RawMessage) (json.RawMessage, error)

// Descriptor is the protocol-visible shape of a built-in tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// BuiltinTool represents a tool that executes in the gateway process.
type BuiltinTool struct {
	Descriptor Descriptor
	Handler    ToolHandler
}

// Pack is an ordered collection of built-in tools. Ordering is fixed so
// tools/list output is deterministic.
type Pack struct {
	tools []*BuiltinTool
	index map[string]*BuiltinTool
}

// NewPack creates a pack from the given tools.
func NewPack(tools ...*BuiltinTool) *Pack {
	p := &Pack{
		tools: tools,
		index: make(map[string]*BuiltinTool, len(tools)),
	}
	for _, t := range tools {
		p.index[t.Descriptor.Name] = t
	}
	return p
}

// Descriptors returns the tool descriptors in registration order.
func (p *Pack) Descriptors() []Descriptor {
	out := make([]Descriptor, len(p.tools))
	for i, t := range p.tools {
		out[i] = t.Descriptor
	}
	return out
}

// Lookup returns the tool with the given literal name, nil if none.
func (p *Pack) Lookup(name string) *BuiltinTool {
	return p.index[name]
}
