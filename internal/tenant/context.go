// ABOUTME: Tenant context types and parsing for user/group identity resolution.
// ABOUTME: Validates the sign convention: user ids positive, group ids negative.

package tenant

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Context resolution errors
var (
	ErrInvalidContext = errors.New("invalid context")
	ErrMissingContext = errors.New("context required")
)

// Header names used to carry tenant identity on networked transports.
const (
	HeaderContextType = "X-Nova-Context-Type"
	HeaderContextID   = "X-Nova-Context-Id"
)

// ContextType identifies the kind of tenant a request acts on behalf of.
type ContextType string

const (
	ContextTypeUser  ContextType = "user"
	ContextTypeGroup ContextType = "group"
)

// Context identifies the tenant (individual user or group) on whose behalf
// a request is made. Contexts are value objects and are never mutated.
type Context struct {
	Type ContextType
	ID   int64
}

// Parse validates a raw type/id pair and returns a Context.
// The type is matched case-insensitively; the id must be a non-zero integer
// whose sign matches the type convention (user > 0, group < 0).
func Parse(typeStr, idStr string) (Context, error) {
	var ct ContextType
	switch strings.ToLower(strings.TrimSpace(typeStr)) {
	case "user":
		ct = ContextTypeUser
	case "group":
		ct = ContextTypeGroup
	default:
		return Context{}, fmt.Errorf("%w: unknown context type %q", ErrInvalidContext, typeStr)
	}

	id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
	if err != nil {
		return Context{}, fmt.Errorf("%w: context id must be an integer", ErrInvalidContext)
	}
	if id == 0 {
		return Context{}, fmt.Errorf("%w: context id cannot be zero", ErrInvalidContext)
	}
	if ct == ContextTypeUser && id < 0 {
		return Context{}, fmt.Errorf("%w: user context ids must be positive", ErrInvalidContext)
	}
	if ct == ContextTypeGroup && id > 0 {
		return Context{}, fmt.Errorf("%w: group context ids must be negative", ErrInvalidContext)
	}

	return Context{Type: ct, ID: id}, nil
}

// FromHeaders extracts a Context from the transport headers.
// Returns (nil, nil) when neither header is present; an error when only one
// is present or either fails validation.
func FromHeaders(h http.Header) (*Context, error) {
	typeStr := strings.TrimSpace(h.Get(HeaderContextType))
	idStr := strings.TrimSpace(h.Get(HeaderContextID))

	if typeStr == "" && idStr == "" {
		return nil, nil
	}
	if typeStr == "" || idStr == "" {
		return nil, fmt.Errorf("%w: both %s and %s are required", ErrInvalidContext, HeaderContextType, HeaderContextID)
	}

	c, err := Parse(typeStr, idStr)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FromPayload extracts a Context from the optional top-level payload fields
// used by the stdio transport. Both fields must be present together.
func FromPayload(typeStr, idStr *string) (*Context, error) {
	if typeStr == nil && idStr == nil {
		return nil, nil
	}
	if typeStr == nil || idStr == nil {
		return nil, fmt.Errorf("%w: context_type and context_id must both be provided", ErrInvalidContext)
	}

	c, err := Parse(*typeStr, *idStr)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RateLimitKey returns the admission-control bucket key for this context.
func (c Context) RateLimitKey() string {
	return fmt.Sprintf("%s:%d", c.Type, c.ID)
}

// String returns a human-readable label, e.g. "user 555".
func (c Context) String() string {
	return fmt.Sprintf("%s %d", c.Type, c.ID)
}

// Equal reports whether two contexts identify the same tenant.
func (c Context) Equal(other Context) bool {
	return c.Type == other.Type && c.ID == other.ID
}
