// ABOUTME: Core plugin registry: versioned registration, FQN resolution, enablement.
// ABOUTME: Serializes writes per lineage and fronts reads with a TTL cache.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nova-gateway/internal/schema"
	"github.com/2389/nova-gateway/internal/store"
	"github.com/2389/nova-gateway/internal/tenant"
)

// ErrForbidden is returned when a caller's context does not authorize the
// requested operation.
var ErrForbidden = errors.New("forbidden")

// ErrInvalidEndpoint is returned when a registration carries a missing or
// unusable endpoint.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Registry mediates all reads and writes of tool metadata. Writes on one
// (owner, base name) lineage are serialized through a sharded key mutex so
// that version assignment is race free end to end; the store transaction is
// the backstop.
type Registry struct {
	store     store.Store
	validator *schema.Validator
	locks     keyMutex
	cache     *resolveCache
	logger    *slog.Logger
}

// New creates a registry backed by the given store.
func New(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     st,
		validator: schema.NewValidator(),
		cache:     newResolveCache(),
		logger:    logger.With("component", "registry"),
	}
}

// RegisterRequest carries the fields of a first-time tool registration.
type RegisterRequest struct {
	BaseName       string
	Description    string
	InputSchema    json.RawMessage
	OutputSchema   json.RawMessage // optional
	Endpoint       string
	OwnerAccountID string
}

// UpdateRequest carries the replacement fields for a new version. Nil or
// empty fields keep the previous version's value.
type UpdateRequest struct {
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Endpoint     string
}

// Register creates version 1 of a new tool lineage owned by the given
// context. Returns ErrDuplicate if the owner already has a lineage under
// the same base name, ErrInvalidSchema if a schema does not compile.
func (r *Registry) Register(ctx context.Context, owner tenant.Context, req RegisterRequest) (*store.Plugin, error) {
	if err := ValidateBaseName(req.BaseName); err != nil {
		return nil, err
	}
	if req.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidEndpoint)
	}
	if err := r.compileSchemas(req.InputSchema, req.OutputSchema); err != nil {
		return nil, err
	}

	p := &store.Plugin{
		PluginID:       uuid.New().String(),
		Owner:          owner,
		BaseName:       req.BaseName,
		Description:    req.Description,
		InputSchema:    req.InputSchema,
		OutputSchema:   req.OutputSchema,
		Endpoint:       req.Endpoint,
		OwnerAccountID: req.OwnerAccountID,
		CreatedAt:      time.Now().UTC(),
	}

	key := lineageKey(owner, req.BaseName)
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	version, err := r.store.CreateVersion(ctx, p, true)
	if err != nil {
		return nil, err
	}
	p.Version = version

	r.logger.Info("registered tool",
		"plugin_id", p.PluginID,
		"fqn", FQNFor(p).String(),
		"owner", owner.String())
	return p, nil
}

// Update appends a new version to an existing lineage. Only the owner
// context may update; empty request fields carry over from the newest
// version.
func (r *Registry) Update(ctx context.Context, acting tenant.Context, pluginID string, req UpdateRequest) (*store.Plugin, error) {
	// The first read only learns the lineage so its lock can be taken;
	// owner and base name never change across versions.
	current, err := r.store.GetPlugin(ctx, pluginID)
	if err != nil {
		return nil, err
	}
	if !current.Owner.Equal(acting) {
		return nil, fmt.Errorf("%w: only the owner may update a tool", ErrForbidden)
	}

	key := lineageKey(current.Owner, current.BaseName)
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	// Re-read under the lock. A concurrent update may have committed a
	// newer version since the first read, and the carry-over below must
	// start from the version that is actually newest at commit time.
	current, err = r.store.GetPlugin(ctx, pluginID)
	if err != nil {
		return nil, err
	}

	next := &store.Plugin{
		PluginID:       current.PluginID,
		Owner:          current.Owner,
		BaseName:       current.BaseName,
		Description:    current.Description,
		InputSchema:    current.InputSchema,
		OutputSchema:   current.OutputSchema,
		Endpoint:       current.Endpoint,
		OwnerAccountID: current.OwnerAccountID,
		CreatedAt:      time.Now().UTC(),
	}
	if req.Description != "" {
		next.Description = req.Description
	}
	if len(req.InputSchema) > 0 {
		next.InputSchema = req.InputSchema
	}
	if len(req.OutputSchema) > 0 {
		next.OutputSchema = req.OutputSchema
	}
	if req.Endpoint != "" {
		next.Endpoint = req.Endpoint
	}
	if err := r.compileSchemas(next.InputSchema, next.OutputSchema); err != nil {
		return nil, err
	}

	version, err := r.store.CreateVersion(ctx, next, false)
	if err != nil {
		return nil, err
	}
	next.Version = version
	r.cache.invalidatePrefix(lineagePrefix(current.Owner, current.BaseName))

	r.logger.Info("updated tool",
		"plugin_id", next.PluginID,
		"fqn", FQNFor(next).String())
	return next, nil
}

// Unregister removes every version of a lineage along with its enablement
// records. Only the owner, or an admin caller, may unregister.
func (r *Registry) Unregister(ctx context.Context, acting tenant.Context, pluginID string, admin bool) error {
	current, err := r.store.GetPlugin(ctx, pluginID)
	if err != nil {
		return err
	}
	if !admin && !current.Owner.Equal(acting) {
		return fmt.Errorf("%w: only the owner may unregister a tool", ErrForbidden)
	}

	key := lineageKey(current.Owner, current.BaseName)
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	if err := r.store.DeletePlugin(ctx, pluginID); err != nil {
		return err
	}
	r.cache.invalidatePrefix(lineagePrefix(current.Owner, current.BaseName))

	r.logger.Info("unregistered tool", "plugin_id", pluginID)
	return nil
}

// Resolve maps a wire-form tool name to its version record. The name must
// parse as an FQN before any lookup happens.
func (r *Registry) Resolve(ctx context.Context, name string) (*store.Plugin, error) {
	fqn, err := ParseFQN(name)
	if err != nil {
		return nil, err
	}

	if p, ok := r.cache.get(name); ok {
		return p, nil
	}

	p, err := r.store.GetByName(ctx, fqn.Owner, fqn.BaseName, fqn.Version)
	if err != nil {
		return nil, err
	}
	r.cache.put(name, p)
	return p, nil
}

// CheckInvocation decides whether the caller may invoke the resolved tool.
// The tool's owning context must equal the caller's context; enablement for
// other contexts governs listing visibility, never invocation. A disabled
// record blocks even the owner.
func (r *Registry) CheckInvocation(ctx context.Context, caller tenant.Context, p *store.Plugin) error {
	if !p.Owner.Equal(caller) {
		return fmt.Errorf("%w: tool belongs to another context", ErrForbidden)
	}

	// A version-pinned record overrides the lineage record.
	e, err := r.store.GetEnablement(ctx, caller, p.PluginID, p.Version)
	if errors.Is(err, store.ErrNotFound) {
		e, err = r.store.GetEnablement(ctx, caller, p.PluginID, store.LineageVersion)
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: tool is not enabled for this context", ErrForbidden)
	}
	if err != nil {
		return err
	}
	if !e.Enabled {
		return fmt.Errorf("%w: tool is disabled for this context", ErrForbidden)
	}
	return nil
}

// ListForContext returns every tool version visible to the subject context,
// ordered by ascending FQN. Each enabled lineage contributes its newest
// version; older versions appear only when explicitly enabled by version.
func (r *Registry) ListForContext(ctx context.Context, subject tenant.Context) ([]*store.Plugin, error) {
	records, err := r.store.ListEnablements(ctx, subject)
	if err != nil {
		return nil, err
	}

	type versionKey struct {
		pluginID string
		version  int
	}
	seen := make(map[versionKey]bool)
	var out []*store.Plugin

	for _, e := range records {
		if !e.Enabled {
			continue
		}

		var p *store.Plugin
		switch {
		case e.Version == store.LineageVersion:
			p, err = r.store.GetPlugin(ctx, e.PluginID)
		case e.Origin == store.OriginExplicit:
			p, err = r.store.GetVersion(ctx, e.PluginID, e.Version)
		default:
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			// Enablement outlived the plugin; skip rather than fail the list.
			continue
		}
		if err != nil {
			return nil, err
		}

		k := versionKey{p.PluginID, p.Version}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		return FQNFor(out[i]).String() < FQNFor(out[j]).String()
	})
	return out, nil
}

// SetEnablement upserts an explicit enablement record for the subject
// context. A context may manage its own records; managing another subject's
// records requires admin.
func (r *Registry) SetEnablement(ctx context.Context, acting, subject tenant.Context, pluginID string, version int, enabled bool, admin bool, addedBy string) error {
	if !admin && !subject.Equal(acting) {
		return fmt.Errorf("%w: cannot manage another context's enablements", ErrForbidden)
	}

	p, err := r.store.GetPlugin(ctx, pluginID)
	if err != nil {
		return err
	}
	if version != store.LineageVersion {
		if _, err := r.store.GetVersion(ctx, pluginID, version); err != nil {
			return err
		}
	}

	err = r.store.SetEnablement(ctx, &store.Enablement{
		Subject:   subject,
		PluginID:  pluginID,
		Version:   version,
		Enabled:   enabled,
		Origin:    store.OriginExplicit,
		AddedBy:   addedBy,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	r.cache.invalidatePrefix(lineagePrefix(p.Owner, p.BaseName))

	r.logger.Info("set enablement",
		"subject", subject.String(),
		"plugin_id", pluginID,
		"version", version,
		"enabled", enabled)
	return nil
}

// ValidateArguments checks a caller-supplied arguments document against the
// tool's input schema. Absent arguments validate as an empty object.
func (r *Registry) ValidateArguments(p *store.Plugin, args json.RawMessage) error {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	return r.validator.Validate(p.InputSchema, args)
}

// ValidateResult checks an upstream result against the tool's output schema,
// when one is declared.
func (r *Registry) ValidateResult(p *store.Plugin, result json.RawMessage) error {
	if len(p.OutputSchema) == 0 {
		return nil
	}
	return r.validator.Validate(p.OutputSchema, result)
}

// FQNFor derives the wire-form name of a version record.
func FQNFor(p *store.Plugin) FQN {
	return FQN{Owner: p.Owner, BaseName: p.BaseName, Version: p.Version}
}

func (r *Registry) compileSchemas(input, output json.RawMessage) error {
	if len(input) == 0 {
		return fmt.Errorf("%w: input schema is required", schema.ErrInvalidSchema)
	}
	if err := r.validator.Compile(input); err != nil {
		return err
	}
	if len(output) > 0 {
		if err := r.validator.Compile(output); err != nil {
			return err
		}
	}
	return nil
}

func lineageKey(owner tenant.Context, baseName string) string {
	return owner.RateLimitKey() + "|" + baseName
}

func lineagePrefix(owner tenant.Context, baseName string) string {
	return fmt.Sprintf("%s_%d_%s_v", owner.Type, owner.ID, baseName)
}
