// ABOUTME: Store interface and data types for nova-gateway persistence
// ABOUTME: Defines Plugin, Enablement records and the Store interface for database operations

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/nova-gateway/internal/tenant"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a write would violate a uniqueness constraint,
// e.g. registering a base name that already has a first version
var ErrDuplicate = errors.New("already exists")

// Enablement origin constants. Auto records are written by the registry when
// a version is registered; explicit records come from a set_enablement call.
const (
	OriginAuto     = "auto"
	OriginExplicit = "explicit"
)

// LineageVersion is the enablement version value meaning "the lineage's
// current default version" rather than one pinned version.
const LineageVersion = 0

// Plugin is one durable version record of a registered tool.
// A plugin id identifies the lineage; each update appends a new version row
// and never mutates prior rows.
type Plugin struct {
	PluginID       string
	Owner          tenant.Context
	BaseName       string
	Version        int
	Description    string
	InputSchema    json.RawMessage
	OutputSchema   json.RawMessage // nil when the tool declares no output schema
	Endpoint       string
	OwnerAccountID string // optional third-party account reference
	CreatedAt      time.Time
}

// Enablement grants (or revokes) a context's access to a plugin.
// Version 0 targets the lineage's current default version; a non-zero
// version pins one specific version.
type Enablement struct {
	Subject   tenant.Context
	PluginID  string
	Version   int
	Enabled   bool
	Origin    string
	AddedBy   string // account reference of whoever enabled it, if known
	UpdatedAt time.Time
}

// APIKey is a provisioned management credential. Only the bcrypt hash is
// stored; the plaintext is shown once at creation.
type APIKey struct {
	ID        string
	Name      string
	KeyHash   string
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Store defines the persistence operations for the plugin registry.
// Implementations must guarantee that version assignment for a given
// (owner, base_name) is a single atomic check-and-write, and that readers
// never observe a partially written record.
type Store interface {
	// CreateVersion inserts a new version row for the given lineage,
	// assigning version = current max + 1 atomically. When expectFirst is
	// set the insert fails with ErrDuplicate unless this would be version 1.
	// An auto enablement record for the owner is written in the same
	// transaction unless the owner already has one.
	CreateVersion(ctx context.Context, p *Plugin, expectFirst bool) (int, error)

	// GetPlugin returns the newest version row for the given plugin id.
	GetPlugin(ctx context.Context, pluginID string) (*Plugin, error)

	// GetVersion returns one specific version row for the given plugin id.
	GetVersion(ctx context.Context, pluginID string, version int) (*Plugin, error)

	// GetByName resolves a version row by owner context and base name.
	// Version 0 resolves the newest version.
	GetByName(ctx context.Context, owner tenant.Context, baseName string, version int) (*Plugin, error)

	// DeletePlugin removes every version row for the plugin id and cascades
	// deletion of enablement records referencing it.
	DeletePlugin(ctx context.Context, pluginID string) error

	// SetEnablement upserts an enablement record.
	SetEnablement(ctx context.Context, e *Enablement) error

	// GetEnablement fetches one enablement record, ErrNotFound if absent.
	GetEnablement(ctx context.Context, subject tenant.Context, pluginID string, version int) (*Enablement, error)

	// ListEnablements returns all enablement records for a subject context.
	ListEnablements(ctx context.Context, subject tenant.Context) ([]*Enablement, error)

	// CreateAPIKey stores a new management credential.
	CreateAPIKey(ctx context.Context, key *APIKey) error

	// ListAPIKeys returns all non-revoked credentials.
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)

	// RevokeAPIKey marks a credential revoked. ErrNotFound if unknown.
	RevokeAPIKey(ctx context.Context, id string) error

	Close() error
}
