// Package store provides durable persistence for the plugin registry.
//
// Two logical namespaces back the registry: the plugins table, keyed by
// plugin id and version, holds immutable version records; the enablements
// table, keyed by subject context, holds per-tenant access grants. Version
// assignment happens inside a single transaction so concurrent writers for
// the same lineage cannot race, and a UNIQUE index backs the invariant that
// (owner, base name, version) never repeats.
package store
