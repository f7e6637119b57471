package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nova-gateway/internal/schema"
	"github.com/2389/nova-gateway/internal/store"
	"github.com/2389/nova-gateway/internal/tenant"
)

var (
	user555  = tenant.Context{Type: tenant.ContextTypeUser, ID: 555}
	user999  = tenant.Context{Type: tenant.ContextTypeUser, ID: 999}
	group42  = tenant.Context{Type: tenant.ContextTypeGroup, ID: -42}
	trivial  = json.RawMessage(`{"type":"object"}`)
	strictIn = json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"],"additionalProperties":false}`)
)

func setupTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func registerLookup(t *testing.T, r *Registry, owner tenant.Context) *store.Plugin {
	t.Helper()
	p, err := r.Register(context.Background(), owner, RegisterRequest{
		BaseName:    "lookup",
		Description: "looks things up",
		InputSchema: trivial,
		Endpoint:    "https://tools.example.com/lookup",
	})
	require.NoError(t, err)
	return p
}

func TestRegistry_Register(t *testing.T) {
	r := setupTestRegistry(t)

	p := registerLookup(t, r, user555)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, "user_555_lookup_v1", FQNFor(p).String())

	got, err := r.Resolve(context.Background(), "user_555_lookup_v1")
	require.NoError(t, err)
	assert.Equal(t, p.PluginID, got.PluginID)
	assert.Equal(t, 1, got.Version)
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	r := setupTestRegistry(t)

	registerLookup(t, r, user555)
	_, err := r.Register(context.Background(), user555, RegisterRequest{
		BaseName:    "lookup",
		InputSchema: trivial,
		Endpoint:    "https://tools.example.com/lookup",
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestRegistry_Register_Invalid(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, user555, RegisterRequest{
		BaseName:    "Bad-Name",
		InputSchema: trivial,
		Endpoint:    "https://tools.example.com/x",
	})
	assert.ErrorIs(t, err, ErrMalformedName)

	_, err = r.Register(ctx, user555, RegisterRequest{
		BaseName:    "lookup",
		InputSchema: json.RawMessage(`{"type":"nonsense"}`),
		Endpoint:    "https://tools.example.com/x",
	})
	assert.ErrorIs(t, err, schema.ErrInvalidSchema)

	_, err = r.Register(ctx, user555, RegisterRequest{
		BaseName:    "lookup",
		InputSchema: trivial,
	})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestRegistry_Update(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	p := registerLookup(t, r, user555)

	next, err := r.Update(ctx, user555, p.PluginID, UpdateRequest{
		InputSchema: strictIn,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, "user_555_lookup_v2", FQNFor(next).String())
	// Unspecified fields carry over from the prior version.
	assert.Equal(t, p.Endpoint, next.Endpoint)
	assert.Equal(t, p.Description, next.Description)

	// Both versions stay independently resolvable.
	v1, err := r.Resolve(ctx, "user_555_lookup_v1")
	require.NoError(t, err)
	assert.JSONEq(t, string(trivial), string(v1.InputSchema))

	v2, err := r.Resolve(ctx, "user_555_lookup_v2")
	require.NoError(t, err)
	assert.JSONEq(t, string(strictIn), string(v2.InputSchema))
}

func TestRegistry_Update_Forbidden(t *testing.T) {
	r := setupTestRegistry(t)

	p := registerLookup(t, r, user555)
	_, err := r.Update(context.Background(), user999, p.PluginID, UpdateRequest{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRegistry_Update_NotFound(t *testing.T) {
	r := setupTestRegistry(t)
	_, err := r.Update(context.Background(), user555, "no-such-id", UpdateRequest{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistry_Update_ConcurrentVersions(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()
	p := registerLookup(t, r, user555)

	const writers = 6
	var wg sync.WaitGroup
	versions := make(chan int, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next, err := r.Update(ctx, user555, p.PluginID, UpdateRequest{})
			if assert.NoError(t, err) {
				versions <- next.Version
			}
		}()
	}
	wg.Wait()
	close(versions)

	seen := map[int]bool{}
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	for v := 2; v <= writers+1; v++ {
		assert.True(t, seen[v], "gap at version %d", v)
	}
}

func TestRegistry_Update_ConcurrentCarryOver(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()
	p := registerLookup(t, r, user555)

	// One writer changes the description; the rest only touch the
	// endpoint. Whatever order the writers commit in, the endpoint-only
	// updates must carry the description forward, never revert it to the
	// registration value.
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := UpdateRequest{Endpoint: fmt.Sprintf("https://tools.example.com/run%d", i)}
			if i == 0 {
				req = UpdateRequest{Description: "rewritten"}
			}
			_, err := r.Update(ctx, user555, p.PluginID, req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	latest, err := r.store.GetPlugin(ctx, p.PluginID)
	require.NoError(t, err)
	assert.Equal(t, writers+1, latest.Version)
	assert.Equal(t, "rewritten", latest.Description)
}

func TestRegistry_Resolve_Malformed(t *testing.T) {
	r := setupTestRegistry(t)
	_, err := r.Resolve(context.Background(), "not-an-fqn")
	assert.ErrorIs(t, err, ErrMalformedName)
}

func TestRegistry_Resolve_NotFound(t *testing.T) {
	r := setupTestRegistry(t)
	_, err := r.Resolve(context.Background(), "user_555_lookup_v1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistry_CheckInvocation(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()
	p := registerLookup(t, r, user555)

	// Owner is auto-enabled at registration.
	assert.NoError(t, r.CheckInvocation(ctx, user555, p))

	// A foreign context is rejected even after enabling the tool for
	// itself: enablement governs listing, not invocation.
	require.NoError(t, r.SetEnablement(ctx, group42, group42, p.PluginID, store.LineageVersion, true, false, ""))
	err := r.CheckInvocation(ctx, group42, p)
	assert.ErrorIs(t, err, ErrForbidden)

	// The owner disabling their own lineage blocks invocation too.
	require.NoError(t, r.SetEnablement(ctx, user555, user555, p.PluginID, store.LineageVersion, false, false, ""))
	err = r.CheckInvocation(ctx, user555, p)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRegistry_ListForContext(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	p := registerLookup(t, r, user555)

	names := listNames(t, r, user555)
	assert.Equal(t, []string{"user_555_lookup_v1"}, names)

	// Other contexts see nothing without an explicit grant.
	assert.Empty(t, listNames(t, r, user999))

	// After an update the listing follows the lineage to the new default.
	_, err := r.Update(ctx, user555, p.PluginID, UpdateRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"user_555_lookup_v2"}, listNames(t, r, user555))

	// Pinning the old version explicitly surfaces it alongside the default.
	require.NoError(t, r.SetEnablement(ctx, user555, user555, p.PluginID, 1, true, false, ""))
	assert.Equal(t, []string{"user_555_lookup_v1", "user_555_lookup_v2"}, listNames(t, r, user555))

	// A foreign context granted the lineage sees the current default.
	require.NoError(t, r.SetEnablement(ctx, group42, group42, p.PluginID, store.LineageVersion, true, false, "acct-7"))
	assert.Equal(t, []string{"user_555_lookup_v2"}, listNames(t, r, group42))
}

func TestRegistry_SetEnablement_Forbidden(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()
	p := registerLookup(t, r, user555)

	// One context cannot flip another subject's grants without admin.
	err := r.SetEnablement(ctx, user999, group42, p.PluginID, store.LineageVersion, true, false, "")
	assert.ErrorIs(t, err, ErrForbidden)

	// Admin may.
	assert.NoError(t, r.SetEnablement(ctx, user999, group42, p.PluginID, store.LineageVersion, true, true, ""))
}

func TestRegistry_SetEnablement_UnknownTarget(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()

	err := r.SetEnablement(ctx, user555, user555, "no-such-id", store.LineageVersion, true, false, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	p := registerLookup(t, r, user555)
	err = r.SetEnablement(ctx, user555, user555, p.PluginID, 9, true, false, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegistry_Unregister(t *testing.T) {
	r := setupTestRegistry(t)
	ctx := context.Background()
	p := registerLookup(t, r, user555)

	// Resolve once to warm the cache; unregister must invalidate it.
	_, err := r.Resolve(ctx, "user_555_lookup_v1")
	require.NoError(t, err)

	err = r.Unregister(ctx, user999, p.PluginID, false)
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, r.Unregister(ctx, user555, p.PluginID, false))

	_, err = r.Resolve(ctx, "user_555_lookup_v1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, listNames(t, r, user555))

	err = r.Unregister(ctx, user555, p.PluginID, false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func listNames(t *testing.T, r *Registry, subject tenant.Context) []string {
	t.Helper()
	plugins, err := r.ListForContext(context.Background(), subject)
	require.NoError(t, err)
	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, FQNFor(p).String())
	}
	return names
}
