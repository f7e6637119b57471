package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/nova-gateway/internal/tenant"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testPlugin(owner tenant.Context, baseName string) *Plugin {
	return &Plugin{
		PluginID:    uuid.New().String(),
		Owner:       owner,
		BaseName:    baseName,
		Description: "a test tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Endpoint:    "https://tools.example.com/run",
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

var (
	ownerUser  = tenant.Context{Type: tenant.ContextTypeUser, ID: 555}
	otherUser  = tenant.Context{Type: tenant.ContextTypeUser, ID: 999}
	ownerGroup = tenant.Context{Type: tenant.ContextTypeGroup, ID: -42}
)

func TestStore_CreateVersion_AssignsOne(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	version, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	got, err := s.GetPlugin(ctx, p.PluginID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "lookup", got.BaseName)
	assert.Equal(t, ownerUser, got.Owner)
	assert.JSONEq(t, `{"type":"object"}`, string(got.InputSchema))
	assert.Nil(t, got.OutputSchema)
}

func TestStore_CreateVersion_DuplicateFirst(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	_, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)

	dup := testPlugin(ownerUser, "lookup")
	_, err = s.CreateVersion(ctx, dup, true)
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestStore_CreateVersion_Increments(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	_, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)

	for want := 2; want <= 4; want++ {
		version, err := s.CreateVersion(ctx, p, false)
		require.NoError(t, err)
		assert.Equal(t, want, version)
	}

	// Newest version wins on bare lookups; old versions remain addressable.
	latest, err := s.GetPlugin(ctx, p.PluginID)
	require.NoError(t, err)
	assert.Equal(t, 4, latest.Version)

	v2, err := s.GetVersion(ctx, p.PluginID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
}

func TestStore_CreateVersion_ConcurrentSameLineage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	_, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	versions := make(chan int, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.CreateVersion(ctx, p, false)
			if err == nil {
				versions <- v
			}
		}()
	}
	wg.Wait()
	close(versions)

	// Every successful write got a distinct version; no duplicates, no gaps
	// beyond the contiguous range starting at 2.
	seen := map[int]bool{}
	max := 1
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
		if v > max {
			max = v
		}
	}
	for v := 2; v <= max; v++ {
		assert.True(t, seen[v], "gap at version %d", v)
	}
}

func TestStore_CreateVersion_DistinctOwnersIndependent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Same base name under different contexts never collides.
	v1, err := s.CreateVersion(ctx, testPlugin(ownerUser, "lookup"), true)
	require.NoError(t, err)
	v2, err := s.CreateVersion(ctx, testPlugin(otherUser, "lookup"), true)
	require.NoError(t, err)
	v3, err := s.CreateVersion(ctx, testPlugin(ownerGroup, "lookup"), true)
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 1, v2)
	assert.Equal(t, 1, v3)
}

func TestStore_CreateVersion_AutoEnablesOwner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	_, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)

	e, err := s.GetEnablement(ctx, ownerUser, p.PluginID, LineageVersion)
	require.NoError(t, err)
	assert.True(t, e.Enabled)
	assert.Equal(t, OriginAuto, e.Origin)
}

func TestStore_CreateVersion_PreservesOwnerToggle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	_, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)

	// Owner explicitly disables their own lineage.
	require.NoError(t, s.SetEnablement(ctx, &Enablement{
		Subject:   ownerUser,
		PluginID:  p.PluginID,
		Version:   LineageVersion,
		Enabled:   false,
		Origin:    OriginExplicit,
		UpdatedAt: time.Now(),
	}))

	// A later version must not silently re-enable it.
	_, err = s.CreateVersion(ctx, p, false)
	require.NoError(t, err)

	e, err := s.GetEnablement(ctx, ownerUser, p.PluginID, LineageVersion)
	require.NoError(t, err)
	assert.False(t, e.Enabled)
}

func TestStore_GetByName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	_, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)
	_, err = s.CreateVersion(ctx, p, false)
	require.NoError(t, err)

	latest, err := s.GetByName(ctx, ownerUser, "lookup", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	v1, err := s.GetByName(ctx, ownerUser, "lookup", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	_, err = s.GetByName(ctx, ownerUser, "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetByName(ctx, otherUser, "lookup", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeletePlugin_Cascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	_, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)
	_, err = s.CreateVersion(ctx, p, false)
	require.NoError(t, err)

	require.NoError(t, s.SetEnablement(ctx, &Enablement{
		Subject:   ownerGroup,
		PluginID:  p.PluginID,
		Version:   LineageVersion,
		Enabled:   true,
		Origin:    OriginExplicit,
		UpdatedAt: time.Now(),
	}))

	require.NoError(t, s.DeletePlugin(ctx, p.PluginID))

	_, err = s.GetPlugin(ctx, p.PluginID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEnablement(ctx, ownerGroup, p.PluginID, LineageVersion)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeletePlugin(ctx, p.PluginID), ErrNotFound)
}

func TestStore_SetEnablement_Upserts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := testPlugin(ownerUser, "lookup")
	_, err := s.CreateVersion(ctx, p, true)
	require.NoError(t, err)

	e := &Enablement{
		Subject:   ownerGroup,
		PluginID:  p.PluginID,
		Version:   LineageVersion,
		Enabled:   true,
		Origin:    OriginExplicit,
		AddedBy:   "acct-1",
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SetEnablement(ctx, e))

	got, err := s.GetEnablement(ctx, ownerGroup, p.PluginID, LineageVersion)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "acct-1", got.AddedBy)

	e.Enabled = false
	require.NoError(t, s.SetEnablement(ctx, e))

	got, err = s.GetEnablement(ctx, ownerGroup, p.PluginID, LineageVersion)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestStore_ListEnablements(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p1 := testPlugin(ownerUser, "lookup")
	p2 := testPlugin(ownerUser, "price")
	_, err := s.CreateVersion(ctx, p1, true)
	require.NoError(t, err)
	_, err = s.CreateVersion(ctx, p2, true)
	require.NoError(t, err)

	records, err := s.ListEnablements(ctx, ownerUser)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = s.ListEnablements(ctx, otherUser)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_APIKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	key := &APIKey{
		ID:        uuid.New().String(),
		Name:      "dashboard",
		KeyHash:   "$2a$10$fakehash",
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "dashboard", keys[0].Name)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))

	keys, err = s.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), ErrNotFound)
}
