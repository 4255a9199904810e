package ownership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	owners  map[[2]uuid.UUID]bool
	roles   map[[2]uuid.UUID]string
	lookups int
	err     error
}

func newFakeSource() *fakeSource {
	return &fakeSource{owners: map[[2]uuid.UUID]bool{}, roles: map[[2]uuid.UUID]string{}}
}

func (f *fakeSource) IsOwner(ctx context.Context, resourceID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return false, f.err
	}
	return f.owners[[2]uuid.UUID{resourceID, userID}], nil
}

func (f *fakeSource) HasRole(ctx context.Context, resourceID, userID uuid.UUID, role string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return false, f.err
	}
	return f.roles[[2]uuid.UUID{resourceID, userID}] == role, nil
}

func (f *fakeSource) AddMember(ctx context.Context, eventID, userID uuid.UUID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[[2]uuid.UUID{eventID, userID}] = role
	return nil
}

func (f *fakeSource) RemoveMember(ctx context.Context, eventID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.roles, [2]uuid.UUID{eventID, userID})
	return nil
}

func setupCache(t *testing.T, src *fakeSource) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewCache(client, src, time.Minute, zerolog.Nop())
}

func TestCacheReadThrough(t *testing.T) {
	src := newFakeSource()
	mr, cache := setupCache(t, src)
	ctx := context.Background()
	resource, user := uuid.New(), uuid.New()
	src.owners[[2]uuid.UUID{resource, user}] = true

	for i := 0; i < 3; i++ {
		ok, err := cache.IsOwner(ctx, resource, user)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, src.lookups)
	assert.Equal(t, time.Minute, mr.TTL(ownerKey(resource, user)))

	// Negative decisions are cached too.
	other := uuid.New()
	for i := 0; i < 2; i++ {
		ok, err := cache.IsOwner(ctx, resource, other)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 2, src.lookups)
}

func TestCacheSourceErrorIsNotCached(t *testing.T) {
	src := newFakeSource()
	mr, cache := setupCache(t, src)
	resource, user := uuid.New(), uuid.New()
	src.err = errors.New("db down")

	_, err := cache.HasRole(context.Background(), resource, user, "manager")
	require.Error(t, err)
	assert.False(t, mr.Exists(roleKey(resource, user, "manager")))
}

func TestCacheFallsBackWhenRedisUnavailable(t *testing.T) {
	src := newFakeSource()
	mr, cache := setupCache(t, src)
	resource, user := uuid.New(), uuid.New()
	src.owners[[2]uuid.UUID{resource, user}] = true
	mr.Close()

	ok, err := cache.IsOwner(context.Background(), resource, user)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvictResourceOnlyTouchesThatResource(t *testing.T) {
	src := newFakeSource()
	mr, cache := setupCache(t, src)
	ctx := context.Background()
	resource, other := uuid.New(), uuid.New()

	for i := 0; i < 250; i++ {
		_, err := cache.HasRole(ctx, resource, uuid.New(), "manager")
		require.NoError(t, err)
	}
	_, err := cache.IsOwner(ctx, other, uuid.New())
	require.NoError(t, err)

	require.NoError(t, cache.EvictResource(ctx, resource))

	for _, k := range mr.Keys() {
		assert.NotContains(t, k, resource.String())
	}
	assert.Len(t, mr.Keys(), 1)
}

func TestRegistryGrantEvictsBeforeReturning(t *testing.T) {
	src := newFakeSource()
	_, cache := setupCache(t, src)
	reg := NewRegistry(src, cache, zerolog.Nop())
	ctx := context.Background()
	event, user := uuid.New(), uuid.New()

	ok, err := cache.HasRole(ctx, event, user, "manager")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, reg.Grant(ctx, event, user, "manager"))
	ok, err = cache.HasRole(ctx, event, user, "manager")
	require.NoError(t, err)
	assert.True(t, ok, "cached denial must not survive the grant")

	require.NoError(t, reg.Revoke(ctx, event, user))
	ok, err = cache.HasRole(ctx, event, user, "manager")
	require.NoError(t, err)
	assert.False(t, ok, "cached grant must not survive the revoke")
}

func TestRegistryWriteSucceedsWhenEvictionFails(t *testing.T) {
	src := newFakeSource()
	mr, cache := setupCache(t, src)
	reg := NewRegistry(src, cache, zerolog.Nop())
	event, user := uuid.New(), uuid.New()
	mr.Close()

	require.NoError(t, reg.Grant(context.Background(), event, user, "manager"))
	assert.Equal(t, "manager", src.roles[[2]uuid.UUID{event, user}])
	assert.Error(t, reg.Grant(context.Background(), event, user, ""))
}
