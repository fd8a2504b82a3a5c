package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registryFactory returns two registries for different nodes over one store.
type registryFactory func(t *testing.T) (Registry, Registry)

func memoryFactory(t *testing.T) (Registry, Registry) {
	a := NewMemoryRegistry("node-a")
	return a, a.ForNode("node-b")
}

func redisFactory(t *testing.T) (Registry, Registry) {
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = clientA.Close()
		_ = clientB.Close()
	})
	return NewRedisRegistry(clientA, "node-a", "test:presence:"), NewRedisRegistry(clientB, "node-b", "test:presence:")
}

func TestRegistries(t *testing.T) {
	factories := map[string]registryFactory{
		"memory": memoryFactory,
		"redis":  redisFactory,
	}
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			t.Run("transitions", func(t *testing.T) { testTransitions(t, factory) })
			t.Run("unregister unknown", func(t *testing.T) { testUnregisterUnknown(t, factory) })
			t.Run("concurrent", func(t *testing.T) { testConcurrentRegisterUnregister(t, factory) })
			t.Run("purge node", func(t *testing.T) { testPurgeNode(t, factory) })
		})
	}
}

func testTransitions(t *testing.T, factory registryFactory) {
	ctx := context.Background()
	a, b := factory(t)

	flipped, err := a.Register(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.True(t, flipped, "first connection flips online")

	flipped, err = b.Register(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.False(t, flipped, "second connection on another node does not flip")

	conns, err := a.Connections(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []Connection{{ID: "c1", Node: "node-a"}, {ID: "c2", Node: "node-b"}}, conns)

	online, err := a.ListOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, online)

	flipped, err = a.Unregister(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.False(t, flipped)

	ok, err := b.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok, "teardown of c1 must not clobber c2")

	flipped, err = b.Unregister(ctx, "alice", "c2")
	require.NoError(t, err)
	assert.True(t, flipped)

	ok, err = a.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	seen, err := a.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, seen.IsZero())
}

func testUnregisterUnknown(t *testing.T, factory registryFactory) {
	ctx := context.Background()
	a, _ := factory(t)

	flipped, err := a.Unregister(ctx, "ghost", "nope")
	require.NoError(t, err)
	assert.False(t, flipped)

	_, err = a.Register(ctx, "bob", "c1")
	require.NoError(t, err)
	flipped, err = a.Unregister(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = a.Unregister(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.False(t, flipped, "second unregister is a no-op")
}

func testConcurrentRegisterUnregister(t *testing.T, factory registryFactory) {
	ctx := context.Background()
	a, b := factory(t)

	const workers = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		onlineFlips int
		offFlips    int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := a
			if i%2 == 1 {
				reg = b
			}
			connID := fmt.Sprintf("c%d", i)
			for j := 0; j < 10; j++ {
				on, err := reg.Register(ctx, "carol", connID)
				assert.NoError(t, err)
				off, err := reg.Unregister(ctx, "carol", connID)
				assert.NoError(t, err)
				mu.Lock()
				if on {
					onlineFlips++
				}
				if off {
					offFlips++
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, onlineFlips, offFlips, "every online transition has a matching offline one")
	ok, err := a.IsOnline(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPurgeNode(t *testing.T, factory registryFactory) {
	ctx := context.Background()
	a, b := factory(t)

	_, err := a.Register(ctx, "alice", "a1")
	require.NoError(t, err)
	_, err = a.Register(ctx, "bob", "b1")
	require.NoError(t, err)
	_, err = b.Register(ctx, "bob", "b2")
	require.NoError(t, err)

	offline, err := b.PurgeNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, offline)

	ok, err := b.IsOnline(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	conns, err := b.Connections(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []Connection{{ID: "b2", Node: "node-b"}}, conns)
}

func TestRedisRegistryUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	reg := NewRedisRegistry(client, "node-a", "")

	mr.Close()

	_, err := reg.Register(context.Background(), "alice", "c1")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = reg.IsOnline(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrUnavailable)
}
