package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus counts subscriptions per room the way the real buses do.
type fakeBus struct {
	mu   sync.Mutex
	refs map[int64]int
	fail error
}

func newFakeBus() *fakeBus { return &fakeBus{refs: make(map[int64]int)} }

func (f *fakeBus) Subscribe(_ context.Context, room int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.refs[room]++
	return nil
}

func (f *fakeBus) Unsubscribe(_ context.Context, room int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[room] > 0 {
		f.refs[room]--
	}
	return nil
}

func (f *fakeBus) count(room int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[room]
}

func TestJoinLeave(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus()
	m := NewManager(bus)

	require.NoError(t, m.Join(ctx, "c1", 42))
	require.NoError(t, m.Join(ctx, "c1", 42))
	require.NoError(t, m.Join(ctx, "c2", 42))

	assert.Equal(t, 2, bus.count(42), "one subscription per distinct membership")
	assert.Equal(t, []string{"c1", "c2"}, m.Members(42))
	assert.True(t, m.IsMember("c1", 42))

	require.NoError(t, m.Leave(ctx, "c1", 42))
	require.NoError(t, m.Leave(ctx, "c1", 42))
	assert.Equal(t, 1, bus.count(42))
	assert.Equal(t, []string{"c2"}, m.Members(42))
	assert.False(t, m.IsMember("c1", 42))

	require.NoError(t, m.Leave(ctx, "c2", 42))
	assert.Equal(t, 0, bus.count(42))
	assert.Empty(t, m.Members(42))
}

func TestLeaveAll(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus()
	m := NewManager(bus)

	for _, room := range []int64{3, 1, 2} {
		require.NoError(t, m.Join(ctx, "c1", room))
	}
	require.NoError(t, m.Join(ctx, "c2", 2))
	assert.Equal(t, []int64{1, 2, 3}, m.Rooms("c1"))

	left, err := m.LeaveAll(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, left)
	assert.Empty(t, m.Rooms("c1"))
	assert.Equal(t, 0, bus.count(1))
	assert.Equal(t, 1, bus.count(2))
	assert.Equal(t, []string{"c2"}, m.Members(2))

	left, err = m.LeaveAll(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestJoinRollsBackOnSubscribeFailure(t *testing.T) {
	bus := newFakeBus()
	bus.fail = errors.New("bus down")
	m := NewManager(bus)

	err := m.Join(context.Background(), "c1", 7)
	require.Error(t, err)
	assert.False(t, m.IsMember("c1", 7))
	assert.Empty(t, m.Members(7))
}

func TestConcurrentMembership(t *testing.T) {
	ctx := context.Background()
	bus := newFakeBus()
	m := NewManager(bus)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			for j := 0; j < 10; j++ {
				assert.NoError(t, m.Join(ctx, conn, int64(j%3+1)))
			}
			_, err := m.LeaveAll(ctx, conn)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for room := int64(1); room <= 3; room++ {
		assert.Equal(t, 0, bus.count(room))
		assert.Empty(t, m.Members(room))
	}
}
