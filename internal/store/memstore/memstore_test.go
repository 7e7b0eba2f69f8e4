package memstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/cotimer/internal/store"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_000_000))
	s := New(clock)
	t.Cleanup(s.Close)
	return s, clock
}

func TestWriteAndReadOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/AAAA1111/metadata", map[string]any{
		"permanent": false,
		"createdAt": store.ServerTimestamp,
	}))

	data, ok, err := s.ReadOnce(ctx, "rooms/AAAA1111/metadata")
	require.NoError(t, err)
	require.True(t, ok)

	var meta struct {
		Permanent bool  `json:"permanent"`
		CreatedAt int64 `json:"createdAt"`
	}
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.False(t, meta.Permanent)
	assert.Equal(t, int64(1_000_000), meta.CreatedAt, "sentinel resolves to the clock's epoch millis")
}

func TestReadOnceAbsent(t *testing.T) {
	s, _ := newTestStore(t)
	_, ok, err := s.ReadOnce(context.Background(), "rooms/NOPE")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateMergesFields(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/R/users/u1", map[string]any{
		"name":        "Alice",
		"baseSeconds": 10,
	}))
	clock.Advance(5 * time.Second)
	require.NoError(t, s.Update(ctx, "rooms/R/users/u1", map[string]any{
		"baseSeconds": 25,
		"lastSeen":    store.ServerTimestamp,
	}))

	data, ok, err := s.ReadOnce(ctx, "rooms/R/users/u1")
	require.NoError(t, err)
	require.True(t, ok)

	var u map[string]any
	require.NoError(t, json.Unmarshal(data, &u))
	assert.Equal(t, "Alice", u["name"], "untouched fields survive a merge")
	assert.Equal(t, float64(25), u["baseSeconds"])
	assert.Equal(t, float64(1_005_000), u["lastSeen"])
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/R/users/u1", map[string]any{"name": "Alice"}))
	require.NoError(t, s.Remove(ctx, "rooms/R/users/u1"))

	_, ok, err := s.ReadOnce(ctx, "rooms/R")
	require.NoError(t, err)
	assert.False(t, ok, "an emptied subtree reads as absent")

	// Removing what is already gone is not an error.
	require.NoError(t, s.Remove(ctx, "rooms/R/users/u1"))
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sub, err := s.Subscribe("rooms/R/goal", func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(data))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Write(ctx, "rooms/R/goal", 3600))
	require.NoError(t, s.Write(ctx, "rooms/R/goal", 7200))
	require.NoError(t, s.Remove(ctx, "rooms/R/goal"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "", got[0], "initial snapshot of an absent path is nil")
	assert.Equal(t, "3600", got[1])
	assert.Equal(t, "7200", got[2])
	assert.Equal(t, "", got[3])
}

func TestSubscribeSeesParentWrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var last []byte
	var count int
	sub, err := s.Subscribe("rooms/R/users", func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		last = data
		count++
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// A write at the room root overlaps the users subscription.
	require.NoError(t, s.Write(ctx, "rooms/R", map[string]any{
		"users": map[string]any{"u1": map[string]any{"name": "Alice"}},
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var users map[string]map[string]any
	require.NoError(t, json.Unmarshal(last, &users))
	assert.Contains(t, users, "u1")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	var count int
	sub, err := s.Subscribe("rooms/R", func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	require.NoError(t, s.Write(ctx, "rooms/R/goal", 60))

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestConnectivityTransitions(t *testing.T) {
	s, _ := newTestStore(t)

	var mu sync.Mutex
	var got []bool
	sub, err := s.SubscribeConnectivity(func(connected bool) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, connected)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	s.SetOnline(false)
	s.SetOnline(false) // duplicate transitions are suppressed
	s.SetOnline(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, got)
}

func TestIdentity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.SignInAnonymously(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	again, err := s.SignInAnonymously(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again, "identity is stable within a session")

	s.ResetIdentity()
	fresh, err := s.SignInAnonymously(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, fresh)
}
