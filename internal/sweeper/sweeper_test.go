package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/cotimer/internal/room"
	"github.com/mkarlsen/cotimer/internal/store/memstore"
)

func seed(t *testing.T, st *memstore.Store, code string, permanent bool, users map[string]int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Write(ctx, room.MetadataPath(code), map[string]any{
		"permanent": permanent,
		"createdAt": int64(0),
	}))
	for uid, lastSeen := range users {
		require.NoError(t, st.Write(ctx, room.UserPath(code, uid), map[string]any{
			"name":     "U",
			"joinedAt": lastSeen,
			"lastSeen": lastSeen,
		}))
	}
}

func TestSweep(t *testing.T) {
	now := time.UnixMilli(100 * 60 * 60 * 1000) // 100h after epoch
	clock := clockwork.NewFakeClockAt(now)
	st := memstore.New(clock)
	defer st.Close()
	ctx := context.Background()

	fresh := now.Add(-time.Hour).UnixMilli()
	stale := now.Add(-25 * time.Hour).UnixMilli()

	seed(t, st, "ACTIVE01", false, map[string]int64{"u1": fresh})
	seed(t, st, "STALE001", false, map[string]int64{"u1": stale})
	seed(t, st, "MIXED001", false, map[string]int64{"u1": fresh, "u2": stale})
	seed(t, st, "EMPTY001", false, nil)
	seed(t, st, "PERM0001", true, map[string]int64{"u1": stale})

	sw := New(st, clock, DefaultConfig())
	res, err := sw.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, res.RoomsScanned)
	assert.Equal(t, 2, res.RoomsDeleted, "stale and empty rooms go")
	assert.Equal(t, 3, res.UsersPruned)

	_, ok, _ := st.ReadOnce(ctx, room.Path("ACTIVE01"))
	assert.True(t, ok)

	_, ok, _ = st.ReadOnce(ctx, room.Path("STALE001"))
	assert.False(t, ok)

	_, ok, _ = st.ReadOnce(ctx, room.Path("EMPTY001"))
	assert.False(t, ok)

	// The mixed room keeps its live user and loses the stale one.
	_, ok, _ = st.ReadOnce(ctx, room.UserPath("MIXED001", "u1"))
	assert.True(t, ok)
	_, ok, _ = st.ReadOnce(ctx, room.UserPath("MIXED001", "u2"))
	assert.False(t, ok)

	// Permanent rooms lose stale users but are never deleted.
	_, ok, _ = st.ReadOnce(ctx, room.MetadataPath("PERM0001"))
	assert.True(t, ok)
	_, ok, _ = st.ReadOnce(ctx, room.UserPath("PERM0001", "u1"))
	assert.False(t, ok)
}

func TestSweepEmptyStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	st := memstore.New(clock)
	defer st.Close()

	sw := New(st, clock, DefaultConfig())
	res, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.RoomsScanned)
}

func TestRunSweepsOnSchedule(t *testing.T) {
	now := time.UnixMilli(100 * 60 * 60 * 1000)
	clock := clockwork.NewFakeClockAt(now)
	st := memstore.New(clock)
	defer st.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seed(t, st, "EMPTY001", false, nil)

	sw := New(st, clock, DefaultConfig())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.Run(ctx)
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Hour)

	require.Eventually(t, func() bool {
		_, ok, _ := st.ReadOnce(context.Background(), room.Path("EMPTY001"))
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
