package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGarbageCollector_TTLPass(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTestStore(t, filepath.Join(t.TempDir(), "tiles.db"))
	defer s.Close()

	for _, key := range []string{"old-1", "old-2"} {
		e, payload := testEntry(key, 10, OverlapNone, clock.Now().Add(-48*time.Hour))
		require.NoError(t, s.Insert(ctx, e, payload))
	}
	e, payload := testEntry("new", 10, OverlapNone, clock.Now())
	require.NoError(t, s.Insert(ctx, e, payload))

	var expired []string
	gc := NewGarbageCollector(s, 1<<20, 24*time.Hour, 0, zaptest.NewLogger(t))
	gc.now = clock.Now
	gc.onExpired = func(keys []string) { expired = append(expired, keys...) }

	res := gc.RunOnce(ctx)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 0, res.Evicted)
	assert.ElementsMatch(t, []string{"old-1", "old-2"}, expired)
	assert.Equal(t, []string{"new"}, s.Keys())
}

func TestGarbageCollector_ZeroLifetimeKeepsEverything(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTestStore(t, filepath.Join(t.TempDir(), "tiles.db"))
	defer s.Close()

	e, payload := testEntry("ancient", 10, OverlapNone, clock.Now().Add(-1000*24*time.Hour))
	require.NoError(t, s.Insert(ctx, e, payload))

	gc := NewGarbageCollector(s, 1<<20, 0, 0, zaptest.NewLogger(t))
	gc.now = clock.Now
	res := gc.RunOnce(ctx)
	assert.Equal(t, GCResult{}, res)
	assert.Equal(t, 1, s.Len())
}

func TestGarbageCollector_SizePassEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := openTestStore(t, filepath.Join(t.TempDir(), "tiles.db"))
	defer s.Close()

	for i, key := range []string{"a", "b", "c"} {
		e, payload := testEntry(key, 10, OverlapNone, clock.Now().Add(time.Duration(i)*time.Second))
		require.NoError(t, s.Insert(ctx, e, payload))
	}
	_, err := s.MarkUsed(ctx, "a", clock.Now().Add(time.Minute))
	require.NoError(t, err)

	gc := NewGarbageCollector(s, 15, 0, 0, zaptest.NewLogger(t))
	gc.now = clock.Now
	res := gc.RunOnce(ctx)

	assert.Equal(t, 2, res.Evicted)
	assert.Equal(t, int64(20), res.Reclaimed)
	assert.Equal(t, []string{"a"}, s.Keys())
	assert.LessOrEqual(t, s.Bytes(), int64(15))
}

func TestGarbageCollector_LoopRuns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "tiles.db"))
	defer s.Close()

	now := time.Now()
	for i, key := range []string{"a", "b", "c", "d"} {
		e, payload := testEntry(key, 100, OverlapNone, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, s.Insert(ctx, e, payload))
	}

	gc := NewGarbageCollector(s, 250, 0, 10*time.Millisecond, zaptest.NewLogger(t))
	gc.Start(ctx)
	defer gc.Stop()

	require.Eventually(t, func() bool { return s.Bytes() <= 250 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c", "d"}, s.Keys())
}

func TestGarbageCollector_StopWithoutStart(t *testing.T) {
	gc := NewGarbageCollector(noopStore{}, 0, 0, 0, nil)
	gc.Start(context.Background())
	gc.Stop()
}

func TestNextRun(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	interval := time.Minute

	t.Run("short run keeps cadence", func(t *testing.T) {
		scheduled := start
		for i := 1; i <= 3; i++ {
			// each run finishes a few seconds after it was due
			now := scheduled.Add(3 * time.Second)
			scheduled = nextRun(scheduled, now, interval)
			assert.Equal(t, start.Add(time.Duration(i)*interval), scheduled)
		}
	})

	t.Run("overrun fires at once", func(t *testing.T) {
		now := start.Add(90 * time.Second)
		next := nextRun(start, now, interval)
		assert.Equal(t, now, next)
		assert.Zero(t, next.Sub(now))
	})

	t.Run("missed intervals collapse into one run", func(t *testing.T) {
		now := start.Add(5*interval + 30*time.Second)
		next := nextRun(start, now, interval)
		assert.Equal(t, now, next)

		// the catch-up run is short; the one after it is a full interval later
		after := next.Add(time.Second)
		assert.Equal(t, now.Add(interval), nextRun(next, after, interval))
	})

	t.Run("due exactly now", func(t *testing.T) {
		now := start.Add(interval)
		assert.Equal(t, now, nextRun(start, now, interval))
	})
}
