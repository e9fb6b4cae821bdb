package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeDataStore struct {
	mu        sync.Mutex
	universe  string
	custom    string
	customErr error
}

func (d *fakeDataStore) UniverseVersion(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.universe, nil
}

func (d *fakeDataStore) CustomDataVersion(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.custom, d.customErr
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		DBPath:       filepath.Join(t.TempDir(), "tiles.db"),
		MemoryBudget: 1 << 20,
		DiskBudget:   1 << 20,
		Lifetime:     24 * time.Hour,
		GCInterval:   time.Hour,
		SourceID:     "https://tiles.example.org",
		CustomPolicy: CustomPurgeAll,
	}
}

// startCache builds and initializes a cache on opts.DBPath. The cache is shut
// down when the test ends unless the test did so already.
func startCache(t *testing.T, opts Options, ds DataStore, clock *fakeClock) *TileCache {
	t.Helper()
	c := New(opts, ds, zaptest.NewLogger(t))
	if clock != nil {
		c.now = clock.Now
	}
	require.NoError(t, c.Initialize(context.Background(), nil))
	t.Cleanup(func() { c.Shutdown() })
	return c
}

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := OpenStore(context.Background(), path, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func testEntry(key string, size int, overlap OverlapClass, at time.Time) (*Entry, []byte) {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(len(key) + i)
	}
	meta := Metadata{Format: FormatPNG, Milieu: "M1105", X: 1, Y: -2, Width: 256, Height: 256, Scale: 64, Overlap: overlap}
	return newEntry(key, int64(size), meta, at), payload
}
