package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTaskSupervisor_DeduplicatesByKey(t *testing.T) {
	ts := NewTaskSupervisor(nil)
	release := make(chan struct{})
	var runs atomic.Int32

	work := func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}

	require.True(t, ts.GoUnique("insert", "tile", work))
	assert.True(t, ts.Pending("tile"))
	assert.False(t, ts.GoUnique("insert", "tile", work))
	assert.True(t, ts.GoUnique("insert", "other", work))

	close(release)
	ts.Wait()

	assert.Equal(t, int32(2), runs.Load())
	assert.False(t, ts.Pending("tile"))
	assert.Equal(t, 0, ts.Running())

	// the key is free again once the first write finished
	assert.True(t, ts.GoUnique("insert", "tile", func(context.Context) error { return nil }))
	ts.Wait()
}

func TestTaskSupervisor_LogsFailuresAndPanics(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	ts := NewTaskSupervisor(zap.New(core))

	ts.Go("mark_used", "a", func(context.Context) error { return errors.New("disk full") })
	ts.GoUnique("insert", "b", func(context.Context) error { panic("boom") })
	ts.Wait()

	assert.Equal(t, 0, ts.Running())
	assert.False(t, ts.Pending("b"))
	assert.Equal(t, 1, logs.FilterMessage("Background task failed").Len())

	panicked := logs.FilterMessage("Background task panicked").All()
	require.Len(t, panicked, 1)
	assert.Equal(t, "insert", panicked[0].ContextMap()["op"])
	assert.Equal(t, "boom", panicked[0].ContextMap()["panic"])
}

func TestTaskSupervisor_ShutdownDrains(t *testing.T) {
	ts := NewTaskSupervisor(nil)
	release := make(chan struct{})
	var finished atomic.Bool

	ts.Go("insert", "tile", func(context.Context) error {
		<-release
		finished.Store(true)
		return nil
	})

	done := make(chan struct{})
	go func() {
		ts.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Shutdown returned while a task was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	assert.True(t, finished.Load())

	assert.False(t, ts.Go("insert", "late", func(context.Context) error { return nil }))
	assert.False(t, ts.GoUnique("insert", "late", func(context.Context) error { return nil }))
}
