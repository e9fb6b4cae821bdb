package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// GCResult summarizes one garbage collection cycle
type GCResult struct {
	Expired   int
	Evicted   int
	Reclaimed int64
}

// GarbageCollector periodically trims the persistent layer: a TTL pass removes
// tiles older than the configured lifetime, a size pass removes least recently
// used tiles until the layer fits its budget. It never touches memory directly;
// expired keys are reported through onExpired.
type GarbageCollector struct {
	store     persister
	budget    int64
	lifetime  time.Duration
	interval  time.Duration
	now       func() time.Time
	onExpired func(keys []string)
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewGarbageCollector(store persister, budget int64, lifetime, interval time.Duration, logger *zap.Logger) *GarbageCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GarbageCollector{
		store:    store,
		budget:   budget,
		lifetime: lifetime,
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Start launches the loop. The first cycle runs one interval from now.
func (g *GarbageCollector) Start(ctx context.Context) {
	if g.interval <= 0 || g.done != nil {
		return
	}
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	go g.loop(ctx)
}

// Stop cancels the loop and waits for it to exit. A delete batch in progress
// is rolled back as a whole.
func (g *GarbageCollector) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	<-g.done
}

func (g *GarbageCollector) loop(ctx context.Context) {
	defer close(g.done)

	scheduled := g.now().Add(g.interval)
	timer := time.NewTimer(g.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		g.RunOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		now := g.now()
		scheduled = nextRun(scheduled, now, g.interval)
		timer.Reset(scheduled.Sub(now))
	}
}

// nextRun keeps a fixed cadence: the next run is due one interval after the
// previous scheduled time, not after the previous run finished. When that is
// already past, the run is due now and the schedule restarts from now, so
// missed intervals collapse into a single run.
func nextRun(scheduled, now time.Time, interval time.Duration) time.Time {
	next := scheduled.Add(interval)
	if !next.After(now) {
		return now
	}
	return next
}

// RunOnce performs both passes. Storage errors are logged and end only the
// pass they occur in.
func (g *GarbageCollector) RunOnce(ctx context.Context) GCResult {
	var res GCResult
	start := g.now()

	if g.lifetime > 0 {
		cutoff := start.Add(-g.lifetime)
		keys, err := g.store.DeleteWhereCreatedBefore(ctx, cutoff)
		if err != nil {
			g.logError("TTL pass failed", err)
		} else {
			res.Expired = len(keys)
			if len(keys) > 0 && g.onExpired != nil {
				g.onExpired(keys)
			}
		}
	}

	if victims, freed := g.store.Victims(g.budget); len(victims) > 0 {
		n, err := g.store.DeleteMany(ctx, victims)
		if err != nil {
			g.logError("Size pass failed", err)
		} else {
			res.Evicted = n
			res.Reclaimed = freed
		}
	}

	if res.Expired > 0 || res.Evicted > 0 {
		g.logger.Info("Cache garbage collection",
			zap.Int("expired", res.Expired),
			zap.Int("evicted", res.Evicted),
			zap.String("reclaimed", humanize.IBytes(uint64(res.Reclaimed))),
			zap.Int64("persistent_bytes", g.store.Bytes()),
			zap.Duration("duration", g.now().Sub(start)),
		)
	} else {
		g.logger.Debug("Cache garbage collection found nothing to remove")
	}
	return res
}

func (g *GarbageCollector) logError(msg string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	g.logger.Error(msg, zap.Error(err))
}
