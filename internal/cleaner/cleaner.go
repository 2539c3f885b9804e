// Package cleaner runs the retention loop that deletes old results in
// batches. Grounded on nyxmon's AsyncResultsCleaner, translating its
// anyio.sleep-between-batches loop into a gocron-driven tick that
// repeats within itself until a batch comes back under the batch size,
// matching the "keep deleting until fewer than batch_size rows come
// back" contract without a dedicated timer per batch.
package cleaner

import (
	"context"
	"time"

	"github.com/jasonlvhit/gocron"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/watchdeer/watchdeer/internal/store"
)

func currentUnix() int64 { return time.Now().Unix() }

const (
	// DefaultIntervalSeconds is how often the cleaner wakes up to look
	// for old results.
	DefaultIntervalSeconds = 3600
	// DefaultRetentionSeconds is how long a result survives before it
	// becomes eligible for deletion.
	DefaultRetentionSeconds = 86400
	// DefaultBatchSize bounds how many rows one delete statement removes.
	DefaultBatchSize = 1000
)

// Cleaner deletes results older than RetentionSeconds, in batches of at
// most BatchSize, once per IntervalSeconds tick.
type Cleaner struct {
	store            store.Store
	log              *zap.Logger
	intervalSeconds  uint64
	retentionSeconds int64
	batchSize        int
}

func New(s store.Store, log *zap.Logger, intervalSeconds uint64, retentionSeconds int64, batchSize int) *Cleaner {
	if intervalSeconds == 0 {
		intervalSeconds = DefaultIntervalSeconds
	}
	if retentionSeconds == 0 {
		retentionSeconds = DefaultRetentionSeconds
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Cleaner{
		store: s, log: log,
		intervalSeconds: intervalSeconds, retentionSeconds: retentionSeconds, batchSize: batchSize,
	}
}

// Register schedules the retention tick on the shared gocron scheduler.
func (c *Cleaner) Register(ctx context.Context) error {
	err := gocron.Every(c.intervalSeconds).Seconds().Do(c.tick, ctx)
	if err != nil {
		return errors.Wrap(err, "registering cleaner job")
	}
	return nil
}

func (c *Cleaner) tick(ctx context.Context) {
	cutoff := currentUnix() - c.retentionSeconds

	for {
		if ctx.Err() != nil {
			return
		}
		deleted, err := c.store.DeleteResultsOlderThan(ctx, cutoff, c.batchSize)
		if err != nil {
			c.log.Error("failed to delete old results", zap.Error(err))
			return
		}
		c.log.Debug("deleted old results", zap.Int("count", deleted))
		if deleted < c.batchSize {
			return
		}
	}
}
