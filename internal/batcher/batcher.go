// Package batcher runs the single-threaded cooperative loop that turns
// acknowledged change events into anchored batches, following §4.D. It is
// grounded on internal/processor's consume-then-dispatch service shape,
// re-targeted from a Kafka transaction queue onto the Redis Streams
// ingest consumer and the batch/objectstore/anchor pipeline.
package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/etrap/agent/internal/anchor"
	"github.com/etrap/agent/internal/batch"
	"github.com/etrap/agent/internal/ingest"
	"github.com/etrap/agent/internal/objectstore"
	"github.com/etrap/agent/pkg/logging"
	"github.com/etrap/agent/pkg/metrics"
	"github.com/etrap/agent/pkg/service"
)

// Config mirrors pkg/config's BatcherConfig, kept independent of that
// package so this package has no import-cycle dependency on config.
type Config struct {
	MaxBatchSize   int
	MinBatchSize   int
	ReadTimeout    time.Duration
	ForceFlush     time.Duration
	SnapshotEvery  int
	OrganisationID string
	StoreBucket    string
}

// Counters is the read-only snapshot of the batcher's running totals,
// taken every SnapshotEvery batches per §7.
type Counters struct {
	EventsProcessed  int64
	EventsDropped    int64
	BatchesProcessed int64
	NFTsMinted       int64
	NFTFailures      int64
	IdleTimeouts     int64
}

// partitionKey identifies a (database, table) partition of pending events.
type partitionKey struct {
	Database string
	Table    string
}

// Batcher implements the cooperative loop described in §4.D as a
// service.Service.
type Batcher struct {
	cfg      Config
	consumer *ingest.Consumer
	store    objectstore.BundleStore
	anchorer *anchor.Client
	packager *batch.Packager
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	status   service.Status
	counters Counters

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Batcher.
func New(cfg Config, consumer *ingest.Consumer, store objectstore.BundleStore, anchorer *anchor.Client, logger *logging.Logger, m *metrics.Metrics) *Batcher {
	return &Batcher{
		cfg:      cfg,
		consumer: consumer,
		store:    store,
		anchorer: anchorer,
		packager: batch.NewPackager(cfg.OrganisationID),
		logger:   logger,
		metrics:  m,
		status:   service.StatusStopped,
	}
}

func (b *Batcher) Name() string { return "batcher" }

func (b *Batcher) Dependencies() []string { return nil }

func (b *Batcher) Status() service.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Batcher) Health() error {
	if b.Status() != service.StatusRunning {
		return fmt.Errorf("batcher not running")
	}
	return nil
}

// Snapshot returns a copy of the current counters.
func (b *Batcher) Snapshot() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// Start launches the cooperative loop in a goroutine and returns
// immediately, per the service.Service contract.
func (b *Batcher) Start(ctx context.Context) error {
	b.mu.Lock()
	b.status = service.StatusStarting
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.run(loopCtx)

	b.mu.Lock()
	b.status = service.StatusRunning
	b.mu.Unlock()
	return nil
}

// Stop signals the loop to finish its current iteration and exit. In
// flight pending events are not flushed; this is the documented loss
// window on shutdown.
func (b *Batcher) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.status = service.StatusStopping
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	b.status = service.StatusStopped
	b.mu.Unlock()
	return nil
}

// run is the cooperative loop of §4.D.
func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)

	var pending []batch.ChangeEvent
	lastBatchTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		readTimeout := b.cfg.ReadTimeout
		if len(pending) > 0 {
			remaining := b.cfg.ForceFlush - time.Since(lastBatchTime)
			if remaining < readTimeout {
				readTimeout = remaining
			}
			if readTimeout < 0 {
				readTimeout = 0
			}
		}

		capacity := int64(b.cfg.MaxBatchSize - len(pending))
		if capacity <= 0 {
			capacity = 1
		}

		msgs, err := b.consumer.ReadBatch(ctx, readTimeout, capacity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("broker read failed, backing off 5s", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		if len(msgs) == 0 {
			b.incrCounter(func(c *Counters) { c.IdleTimeouts++ })
			b.metrics.RecordIdleTimeout()
		}

		for _, msg := range msgs {
			ev, parseErr := ingest.ParseMessage(msg.Stream, msg.ID, msg.KeyText, msg.ValueText)
			if parseErr != nil {
				b.logger.Warn("dropping malformed event", "stream", msg.Stream, "id", msg.ID, "error", parseErr)
				b.incrCounter(func(c *Counters) { c.EventsDropped++ })
				b.metrics.RecordEventDropped("malformed")
			} else {
				pending = append(pending, *ev)
				b.incrCounter(func(c *Counters) { c.EventsProcessed++ })
				b.metrics.RecordEventsProcessed(ev.Source.Database, ev.Source.Table, 1)
			}

			// Ack before persistence: deliberate at-least-once-to-persistence,
			// not at-least-once-to-chain. See §9 open question on loss window.
			if ackErr := b.consumer.Ack(ctx, msg.Stream, msg.ID); ackErr != nil {
				b.logger.Error("failed to ack message", "stream", msg.Stream, "id", msg.ID, "error", ackErr)
			}
		}

		sizeTrigger := len(pending) >= b.cfg.MaxBatchSize
		idleOrAged := len(pending) >= b.cfg.MinBatchSize &&
			(len(msgs) == 0 || time.Since(lastBatchTime) >= b.cfg.ForceFlush)

		if len(pending) == 0 || (!sizeTrigger && !idleOrAged) {
			continue
		}

		b.flush(ctx, pending)

		pending = nil
		lastBatchTime = time.Now()
	}
}

// flush partitions pending by (database, table) and emits one batch per
// partition, per §4.D step 5.
func (b *Batcher) flush(ctx context.Context, pending []batch.ChangeEvent) {
	partitions := make(map[partitionKey][]batch.ChangeEvent)
	var order []partitionKey
	for _, ev := range pending {
		key := partitionKey{Database: ev.Source.Database, Table: ev.Source.Table}
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], ev)
	}

	now := time.Now()
	for i, key := range order {
		b.emitBatch(ctx, partitions[key], key, now, i, len(order))
	}
}

// emitBatch packages one partition, anchors it on chain, and then writes it
// to the object store (also when the mint failed), per §4.E–G.
func (b *Batcher) emitBatch(ctx context.Context, events []batch.ChangeEvent, key partitionKey, now time.Time, partitionIndex, partitionCount int) {
	start := time.Now()

	bat, err := b.packager.Pack(events, key.Database, key.Table, now, partitionIndex, partitionCount)
	if err != nil {
		b.logger.Error("failed to package batch", "database", key.Database, "table", key.Table, "error", err)
		return
	}

	if b.anchorer != nil {
		b.mint(ctx, bat)
	}

	if b.store != nil {
		if err := b.store.WriteBundle(ctx, bat); err != nil {
			b.logger.Error("failed to write bundle", "batch_id", bat.ID, "error", err)
		}
	}

	b.incrCounter(func(c *Counters) {
		c.BatchesProcessed++
		if c.BatchesProcessed%int64(b.cfg.SnapshotEvery) == 0 {
			b.logger.Info("batcher counter snapshot",
				"events_processed", c.EventsProcessed,
				"events_dropped", c.EventsDropped,
				"batches_processed", c.BatchesProcessed,
				"nfts_minted", c.NFTsMinted,
				"nft_failures", c.NFTFailures,
				"idle_timeouts", c.IdleTimeouts)
		}
	})
	b.metrics.RecordBatchProcessed(key.Database, key.Table, time.Since(start))
}

// mint calls the anchor client and, on success, fills in the batch's
// anchoring_data block (the one field a Batch may be mutated after
// creation, per §3's lifecycle note).
func (b *Batcher) mint(ctx context.Context, bat *batch.Batch) {
	bundleSize := 0
	if raw, err := json.Marshal(bat.ToBundle()); err == nil {
		bundleSize = len(raw)
	}

	key := ""
	if fs, ok := b.store.(interface{ Key(string, string, string) string }); ok {
		key = fs.Key(bat.Database, bat.Table, bat.ID)
	}

	summary := bat.BuildSummary(b.cfg.StoreBucket, key, bundleSize)
	summaryJSON, err := batch.MarshalSummary(summary)
	if err != nil {
		b.logger.Error("failed to marshal batch summary", "batch_id", bat.ID, "error", err)
		return
	}

	tokenJSON, err := batch.MarshalTokenMetadata(batch.TokenMetadata{Reference: key})
	if err != nil {
		b.logger.Error("failed to marshal token metadata", "batch_id", bat.ID, "error", err)
		return
	}

	start := time.Now()
	result, err := b.anchorer.MintBatch(ctx, bat, tokenJSON, summaryJSON)
	success := err == nil
	b.metrics.RecordMint(success, time.Since(start))

	if err != nil {
		b.logger.Error("mint failed after retries, batch pending-anchor", "batch_id", bat.ID, "error", err)
		b.incrCounter(func(c *Counters) { c.NFTFailures++ })
		return
	}

	b.incrCounter(func(c *Counters) { c.NFTsMinted++ })
	if result.TxHash == "" {
		// Mint collision: token already exists, treated as terminal success.
		return
	}

	bat.Verification.AnchoringData = batch.AnchoringData{
		TxHash:      result.TxHash,
		BlockHeight: result.BlockHeight,
		GasUsed:     result.GasUsed,
		EtrapFee:    result.EtrapFee,
		TokenID:     bat.ID,
	}
}

func (b *Batcher) incrCounter(f func(*Counters)) {
	b.mu.Lock()
	f(&b.counters)
	b.mu.Unlock()
}
