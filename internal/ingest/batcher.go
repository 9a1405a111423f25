package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"droptracker/internal/logging"
	"droptracker/internal/metrics"
	"droptracker/internal/models"
)

// EventStore persists one player's batch atomically and in order.
type EventStore interface {
	InsertDrops(ctx context.Context, playerID int64, events []models.DropEvent) ([]models.DropEvent, error)
}

// Rebuilder refreshes a player's cached stats from the durable store.
type Rebuilder interface {
	RebuildCache(ctx context.Context, playerID int64) error
}

// Notifier announces that a player's stats changed.
type Notifier interface {
	PublishUpdate(ctx context.Context, playerID int64) error
}

// Counter records submission metrics.
type Counter interface {
	Add(ctx context.Context, kind metrics.Kind, n int64) error
}

type playerQueue struct {
	mu     sync.Mutex
	events []models.DropEvent
}

// Batcher groups drops per player and writes each group as one batch. A
// player's queue is flushed synchronously by the Submit that fills it.
//
// The queue is drained before the durable write. If the write fails the
// drained drops are gone: delivery is at most once.
type Batcher struct {
	store     EventStore
	rebuilder Rebuilder
	notifier  Notifier
	counter   Counter
	batchSize int
	log       *slog.Logger

	mu     sync.Mutex
	queues map[int64]*playerQueue

	stats Stats
}

// Stats holds batcher counters.
type Stats struct {
	Submitted atomic.Int64
	Persisted atomic.Int64
	Lost      atomic.Int64
	Flushes   atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Submitted int64 `json:"submitted"`
	Persisted int64 `json:"persisted"`
	Lost      int64 `json:"lost"`
	Flushes   int64 `json:"flushes"`
	Pending   int   `json:"pending"`
}

type Option func(*Batcher)

func WithNotifier(n Notifier) Option {
	return func(b *Batcher) { b.notifier = n }
}

func WithCounter(c Counter) Option {
	return func(b *Batcher) { b.counter = c }
}

func NewBatcher(store EventStore, rebuilder Rebuilder, batchSize int, opts ...Option) *Batcher {
	if batchSize < 1 {
		batchSize = 1
	}
	b := &Batcher{
		store:     store,
		rebuilder: rebuilder,
		batchSize: batchSize,
		log:       logging.Component("batcher"),
		queues:    make(map[int64]*playerQueue),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Batcher) queue(playerID int64) *playerQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[playerID]
	if !ok {
		q = &playerQueue{events: make([]models.DropEvent, 0, b.batchSize)}
		b.queues[playerID] = q
	}
	return q
}

// Submit queues a drop for its player. When the queue reaches the batch size
// it is flushed before Submit returns, and a failed flush is returned.
func (b *Batcher) Submit(ctx context.Context, e models.DropEvent) error {
	if e.PlayerID == 0 {
		return errors.New("submit: drop has no player")
	}
	b.stats.Submitted.Add(1)

	q := b.queue(e.PlayerID)
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, e)
	if len(q.events) < b.batchSize {
		return nil
	}
	_, err := b.flushLocked(ctx, e.PlayerID, q)
	return err
}

// Flush drains one player's queue and persists it. It returns the number of
// drops written.
func (b *Batcher) Flush(ctx context.Context, playerID int64) (int, error) {
	b.mu.Lock()
	q, ok := b.queues[playerID]
	b.mu.Unlock()
	if !ok {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return b.flushLocked(ctx, playerID, q)
}

// flushLocked runs with q.mu held, so batches of one player reach the store
// in submission order.
func (b *Batcher) flushLocked(ctx context.Context, playerID int64, q *playerQueue) (int, error) {
	if len(q.events) == 0 {
		return 0, nil
	}
	batch := q.events
	q.events = make([]models.DropEvent, 0, b.batchSize)

	b.stats.Flushes.Add(1)
	persisted, err := b.store.InsertDrops(ctx, playerID, batch)
	if err != nil {
		b.stats.Lost.Add(int64(len(batch)))
		b.log.Error("batch write failed, drops discarded",
			"player_id", playerID, "events", len(batch), "error", err)
		return 0, err
	}
	b.stats.Persisted.Add(int64(len(persisted)))
	b.log.Debug("batch persisted", "player_id", playerID, "events", len(persisted))

	b.afterWrite(ctx, playerID, len(persisted))
	return len(persisted), nil
}

// afterWrite refreshes the cache once the batch is durable. Failures here
// leave the cache stale but never undo the write.
func (b *Batcher) afterWrite(ctx context.Context, playerID int64, n int) {
	if err := b.rebuilder.RebuildCache(ctx, playerID); err != nil {
		// The cache is stale now; the next read rebuilds it.
		b.log.Warn("cache rebuild after flush failed", "player_id", playerID, "error", err)
	} else if b.notifier != nil {
		if err := b.notifier.PublishUpdate(ctx, playerID); err != nil {
			b.log.Warn("update publish failed", "player_id", playerID, "error", err)
		}
	}
	if b.counter != nil {
		if err := b.counter.Add(ctx, metrics.KindDrops, int64(n)); err != nil {
			b.log.Debug("drop metric not recorded", "error", err)
		}
	}
}

// FlushAll flushes every player's queue. Meant for shutdown; drops queued
// for a player after its turn has passed are not included.
func (b *Batcher) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]int64, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	total := 0
	for _, id := range ids {
		n, err := b.Flush(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("player %d: %w", id, err))
			continue
		}
		total += n
	}
	b.log.Info("flushed all queues", "players", len(ids), "events", total, "failed", len(errs))
	return errors.Join(errs...)
}

// Pending returns the number of queued, unflushed drops.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	queues := make([]*playerQueue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	n := 0
	for _, q := range queues {
		q.mu.Lock()
		n += len(q.events)
		q.mu.Unlock()
	}
	return n
}

func (b *Batcher) Stats() StatsSnapshot {
	return StatsSnapshot{
		Submitted: b.stats.Submitted.Load(),
		Persisted: b.stats.Persisted.Load(),
		Lost:      b.stats.Lost.Load(),
		Flushes:   b.stats.Flushes.Load(),
		Pending:   b.Pending(),
	}
}
