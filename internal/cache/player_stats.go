package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"droptracker/internal/logging"
	"droptracker/internal/models"

	"github.com/go-redis/redis/v8"
)

// UpdatesChannel carries a message after a player's stats were rebuilt.
const UpdatesChannel = "player_updates"

// ErrStatsUnavailable means the cache could not produce stats for a read.
// It is never replaced by zeros, which are a valid answer for a new player.
var ErrStatsUnavailable = errors.New("stats temporarily unavailable")

// EventSource is the durable store read used by rebuilds.
type EventSource interface {
	DropsForPlayer(ctx context.Context, playerID int64) ([]models.DropEvent, error)
}

type Totals struct {
	TotalValue  int64 `json:"total_value"`
	TotalDrops  int64 `json:"total_drops"`
	LastUpdated int64 `json:"last_updated"`
}

type ItemStats struct {
	Quantity int64 `json:"quantity"`
	Value    int64 `json:"value"`
}

type BossStats struct {
	Drops int64 `json:"drops"`
	Value int64 `json:"value"`
}

type PartitionStats struct {
	Partition models.Partition    `json:"partition"`
	General   Totals              `json:"general"`
	Items     map[int64]ItemStats `json:"items"`
	Bosses    map[int64]BossStats `json:"bosses"`
}

func newPartitionStats(p models.Partition) *PartitionStats {
	return &PartitionStats{
		Partition: p,
		Items:     make(map[int64]ItemStats),
		Bosses:    make(map[int64]BossStats),
	}
}

type PlayerStats struct {
	PlayerID  int64           `json:"player_id"`
	Total     Totals          `json:"total"`
	Partition *PartitionStats `json:"partition,omitempty"`
}

// StatsCache is the read path for player aggregates. The lifetime entry is the
// only staleness signal: if it exists, whatever partition data is present is
// returned as is, missing fields reading as zero.
//
// Nothing here is locked per player. An UpdatePlayerStats racing a
// RebuildCache for the same player can be lost or counted twice until the
// next rebuild.
type StatsCache struct {
	client       *Client
	source       EventSource
	partitionTTL time.Duration
	now          func() time.Time
	log          *slog.Logger
}

type StatsOption func(*StatsCache)

// WithClock overrides the clock used for last_updated on incremental updates.
func WithClock(now func() time.Time) StatsOption {
	return func(s *StatsCache) { s.now = now }
}

func NewStatsCache(client *Client, source EventSource, partitionTTL time.Duration, opts ...StatsOption) *StatsCache {
	s := &StatsCache{
		client:       client,
		source:       source,
		partitionTTL: partitionTTL,
		now:          time.Now,
		log:          logging.Component("stats-cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdatePlayerStats applies one drop to the lifetime entry and, when the drop
// is dated, to its partition entries. All increments go out as one MULTI/EXEC
// batch; a failed command inside it does not undo the others.
func (s *StatsCache) UpdatePlayerStats(ctx context.Context, e models.DropEvent) error {
	return s.apply(ctx, "update", e, 1)
}

// RemoveDrop is the arithmetic inverse of UpdatePlayerStats. Removing the same
// drop twice drives the counters negative.
func (s *StatsCache) RemoveDrop(ctx context.Context, e models.DropEvent) error {
	return s.apply(ctx, "remove", e, -1)
}

func (s *StatsCache) apply(ctx context.Context, op string, e models.DropEvent, sign int64) error {
	total := Keys(e.PlayerID, models.NoPartition).Total
	part := Keys(e.PlayerID, e.Partition())
	now := s.now().Unix()

	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()

	_, err := s.client.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, total, FieldTotalValue, sign*e.Value)
		pipe.HIncrBy(ctx, total, FieldTotalDrops, sign)
		if sign > 0 {
			pipe.HSet(ctx, total, FieldLastUpdated, now)
		}

		if !part.HasPartition() {
			return nil
		}
		pipe.HIncrBy(ctx, part.Stats, FieldTotalValue, sign*e.Value)
		pipe.HIncrBy(ctx, part.Stats, FieldTotalDrops, sign)
		if sign > 0 {
			pipe.HSet(ctx, part.Stats, FieldLastUpdated, now)
		}
		pipe.HIncrBy(ctx, part.Items, itemField(e.ItemID, statQuantity), sign*e.Quantity)
		pipe.HIncrBy(ctx, part.Items, itemField(e.ItemID, statValue), sign*e.Value)
		if e.HasSource() {
			pipe.HIncrBy(ctx, part.Bosses, itemField(e.NpcID, statDrops), sign)
			pipe.HIncrBy(ctx, part.Bosses, itemField(e.NpcID, statValue), sign*e.Value)
		}
		return nil
	})
	if err != nil {
		s.log.Error("stats batch failed", "op", op, "player_id", e.PlayerID, "partition", part.Partition, "error", err)
		return &TransientStoreError{Op: op, Err: err}
	}
	return nil
}

// InvalidateCache deletes exactly the entries of Keys(playerID, p). Without a
// partition only the lifetime entry goes; partition entries stay until their
// TTL runs out or a rebuild overwrites them.
func (s *StatsCache) InvalidateCache(ctx context.Context, playerID int64, p models.Partition) error {
	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()

	if err := s.client.redisClient.Del(ctx, Keys(playerID, p).All()...).Err(); err != nil {
		return &TransientStoreError{Op: "invalidate", Err: err}
	}
	return nil
}

// Snapshot is a player's aggregate computed from the durable store.
type Snapshot struct {
	Total      Totals
	Partitions map[models.Partition]*PartitionStats
}

// Aggregate folds a player's drops into lifetime and per-month aggregates.
// last_updated is the newest drop time in each scope, so the same history
// always yields the same snapshot.
func Aggregate(events []models.DropEvent) Snapshot {
	snap := Snapshot{Partitions: make(map[models.Partition]*PartitionStats)}

	for _, e := range events {
		ts := int64(0)
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.Unix()
		}
		addTotals(&snap.Total, e.Value, ts)

		p := e.Partition()
		if !p.IsSet() {
			continue
		}
		ps, ok := snap.Partitions[p]
		if !ok {
			ps = newPartitionStats(p)
			snap.Partitions[p] = ps
		}
		addTotals(&ps.General, e.Value, ts)

		item := ps.Items[e.ItemID]
		item.Quantity += e.Quantity
		item.Value += e.Value
		ps.Items[e.ItemID] = item

		if e.HasSource() {
			boss := ps.Bosses[e.NpcID]
			boss.Drops++
			boss.Value += e.Value
			ps.Bosses[e.NpcID] = boss
		}
	}
	return snap
}

func addTotals(t *Totals, value, ts int64) {
	t.TotalValue += value
	t.TotalDrops++
	if ts > t.LastUpdated {
		t.LastUpdated = ts
	}
}

// RebuildCache drops the lifetime entry, re-aggregates every drop of the
// player from the durable store and writes the result back in one batch.
// Partitions found in the history are replaced wholesale and get the
// partition TTL; the lifetime entry never expires.
func (s *StatsCache) RebuildCache(ctx context.Context, playerID int64) error {
	if err := s.InvalidateCache(ctx, playerID, models.NoPartition); err != nil {
		return err
	}

	events, err := s.source.DropsForPlayer(ctx, playerID)
	if err != nil {
		return fmt.Errorf("rebuild player %d: %w", playerID, err)
	}
	snap := Aggregate(events)

	partitions := make([]models.Partition, 0, len(snap.Partitions))
	for p := range snap.Partitions {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	wctx, cancel := s.client.withTimeout(ctx)
	defer cancel()

	_, err = s.client.redisClient.TxPipelined(wctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(wctx, Keys(playerID, models.NoPartition).Total, totalsFields(snap.Total))

		for _, p := range partitions {
			ps := snap.Partitions[p]
			ks := Keys(playerID, p)

			pipe.Del(wctx, ks.PartitionKeys()...)
			pipe.HSet(wctx, ks.Stats, totalsFields(ps.General))

			items := make(map[string]interface{}, 2*len(ps.Items))
			for id, st := range ps.Items {
				items[itemField(id, statQuantity)] = st.Quantity
				items[itemField(id, statValue)] = st.Value
			}
			pipe.HSet(wctx, ks.Items, items)

			if len(ps.Bosses) > 0 {
				bosses := make(map[string]interface{}, 2*len(ps.Bosses))
				for id, st := range ps.Bosses {
					bosses[itemField(id, statDrops)] = st.Drops
					bosses[itemField(id, statValue)] = st.Value
				}
				pipe.HSet(wctx, ks.Bosses, bosses)
			}

			if s.partitionTTL > 0 {
				for _, key := range ks.PartitionKeys() {
					pipe.Expire(wctx, key, s.partitionTTL)
				}
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("rebuild write failed", "player_id", playerID, "error", err)
		return &TransientStoreError{Op: "rebuild", Err: err}
	}

	s.log.Debug("rebuilt player stats", "player_id", playerID, "drops", len(events), "partitions", len(partitions))
	return nil
}

func totalsFields(t Totals) map[string]interface{} {
	return map[string]interface{}{
		FieldTotalValue:  t.TotalValue,
		FieldTotalDrops:  t.TotalDrops,
		FieldLastUpdated: t.LastUpdated,
	}
}

// GetPlayerStats reads a player's stats, rebuilding once from the durable
// store when the lifetime entry is missing. A requested partition that was
// never populated comes back as zeros without a rebuild.
func (s *StatsCache) GetPlayerStats(ctx context.Context, playerID int64, p models.Partition) (*PlayerStats, error) {
	stats, found, err := s.read(ctx, playerID, p)
	if err != nil {
		return nil, fmt.Errorf("player %d: %w: %w", playerID, ErrStatsUnavailable, err)
	}
	if found {
		return stats, nil
	}

	s.log.Debug("lifetime entry missing, rebuilding", "player_id", playerID)
	if err := s.RebuildCache(ctx, playerID); err != nil {
		return nil, fmt.Errorf("player %d: %w: %w", playerID, ErrStatsUnavailable, err)
	}

	stats, found, err = s.read(ctx, playerID, p)
	if err != nil {
		return nil, fmt.Errorf("player %d: %w: %w", playerID, ErrStatsUnavailable, err)
	}
	if !found {
		return nil, fmt.Errorf("player %d: %w: lifetime entry missing after rebuild", playerID, ErrStatsUnavailable)
	}
	return stats, nil
}

func (s *StatsCache) read(ctx context.Context, playerID int64, p models.Partition) (*PlayerStats, bool, error) {
	ks := Keys(playerID, p)

	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()

	var totalCmd, statsCmd, itemsCmd, bossesCmd *redis.StringStringMapCmd
	_, err := s.client.redisClient.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		totalCmd = pipe.HGetAll(ctx, ks.Total)
		if ks.HasPartition() {
			statsCmd = pipe.HGetAll(ctx, ks.Stats)
			itemsCmd = pipe.HGetAll(ctx, ks.Items)
			bossesCmd = pipe.HGetAll(ctx, ks.Bosses)
		}
		return nil
	})
	if err != nil {
		return nil, false, &TransientStoreError{Op: "read", Err: err}
	}

	rawTotal := totalCmd.Val()
	if len(rawTotal) == 0 {
		return nil, false, nil
	}

	total, err := parseTotals(rawTotal)
	if err != nil {
		return nil, false, fmt.Errorf("parse %s: %w", ks.Total, err)
	}
	stats := &PlayerStats{PlayerID: playerID, Total: total}

	if ks.HasPartition() {
		ps := newPartitionStats(p)
		// Partition entries may be absent or partially populated.
		if general, err := parseTotals(statsCmd.Val()); err == nil {
			ps.General = general
		} else {
			s.log.Warn("malformed partition stats", "key", ks.Stats, "error", err)
		}
		s.parseItems(ks.Items, itemsCmd.Val(), ps)
		s.parseBosses(ks.Bosses, bossesCmd.Val(), ps)
		stats.Partition = ps
	}
	return stats, true, nil
}

func parseTotals(raw map[string]string) (Totals, error) {
	var t Totals
	var err error
	if t.TotalValue, err = parseField(raw, FieldTotalValue); err != nil {
		return t, err
	}
	if t.TotalDrops, err = parseField(raw, FieldTotalDrops); err != nil {
		return t, err
	}
	if t.LastUpdated, err = parseField(raw, FieldLastUpdated); err != nil {
		return t, err
	}
	return t, nil
}

func parseField(raw map[string]string, field string) (int64, error) {
	v, ok := raw[field]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return n, nil
}

func (s *StatsCache) parseItems(key string, raw map[string]string, ps *PartitionStats) {
	for field, v := range raw {
		id, stat, ok := splitField(field)
		n, err := strconv.ParseInt(v, 10, 64)
		if !ok || err != nil {
			s.log.Warn("skipping malformed item field", "key", key, "field", field)
			continue
		}
		item := ps.Items[id]
		switch stat {
		case statQuantity:
			item.Quantity = n
		case statValue:
			item.Value = n
		default:
			continue
		}
		ps.Items[id] = item
	}
}

func (s *StatsCache) parseBosses(key string, raw map[string]string, ps *PartitionStats) {
	for field, v := range raw {
		id, stat, ok := splitField(field)
		n, err := strconv.ParseInt(v, 10, 64)
		if !ok || err != nil {
			s.log.Warn("skipping malformed boss field", "key", key, "field", field)
			continue
		}
		boss := ps.Bosses[id]
		switch stat {
		case statDrops:
			boss.Drops = n
		case statValue:
			boss.Value = n
		default:
			continue
		}
		ps.Bosses[id] = boss
	}
}

// Update is published on UpdatesChannel.
type Update struct {
	Action     string `json:"action"`
	PlayerID   int64  `json:"player_id"`
	TotalValue int64  `json:"total_value"`
	TotalDrops int64  `json:"total_drops"`
	Timestamp  int64  `json:"timestamp"`
}

// PublishUpdate announces a player's current lifetime totals to subscribers.
func (s *StatsCache) PublishUpdate(ctx context.Context, playerID int64) error {
	stats, found, err := s.read(ctx, playerID, models.NoPartition)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	data, err := json.Marshal(Update{
		Action:     "stats_updated",
		PlayerID:   playerID,
		TotalValue: stats.Total.TotalValue,
		TotalDrops: stats.Total.TotalDrops,
		Timestamp:  s.now().Unix(),
	})
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, UpdatesChannel, data)
}
