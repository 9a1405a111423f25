package ranking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"droptracker/internal/cache"
	"droptracker/internal/logging"
	"droptracker/internal/models"

	"golang.org/x/sync/errgroup"
)

// StatsReader is the read-through stats cache.
type StatsReader interface {
	GetPlayerStats(ctx context.Context, playerID int64, p models.Partition) (*cache.PlayerStats, error)
}

// PlayerRegistry enumerates every known player.
type PlayerRegistry interface {
	PlayerIDs(ctx context.Context) ([]int64, error)
}

type Entry struct {
	PlayerID   int64 `json:"player_id"`
	TotalValue int64 `json:"total_value"`
}

type Rank struct {
	Position     int   `json:"rank"`
	Value        int64 `json:"total_value"`
	TotalPlayers int   `json:"total_players"`
}

// Engine ranks players by cached value. Nothing is indexed: every call reads
// the stats of every registered player.
type Engine struct {
	stats       StatsReader
	players     PlayerRegistry
	concurrency int
	log         *slog.Logger
}

// NewEngine builds an Engine. concurrency bounds the in-flight stats reads;
// zero or less means unbounded.
func NewEngine(stats StatsReader, players PlayerRegistry, concurrency int) *Engine {
	return &Engine{
		stats:       stats,
		players:     players,
		concurrency: concurrency,
		log:         logging.Component("ranking"),
	}
}

// GlobalRankings orders all players by value, highest first, ties broken by
// ascending player id. With a partition the partition value is ranked,
// otherwise the lifetime value. Any failed read fails the whole ranking.
//
// Note: partition rankings order by the month's own value, not by the
// lifetime total as earlier droptracker versions did.
func (e *Engine) GlobalRankings(ctx context.Context, p models.Partition) ([]Entry, error) {
	start := time.Now()

	ids, err := e.players.PlayerIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate players: %w", err)
	}

	entries := make([]Entry, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			stats, err := e.stats.GetPlayerStats(gctx, id, p)
			if err != nil {
				return err
			}
			entries[i] = Entry{PlayerID: id, TotalValue: valueOf(stats)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Error("ranking failed", "partition", p, "players", len(ids), "error", err)
		return nil, fmt.Errorf("rank players: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalValue != entries[j].TotalValue {
			return entries[i].TotalValue > entries[j].TotalValue
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})

	e.log.Debug("ranking computed", "partition", p, "players", len(entries), "took", time.Since(start))
	return entries, nil
}

func valueOf(s *cache.PlayerStats) int64 {
	if s.Partition != nil {
		return s.Partition.General.TotalValue
	}
	return s.Total.TotalValue
}

// PlayerRank computes the full ranking and finds playerID in it. A player
// missing from the ranking is reported last with value 0.
func (e *Engine) PlayerRank(ctx context.Context, playerID int64, p models.Partition) (Rank, error) {
	entries, err := e.GlobalRankings(ctx, p)
	if err != nil {
		return Rank{}, err
	}

	total := len(entries)
	for i, entry := range entries {
		if entry.PlayerID == playerID {
			return Rank{Position: i + 1, Value: entry.TotalValue, TotalPlayers: total}, nil
		}
	}
	return Rank{Position: total, Value: 0, TotalPlayers: total}, nil
}
