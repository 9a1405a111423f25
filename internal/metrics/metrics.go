package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"droptracker/internal/cache"
	"droptracker/internal/logging"

	"github.com/go-redis/redis/v8"
)

// Kind is a submission category counted by the Tracker.
type Kind int

const (
	KindDrops Kind = iota
	KindCollectionLogs
	KindPersonalBests
	KindCombatAchievements

	numKinds
)

var kindNames = [numKinds]string{
	KindDrops:              "drops",
	KindCollectionLogs:     "logs",
	KindPersonalBests:      "pbs",
	KindCombatAchievements: "achievements",
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) Valid() bool {
	return k >= 0 && k < numKinds
}

// Kinds lists every metric kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown metric kind %q", s)
}

const (
	fieldCount       = "count"
	fieldLastUpdated = "last_updated"
)

// Tracker counts submissions per kind over lifetime, hour, day and month
// windows. Windowed hashes expire on their own.
type Tracker struct {
	client *cache.Client
	now    func() time.Time
	log    *slog.Logger
}

func NewTracker(client *cache.Client) *Tracker {
	return &Tracker{
		client: client,
		now:    time.Now,
		log:    logging.Component("metrics"),
	}
}

type window struct {
	key string
	ttl time.Duration
}

func (t *Tracker) windows(k Kind, at time.Time) []window {
	at = at.UTC()
	return []window{
		{key: fmt.Sprintf("metrics:%s:total", k)},
		{key: fmt.Sprintf("metrics:%s:hourly:%s", k, at.Format("2006010215")), ttl: 48 * time.Hour},
		{key: fmt.Sprintf("metrics:%s:daily:%s", k, at.Format("20060102")), ttl: 31 * 24 * time.Hour},
		{key: fmt.Sprintf("metrics:%s:monthly:%s", k, at.Format("200601")), ttl: 366 * 24 * time.Hour},
	}
}

// Add records n submissions of kind k.
func (t *Tracker) Add(ctx context.Context, k Kind, n int64) error {
	if !k.Valid() {
		return fmt.Errorf("add metric: invalid kind %d", int(k))
	}
	now := t.now()

	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range t.windows(k, now) {
			pipe.HIncrBy(ctx, w.key, fieldCount, n)
			pipe.HSet(ctx, w.key, fieldLastUpdated, now.Unix())
			if w.ttl > 0 {
				pipe.Expire(ctx, w.key, w.ttl)
			}
		}
		return nil
	})
	if err != nil {
		t.log.Warn("metric update failed", "kind", k, "count", n, "error", err)
		return &cache.TransientStoreError{Op: "metrics", Err: err}
	}
	return nil
}

// Snapshot holds the counters of one kind at the time of reading.
type Snapshot struct {
	Total   int64 `json:"total"`
	Hourly  int64 `json:"hourly"`
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// Counts reads the current counters for every kind.
func (t *Tracker) Counts(ctx context.Context) (map[string]Snapshot, error) {
	now := t.now()
	kinds := Kinds()
	cmds := make([][]*redis.StringCmd, len(kinds))

	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range kinds {
			for _, w := range t.windows(k, now) {
				cmds[i] = append(cmds[i], pipe.HGet(ctx, w.key, fieldCount))
			}
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, &cache.TransientStoreError{Op: "metrics", Err: err}
	}

	out := make(map[string]Snapshot, len(kinds))
	for i, k := range kinds {
		v := make([]int64, len(cmds[i]))
		for j, cmd := range cmds[i] {
			s, err := cmd.Result()
			if err != nil {
				continue
			}
			v[j], _ = strconv.ParseInt(s, 10, 64)
		}
		out[k.String()] = Snapshot{Total: v[0], Hourly: v[1], Daily: v[2], Monthly: v[3]}
	}
	return out, nil
}
