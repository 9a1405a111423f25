package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"droptracker/internal/database"
	"droptracker/internal/models"

	"github.com/patrickmn/go-cache"
)

// ErrUnknownSource is returned for a drop whose source name has no NPC entry.
var ErrUnknownSource = errors.New("unknown drop source")

// ParseError rejects a submitted drop before it reaches the batcher.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid drop: %s: %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RawDrop is a drop as submitted by a game client. Pointer fields tell a
// missing value apart from zero.
type RawDrop struct {
	ItemID    *int64     `json:"item_id"`
	PlayerID  *int64     `json:"player_id"`
	NpcID     *int64     `json:"npc_id,omitempty"`
	Source    string     `json:"source,omitempty"`
	Value     *int64     `json:"value"`
	Quantity  *int64     `json:"quantity"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SourceResolver maps an NPC name to its id.
type SourceResolver interface {
	Resolve(ctx context.Context, name string) (int64, error)
}

type Parser struct {
	sources SourceResolver
	now     func() time.Time
}

func NewParser(sources SourceResolver) *Parser {
	return &Parser{sources: sources, now: time.Now}
}

// Parse validates a raw drop and turns it into an event. A drop without a
// timestamp is dated at receive time.
func (p *Parser) Parse(ctx context.Context, raw RawDrop) (models.DropEvent, error) {
	var missing []string
	if raw.ItemID == nil {
		missing = append(missing, "item_id")
	}
	if raw.PlayerID == nil {
		missing = append(missing, "player_id")
	}
	if raw.Value == nil {
		missing = append(missing, "value")
	}
	if raw.Quantity == nil {
		missing = append(missing, "quantity")
	}
	if len(missing) > 0 {
		return models.DropEvent{}, &ParseError{Field: strings.Join(missing, ","), Reason: "required"}
	}

	switch {
	case *raw.PlayerID <= 0:
		return models.DropEvent{}, &ParseError{Field: "player_id", Reason: "must be positive"}
	case *raw.ItemID <= 0:
		return models.DropEvent{}, &ParseError{Field: "item_id", Reason: "must be positive"}
	case *raw.Value < 0:
		return models.DropEvent{}, &ParseError{Field: "value", Reason: "must not be negative"}
	case *raw.Quantity <= 0:
		return models.DropEvent{}, &ParseError{Field: "quantity", Reason: "must be positive"}
	}

	e := models.DropEvent{
		ItemID:   *raw.ItemID,
		PlayerID: *raw.PlayerID,
		Value:    *raw.Value,
		Quantity: *raw.Quantity,
	}

	switch {
	case raw.NpcID != nil:
		if *raw.NpcID <= 0 {
			return models.DropEvent{}, &ParseError{Field: "npc_id", Reason: "must be positive"}
		}
		e.NpcID = *raw.NpcID
	case raw.Source != "":
		if p.sources == nil {
			return models.DropEvent{}, &ParseError{Field: "source", Reason: "name lookup unavailable"}
		}
		id, err := p.sources.Resolve(ctx, raw.Source)
		if errors.Is(err, ErrUnknownSource) {
			return models.DropEvent{}, &ParseError{Field: "source", Reason: fmt.Sprintf("no npc named %q", raw.Source), Err: err}
		}
		if err != nil {
			return models.DropEvent{}, fmt.Errorf("resolve source %q: %w", raw.Source, err)
		}
		e.NpcID = id
	}

	if raw.Timestamp != nil && !raw.Timestamp.IsZero() {
		e.Timestamp = raw.Timestamp.UTC()
	} else {
		e.Timestamp = p.now().UTC()
	}
	return e, nil
}

// NPCLookup is the durable store query behind NPCResolver.
type NPCLookup interface {
	NPCIDByName(ctx context.Context, name string) (int64, error)
}

// NPCResolver memoizes NPC name lookups. Misses are not cached.
type NPCResolver struct {
	lookup NPCLookup
	memo   *cache.Cache
}

func NewNPCResolver(lookup NPCLookup, ttl time.Duration) *NPCResolver {
	return &NPCResolver{
		lookup: lookup,
		memo:   cache.New(ttl, 2*ttl),
	}
}

func (r *NPCResolver) Resolve(ctx context.Context, name string) (int64, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if id, ok := r.memo.Get(key); ok {
		return id.(int64), nil
	}

	id, err := r.lookup.NPCIDByName(ctx, strings.TrimSpace(name))
	if errors.Is(err, database.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if err != nil {
		return 0, err
	}
	r.memo.SetDefault(key, id)
	return id, nil
}
