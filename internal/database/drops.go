package database

import (
	"context"
	"errors"
	"fmt"

	"droptracker/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("not found")

// DurableWriteError reports a batch that could not be committed. The
// transaction was rolled back; the events are not retained anywhere.
type DurableWriteError struct {
	PlayerID int64
	Events   int
	Err      error
}

func (e *DurableWriteError) Error() string {
	return fmt.Sprintf("persist %d drops for player %d: %v", e.Events, e.PlayerID, e.Err)
}

func (e *DurableWriteError) Unwrap() error { return e.Err }

// InsertDrops writes one player's batch in a single transaction, in slice
// order, and registers the player if it is not known yet. The returned
// events carry their assigned drop ids.
func (m *DBManager) InsertDrops(ctx context.Context, playerID int64, events []models.DropEvent) ([]models.DropEvent, error) {
	if len(events) == 0 {
		return nil, nil
	}

	rows := make([]models.Drop, len(events))
	for i, e := range events {
		if e.PlayerID != playerID {
			return nil, &DurableWriteError{PlayerID: playerID, Events: len(events),
				Err: fmt.Errorf("event %d belongs to player %d", i, e.PlayerID)}
		}
		rows[i] = e.Row()
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	err := m.WriteDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		player := models.Player{PlayerID: playerID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&player).Error; err != nil {
			return fmt.Errorf("register player: %w", err)
		}
		return tx.CreateInBatches(rows, len(rows)).Error
	})
	if err != nil {
		return nil, &DurableWriteError{PlayerID: playerID, Events: len(events), Err: err}
	}

	out := make([]models.DropEvent, len(rows))
	for i, r := range rows {
		out[i] = r.Event()
	}
	return out, nil
}

// DropsForPlayer returns every live drop of a player, oldest first. It reads
// from the primary so a rebuild right after a flush sees the new rows.
func (m *DBManager) DropsForPlayer(ctx context.Context, playerID int64) ([]models.DropEvent, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var rows []models.Drop
	err := m.WriteDB.WithContext(ctx).
		Where("player_id = ?", playerID).
		Order("drop_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query drops for player %d: %w", playerID, err)
	}

	events := make([]models.DropEvent, len(rows))
	for i, r := range rows {
		events[i] = r.Event()
	}
	return events, nil
}

// GetDrop loads one live drop.
func (m *DBManager) GetDrop(ctx context.Context, dropID int64) (models.DropEvent, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var row models.Drop
	err := m.WriteDB.WithContext(ctx).First(&row, "drop_id = ?", dropID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DropEvent{}, fmt.Errorf("drop %d: %w", dropID, ErrNotFound)
	}
	if err != nil {
		return models.DropEvent{}, fmt.Errorf("load drop %d: %w", dropID, err)
	}
	return row.Event(), nil
}

// DeleteDrop soft-deletes a drop as a correction and returns what was removed.
// The row stays in the table; rebuilds stop counting it.
func (m *DBManager) DeleteDrop(ctx context.Context, dropID int64) (models.DropEvent, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var row models.Drop
	err := m.WriteDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "drop_id = ?", dropID).Error; err != nil {
			return err
		}
		return tx.Delete(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DropEvent{}, fmt.Errorf("drop %d: %w", dropID, ErrNotFound)
	}
	if err != nil {
		return models.DropEvent{}, fmt.Errorf("delete drop %d: %w", dropID, err)
	}
	return row.Event(), nil
}

// PlayerIDs enumerates the player registry in ascending id order.
func (m *DBManager) PlayerIDs(ctx context.Context) ([]int64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var ids []int64
	err := m.GetReadDB().WithContext(ctx).
		Model(&models.Player{}).
		Order("player_id ASC").
		Pluck("player_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	return ids, nil
}

// NPCIDByName resolves a drop source by its display name.
func (m *DBManager) NPCIDByName(ctx context.Context, name string) (int64, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var npc models.NPC
	err := m.GetReadDB().WithContext(ctx).Where("npc_name = ?", name).First(&npc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("npc %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup npc %q: %w", name, err)
	}
	return npc.NpcID, nil
}

// SaveNPC inserts or renames an NPC entry.
func (m *DBManager) SaveNPC(ctx context.Context, npc models.NPC) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	return m.WriteDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "npc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"npc_name"}),
	}).Create(&npc).Error
}
