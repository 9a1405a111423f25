package models

import (
	"time"

	"gorm.io/gorm"
)

// Plugin clients (game-client integrations allowed to submit drops)
type Client struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ClientID   string `gorm:"type:varchar(100);uniqueIndex;not null"`
	Name       string `gorm:"type:varchar(255);not null"`
	Email      string `gorm:"type:varchar(255);uniqueIndex;not null"`
	APIKeyHash string `gorm:"type:varchar(255);not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Client) TableName() string {
	return "clients"
}

// Player registry
type Player struct {
	PlayerID   int64  `gorm:"primaryKey;autoIncrement:false"`
	PlayerName string `gorm:"type:varchar(20);index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Player) TableName() string {
	return "players"
}

// Drops (immutable facts; corrections are soft deletes)
type Drop struct {
	DropID    int64     `gorm:"primaryKey;autoIncrement"`
	ItemID    int64     `gorm:"index;not null"`
	PlayerID  int64     `gorm:"index:idx_player_date;not null"`
	NpcID     *int64    `gorm:"index"`
	Value     int64     `gorm:"not null;default:0"`
	Quantity  int64     `gorm:"not null;default:1"`
	DateAdded time.Time `gorm:"index:idx_player_date;not null"`
	Partition int       `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

func (Drop) TableName() string {
	return "drops"
}

// NPC list used to resolve drop sources by name
type NPC struct {
	NpcID   int64  `gorm:"primaryKey;autoIncrement:false"`
	NpcName string `gorm:"type:varchar(100);uniqueIndex;not null"`
}

func (NPC) TableName() string {
	return "npc_list"
}

// DropEvent is the in-process form of a drop. NpcID is zero when the drop has no source.
type DropEvent struct {
	DropID    int64     `json:"drop_id,omitempty"`
	ItemID    int64     `json:"item_id"`
	PlayerID  int64     `json:"player_id"`
	NpcID     int64     `json:"npc_id,omitempty"`
	Value     int64     `json:"value"`
	Quantity  int64     `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

func (e DropEvent) HasSource() bool {
	return e.NpcID != 0
}

// Partition returns the month bucket of the event, or NoPartition if it carries no date.
func (e DropEvent) Partition() Partition {
	if e.Timestamp.IsZero() {
		return NoPartition
	}
	return PartitionOf(e.Timestamp)
}

func (e DropEvent) Row() Drop {
	d := Drop{
		DropID:    e.DropID,
		ItemID:    e.ItemID,
		PlayerID:  e.PlayerID,
		Value:     e.Value,
		Quantity:  e.Quantity,
		DateAdded: e.Timestamp.UTC(),
		Partition: int(e.Partition()),
	}
	if e.HasSource() {
		npc := e.NpcID
		d.NpcID = &npc
	}
	return d
}

func (d Drop) Event() DropEvent {
	e := DropEvent{
		DropID:    d.DropID,
		ItemID:    d.ItemID,
		PlayerID:  d.PlayerID,
		Value:     d.Value,
		Quantity:  d.Quantity,
		Timestamp: d.DateAdded.UTC(),
	}
	if d.NpcID != nil {
		e.NpcID = *d.NpcID
	}
	return e
}
