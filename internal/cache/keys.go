package cache

import (
	"fmt"
	"strconv"
	"strings"

	"droptracker/internal/models"
)

// Hash field names shared by the lifetime and partition stats entries.
const (
	FieldTotalValue  = "total_value"
	FieldTotalDrops  = "total_drops"
	FieldLastUpdated = "last_updated"
)

// Suffixes of the per-id fields in the items and bosses hashes.
const (
	statQuantity = "quantity"
	statDrops    = "drops"
	statValue    = "value"
)

// KeySet addresses the cache entries for one player and optionally one partition.
// Stats, Items and Bosses are empty when no partition was given.
type KeySet struct {
	Total     string
	Stats     string
	Items     string
	Bosses    string
	Partition models.Partition
}

func Keys(playerID int64, p models.Partition) KeySet {
	base := fmt.Sprintf("player:%d", playerID)
	ks := KeySet{Total: base + ":total"}
	if p.IsSet() {
		ks.Partition = p
		ks.Stats = fmt.Sprintf("%s:stats:%s", base, p)
		ks.Items = fmt.Sprintf("%s:items:%s", base, p)
		ks.Bosses = fmt.Sprintf("%s:bosses:%s", base, p)
	}
	return ks
}

func (k KeySet) HasPartition() bool {
	return k.Partition.IsSet()
}

// PartitionKeys are the TTL-bound entries.
func (k KeySet) PartitionKeys() []string {
	if !k.HasPartition() {
		return nil
	}
	return []string{k.Stats, k.Items, k.Bosses}
}

func (k KeySet) All() []string {
	return append([]string{k.Total}, k.PartitionKeys()...)
}

func itemField(itemID int64, stat string) string {
	return strconv.FormatInt(itemID, 10) + ":" + stat
}

// splitField parses "<id>:<stat>".
func splitField(field string) (int64, string, bool) {
	idPart, stat, ok := strings.Cut(field, ":")
	if !ok {
		return 0, "", false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, stat, true
}
