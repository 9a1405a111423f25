package models

import (
	"fmt"
	"strconv"
	"time"
)

// Partition labels one calendar month as year*100+month, e.g. 202410.
type Partition int

// NoPartition addresses lifetime data only.
const NoPartition Partition = 0

// PartitionOf returns the UTC calendar month containing t.
func PartitionOf(t time.Time) Partition {
	t = t.UTC()
	return Partition(t.Year()*100 + int(t.Month()))
}

// ParsePartition accepts the YYYYMM form used in cache keys and query strings.
func ParsePartition(s string) (Partition, error) {
	if len(s) != 6 {
		return NoPartition, fmt.Errorf("partition %q: want YYYYMM", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return NoPartition, fmt.Errorf("partition %q: %w", s, err)
	}
	p := Partition(n)
	if !p.Valid() {
		return NoPartition, fmt.Errorf("partition %q: month out of range", s)
	}
	return p, nil
}

func (p Partition) Year() int { return int(p) / 100 }
func (p Partition) Month() time.Month { return time.Month(int(p) % 100) }
func (p Partition) IsSet() bool { return p != NoPartition }

func (p Partition) Valid() bool {
	m := int(p) % 100
	return p > 0 && m >= 1 && m <= 12
}

// Start is the first instant of the month in UTC.
func (p Partition) Start() time.Time {
	return time.Date(p.Year(), p.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (p Partition) String() string {
	return fmt.Sprintf("%06d", int(p))
}
