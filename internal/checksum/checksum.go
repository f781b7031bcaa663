// Package checksum computes the order-independent aggregate used to compare a
// source with its replica without moving rows.
//
// Each row contributes a 32-bit FNV-1a hash of its NFC-normalised natural key
// and its last-modified time (UTC, RFC 3339 with nanoseconds). The aggregate is
// the row count plus the sum of row hashes. Row hashes are kept below 2^32 so
// the sum fits a signed 64-bit SQL integer for any realistic table size, which
// lets the replica compute it with SUM() in the database.
package checksum

import (
	"fmt"
	"hash/fnv"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Sum is the aggregate of a set of rows.
type Sum struct {
	Count int64 `json:"count"`
	Hash  int64 `json:"checksum"`
}

// RowHash returns the contribution of a single row.
func RowHash(naturalKey string, updatedAt time.Time) int64 {
	h := fnv.New32a()
	h.Write([]byte(norm.NFC.String(naturalKey)))
	h.Write([]byte{0})
	h.Write([]byte(updatedAt.UTC().Format(time.RFC3339Nano)))
	return int64(h.Sum32())
}

// Add folds one row into the sum.
func (s *Sum) Add(naturalKey string, updatedAt time.Time) {
	s.Count++
	s.Hash += RowHash(naturalKey, updatedAt)
}

// String renders the hash as fixed-width hex, the form stored in reports.
func (s Sum) String() string {
	return fmt.Sprintf("%016x", uint64(s.Hash))
}

// Matches reports whether two aggregates describe the same row set.
func (s Sum) Matches(other Sum) bool {
	return s.Count == other.Count && s.Hash == other.Hash
}
