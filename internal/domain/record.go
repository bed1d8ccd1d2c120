package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IncomingRecord is one entity's current state as delivered by a batch.
type IncomingRecord struct {
	EntityID string
	Name     string
	Category string
	Price    decimal.NullDecimal
	Currency string

	// Row is the 1-based position of the record in its batch, for error reports.
	Row int
}

// Batch is the normalized set of records produced from one processed file.
type Batch struct {
	// Source names the file the batch was read from.
	Source     string
	Records    []IncomingRecord
	IngestedAt time.Time
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// Deduplicate collapses repeated entity ids, keeping the last occurrence of
// each at the position of its first occurrence. It returns the collapsed
// records and the number of records dropped.
func (b Batch) Deduplicate() ([]IncomingRecord, int) {
	index := make(map[string]int, len(b.Records))
	out := make([]IncomingRecord, 0, len(b.Records))
	for _, rec := range b.Records {
		if pos, ok := index[rec.EntityID]; ok {
			out[pos] = rec
			continue
		}
		index[rec.EntityID] = len(out)
		out = append(out, rec)
	}
	return out, len(b.Records) - len(out)
}

// NewPrice builds a present price from a decimal string, for tests and fixtures.
func NewPrice(raw string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(raw))
}
