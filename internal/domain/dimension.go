package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VersionRow captures one historical version of a dimension entity.
type VersionRow struct {
	SurrogateKey int64
	EntityID     string
	Name         string
	Category     string
	Price        decimal.NullDecimal
	Currency     string
	ValidFrom    Date
	ValidTo      *Date
	IsCurrent    bool
	CreatedAt    time.Time
}

// Closed returns a copy of the version as it looks after being retired on validTo.
func (v VersionRow) Closed(validTo Date) VersionRow {
	closed := v
	closed.ValidTo = &validTo
	closed.IsCurrent = false
	return closed
}

// Attributes returns the tracked attributes of the version as an incoming record.
func (v VersionRow) Attributes() IncomingRecord {
	return IncomingRecord{
		EntityID: v.EntityID,
		Name:     v.Name,
		Category: v.Category,
		Price:    v.Price,
		Currency: v.Currency,
	}
}

// NewVersionRow builds the current version written for rec starting on validFrom.
// The surrogate key is left for the store to assign.
func NewVersionRow(rec IncomingRecord, validFrom Date, createdAt time.Time) VersionRow {
	return VersionRow{
		EntityID:  rec.EntityID,
		Name:      rec.Name,
		Category:  rec.Category,
		Price:     rec.Price,
		Currency:  rec.Currency,
		ValidFrom: validFrom,
		IsCurrent: true,
		CreatedAt: createdAt.UTC(),
	}
}

// Snapshot maps entity ids to their current version.
type Snapshot map[string]VersionRow

// Lookup returns the current version of entityID, or nil when there is none.
func (s Snapshot) Lookup(entityID string) *VersionRow {
	row, ok := s[entityID]
	if !ok {
		return nil
	}
	return &row
}
