package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Classification is the outcome of comparing an incoming record with the
// current version of the same entity.
type Classification string

const (
	ClassificationNew       Classification = "new"
	ClassificationUnchanged Classification = "unchanged"
	ClassificationChanged   Classification = "changed"
)

// TrackedAttributes lists the attributes whose change produces a new version,
// in the order they are compared and reported.
var TrackedAttributes = []string{"name", "category", "price", "currency"}

// AttributeChange describes one tracked attribute that differs between versions.
type AttributeChange struct {
	Field  string
	Before string
	After  string
}

// Classify decides which transition an incoming record requires.
func Classify(incoming IncomingRecord, current *VersionRow) Classification {
	if current == nil {
		return ClassificationNew
	}
	if len(Diff(current.Attributes(), incoming)) > 0 {
		return ClassificationChanged
	}
	return ClassificationUnchanged
}

// Diff lists the tracked attributes whose canonical text differs between base
// and target. Absent values compare as empty text.
func Diff(base, target IncomingRecord) []AttributeChange {
	before := CanonicalAttributes(base)
	after := CanonicalAttributes(target)

	var changes []AttributeChange
	for _, field := range TrackedAttributes {
		if before[field] != after[field] {
			changes = append(changes, AttributeChange{
				Field:  field,
				Before: before[field],
				After:  after[field],
			})
		}
	}
	return changes
}

// CanonicalAttributes renders the tracked attributes of rec in the form used
// for change detection, so that 12, 12.0 and "12.00" compare equal.
func CanonicalAttributes(rec IncomingRecord) map[string]string {
	return map[string]string{
		"name":     canonicalText(rec.Name),
		"category": canonicalText(rec.Category),
		"price":    canonicalDecimal(rec.Price),
		"currency": canonicalText(rec.Currency),
	}
}

func canonicalText(value string) string {
	return strings.TrimSpace(value)
}

func canonicalDecimal(value decimal.NullDecimal) string {
	if !value.Valid {
		return ""
	}
	return value.Decimal.String()
}
