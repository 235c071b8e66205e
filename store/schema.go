package store

import (
	"fmt"
	"time"
)

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entity_type"
	AttrValue      = "value"

	// Entity types
	EntityTypeOutcome  = "Outcome"
	EntityTypeSequence = "Sequence"

	// Index names
	IndexAllOutcomes  = "GSI1"
	IndexTypeOutcomes = "GSI2"
)

// Key builders for single-table design

// Outcome keys: PK=OUTCOME#{reference}, SK=META
func outcomePK(reference string) string {
	return fmt.Sprintf("OUTCOME#%s", reference)
}

func outcomeSK() string {
	return "META"
}

// GSI1 lists every outcome: PK=OUTCOMES, SK={createdAt}#{reference}
func outcomeGSI1PK() string {
	return "OUTCOMES"
}

// GSI2 lists outcomes of one workflow type: PK=TYPE#{type}, SK={createdAt}#{reference}
func outcomeGSI2PK(workflowType string) string {
	return fmt.Sprintf("TYPE#%s", workflowType)
}

// outcomeSortKey orders lexicographically by creation time. The reference
// suffix keeps keys unique within the same instant.
func outcomeSortKey(createdAt time.Time, reference string) string {
	return fmt.Sprintf("%s#%s", createdAt.UTC().Format(sortableTime), reference)
}

// sortableTime is RFC3339 with fixed-width nanoseconds so that string order
// equals time order
const sortableTime = "2006-01-02T15:04:05.000000000Z"

func sortKeyLowerBound(t time.Time) string {
	return t.UTC().Format(sortableTime)
}

// Sequence keys: PK=SEQ#{prefix}#{year}, SK=COUNTER
func sequencePK(prefix string, year int) string {
	return fmt.Sprintf("SEQ#%s#%d", prefix, year)
}

func sequenceSK() string {
	return "COUNTER"
}
