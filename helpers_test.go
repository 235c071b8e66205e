package stepflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToPtr(t *testing.T) {
	p := ToPtr(42)
	assert.Equal(t, 42, *p)

	s := ToPtr("test")
	assert.Equal(t, "test", *s)
}

func TestFieldMap(t *testing.T) {
	out := FieldMap(map[FieldID]any{
		"suspectEmail": "a@b.c",
		"suspectPhone": "",
		"consent":      true,
		"optIn":        false,
	})
	assert.Equal(t, map[string]any{"suspectEmail": "a@b.c", "consent": true}, out)
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[FieldID]int{"b": 1, "a": 2, "c": 3})
	assert.Equal(t, []FieldID{"a", "b", "c"}, keys)
}

func TestOutcomeFilter_Matches(t *testing.T) {
	now := time.Now()
	o := &Outcome{WorkflowType: "fraud_report", Status: OutcomeStatusPending, CreatedAt: now}

	assert.True(t, OutcomeFilter{}.Matches(o))
	assert.True(t, OutcomeFilter{WorkflowType: "fraud_report", Since: now.Add(-time.Hour)}.Matches(o))
	assert.False(t, OutcomeFilter{WorkflowType: "property"}.Matches(o))
	assert.False(t, OutcomeFilter{Status: OutcomeStatusResolved}.Matches(o))
	assert.False(t, OutcomeFilter{Since: now.Add(time.Hour)}.Matches(o))
}
