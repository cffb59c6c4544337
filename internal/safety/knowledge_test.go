package safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTablesAreValid(t *testing.T) {
	tables := DefaultTables()
	kb, err := NewKnowledgeBase(tables)
	require.NoError(t, err)

	assert.Len(t, tables.Guidelines, 6)
	assert.Len(t, tables.ClassInteractions, 7)
	assert.Len(t, tables.Conditions, 6)
	assert.Len(t, tables.CrossReactivity, 4)

	rule, ok := kb.Interaction("warfarin", "aspirin")
	require.True(t, ok, "lookup is order independent")
	assert.Equal(t, SeverityMajor, rule.Severity)

	c, ok := kb.Condition("Renal Impairment")
	require.True(t, ok)
	assert.Equal(t, "renal_impairment", c.Condition)
	_, ok = kb.Condition("pregnant")
	assert.True(t, ok)

	for _, g := range tables.Guidelines {
		total := 0
		for _, r := range g.Requirements {
			total += r.Weight
		}
		assert.Equal(t, 100, total, g.Key)
	}
}

func TestNewKnowledgeBaseRejectsMalformedTables(t *testing.T) {
	_, err := NewKnowledgeBase(Tables{
		Interactions: []InteractionRule{
			{DrugA: "a", DrugB: "b", Severity: "severe"},
			{DrugA: "", DrugB: "b", Severity: SeverityMinor},
			{DrugA: "x", DrugB: "y", Severity: SeverityMinor},
			{DrugA: "Y", DrugB: "x", Severity: SeverityMajor},
		},
		Guidelines: []Guideline{
			{Key: "g", Requirements: []Requirement{{Item: "zero", Weight: 0}}},
			{Key: "empty"},
		},
		GuidelineAliases: []GuidelineAlias{{Alias: "foo", Guideline: "missing"}},
	})
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{
		`unknown severity "severe"`,
		"empty drug name",
		"duplicate rule",
		"non-positive weight",
		"no requirements",
		`unknown guideline "missing"`,
	} {
		assert.Contains(t, msg, want)
	}
}

func TestDrugProfileTags(t *testing.T) {
	p := newDrugProfile("apixaban", "anticoagulant_doac")
	assert.True(t, p.matches("anticoagulant"))
	assert.True(t, p.matches("doac"))
	assert.True(t, p.matches("anticoagulant_doac"))
	assert.True(t, p.matches("Apixaban"))
	assert.False(t, p.matches("coagulant"))
}
