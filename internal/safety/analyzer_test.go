package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/medrecon/internal/domain/medication"
)

var normalizer = medication.DefaultNormalizer()

func active(names ...string) []medication.MedicationRecord {
	out := make([]medication.MedicationRecord, 0, len(names))
	for _, name := range names {
		n := normalizer.Normalize(name)
		out = append(out, medication.MedicationRecord{
			RawName:     name,
			GenericName: n.GenericName,
			DrugClass:   n.DrugClass,
			IsActive:    true,
		})
	}
	return out
}

func newTestAnalyzer() *Analyzer {
	return NewAnalyzer(DefaultKnowledgeBase(), WithNormalizer(normalizer))
}

func TestAnalyzeAllergyScenario(t *testing.T) {
	report := newTestAnalyzer().Analyze(active("Amoxicillin", "Paracetamol"), []string{"Penicillin"}, nil)

	require.Len(t, report.AllergyAlerts, 1)
	alert := report.AllergyAlerts[0]
	assert.Equal(t, "amoxicillin", alert.Drug)
	assert.Equal(t, "Penicillin", alert.Allergen)
	assert.Equal(t, AllergyDirect, alert.RiskType)
	assert.Empty(t, alert.Alternatives, "same-class alternatives share the allergen")
	assert.Contains(t, []RiskLevel{RiskWarning, RiskCritical}, report.RiskLevel)
	assert.Equal(t, RiskCritical, report.RiskLevel)

	require.Len(t, report.HighPriorityAlerts, 1)
	assert.Equal(t, AlertAllergy, report.HighPriorityAlerts[0].Type)
}

func TestAnalyzeCrossReactivity(t *testing.T) {
	report := newTestAnalyzer().Analyze(active("Brufen"), []string{"aspirin"}, nil)

	require.Len(t, report.AllergyAlerts, 1)
	assert.Equal(t, AllergyCrossReactivity, report.AllergyAlerts[0].RiskType)
	assert.Equal(t, SeverityMajor, report.AllergyAlerts[0].Severity)
	assert.Equal(t, RiskWarning, report.RiskLevel)
}

func TestAnalyzeInteractions(t *testing.T) {
	tests := []struct {
		name       string
		drugs      []string
		severity   Severity
		classLevel bool
		risk       RiskLevel
	}{
		{"pairwise major", []string{"Warfarin", "Ecosprin"}, SeverityMajor, false, RiskWarning},
		{"pairwise contraindicated", []string{"simvastatin", "clarithromycin"}, SeverityContraindicated, false, RiskCritical},
		{"class level", []string{"naproxen", "apixaban"}, SeverityMajor, true, RiskWarning},
		{"class rule names a generic", []string{"omeprazole", "clopidogrel"}, SeverityModerate, true, RiskWarning},
		{"pairwise wins over class", []string{"ibuprofen", "warfarin"}, SeverityMajor, false, RiskWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := newTestAnalyzer().Analyze(active(tt.drugs...), nil, nil)
			require.Len(t, report.Interactions, 1)
			assert.Equal(t, tt.severity, report.Interactions[0].Severity)
			assert.Equal(t, tt.classLevel, report.Interactions[0].ClassLevel)
			assert.Equal(t, tt.risk, report.RiskLevel)
		})
	}
}

func TestAnalyzeSuppressesMinor(t *testing.T) {
	report := newTestAnalyzer().Analyze(active("calcium", "iron", "omeprazole"), nil, nil)
	assert.Empty(t, report.Interactions)
	assert.Equal(t, 2, report.SuppressedCount)
	assert.Equal(t, RiskNone, report.RiskLevel)

	report = NewAnalyzer(DefaultKnowledgeBase(), WithMinorSuppression(false)).
		Analyze(active("calcium", "iron"), nil, nil)
	require.Len(t, report.Interactions, 1)
	assert.Equal(t, SeverityMinor, report.Interactions[0].Severity)
	assert.Equal(t, RiskNone, report.RiskLevel)
}

func TestAnalyzeDuplicateTherapy(t *testing.T) {
	report := newTestAnalyzer().Analyze(active("atorvastatin", "rosuvastatin", "calcium", "iron"), nil, nil)
	require.Len(t, report.DuplicateTherapies, 1)
	assert.Equal(t, "statin", report.DuplicateTherapies[0].DrugClass)
	assert.ElementsMatch(t, []string{"atorvastatin", "rosuvastatin"}, report.DuplicateTherapies[0].Drugs)
	assert.Equal(t, RiskWarning, report.RiskLevel)
}

func TestAnalyzeConditionContraindications(t *testing.T) {
	report := newTestAnalyzer().Analyze(active("metformin", "lisinopril", "paracetamol"), nil, []string{"Chronic Kidney Disease"})

	require.Len(t, report.Contraindications, 2)
	levels := map[string]string{}
	for _, c := range report.Contraindications {
		levels[c.Drug] = c.Level
	}
	assert.Equal(t, LevelCaution, levels["lisinopril"])
	assert.Equal(t, LevelContraindicated, levels["metformin"])

	require.Len(t, report.HighPriorityAlerts, 1)
	assert.Equal(t, AlertContraindication, report.HighPriorityAlerts[0].Type)
	assert.Equal(t, RiskWarning, report.RiskLevel)
}

func TestAnalyzeGuidelineCompliance(t *testing.T) {
	report := newTestAnalyzer().Analyze(active("metformin", "atorvastatin"), nil, []string{"Type 2 Diabetes", "T2DM"})

	require.Len(t, report.GuidelineCompliance, 1, "one assessment per guideline")
	g := report.GuidelineCompliance[0]
	assert.Equal(t, "diabetes_type2", g.Guideline)
	// metformin 15 + statin 15 out of 100
	assert.Equal(t, 30.0, g.Score)
	require.NotNil(t, report.ComplianceScore)
	assert.Equal(t, 30.0, *report.ComplianceScore)

	priorities := map[string]string{}
	for _, gap := range g.Gaps {
		priorities[gap.Item] = gap.Priority
	}
	assert.Equal(t, "high", priorities["SGLT2i or GLP-1 RA if ASCVD/HF/CKD"])
	assert.Equal(t, "medium", priorities["Aspirin if high CV risk"])
	assert.NotContains(t, priorities, "Metformin first-line unless contraindicated")
}

func TestAnalyzeDAPTNeedsTwoAntiplatelets(t *testing.T) {
	kb := DefaultKnowledgeBase()
	g, ok := kb.GuidelineFor("NSTEMI")
	require.True(t, ok)

	met := func(drugs ...string) bool {
		var profiles []drugProfile
		for _, r := range active(drugs...) {
			profiles = append(profiles, newDrugProfile(r.GenericName, r.DrugClass))
		}
		return requirementMet(g.Requirements[0], profiles)
	}
	assert.False(t, met("clopidogrel"))
	assert.True(t, met("aspirin", "ticagrelor"))
}

func TestGuidelineAliasesMatchWholeWords(t *testing.T) {
	kb := DefaultKnowledgeBase()

	g, ok := kb.GuidelineFor("history of MI")
	require.True(t, ok)
	assert.Equal(t, "acute_coronary_syndrome", g.Key)

	g, ok = kb.GuidelineFor("congestive heart failure")
	require.True(t, ok)
	assert.Equal(t, "heart_failure_hfref", g.Key)

	_, ok = kb.GuidelineFor("migraine")
	assert.False(t, ok, "mi inside a word must not match")
}

func TestAnalyzeNeverFails(t *testing.T) {
	var nilAnalyzer *Analyzer
	report := nilAnalyzer.Analyze(active("metformin"), nil, nil)
	assert.Equal(t, RiskError, report.RiskLevel)
	assert.Contains(t, report.Error, "knowledge base")

	report = NewAnalyzer(&KnowledgeBase{}).Analyze(active("metformin", "aspirin"), nil, []string{"diabetes"})
	assert.Equal(t, RiskNone, report.RiskLevel)
}

func TestAnalyzeEmpty(t *testing.T) {
	report := newTestAnalyzer().Analyze(nil, nil, nil)
	assert.Equal(t, RiskNone, report.RiskLevel)
	assert.NotNil(t, report.Interactions)
	assert.NotNil(t, report.HighPriorityAlerts)
}

func TestAlertEvents(t *testing.T) {
	report := newTestAnalyzer().Analyze(active("simvastatin", "clarithromycin", "amoxicillin"), []string{"penicillin"}, nil)
	date := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	events := AlertEvents("P1", report, date)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, medication.EventSafetyAlert, e.EventType)
		assert.Equal(t, medication.SeverityDanger, e.Severity)
		assert.True(t, e.EventDate.Equal(date))
		assert.Equal(t, "CRITICAL", e.Details["risk_level"])
	}
	assert.Equal(t, "Drug interaction (contraindicated): clarithromycin + simvastatin", events[0].Description)
	assert.Equal(t, "Allergy alert: amoxicillin conflicts with penicillin", events[1].Description)
	assert.Nil(t, AlertEvents("P1", nil, date))
}
