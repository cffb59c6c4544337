package safety

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/medrecon/internal/domain/medication"
)

// RiskLevel is the aggregate outcome of one analysis
type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
	RiskError    RiskLevel = "ERROR"
)

// ErrNoKnowledgeBase is reported when an analyzer has no tables loaded.
var ErrNoKnowledgeBase = errors.New("safety knowledge base not loaded")

// Interaction is a detected drug-drug interaction
type Interaction struct {
	DrugA           string   `json:"drug_a"`
	DrugB           string   `json:"drug_b"`
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	Mechanism       string   `json:"mechanism,omitempty"`
	ClinicalEffects string   `json:"clinical_effects,omitempty"`
	Management      string   `json:"management,omitempty"`
	Evidence        string   `json:"evidence_level"`
	ClassLevel      bool     `json:"class_level"`
}

// Allergy risk types
const (
	AllergyDirect          = "direct"
	AllergyCrossReactivity = "cross_reactivity"
)

// AllergyAlert is a conflict between an active drug and a recorded allergy
type AllergyAlert struct {
	Drug         string   `json:"drug"`
	Allergen     string   `json:"allergen"`
	RiskType     string   `json:"risk_type"`
	Severity     Severity `json:"severity"`
	Description  string   `json:"description"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// DuplicateTherapy flags several active drugs of the same class
type DuplicateTherapy struct {
	Drugs          []string `json:"drugs"`
	DrugClass      string   `json:"drug_class"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation"`
}

// Contraindication levels
const (
	LevelContraindicated = "contraindicated"
	LevelCaution         = "caution"
)

// Contraindication is an active drug flagged by a patient condition
type Contraindication struct {
	Drug        string `json:"drug"`
	Condition   string `json:"condition"`
	Level       string `json:"level"`
	Description string `json:"description"`
}

// RequirementStatus is one assessed guideline item
type RequirementStatus struct {
	Item   string `json:"item"`
	Weight int    `json:"weight"`
	Met    bool   `json:"met"`
}

// Gap is an unmet guideline requirement
type Gap struct {
	Item     string `json:"item"`
	Priority string `json:"priority"`
}

// GuidelineAssessment is the compliance score against one guideline.
type GuidelineAssessment struct {
	Guideline       string              `json:"guideline"`
	Condition       string              `json:"condition"`
	Source          string              `json:"source"`
	Version         string              `json:"version"`
	Score           float64             `json:"score"`
	Requirements    []RequirementStatus `json:"requirements"`
	Gaps            []Gap               `json:"gaps"`
	Recommendations []string            `json:"recommendations,omitempty"`
}

// Alert types
const (
	AlertInteraction      = "interaction"
	AlertAllergy          = "allergy"
	AlertContraindication = "contraindication"
)

// Alert is a finding requiring immediate attention.
type Alert struct {
	Type           string   `json:"type"`
	Severity       string   `json:"severity"`
	Drugs          []string `json:"drugs,omitempty"`
	Allergen       string   `json:"allergen,omitempty"`
	Condition      string   `json:"condition,omitempty"`
	Description    string   `json:"description"`
	ActionRequired string   `json:"action_required"`
}

// Report is the result of analyzing one medication set
type Report struct {
	RiskLevel           RiskLevel             `json:"risk_level"`
	Interactions        []Interaction         `json:"interactions"`
	AllergyAlerts       []AllergyAlert        `json:"allergy_alerts"`
	DuplicateTherapies  []DuplicateTherapy    `json:"duplicate_therapies"`
	Contraindications   []Contraindication    `json:"contraindications"`
	GuidelineCompliance []GuidelineAssessment `json:"guideline_compliance"`
	ComplianceScore     *float64              `json:"compliance_score,omitempty"`
	HighPriorityAlerts  []Alert               `json:"high_priority_alerts"`
	SuppressedCount     int                   `json:"suppressed_alerts_count"`
	Error               string                `json:"error,omitempty"`
	AnalyzedAt          time.Time             `json:"analyzed_at"`
}

func newReport() *Report {
	return &Report{
		RiskLevel:           RiskNone,
		Interactions:        []Interaction{},
		AllergyAlerts:       []AllergyAlert{},
		DuplicateTherapies:  []DuplicateTherapy{},
		Contraindications:   []Contraindication{},
		GuidelineCompliance: []GuidelineAssessment{},
		HighPriorityAlerts:  []Alert{},
		AnalyzedAt:          time.Now().UTC(),
	}
}

// ErrorReport is the degraded report returned when analysis fails.
func ErrorReport(err error) *Report {
	r := newReport()
	r.RiskLevel = RiskError
	r.Error = err.Error()
	return r
}

// duplicate therapy is expected for these classes
var duplicateExempt = map[string]bool{
	"vitamin":    true,
	"mineral":    true,
	"supplement": true,
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithNormalizer enables therapeutic alternatives on allergy alerts.
func WithNormalizer(n *medication.Normalizer) Option {
	return func(a *Analyzer) { a.normalizer = n }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMinorSuppression controls whether minor interactions are counted
// instead of reported. It is on by default.
func WithMinorSuppression(on bool) Option {
	return func(a *Analyzer) { a.suppressMinor = on }
}

// Analyzer computes safety reports. It holds no per-patient state.
type Analyzer struct {
	kb            *KnowledgeBase
	normalizer    *medication.Normalizer
	logger        *zap.Logger
	suppressMinor bool
}

// NewAnalyzer creates an analyzer over kb
func NewAnalyzer(kb *KnowledgeBase, opts ...Option) *Analyzer {
	a := &Analyzer{
		kb:            kb,
		logger:        zap.NewNop(),
		suppressMinor: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze checks the active medications against each other and against the
// patient's allergies and conditions. It never fails: any internal fault
// yields a report with RiskError and the fault message.
func (a *Analyzer) Analyze(active []medication.MedicationRecord, allergies, conditions []string) (report *Report) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("safety analysis panicked", zap.Any("panic", r))
			report = ErrorReport(fmt.Errorf("safety analysis failed: %v", r))
		}
	}()

	if a == nil || a.kb == nil {
		return ErrorReport(ErrNoKnowledgeBase)
	}

	drugs := make([]medication.MedicationRecord, len(active))
	copy(drugs, active)
	sort.SliceStable(drugs, func(i, j int) bool { return drugs[i].GenericName < drugs[j].GenericName })

	profiles := make([]drugProfile, len(drugs))
	for i, d := range drugs {
		profiles[i] = newDrugProfile(d.GenericName, d.DrugClass)
	}

	report = newReport()
	a.checkInteractions(report, profiles)
	a.checkDuplicates(report, profiles)
	a.checkAllergies(report, drugs, profiles, allergies)
	a.checkConditions(report, profiles, conditions)
	a.checkGuidelines(report, profiles, conditions)

	report.HighPriorityAlerts = highPriority(report)
	report.RiskLevel = riskLevel(report)

	a.logger.Debug("safety analysis complete",
		zap.Int("medications", len(drugs)),
		zap.Int("interactions", len(report.Interactions)),
		zap.Int("allergy_alerts", len(report.AllergyAlerts)),
		zap.String("risk_level", string(report.RiskLevel)),
	)
	return report
}

func (a *Analyzer) checkInteractions(report *Report, drugs []drugProfile) {
	for i := 0; i < len(drugs); i++ {
		for j := i + 1; j < len(drugs); j++ {
			d1, d2 := drugs[i], drugs[j]
			var found Interaction

			if rule, ok := a.kb.Interaction(d1.generic, d2.generic); ok {
				found = Interaction{
					DrugA:           d1.generic,
					DrugB:           d2.generic,
					Severity:        rule.Severity,
					Description:     rule.Description,
					Mechanism:       rule.Mechanism,
					ClinicalEffects: rule.ClinicalEffects,
					Management:      rule.Management,
					Evidence:        rule.Evidence,
				}
			} else if rule, ok := a.kb.classInteraction(d1, d2); ok {
				found = Interaction{
					DrugA:       d1.generic,
					DrugB:       d2.generic,
					Severity:    rule.Severity,
					Description: rule.Description,
					Mechanism:   "Class-level interaction",
					Management:  rule.Management,
					Evidence:    "class-based",
					ClassLevel:  true,
				}
			} else {
				continue
			}

			if a.suppressMinor && found.Severity == SeverityMinor {
				report.SuppressedCount++
				continue
			}
			report.Interactions = append(report.Interactions, found)
		}
	}
}

func (a *Analyzer) checkDuplicates(report *Report, drugs []drugProfile) {
	byClass := make(map[string][]string)
	var classes []string
	for _, d := range drugs {
		if d.class == "" || d.class == medication.UnknownClass || duplicateExempt[d.class] {
			continue
		}
		if _, seen := byClass[d.class]; !seen {
			classes = append(classes, d.class)
		}
		byClass[d.class] = append(byClass[d.class], d.generic)
	}
	sort.Strings(classes)

	for _, class := range classes {
		if len(byClass[class]) < 2 {
			continue
		}
		report.DuplicateTherapies = append(report.DuplicateTherapies, DuplicateTherapy{
			Drugs:          byClass[class],
			DrugClass:      class,
			Description:    fmt.Sprintf("Multiple %s medications prescribed", class),
			Recommendation: "Review if therapeutic duplication is intended",
		})
	}
}

func (a *Analyzer) checkAllergies(report *Report, records []medication.MedicationRecord, drugs []drugProfile, allergies []string) {
	for i, d := range drugs {
		raw := strings.ToLower(records[i].RawName)
		for _, allergy := range allergies {
			allergen := strings.ToLower(strings.TrimSpace(allergy))
			if len(allergen) < 3 {
				continue
			}

			if strings.Contains(d.generic, allergen) || strings.Contains(d.class, allergen) ||
				(raw != "" && strings.Contains(raw, allergen)) {
				report.AllergyAlerts = append(report.AllergyAlerts, AllergyAlert{
					Drug:         d.generic,
					Allergen:     allergy,
					RiskType:     AllergyDirect,
					Severity:     SeverityContraindicated,
					Description:  fmt.Sprintf("Patient is allergic to %s", allergy),
					Alternatives: a.safeAlternatives(d.generic, allergen),
				})
				continue
			}

			for _, group := range a.kb.cross {
				family := strings.ToLower(group.Allergen)
				if !strings.Contains(allergen, family) && !strings.Contains(family, allergen) {
					continue
				}
				if containsFold(group.Drugs, d.generic) {
					report.AllergyAlerts = append(report.AllergyAlerts, AllergyAlert{
						Drug:        d.generic,
						Allergen:    allergy,
						RiskType:    AllergyCrossReactivity,
						Severity:    SeverityMajor,
						Description: fmt.Sprintf("Potential cross-reactivity with %s allergy", allergy),
					})
					break
				}
			}
		}
	}
}

// safeAlternatives lists same-class generics that do not also match the
// allergen.
func (a *Analyzer) safeAlternatives(generic, allergen string) []string {
	if a.normalizer == nil {
		return nil
	}
	var out []string
	for _, alt := range a.normalizer.Alternatives(generic) {
		n := a.normalizer.Normalize(alt)
		if strings.Contains(strings.ToLower(n.GenericName), allergen) || strings.Contains(strings.ToLower(n.DrugClass), allergen) {
			continue
		}
		out = append(out, alt)
	}
	return out
}

func (a *Analyzer) checkConditions(report *Report, drugs []drugProfile, conditions []string) {
	for _, condition := range conditions {
		rule, ok := a.kb.Condition(condition)
		if !ok {
			continue
		}
		for _, d := range drugs {
			if matchesAny(d, rule.Contraindicated) {
				report.Contraindications = append(report.Contraindications, Contraindication{
					Drug:        d.generic,
					Condition:   condition,
					Level:       LevelContraindicated,
					Description: fmt.Sprintf("%s is contraindicated in %s", d.generic, condition),
				})
				continue
			}
			if matchesAny(d, rule.Caution) {
				report.Contraindications = append(report.Contraindications, Contraindication{
					Drug:        d.generic,
					Condition:   condition,
					Level:       LevelCaution,
					Description: fmt.Sprintf("Use %s with caution in %s", d.generic, condition),
				})
			}
		}
	}
}

func (a *Analyzer) checkGuidelines(report *Report, drugs []drugProfile, conditions []string) {
	assessed := make(map[string]bool)
	var total float64
	for _, condition := range conditions {
		g, ok := a.kb.GuidelineFor(condition)
		if !ok || assessed[g.Key] {
			continue
		}
		assessed[g.Key] = true

		assessment := assessGuideline(g, drugs)
		assessment.Condition = condition
		report.GuidelineCompliance = append(report.GuidelineCompliance, assessment)
		total += assessment.Score
	}
	if n := len(report.GuidelineCompliance); n > 0 {
		avg := round1(total / float64(n))
		report.ComplianceScore = &avg
	}
}

func assessGuideline(g Guideline, drugs []drugProfile) GuidelineAssessment {
	out := GuidelineAssessment{
		Guideline:    g.Key,
		Source:       g.Source,
		Version:      g.Version,
		Requirements: make([]RequirementStatus, 0, len(g.Requirements)),
		Gaps:         []Gap{},
	}
	var total, achieved int
	for _, req := range g.Requirements {
		total += req.Weight
		met := requirementMet(req, drugs)
		out.Requirements = append(out.Requirements, RequirementStatus{Item: req.Item, Weight: req.Weight, Met: met})
		if met {
			achieved += req.Weight
			continue
		}
		priority := "medium"
		if req.Weight >= 15 {
			priority = "high"
		}
		out.Gaps = append(out.Gaps, Gap{Item: req.Item, Priority: priority})
		out.Recommendations = append(out.Recommendations, "Consider: "+req.Item)
	}
	if total > 0 {
		out.Score = round1(100 * float64(achieved) / float64(total))
	}
	return out
}

func requirementMet(req Requirement, drugs []drugProfile) bool {
	if len(req.Satisfiers) == 0 {
		return false
	}
	need := req.MinDrugs
	if need < 1 {
		need = 1
	}
	count := 0
	for _, d := range drugs {
		if matchesAny(d, req.Satisfiers) {
			count++
			if count >= need {
				return true
			}
		}
	}
	return false
}

func highPriority(r *Report) []Alert {
	alerts := []Alert{}
	for _, i := range r.Interactions {
		if i.Severity != SeverityMajor && i.Severity != SeverityContraindicated {
			continue
		}
		alerts = append(alerts, Alert{
			Type:           AlertInteraction,
			Severity:       string(i.Severity),
			Drugs:          []string{i.DrugA, i.DrugB},
			Description:    i.Description,
			ActionRequired: i.Management,
		})
	}
	for _, al := range r.AllergyAlerts {
		alerts = append(alerts, Alert{
			Type:           AlertAllergy,
			Severity:       string(al.Severity),
			Drugs:          []string{al.Drug},
			Allergen:       al.Allergen,
			Description:    al.Description,
			ActionRequired: "Consider alternative medication",
		})
	}
	for _, c := range r.Contraindications {
		if c.Level != LevelContraindicated {
			continue
		}
		alerts = append(alerts, Alert{
			Type:           AlertContraindication,
			Severity:       string(SeverityContraindicated),
			Drugs:          []string{c.Drug},
			Condition:      c.Condition,
			Description:    c.Description,
			ActionRequired: "Do not prescribe",
		})
	}
	return alerts
}

func riskLevel(r *Report) RiskLevel {
	for _, i := range r.Interactions {
		if i.Severity == SeverityContraindicated {
			return RiskCritical
		}
	}
	for _, al := range r.AllergyAlerts {
		if al.Severity == SeverityContraindicated {
			return RiskCritical
		}
	}
	for _, i := range r.Interactions {
		if i.Severity == SeverityMajor || i.Severity == SeverityModerate {
			return RiskWarning
		}
	}
	if len(r.AllergyAlerts) > 0 || len(r.Contraindications) > 0 || len(r.DuplicateTherapies) > 0 {
		return RiskWarning
	}
	return RiskNone
}

func matchesAny(d drugProfile, terms []string) bool {
	for _, t := range terms {
		if d.matches(t) {
			return true
		}
	}
	return false
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
