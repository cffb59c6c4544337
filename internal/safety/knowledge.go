// Package safety analyzes a patient's active medications for interactions,
// allergy conflicts, condition contraindications and guideline gaps.
package safety

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Severity grades an interaction or allergy finding
type Severity string

const (
	SeverityMinor           Severity = "minor"
	SeverityModerate        Severity = "moderate"
	SeverityMajor           Severity = "major"
	SeverityContraindicated Severity = "contraindicated"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityMinor, SeverityModerate, SeverityMajor, SeverityContraindicated:
		return true
	}
	return false
}

// InteractionRule is a drug-drug interaction keyed by two generic names.
type InteractionRule struct {
	DrugA           string   `json:"drug_a"`
	DrugB           string   `json:"drug_b"`
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	Mechanism       string   `json:"mechanism"`
	ClinicalEffects string   `json:"clinical_effects"`
	Management      string   `json:"management"`
	Evidence        string   `json:"evidence"`
}

// ClassRule is an interaction between two drug classes. A side matches a
// drug whose class tags or generic name equal it.
type ClassRule struct {
	SideA       string   `json:"side_a"`
	SideB       string   `json:"side_b"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Management  string   `json:"management"`
}

// ConditionRule lists drugs or classes to avoid for one condition.
type ConditionRule struct {
	Condition       string   `json:"condition"`
	Aliases         []string `json:"aliases,omitempty"`
	Contraindicated []string `json:"contraindicated"`
	Caution         []string `json:"use_caution"`
}

// CrossReactivity lists generics that may react with an allergen family.
type CrossReactivity struct {
	Allergen string   `json:"allergen"`
	Drugs    []string `json:"drugs"`
}

// Requirement is one weighted guideline item. It is met when at least
// MinDrugs distinct active drugs match any satisfier; items without
// satisfiers are not drug-checkable and are never met.
type Requirement struct {
	Item       string   `json:"item"`
	Weight     int      `json:"weight"`
	Satisfiers []string `json:"satisfiers,omitempty"`
	MinDrugs   int      `json:"min_drugs,omitempty"`
}

// Guideline is a weighted checklist for one condition.
type Guideline struct {
	Key          string        `json:"key"`
	Source       string        `json:"source"`
	Version      string        `json:"version"`
	Requirements []Requirement `json:"requirements"`
}

// GuidelineAlias maps a condition phrase onto a guideline key.
type GuidelineAlias struct {
	Alias     string `json:"alias"`
	Guideline string `json:"guideline"`
}

// Tables is the raw knowledge consumed by NewKnowledgeBase
type Tables struct {
	Interactions      []InteractionRule
	ClassInteractions []ClassRule
	Conditions        []ConditionRule
	CrossReactivity   []CrossReactivity
	Guidelines        []Guideline
	GuidelineAliases  []GuidelineAlias
}

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	x, y = strings.ToLower(x), strings.ToLower(y)
	if y < x {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type alias struct {
	tokens    []string
	guideline string
}

// KnowledgeBase is the indexed, read-only form of Tables. It is safe for
// concurrent use.
type KnowledgeBase struct {
	pairs      map[pairKey]InteractionRule
	classRules []ClassRule
	conditions map[string]*ConditionRule
	cross      []CrossReactivity
	guidelines map[string]Guideline
	aliases    []alias
}

// NewKnowledgeBase validates and indexes t. All problems are reported
// together.
func NewKnowledgeBase(t Tables) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{
		pairs:      make(map[pairKey]InteractionRule, len(t.Interactions)),
		conditions: make(map[string]*ConditionRule, len(t.Conditions)),
		guidelines: make(map[string]Guideline, len(t.Guidelines)),
	}
	var errs []error

	for i, r := range t.Interactions {
		if r.DrugA == "" || r.DrugB == "" {
			errs = append(errs, fmt.Errorf("interaction %d: empty drug name", i))
			continue
		}
		if !r.Severity.Valid() {
			errs = append(errs, fmt.Errorf("interaction %s/%s: unknown severity %q", r.DrugA, r.DrugB, r.Severity))
			continue
		}
		key := newPairKey(r.DrugA, r.DrugB)
		if _, dup := kb.pairs[key]; dup {
			errs = append(errs, fmt.Errorf("interaction %s/%s: duplicate rule", r.DrugA, r.DrugB))
			continue
		}
		kb.pairs[key] = r
	}

	for i, r := range t.ClassInteractions {
		if r.SideA == "" || r.SideB == "" {
			errs = append(errs, fmt.Errorf("class interaction %d: empty side", i))
			continue
		}
		if !r.Severity.Valid() {
			errs = append(errs, fmt.Errorf("class interaction %s/%s: unknown severity %q", r.SideA, r.SideB, r.Severity))
			continue
		}
		kb.classRules = append(kb.classRules, r)
	}

	for i := range t.Conditions {
		c := t.Conditions[i]
		if c.Condition == "" {
			errs = append(errs, fmt.Errorf("condition rule %d: empty condition", i))
			continue
		}
		for _, name := range append([]string{c.Condition}, c.Aliases...) {
			key := conditionKey(name)
			if _, dup := kb.conditions[key]; dup {
				errs = append(errs, fmt.Errorf("condition %q: duplicate name %q", c.Condition, name))
				continue
			}
			kb.conditions[key] = &c
		}
	}

	for i, c := range t.CrossReactivity {
		if c.Allergen == "" || len(c.Drugs) == 0 {
			errs = append(errs, fmt.Errorf("cross reactivity %d: allergen and drugs are required", i))
			continue
		}
		kb.cross = append(kb.cross, c)
	}

	for _, g := range t.Guidelines {
		if g.Key == "" {
			errs = append(errs, errors.New("guideline with empty key"))
			continue
		}
		if len(g.Requirements) == 0 {
			errs = append(errs, fmt.Errorf("guideline %s: no requirements", g.Key))
			continue
		}
		valid := true
		for _, r := range g.Requirements {
			if r.Weight <= 0 {
				errs = append(errs, fmt.Errorf("guideline %s: requirement %q has non-positive weight %d", g.Key, r.Item, r.Weight))
				valid = false
			}
		}
		if valid {
			kb.guidelines[g.Key] = g
		}
	}

	for _, a := range t.GuidelineAliases {
		tokens := strings.Fields(strings.ToLower(a.Alias))
		if len(tokens) == 0 {
			errs = append(errs, fmt.Errorf("guideline alias for %s: empty alias", a.Guideline))
			continue
		}
		if _, ok := kb.guidelines[a.Guideline]; !ok {
			errs = append(errs, fmt.Errorf("guideline alias %q: unknown guideline %q", a.Alias, a.Guideline))
			continue
		}
		kb.aliases = append(kb.aliases, alias{tokens: tokens, guideline: a.Guideline})
	}
	// longer phrases win over their sub-phrases
	sort.SliceStable(kb.aliases, func(i, j int) bool {
		return len(kb.aliases[i].tokens) > len(kb.aliases[j].tokens)
	})

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid knowledge tables: %w", errors.Join(errs...))
	}
	return kb, nil
}

// DefaultKnowledgeBase indexes DefaultTables. It panics if the built-in
// tables are invalid.
func DefaultKnowledgeBase() *KnowledgeBase {
	kb, err := NewKnowledgeBase(DefaultTables())
	if err != nil {
		panic(err)
	}
	return kb
}

// Interaction returns the pairwise rule for two generic names
func (kb *KnowledgeBase) Interaction(a, b string) (InteractionRule, bool) {
	r, ok := kb.pairs[newPairKey(a, b)]
	return r, ok
}

// classInteraction returns the first class rule matching two drugs.
func (kb *KnowledgeBase) classInteraction(a, b drugProfile) (ClassRule, bool) {
	for _, r := range kb.classRules {
		if (a.matches(r.SideA) && b.matches(r.SideB)) || (a.matches(r.SideB) && b.matches(r.SideA)) {
			return r, true
		}
	}
	return ClassRule{}, false
}

// Condition returns the contraindication table for a condition or alias.
func (kb *KnowledgeBase) Condition(name string) (*ConditionRule, bool) {
	c, ok := kb.conditions[conditionKey(name)]
	return c, ok
}

// GuidelineFor maps a free-text condition onto a guideline by whole-word
// alias match.
func (kb *KnowledgeBase) GuidelineFor(condition string) (Guideline, bool) {
	tokens := strings.Fields(strings.ToLower(strings.NewReplacer("_", " ", "-", " ", ",", " ").Replace(condition)))
	for _, a := range kb.aliases {
		if containsPhrase(tokens, a.tokens) {
			return kb.guidelines[a.guideline], true
		}
	}
	return Guideline{}, false
}

func containsPhrase(tokens, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j := range phrase {
			if tokens[i+j] != phrase[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func conditionKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(s))), "_")
}

// drugProfile is an active drug with its class split into matchable tags.
type drugProfile struct {
	generic string
	class   string
	tags    map[string]struct{}
}

func newDrugProfile(generic, class string) drugProfile {
	p := drugProfile{
		generic: strings.ToLower(generic),
		class:   strings.ToLower(class),
		tags:    make(map[string]struct{}),
	}
	if p.class != "" {
		p.tags[p.class] = struct{}{}
		for _, part := range strings.Split(p.class, "_") {
			if part != "" {
				p.tags[part] = struct{}{}
			}
		}
	}
	return p
}

func (p drugProfile) matches(term string) bool {
	term = strings.ToLower(term)
	if term == p.generic {
		return true
	}
	_, ok := p.tags[term]
	return ok
}
