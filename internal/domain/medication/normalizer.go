package medication

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MatchMethod describes how a raw name was resolved.
type MatchMethod string

const (
	MatchGeneric MatchMethod = "generic"
	MatchBrand   MatchMethod = "brand"
	MatchFuzzy   MatchMethod = "fuzzy"
	MatchUnknown MatchMethod = "unknown"
)

// UnknownClass is the drug class reported for names missing from the table.
const UnknownClass = "unknown"

const (
	exactConfidence   = 0.95
	unknownConfidence = 0.3
	fuzzyThreshold    = 0.8
	fuzzyMaxLenDelta  = 3
)

// dosage-form words that extraction often leaves in front of the drug name
var formPrefixes = map[string]struct{}{
	"tab": {}, "tabs": {}, "tablet": {}, "cap": {}, "caps": {}, "capsule": {},
	"syp": {}, "syrup": {}, "inj": {}, "injection": {}, "susp": {},
}

// Normalization is the result of resolving one raw drug name.
type Normalization struct {
	RawName          string      `json:"raw_name"`
	GenericName      string      `json:"generic_name"`
	DrugClass        string      `json:"drug_class"`
	TherapeuticClass string      `json:"therapeutic_class,omitempty"`
	IsBrandName      bool        `json:"is_brand_name"`
	Method           MatchMethod `json:"method"`
	Confidence       float64     `json:"confidence"`
}

// Known reports whether the name resolved to a table entry.
func (n Normalization) Known() bool { return n.Method != MatchUnknown }

type nameHit struct {
	entry   *DrugEntry
	isBrand bool
}

// Normalizer maps free-text drug names onto canonical generic names.
// It is immutable after construction and safe for concurrent use.
type Normalizer struct {
	entries []DrugEntry
	byName  map[string]nameHit
	byClass map[string][]string
	names   []string
}

// NewNormalizer indexes a drug table. Duplicate generics and names that
// resolve to two different generics are rejected.
func NewNormalizer(table []DrugEntry) (*Normalizer, error) {
	n := &Normalizer{
		entries: make([]DrugEntry, len(table)),
		byName:  make(map[string]nameHit),
		byClass: make(map[string][]string),
	}
	copy(n.entries, table)

	for i := range n.entries {
		e := &n.entries[i]
		if strings.TrimSpace(e.Generic) == "" {
			return nil, fmt.Errorf("drug table row %d: empty generic name", i)
		}
		if e.Class == "" {
			e.Class = UnknownClass
		}
		key := canonicalKey(e.Generic)
		if prev, ok := n.byName[key]; ok {
			return nil, fmt.Errorf("drug table: %q collides with %q", e.Generic, prev.entry.Generic)
		}
		n.byName[key] = nameHit{entry: e}
		n.byClass[e.Class] = append(n.byClass[e.Class], e.Generic)
	}

	for i := range n.entries {
		e := &n.entries[i]
		for _, brand := range e.Brands {
			key := canonicalKey(brand)
			if key == "" {
				continue
			}
			if prev, ok := n.byName[key]; ok {
				if prev.entry.Generic != e.Generic {
					return nil, fmt.Errorf("drug table: brand %q maps to both %q and %q", brand, prev.entry.Generic, e.Generic)
				}
				continue
			}
			n.byName[key] = nameHit{entry: e, isBrand: true}
		}
	}

	n.names = make([]string, 0, len(n.byName))
	for name := range n.byName {
		n.names = append(n.names, name)
	}
	sort.Strings(n.names)
	return n, nil
}

// DefaultNormalizer returns a normalizer over DefaultDrugTable.
func DefaultNormalizer() *Normalizer {
	n, err := NewNormalizer(DefaultDrugTable())
	if err != nil {
		panic(err)
	}
	return n
}

// Normalize resolves raw to a generic name. It never fails: names missing
// from the table fall back to their folded form with class "unknown".
func (n *Normalizer) Normalize(raw string) Normalization {
	key := canonicalKey(raw)
	result := Normalization{RawName: raw}

	if hit, ok := n.byName[key]; ok {
		result.GenericName = hit.entry.Generic
		result.DrugClass = hit.entry.Class
		result.TherapeuticClass = hit.entry.TherapeuticClass
		result.IsBrandName = hit.isBrand
		result.Confidence = exactConfidence
		result.Method = MatchGeneric
		if hit.isBrand {
			result.Method = MatchBrand
		}
		return result
	}

	if name, score, ok := n.fuzzyMatch(key); ok {
		hit := n.byName[name]
		result.GenericName = hit.entry.Generic
		result.DrugClass = hit.entry.Class
		result.TherapeuticClass = hit.entry.TherapeuticClass
		result.IsBrandName = hit.isBrand
		result.Confidence = score
		result.Method = MatchFuzzy
		return result
	}

	result.GenericName = key
	result.DrugClass = UnknownClass
	result.Confidence = unknownConfidence
	result.Method = MatchUnknown
	return result
}

// fuzzyMatch returns the closest indexed name whose similarity ratio
// exceeds the threshold. Ties keep the lexically first name.
func (n *Normalizer) fuzzyMatch(key string) (string, float64, bool) {
	if key == "" {
		return "", 0, false
	}
	keyLen := len([]rune(key))

	best, bestScore := "", 0.0
	for _, name := range n.names {
		nameLen := len([]rune(name))
		if abs(nameLen-keyLen) > fuzzyMaxLenDelta {
			continue
		}
		longest := nameLen
		if keyLen > longest {
			longest = keyLen
		}
		score := 1 - float64(levenshtein.ComputeDistance(key, name))/float64(longest)
		if score > fuzzyThreshold && score > bestScore {
			best, bestScore = name, score
		}
	}
	return best, bestScore, best != ""
}

// Lookup returns the table entry for a generic name.
func (n *Normalizer) Lookup(generic string) (DrugEntry, bool) {
	hit, ok := n.byName[canonicalKey(generic)]
	if !ok || hit.isBrand {
		return DrugEntry{}, false
	}
	return *hit.entry, true
}

// Alternatives lists other generics sharing the drug class of raw.
func (n *Normalizer) Alternatives(raw string) []string {
	res := n.Normalize(raw)
	if !res.Known() {
		return nil
	}
	var out []string
	for _, g := range n.byClass[res.DrugClass] {
		if g != res.GenericName {
			out = append(out, g)
		}
	}
	return out
}

// SameDrug reports whether two names resolve to the same generic.
func (n *Normalizer) SameDrug(a, b string) bool {
	return n.Normalize(a).GenericName == n.Normalize(b).GenericName
}

// canonicalKey folds case, accents, separators and dosage-form prefixes.
func canonicalKey(s string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("_", " ", "-", " ").Replace(folded)

	fields := strings.Fields(folded)
	for len(fields) > 1 {
		if _, ok := formPrefixes[strings.TrimSuffix(fields[0], ".")]; !ok {
			break
		}
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
