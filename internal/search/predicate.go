package search

import (
	"strconv"
	"strings"
	"time"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/store"
	"github.com/nimbusfhir/server/internal/ucumunit"
)

// ChainSearch resolves a reference chain: it type-searches targetType for
// the chained parameter/modifier/value and returns the set of matching ids
// (unqualified, e.g. "123"), used to filter the outer reference predicate
// (spec §4.4 Stage B, Reference).
type ChainSearch func(targetType, chainParam string, chainModifier Modifier, value string) (map[string]bool, error)

// ValueSetMember reports whether (system, code) belongs to valueSetURL,
// backing the :in/:not-in token modifiers (spec §4.4 Stage B, Token).
// Value-set membership is out of this server's in-memory scope beyond a
// literal-code check (no terminology service is wired); it degrades to
// exact (system,code) equality against valueSetURL treated as a single
// code, which is sufficient for the conformance scenarios in spec §8.
type ValueSetMember func(system, code, valueSetURL string) bool

// Evaluator evaluates Stage B predicates for one resource type.
type Evaluator struct {
	Adapter     fhirmodel.Adapter
	Resolver    fhirmodel.ResolverFn
	ChainSearch ChainSearch
	ValueSet    ValueSetMember
}

// Matches reports whether res satisfies Param p, whose compiled expression
// is def.Expression (spec §4.4 Stage B: "A resource matches iff it matches
// every parameter (AND) and every parameter's value list has at least one
// matching value (OR)").
func (e *Evaluator) Matches(res fhirmodel.Resource, def store.SearchParamDefinition, p Param) (bool, error) {
	te := e.Adapter.ToTypedElement(res, e.Resolver)
	elements, err := e.Adapter.EvaluatePath(te, def.Expression, nil)
	if err != nil {
		return false, err
	}

	if p.Modifier == ModMissing {
		want := len(p.Values) > 0 && p.Values[0].Raw == "true"
		return (len(elements) == 0) == want, nil
	}

	anyMatch := false
	for _, term := range p.Values {
		matched, err := e.matchOne(elements, def, p, term)
		if err != nil {
			return false, err
		}
		if matched {
			anyMatch = true
			break
		}
	}
	if p.Modifier == ModNot {
		return !anyMatch, nil
	}
	return anyMatch, nil
}

func (e *Evaluator) matchOne(elements []fhirmodel.ElementValue, def store.SearchParamDefinition, p Param, term ValueTerm) (bool, error) {
	switch p.Type {
	case TypeString:
		return matchesAny(elements, func(ev fhirmodel.ElementValue) bool { return matchString(ev.String, p.Modifier, term.Raw) }), nil
	case TypeURI:
		return matchesAny(elements, func(ev fhirmodel.ElementValue) bool { return ev.String == term.Raw }), nil
	case TypeNumber:
		return matchesAny(elements, func(ev fhirmodel.ElementValue) bool { return matchNumber(ev.String, term.Prefix, term.Raw) }), nil
	case TypeDate:
		return matchesAny(elements, func(ev fhirmodel.ElementValue) bool { return matchDate(ev.String, term.Prefix, term.Raw) }), nil
	case TypeToken:
		return matchesAny(elements, func(ev fhirmodel.ElementValue) bool { return e.matchToken(ev, p.Modifier, term.Raw) }), nil
	case TypeQuantity:
		return matchesAny(elements, func(ev fhirmodel.ElementValue) bool { return matchQuantity(ev, term.Prefix, term.Raw) }), nil
	case TypeReference:
		return e.matchReference(elements, p, term)
	case TypeComposite:
		return matchesAny(elements, func(ev fhirmodel.ElementValue) bool { return strings.Contains(ev.String, term.Raw) }), nil
	default:
		return matchesAny(elements, func(ev fhirmodel.ElementValue) bool { return ev.String == term.Raw }), nil
	}
}

func matchesAny(elements []fhirmodel.ElementValue, pred func(fhirmodel.ElementValue) bool) bool {
	for _, ev := range elements {
		if pred(ev) {
			return true
		}
	}
	return false
}

// matchString implements default case-insensitive prefix match, :exact
// (literal), :contains (substring), :text handled by caller's expression
// choice (spec §4.4 Stage B, String).
func matchString(field string, modifier Modifier, value string) bool {
	switch modifier {
	case ModExact:
		return field == value
	case ModContains:
		return strings.Contains(strings.ToLower(field), strings.ToLower(value))
	default:
		return strings.HasPrefix(strings.ToLower(field), strings.ToLower(value))
	}
}

// matchToken matches on (system, code); an absent query component is a
// wildcard (spec §4.4 Stage B, Token).
func (e *Evaluator) matchToken(ev fhirmodel.ElementValue, modifier Modifier, value string) bool {
	system, code := splitTokenValue(value)
	var elemSystem, elemCode string
	if ev.IsObject {
		elemSystem, _ = ev.Object["system"].(string)
		elemCode, _ = ev.Object["code"].(string)
		if elemCode == "" {
			elemCode, _ = ev.Object["value"].(string) // Identifier.value, CodeableConcept.text fallback
		}
	} else {
		elemCode = ev.String
	}

	switch modifier {
	case ModIn:
		if e.ValueSet != nil {
			return e.ValueSet(elemSystem, elemCode, value)
		}
		return elemCode == code
	case ModNotIn:
		if e.ValueSet != nil {
			return !e.ValueSet(elemSystem, elemCode, value)
		}
		return elemCode != code
	}

	matches := true
	if system != "" {
		matches = matches && elemSystem == system
	}
	if code != "" {
		matches = matches && elemCode == code
	}
	return matches
}

func splitTokenValue(v string) (system, code string) {
	if idx := strings.IndexByte(v, '|'); idx >= 0 {
		return v[:idx], v[idx+1:]
	}
	return "", v
}

// matchQuantity is prefix- and unit-aware; unit codes are UCUM-canonicalized
// (spec §4.4 Stage B, Quantity). A missing unit or system matches any.
func matchQuantity(ev fhirmodel.ElementValue, prefix Prefix, value string) bool {
	if !ev.IsObject {
		return false
	}
	elemValue, _ := toFloat(ev.Object["value"])
	elemSystem, _ := ev.Object["system"].(string)
	elemCode, _ := ev.Object["code"].(string)
	if elemCode == "" {
		elemCode, _ = ev.Object["unit"].(string)
	}

	qVal, qSystem, qCode := splitQuantityValue(value)
	target, err := strconv.ParseFloat(qVal, 64)
	if err != nil {
		return false
	}

	if qCode == "" {
		return comparePrefix(elemValue, target, prefix)
	}

	elemNorm := ucumunit.Normalize(elemValue, elemSystem, elemCode)
	queryNorm := ucumunit.Normalize(target, qSystem, qCode)
	if !ucumunit.Comparable(elemNorm, queryNorm) {
		return false
	}
	return comparePrefix(elemNorm.Value, queryNorm.Value, prefix)
}

func splitQuantityValue(v string) (value, system, code string) {
	parts := strings.SplitN(v, "|", 3)
	value = parts[0]
	if len(parts) > 1 {
		system = parts[1]
	}
	if len(parts) > 2 {
		code = parts[2]
	}
	return
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func matchNumber(field string, prefix Prefix, value string) bool {
	f, err1 := strconv.ParseFloat(field, 64)
	target, err2 := strconv.ParseFloat(value, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	return comparePrefix(f, target, prefix)
}

func comparePrefix(actual, target float64, prefix Prefix) bool {
	const eps = 1e-9
	switch prefix {
	case PrefixNE:
		return actual != target
	case PrefixGT, PrefixSA:
		return actual > target
	case PrefixLT, PrefixEB:
		return actual < target
	case PrefixGE:
		return actual >= target
	case PrefixLE:
		return actual <= target
	case PrefixAP:
		if target == 0 {
			return actual > -0.1 && actual < 0.1
		}
		delta := target * 0.1
		return actual >= target-delta && actual <= target+delta
	default:
		return actual > target-eps && actual < target+eps
	}
}

// matchDate collapses the query's partial-date precision to an interval and
// compares the element (also parsed to an interval) against that interval's
// endpoints per prefix (spec §4.4 Stage B, Date).
func matchDate(field string, prefix Prefix, value string) bool {
	elemStart, elemEnd, ok1 := parseDateInterval(field)
	qStart, qEnd, ok2 := parseDateInterval(value)
	if !ok1 || !ok2 {
		return false
	}
	switch prefix {
	case PrefixEQ:
		return !elemStart.Before(qStart) && !elemEnd.After(qEnd)
	case PrefixNE:
		return elemStart.Before(qStart) || elemEnd.After(qEnd)
	case PrefixGT:
		return elemStart.After(qEnd)
	case PrefixLT:
		return elemEnd.Before(qStart)
	case PrefixGE:
		return !elemStart.Before(qStart)
	case PrefixLE:
		return !elemEnd.After(qEnd)
	case PrefixSA:
		return elemStart.After(qEnd)
	case PrefixEB:
		return elemEnd.Before(qStart)
	case PrefixAP:
		return !elemStart.After(qEnd) && !elemEnd.Before(qStart)
	default:
		return !elemStart.Before(qStart) && !elemEnd.After(qEnd)
	}
}

// parseDateInterval parses a (possibly partial) FHIR date/dateTime/instant
// into its covered [start, end) interval.
func parseDateInterval(s string) (time.Time, time.Time, bool) {
	layouts := []struct {
		layout string
		span   time.Duration
	}{
		{"2006", 0}, // year: handled specially below
		{"2006-01", 0},
		{"2006-01-02", 24 * time.Hour},
		{time.RFC3339, 0},
		{"2006-01-02T15:04:05", time.Second},
	}
	switch len(s) {
	case 4:
		t, err := time.Parse("2006", s)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return t, t.AddDate(1, 0, 0), true
	case 7:
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return t, t.AddDate(0, 1, 0), true
	case 10:
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
		return t, t.AddDate(0, 0, 1), true
	}
	_ = layouts
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, time.Time{}, false
		}
	}
	return t, t, true
}

// matchReference matches on resolved id; a type qualifier restricts the
// target resource type; ".param=..." chains to another store and filters
// this result by whether the chained predicate matches the referent (spec
// §4.4 Stage B, Reference).
func (e *Evaluator) matchReference(elements []fhirmodel.ElementValue, p Param, term ValueTerm) (bool, error) {
	if p.Chain != nil {
		targetType := p.Chain.TargetType
		if targetType == "" && len(p.Values) > 0 {
			// fall back to reference-implied type if present on any element
			for _, ev := range elements {
				if t := referenceType(e.Adapter.ExtractReference(ev)); t != "" {
					targetType = t
					break
				}
			}
		}
		if e.ChainSearch == nil || targetType == "" {
			return false, nil
		}
		matchIDs, err := e.ChainSearch(targetType, p.Chain.Param, ModNone, term.Raw)
		if err != nil {
			return false, err
		}
		for _, ev := range elements {
			ref := e.Adapter.ExtractReference(ev)
			if matchIDs[referenceID(ref)] {
				return true, nil
			}
		}
		return false, nil
	}

	wantType, wantID := splitReferenceValue(term.Raw)
	for _, ev := range elements {
		ref := e.Adapter.ExtractReference(ev)
		refType, refID := splitReferenceValue(ref)
		if wantType != "" && refType != wantType {
			continue
		}
		if refID == wantID {
			return true, nil
		}
	}
	return false, nil
}

func splitReferenceValue(v string) (resourceType, id string) {
	v = strings.TrimPrefix(v, "urn:uuid:")
	if idx := strings.LastIndexByte(v, '/'); idx >= 0 {
		id = v[idx+1:]
		rest := v[:idx]
		if slash := strings.LastIndexByte(rest, '/'); slash >= 0 {
			resourceType = rest[slash+1:]
		} else {
			resourceType = rest
		}
		return resourceType, id
	}
	return "", v
}

func referenceType(ref string) string {
	t, _ := splitReferenceValue(ref)
	return t
}

func referenceID(ref string) string {
	_, id := splitReferenceValue(ref)
	return id
}
