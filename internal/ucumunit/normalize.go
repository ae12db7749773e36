// Package ucumunit wraps github.com/robertoaraneda/gofhir/pkg/ucum with the
// handful of informal unit aliases FHIR quantity search has to accept that
// the library's canonical-unit table does not itself carry (e.g. "lbs" as
// a synonym for the UCUM avoirdupois-pound code "[lb_av]").
package ucumunit

import "github.com/robertoaraneda/gofhir/pkg/ucum"

// synonyms maps informal unit spellings seen in search values to the UCUM
// code the upstream canonicalUnits table recognizes.
var synonyms = map[string]string{
	"lbs": "[lb_av]",
	"cc":  "mL",
	"gm":  "g",
}

// canonicalCode resolves informal aliases and returns the UCUM code to feed to
// the upstream normalizer.
func canonicalCode(code string) string {
	if mapped, ok := synonyms[code]; ok {
		return mapped
	}
	return code
}

// Normalized is a quantity expressed in canonical units, suitable for
// cross-unit comparison.
type Normalized struct {
	Value float64
	Code  string
}

// Normalize canonicalizes value/system/code into comparable units. A
// missing or non-UCUM system passes the value through unchanged, per FHIR
// quantity search rules (§4.4): a missing unit or system matches any.
func Normalize(value float64, system, code string) Normalized {
	n := ucum.NormalizeWithSystem(value, system, canonicalCode(code))
	return Normalized{Value: n.Value, Code: n.Code}
}

// Comparable reports whether two normalized quantities share a canonical
// unit and can therefore be ordered against each other.
func Comparable(a, b Normalized) bool {
	return a.Code == b.Code
}

// IsKnown reports whether code (after synonym resolution) is a recognized
// UCUM unit.
func IsKnown(code string) bool {
	return ucum.IsKnownUnit(canonicalCode(code))
}
