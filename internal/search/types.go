// Package search implements the Search Engine (C4, spec §4.4): parsing
// query strings into typed parameters, predicate evaluation with modifiers,
// prefixes, chaining, and _include/_revinclude graph expansion, producing a
// searchset Bundle.
//
// Grounded on internal/platform/fhir/search.go (SearchPrefix/SearchModifier
// constants, ParsedSearch, ParseSearchValue/ParseParamModifier) and
// internal/platform/fhir/include.go (IncludeRegistry), re-expressed as
// in-memory predicate evaluation against fhirmodel.Resource instead of SQL
// clause strings, since the store holds resources in memory rather than in
// Postgres.
package search

// Prefix is a FHIR search comparison prefix (spec §4.4 Stage A).
type Prefix string

const (
	PrefixEQ Prefix = "eq"
	PrefixNE Prefix = "ne"
	PrefixGT Prefix = "gt"
	PrefixLT Prefix = "lt"
	PrefixGE Prefix = "ge"
	PrefixLE Prefix = "le"
	PrefixSA Prefix = "sa"
	PrefixEB Prefix = "eb"
	PrefixAP Prefix = "ap"
)

// Modifier is a FHIR search parameter modifier (spec §3 Parsed Search
// Parameter).
type Modifier string

const (
	ModNone                 Modifier = ""
	ModMissing              Modifier = "missing"
	ModExact                Modifier = "exact"
	ModContains             Modifier = "contains"
	ModText                 Modifier = "text"
	ModNot                  Modifier = "not"
	ModIn                   Modifier = "in"
	ModNotIn                Modifier = "not-in"
	ModAbove                Modifier = "above"
	ModBelow                Modifier = "below"
	ModIdentifier           Modifier = "identifier"
	ModOfType               Modifier = "ofType"
	ModResourceTypeQualifier Modifier = "type"
)

// ParamType is a FHIR search parameter's declared type (spec §3).
type ParamType string

const (
	TypeNumber    ParamType = "number"
	TypeDate      ParamType = "date"
	TypeString    ParamType = "string"
	TypeToken     ParamType = "token"
	TypeReference ParamType = "reference"
	TypeQuantity  ParamType = "quantity"
	TypeURI       ParamType = "uri"
	TypeComposite ParamType = "composite"
	TypeSpecial   ParamType = "special"
)

// ValueTerm is one OR-branch of a parameter's comma-separated value list,
// with its decoded prefix.
type ValueTerm struct {
	Prefix Prefix
	Raw    string
}

// Chain is a reference-chain suffix: "subject.name=peter" or
// "subject:Patient.name=peter".
type Chain struct {
	TargetType string // optional, from ":Type"
	Param      string // the chained parameter name ("name")
}

// Param is a Parsed Search Parameter (spec §3).
type Param struct {
	Name     string
	Modifier Modifier
	Type     ParamType
	Values   []ValueTerm // OR'd alternatives
	Chain    *Chain
	Raw      string
}

// ResultParams is the Parsed Result Parameter record (spec §3).
type ResultParams struct {
	Include    []IncludeSpec
	RevInclude []IncludeSpec
	Sort       []SortSpec
	Count      int
	HasCount   bool
	Summary    string
	Total      string
	Elements   []string
}

// IncludeSpec is one _include/_revinclude directive: "ResourceType:param[:TargetType]".
type IncludeSpec struct {
	SourceType string
	Param      string
	TargetType string // optional restriction
}

// SortSpec is one _sort entry; Descending is set by a leading "-".
type SortSpec struct {
	Param      string
	Descending bool
}

// ParsedQuery is the full Stage A output: per-parameter AND groups plus
// result parameters.
type ParsedQuery struct {
	Params  []Param
	Result  ResultParams
}
