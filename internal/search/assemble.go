package search

import (
	"fmt"
	"sort"

	"github.com/nimbusfhir/server/internal/fhirmodel"
)

// EntryMode is a searchset Bundle entry's search.mode (spec §4.4 Stage C).
type EntryMode string

const (
	EntryMatch   EntryMode = "match"
	EntryInclude EntryMode = "include"
)

// Entry is one Bundle.entry (spec §4.4 Stage C).
type Entry struct {
	ResourceType string
	ID           string
	Resource     fhirmodel.Resource
	Mode         EntryMode
}

// Bundle is a FHIR searchset Bundle (spec §4.4 Stage C, §3 GLOSSARY
// "SearchSet Bundle").
type Bundle struct {
	Type     string
	Total    int
	SelfLink string
	Entries  []Entry
}

// IncludeResolver resolves one _include/_revinclude directive against the
// current match set, returning additional resources to fold in as
// "include" entries. Supplied by the Tenant Store (C7), which alone has
// access to every per-type Resource Store.
type IncludeResolver func(spec IncludeSpec, matches []fhirmodel.Resource) ([]fhirmodel.Resource, error)

// SortKey extracts a comparison key for one resource under a named sort
// parameter; used to implement _sort (spec §3 Parsed Result Parameter).
type SortKey func(res fhirmodel.Resource, param string) string

// Assemble performs Stage C (spec §4.4): dedup matches by (type,id), apply
// _sort, then expand _include/_revinclude, promoting any included resource
// that is also a match to entry mode "match" (a match always wins over an
// include for the same (type,id); §4.4: "If any included resource is later
// added as a match, promote its entry mode to match").
func Assemble(matches []fhirmodel.Resource, rp ResultParams, include, revInclude IncludeResolver, sortKey SortKey, selfLink string) (*Bundle, error) {
	b := &Bundle{Type: "searchset", SelfLink: selfLink}

	seen := map[string]int{} // "(type)/(id)" -> index into b.Entries
	addEntry := func(res fhirmodel.Resource, mode EntryMode) {
		key := res.ResourceType() + "/" + res.ID()
		if idx, ok := seen[key]; ok {
			if mode == EntryMatch {
				b.Entries[idx].Mode = EntryMatch
			}
			return
		}
		seen[key] = len(b.Entries)
		b.Entries = append(b.Entries, Entry{ResourceType: res.ResourceType(), ID: res.ID(), Resource: res, Mode: mode})
	}

	sorted := append([]fhirmodel.Resource(nil), matches...)
	if len(rp.Sort) > 0 && sortKey != nil {
		sort.SliceStable(sorted, func(i, j int) bool {
			for _, s := range rp.Sort {
				ki := sortKey(sorted[i], s.Param)
				kj := sortKey(sorted[j], s.Param)
				if ki == kj {
					continue
				}
				if s.Descending {
					return ki > kj
				}
				return ki < kj
			}
			return false
		})
	}

	b.Total = len(sorted)
	for _, res := range sorted {
		addEntry(res, EntryMatch)
	}

	for _, spec := range rp.Include {
		if include == nil {
			continue
		}
		extra, err := include(spec, sorted)
		if err != nil {
			return nil, fmt.Errorf("search: resolve _include %s.%s: %w", spec.SourceType, spec.Param, err)
		}
		for _, res := range extra {
			addEntry(res, EntryInclude)
		}
	}
	for _, spec := range rp.RevInclude {
		if revInclude == nil {
			continue
		}
		extra, err := revInclude(spec, sorted)
		if err != nil {
			return nil, fmt.Errorf("search: resolve _revinclude %s.%s: %w", spec.SourceType, spec.Param, err)
		}
		for _, res := range extra {
			addEntry(res, EntryInclude)
		}
	}

	return b, nil
}
