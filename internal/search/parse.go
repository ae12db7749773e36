package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// resultParamNames are the fixed set of `_`-prefixed parameters that never
// count toward interaction conditionality and are never resource search
// parameters (spec §4.1, §3).
var resultParamNames = map[string]bool{
	"_include": true, "_revinclude": true, "_sort": true, "_count": true,
	"_summary": true, "_total": true, "_elements": true, "_format": true,
	"_pretty": true,
}

// TypeLookup resolves a search-parameter name's declared type for the
// resource type being searched, per the store's executable registry.
type TypeLookup func(name string) (ParamType, bool)

var prefixedTypes = map[ParamType]bool{TypeNumber: true, TypeDate: true, TypeQuantity: true}

// ParseQuery decodes a FHIR query string into Stage A's ParsedQuery (spec
// §4.4). Multi-value OR is comma-separated; multi-parameter AND is
// repeated keys or distinct `&` segments.
func ParseQuery(query url.Values, typeOf TypeLookup) (*ParsedQuery, error) {
	pq := &ParsedQuery{Result: ResultParams{Elements: nil}}

	for key, values := range query {
		if key == "_include" {
			for _, v := range values {
				spec, err := parseIncludeSpec(v)
				if err != nil {
					return nil, err
				}
				pq.Result.Include = append(pq.Result.Include, spec)
			}
			continue
		}
		if key == "_revinclude" {
			for _, v := range values {
				spec, err := parseIncludeSpec(v)
				if err != nil {
					return nil, err
				}
				pq.Result.RevInclude = append(pq.Result.RevInclude, spec)
			}
			continue
		}
		if key == "_sort" {
			for _, v := range values {
				for _, part := range strings.Split(v, ",") {
					part = strings.TrimSpace(part)
					if part == "" {
						continue
					}
					desc := strings.HasPrefix(part, "-")
					pq.Result.Sort = append(pq.Result.Sort, SortSpec{Param: strings.TrimPrefix(part, "-"), Descending: desc})
				}
			}
			continue
		}
		if key == "_count" {
			n, err := strconv.Atoi(values[0])
			if err != nil {
				return nil, fmt.Errorf("search: invalid _count %q", values[0])
			}
			pq.Result.Count = n
			pq.Result.HasCount = true
			continue
		}
		if key == "_summary" {
			pq.Result.Summary = values[0]
			continue
		}
		if key == "_total" {
			pq.Result.Total = values[0]
			continue
		}
		if key == "_elements" {
			for _, v := range values {
				pq.Result.Elements = append(pq.Result.Elements, strings.Split(v, ",")...)
			}
			continue
		}
		if resultParamNames[key] {
			continue
		}

		name, modifier, chain := splitParamKey(key)
		ptype, known := typeOf(name)
		if !known {
			ptype = TypeString
		}
		if !known && chain == nil && name != "_id" {
			// Unknown parameter with no chain: still parse it permissively
			// as a string predicate so unregistered params degrade to "no
			// match" rather than a parse error, matching FHIR's
			// forward-compatible philosophy for search.
		}

		for _, raw := range values {
			for _, alt := range strings.Split(raw, ",") {
				p := Param{Name: name, Modifier: modifier, Type: ptype, Chain: chain, Raw: key + "=" + raw}
				prefix, rest := splitPrefix(alt, ptype)
				p.Values = []ValueTerm{{Prefix: prefix, Raw: rest}}
				pq.Params = mergeParam(pq.Params, p)
			}
		}
	}

	return pq, nil
}

// mergeParam ANDs repeated keys: a second occurrence of the same
// name+modifier+chain becomes a second Param entry (AND), while values
// parsed from the same comma-separated segment are already OR'd within one
// Param's Values — so mergeParam simply appends distinct Param entries,
// one per (key, value)-split processed, preserving existing OR grouping by
// name/modifier/chain/raw key.
func mergeParam(params []Param, p Param) []Param {
	for i := range params {
		if params[i].Name == p.Name && params[i].Modifier == p.Modifier && chainEqual(params[i].Chain, p.Chain) && params[i].Raw == p.Raw {
			params[i].Values = append(params[i].Values, p.Values...)
			return params
		}
	}
	return append(params, p)
}

func chainEqual(a, b *Chain) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// splitParamKey splits "name:modifier" and chain suffixes
// ("subject.name", "subject:Patient.name") per spec §4.4 Stage A.
func splitParamKey(key string) (name string, modifier Modifier, chain *Chain) {
	base := key
	if idx := strings.IndexByte(base, '.'); idx >= 0 {
		head := base[:idx]
		param := base[idx+1:]
		name, modifier = splitModifier(head)
		var targetType string
		if colon := strings.IndexByte(name, ':'); colon >= 0 {
			targetType = name[colon+1:]
			name = name[:colon]
		}
		return name, modifier, &Chain{TargetType: targetType, Param: param}
	}
	name, modifier = splitModifier(base)
	return name, modifier, nil
}

func splitModifier(s string) (string, Modifier) {
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[:idx], Modifier(s[idx+1:])
	}
	return s, ModNone
}

func splitPrefix(value string, t ParamType) (Prefix, string) {
	if !prefixedTypes[t] {
		return PrefixEQ, value
	}
	if len(value) >= 2 {
		switch Prefix(value[:2]) {
		case PrefixEQ, PrefixNE, PrefixGT, PrefixLT, PrefixGE, PrefixLE, PrefixSA, PrefixEB, PrefixAP:
			return Prefix(value[:2]), value[2:]
		}
	}
	return PrefixEQ, value
}

// parseIncludeSpec parses "ResourceType:param[:TargetType]".
func parseIncludeSpec(v string) (IncludeSpec, error) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 {
		return IncludeSpec{}, fmt.Errorf("search: invalid include spec %q", v)
	}
	spec := IncludeSpec{SourceType: parts[0], Param: parts[1]}
	if len(parts) == 3 {
		spec.TargetType = parts[2]
	}
	return spec, nil
}
