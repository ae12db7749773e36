package tenant

import (
	"net/url"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/search"
	"github.com/nimbusfhir/server/internal/store"
)

// Search runs the full three-stage Search Engine pipeline (spec §4.4) for
// resourceType against query, resolving _include/_revinclude across every
// store this tenant owns — the one piece of the Search Engine that
// internal/search itself cannot do, since it has no notion of "every
// per-type store".
func (t *Tenant) Search(resourceType string, query url.Values) (*search.Bundle, error) {
	s := t.Store(resourceType)

	typeOf := func(name string) (search.ParamType, bool) {
		def, ok := s.SearchParam(name)
		if !ok {
			return "", false
		}
		return search.ParamType(def.Type), true
	}

	pq, err := search.ParseQuery(query, typeOf)
	if err != nil {
		return nil, err
	}

	eval := &search.Evaluator{
		Adapter:     t.Adapter,
		Resolver:    t.resolve,
		ChainSearch: t.chainSearch,
	}

	all := s.All()
	matches := make([]fhirmodel.Resource, 0, len(all))
	for _, res := range all {
		if matchesAllParams(eval, s, pq.Params, res) {
			matches = append(matches, res)
		}
	}

	sortKey := func(res fhirmodel.Resource, param string) string {
		return sortKeyFor(t, resourceType, res, param)
	}

	return search.Assemble(matches, pq.Result, t.resolveInclude, t.resolveRevInclude, sortKey, resourceType)
}

func matchesAllParams(eval *search.Evaluator, s *store.ResourceStore, params []search.Param, res fhirmodel.Resource) bool {
	for _, p := range params {
		def, ok := s.SearchParam(p.Name)
		if !ok {
			def = store.SearchParamDefinition{Name: p.Name, Type: string(p.Type), Expression: p.Name}
		}
		ok2, err := eval.Matches(res, def, p)
		if err != nil || !ok2 {
			return false
		}
	}
	return true
}

// chainSearch implements search.ChainSearch by recursively invoking Search
// against the chained target type's store (spec §4.4 Stage B Reference
// chaining).
func (t *Tenant) chainSearch(targetType, chainParam string, modifier search.Modifier, value string) (map[string]bool, error) {
	q := url.Values{}
	key := chainParam
	if modifier != search.ModNone {
		key = chainParam + ":" + string(modifier)
	}
	q.Set(key, value)
	bundle, err := t.Search(targetType, q)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(bundle.Entries))
	for _, e := range bundle.Entries {
		if e.Mode == search.EntryMatch {
			ids[e.ID] = true
		}
	}
	return ids, nil
}

// resolveInclude implements search.IncludeResolver for _include: for each
// match, evaluate spec's source-type parameter and resolve every reference
// it yields (spec §4.4 Stage C).
func (t *Tenant) resolveInclude(spec search.IncludeSpec, matches []fhirmodel.Resource) ([]fhirmodel.Resource, error) {
	srcStore := t.Store(spec.SourceType)
	def, ok := srcStore.SearchParam(spec.Param)
	if !ok {
		return nil, nil
	}
	var out []fhirmodel.Resource
	for _, res := range matches {
		if res.ResourceType() != spec.SourceType {
			continue
		}
		te := t.Adapter.ToTypedElement(res, t.resolve)
		elements, err := t.Adapter.EvaluatePath(te, def.Expression, nil)
		if err != nil {
			continue
		}
		for _, ev := range elements {
			ref := t.Adapter.ExtractReference(ev)
			if ref == "" {
				continue
			}
			if spec.TargetType != "" {
				rt, _ := splitReference(ref)
				if rt != spec.TargetType {
					continue
				}
			}
			if target, ok := t.resolve(ref); ok {
				out = append(out, target)
			}
		}
	}
	return out, nil
}

// resolveRevInclude implements search.IncludeResolver for _revinclude: scan
// every known store of the reverse-source type for resources whose
// reference parameter points at one of matches (spec §4.4 Stage C), adding
// the *found* resource — not the focus — per the corrected behavior (spec
// §9: the source implementation added the wrong side of the relationship).
func (t *Tenant) resolveRevInclude(spec search.IncludeSpec, matches []fhirmodel.Resource) ([]fhirmodel.Resource, error) {
	matchKeys := make(map[string]bool, len(matches))
	for _, m := range matches {
		matchKeys[m.ResourceType()+"/"+m.ID()] = true
	}

	srcStore := t.Store(spec.SourceType)
	def, ok := srcStore.SearchParam(spec.Param)
	if !ok {
		return nil, nil
	}

	var out []fhirmodel.Resource
	for _, candidate := range srcStore.All() {
		te := t.Adapter.ToTypedElement(candidate, t.resolve)
		elements, err := t.Adapter.EvaluatePath(te, def.Expression, nil)
		if err != nil {
			continue
		}
		for _, ev := range elements {
			ref := t.Adapter.ExtractReference(ev)
			rt, id := splitReference(ref)
			if matchKeys[rt+"/"+id] {
				out = append(out, candidate)
				break
			}
		}
	}
	return out, nil
}

func sortKeyFor(t *Tenant, resourceType string, res fhirmodel.Resource, param string) string {
	s := t.Store(resourceType)
	def, ok := s.SearchParam(param)
	if !ok {
		return ""
	}
	te := t.Adapter.ToTypedElement(res, t.resolve)
	elements, err := t.Adapter.EvaluatePath(te, def.Expression, nil)
	if err != nil || len(elements) == 0 {
		return ""
	}
	return elements[0].String
}
