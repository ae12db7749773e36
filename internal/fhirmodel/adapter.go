package fhirmodel

import (
	"context"
	"encoding/json"
	"fmt"

	gofhirtypes "github.com/robertoaraneda/gofhir/pkg/fhirpath/types"

	"github.com/nimbusfhir/server/internal/pathcompiler"
)

// Version is a tenant's FHIR version literal (spec §3 Tenant).
type Version string

const (
	VersionR4  Version = "R4"
	VersionR4B Version = "R4B"
	VersionR5  Version = "R5"
)

// ResolverFn dereferences a FHIR reference string ("Patient/123" or an
// absolute URL) to the resolved resource. It is supplied by the Tenant
// Store at evaluation time rather than captured by the adapter at
// construction, breaking the store/adapter cycle (§9 design note:
// "Cyclic references between store and adapter").
type ResolverFn func(reference string) (Resource, bool)

// TypedElement is a pathable view over a resource, produced by
// Adapter.ToTypedElement and consumed by Adapter.EvaluatePath. It wraps the
// resource's serialized JSON plus the resolver active for this evaluation.
type TypedElement struct {
	json     []byte
	resolver ResolverFn
}

// ElementValue is a single FHIRPath evaluation result, reduced to the plain
// Go shapes the search and subscription engines need (they never import
// the gofhir types package themselves).
type ElementValue struct {
	IsObject bool
	IsBool   bool
	Bool     bool
	// String holds the value's string form for scalar kinds (string,
	// decimal, date, etc.) via its FHIRPath String() representation.
	String string
	// Object holds the decoded JSON object for FHIR complex types
	// (Quantity, Coding, CodeableConcept, Reference, Identifier, ...).
	Object map[string]interface{}
}

// Adapter is the Version Adapter capability (spec §4.2): the only place a
// concrete FHIR-version model family is consulted. Three instances exist
// (R4, R4B, R5); C3 upward depend only on this interface.
type Adapter interface {
	Version() Version
	Parse(mime MimeType, data []byte) (Resource, error)
	Serialize(res Resource, mime MimeType, pretty bool, summary SummaryMode) ([]byte, error)
	TypeName(res Resource) string
	ToTypedElement(res Resource, resolver ResolverFn) *TypedElement
	EvaluatePath(te *TypedElement, path string, vars map[string]ElementValue) ([]ElementValue, error)
	ExtractReference(v ElementValue) string
	ParseSubscriptionTopic(res Resource) (*SubscriptionTopic, error)
	ParseSubscription(res Resource) (*Subscription, error)
	ParseNotificationBundle(res Resource) (*NotificationBundle, error)
}

// genericAdapter implements Adapter the same way across R4/R4B/R5: FHIR's
// wire shape for the resources this server touches (Patient, Observation,
// Encounter, Subscription/SubscriptionTopic, Bundle, ...) did not change in
// ways that affect generic element traversal between those three releases,
// so one implementation parametrized by version literal and compiler
// suffices. Concrete per-release resource-class hierarchies are out of
// scope (spec §1): "concrete FHIR-version bindings ... consumed through a
// version adapter".
type genericAdapter struct {
	version  Version
	compiler *pathcompiler.Compiler
}

// NewAdapter constructs the Version Adapter for v, sharing compiler (so the
// expression cache is process-wide, not per-tenant).
func NewAdapter(v Version, compiler *pathcompiler.Compiler) Adapter {
	return &genericAdapter{version: v, compiler: compiler}
}

func (a *genericAdapter) Version() Version { return a.version }

func (a *genericAdapter) Parse(mime MimeType, data []byte) (Resource, error) {
	switch mime {
	case MimeXML:
		res, err := ParseResourceXML(data)
		if err != nil {
			return nil, fmt.Errorf("fhirmodel: malformed application/fhir+xml body: %w", err)
		}
		return res, nil
	default:
		return ParseResourceJSON(data)
	}
}

func (a *genericAdapter) Serialize(res Resource, mime MimeType, pretty bool, summary SummaryMode) ([]byte, error) {
	view := applySummary(res, summary)
	if mime == MimeXML {
		return SerializeResourceXML(view, pretty)
	}
	if pretty {
		return json.MarshalIndent(map[string]interface{}(view), "", "  ")
	}
	return json.Marshal(map[string]interface{}(view))
}

// applySummary implements the `_summary` result parameter at the level the
// in-memory server can reasonably support: `count`/`true` drop everything
// but resourceType/id/meta; `data`/`text`/none return the full resource
// (narrative stripping requires a version-specific schema this adapter
// deliberately does not carry).
func applySummary(res Resource, summary SummaryMode) Resource {
	switch summary {
	case SummaryTrue, SummaryCount:
		out := Resource{"resourceType": res.ResourceType()}
		if id := res.ID(); id != "" {
			out["id"] = id
		}
		if meta, ok := res["meta"]; ok {
			out["meta"] = meta
		}
		return out
	default:
		return res
	}
}

func (a *genericAdapter) TypeName(res Resource) string { return res.ResourceType() }

func (a *genericAdapter) ToTypedElement(res Resource, resolver ResolverFn) *TypedElement {
	raw, _ := res.JSON()
	return &TypedElement{json: raw, resolver: resolver}
}

func (a *genericAdapter) EvaluatePath(te *TypedElement, path string, vars map[string]ElementValue) ([]ElementValue, error) {
	fhirVars := make(map[string]gofhirCollection, len(vars))
	for name, v := range vars {
		fhirVars[name] = toGofhirCollection(v)
	}
	var resolver referenceResolver
	if te.resolver != nil {
		resolver = gofhirResolver{resolve: te.resolver}
	}
	collection, err := a.compiler.Eval(te.json, path, fhirVars, resolver)
	if err != nil {
		return nil, err
	}
	out := make([]ElementValue, 0, len(collection))
	for _, v := range collection {
		out = append(out, fromGofhirValue(v))
	}
	return out, nil
}

func (a *genericAdapter) ExtractReference(v ElementValue) string {
	if v.Object == nil {
		return ""
	}
	ref, _ := v.Object["reference"].(string)
	return ref
}

// referenceResolver mirrors fhirpath.ReferenceResolver's method set so this
// package does not need to import the top-level fhirpath package directly
// (only its types subpackage, for value conversion); pathcompiler is the
// sole importer of the compiler/evaluator itself.
type referenceResolver interface {
	Resolve(ctx context.Context, reference string) ([]byte, error)
}

// gofhirResolver bridges fhirmodel.ResolverFn to gofhir's
// fhirpath.ReferenceResolver, used by resolve() inside FHIRPath expressions
// (e.g. chained-reference search, _include resolution).
type gofhirResolver struct {
	resolve ResolverFn
}

func (r gofhirResolver) Resolve(_ context.Context, reference string) ([]byte, error) {
	res, ok := r.resolve(reference)
	if !ok {
		return nil, fmt.Errorf("fhirmodel: unresolved reference %q", reference)
	}
	return res.JSON()
}

type gofhirCollection = gofhirtypes.Collection

func toGofhirCollection(v ElementValue) gofhirCollection {
	if v.IsObject {
		raw, _ := json.Marshal(v.Object)
		return gofhirCollection{gofhirtypes.NewObjectValue(raw)}
	}
	if v.IsBool {
		return gofhirCollection{gofhirtypes.NewBoolean(v.Bool)}
	}
	return gofhirCollection{gofhirtypes.NewString(v.String)}
}

func fromGofhirValue(v gofhirtypes.Value) ElementValue {
	switch t := v.(type) {
	case *gofhirtypes.ObjectValue:
		var obj map[string]interface{}
		_ = json.Unmarshal(t.Data(), &obj)
		return ElementValue{IsObject: true, Object: obj, String: t.String()}
	case gofhirtypes.Boolean:
		return ElementValue{IsBool: true, Bool: t.Bool(), String: t.String()}
	default:
		return ElementValue{String: v.String()}
	}
}
