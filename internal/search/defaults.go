package search

import "github.com/nimbusfhir/server/internal/store"

// DefaultSearchParams returns the executable search-parameter registry a
// freshly created Resource Store seeds itself with for resourceType. Full
// FHIR search-parameter registries (one per R4/R4B/R5 resource, ~30 params
// each) are the concrete-model detail spec §1 puts out of scope; this is a
// representative set sufficient to exercise every modifier/type/chain/
// include path named in spec §4.4 and the end-to-end scenarios of §8.
func DefaultSearchParams(resourceType string) []store.SearchParamDefinition {
	universal := []store.SearchParamDefinition{
		{Name: "_id", Type: "token", Expression: "id"},
		{Name: "_lastUpdated", Type: "date", Expression: "meta.lastUpdated"},
	}
	var specific []store.SearchParamDefinition
	switch resourceType {
	case "Patient":
		specific = []store.SearchParamDefinition{
			{Name: "gender", Type: "token", Expression: "gender"},
			{Name: "birthdate", Type: "date", Expression: "birthDate"},
			{Name: "name", Type: "string", Expression: "name.family"},
			{Name: "family", Type: "string", Expression: "name.family"},
			{Name: "given", Type: "string", Expression: "name.given"},
			{Name: "identifier", Type: "token", Expression: "identifier"},
			{Name: "active", Type: "token", Expression: "active"},
		}
	case "Observation":
		specific = []store.SearchParamDefinition{
			{Name: "subject", Type: "reference", Expression: "subject", Target: []string{"Patient", "Group", "Device", "Location"}},
			{Name: "patient", Type: "reference", Expression: "subject", Target: []string{"Patient"}},
			{Name: "encounter", Type: "reference", Expression: "encounter", Target: []string{"Encounter"}},
			{Name: "code", Type: "token", Expression: "code.coding"},
			{Name: "status", Type: "token", Expression: "status"},
			{Name: "value-quantity", Type: "quantity", Expression: "valueQuantity"},
			{Name: "date", Type: "date", Expression: "effectiveDateTime"},
		}
	case "Encounter":
		specific = []store.SearchParamDefinition{
			{Name: "subject", Type: "reference", Expression: "subject", Target: []string{"Patient"}},
			{Name: "patient", Type: "reference", Expression: "subject", Target: []string{"Patient"}},
			{Name: "status", Type: "token", Expression: "status"},
			{Name: "class", Type: "token", Expression: "class"},
		}
	case "MedicationRequest":
		specific = []store.SearchParamDefinition{
			{Name: "subject", Type: "reference", Expression: "subject", Target: []string{"Patient"}},
			{Name: "patient", Type: "reference", Expression: "subject", Target: []string{"Patient"}},
			{Name: "status", Type: "token", Expression: "status"},
			{Name: "intent", Type: "token", Expression: "intent"},
		}
	case "Practitioner":
		specific = []store.SearchParamDefinition{
			{Name: "name", Type: "string", Expression: "name.family"},
			{Name: "identifier", Type: "token", Expression: "identifier"},
		}
	case "Organization":
		specific = []store.SearchParamDefinition{
			{Name: "name", Type: "string", Expression: "name"},
			{Name: "identifier", Type: "token", Expression: "identifier"},
		}
	}
	return append(universal, specific...)
}
