package httpapi

import "github.com/nimbusfhir/server/internal/search"

// renderBundle converts a search.Bundle into a FHIR Bundle JSON document
// (spec §4.4 Stage C, §6).
func renderBundle(b *search.Bundle) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(b.Entries))
	for _, e := range b.Entries {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  e.ResourceType + "/" + e.ID,
			"resource": map[string]interface{}(e.Resource),
			"search":   map[string]interface{}{"mode": string(e.Mode)},
		})
	}
	out := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         b.Type,
		"total":        b.Total,
		"entry":        entries,
	}
	if b.SelfLink != "" {
		out["link"] = []map[string]interface{}{
			{"relation": "self", "url": b.SelfLink},
		}
	}
	return out
}
