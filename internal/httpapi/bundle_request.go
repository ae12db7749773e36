package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/interaction"
	"github.com/nimbusfhir/server/internal/store"
)

// systemBundle processes a POST / batch or transaction Bundle (spec §4.1,
// §6 routing table "SystemBundle"): each entry is independently classified
// via internal/interaction, scope-checked the same way as a top-level
// request, and executed against the tenant; the results are assembled into
// a batch-response/transaction-response Bundle. This in-memory server has
// no write-ahead log to roll back a partially-applied transaction, so
// "transaction" bundles are processed with the same per-entry semantics as
// "batch" — a deliberate simplification, not a rollback guarantee.
func (h *handler) systemBundle(c echo.Context, bound *Bound) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
	}
	var bundle struct {
		ResourceType string                   `json:"resourceType"`
		Type         string                   `json:"type"`
		Entry        []map[string]interface{} `json:"entry"`
	}
	if err := json.Unmarshal(body, &bundle); err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", "malformed Bundle body"))
	}
	if bundle.ResourceType != "Bundle" || (bundle.Type != "batch" && bundle.Type != "transaction") {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", `Bundle.type must be "batch" or "transaction"`))
	}

	entries := make([]map[string]interface{}, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		entries = append(entries, h.processBundleEntry(c, bound, entry))
	}

	resp := fhirmodel.Resource{
		"resourceType": "Bundle",
		"type":         bundle.Type + "-response",
		"entry":        entries,
	}
	return writeResource(c, http.StatusOK, resp, bound.Tenant.Adapter)
}

func (h *handler) processBundleEntry(c echo.Context, bound *Bound, entry map[string]interface{}) map[string]interface{} {
	t := bound.Tenant
	req, _ := entry["request"].(map[string]interface{})
	method, _ := req["method"].(string)
	url, _ := req["url"].(string)
	if method == "" || url == "" {
		return bundleResponseEntry(http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", "bundle entry missing request.method/request.url"))
	}

	parsed, perr := interaction.Parse(method, "/"+strings.TrimPrefix(url, "/"), t.Config.BaseURL, isKnownResourceType)
	if perr != nil {
		return bundleResponseEntry(http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", perr.Reason))
	}
	if err := h.authorize(c, bound, parsed); err != nil {
		if he, ok := err.(*echo.HTTPError); ok {
			msg, _ := he.Message.(string)
			return bundleResponseEntry(he.Code, fhirmodel.ErrorOutcome(outcomeCodeFor(he.Code), msg))
		}
		return bundleResponseEntry(http.StatusForbidden, fhirmodel.ErrorOutcome("forbidden", err.Error()))
	}

	switch parsed.Kind {
	case interaction.TypeCreate, interaction.TypeCreateConditional:
		res, ok := entry["resource"].(map[string]interface{})
		if !ok {
			return bundleResponseEntry(http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", "create entry missing resource"))
		}
		res["resourceType"] = parsed.ResourceType
		created, err := t.Create(fhirmodel.Resource(res))
		if err != nil {
			return bundleResponseEntry(http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
		}
		return bundleResourceEntry(http.StatusCreated, created)

	case interaction.InstanceRead:
		res, err := t.Read(parsed.ResourceType, parsed.ID)
		if err != nil {
			return bundleResponseEntry(http.StatusNotFound, fhirmodel.NotFoundOutcome(
				parsed.ResourceType+"/"+parsed.ID+" does not exist"))
		}
		return bundleResourceEntry(http.StatusOK, res)

	case interaction.InstanceUpdate, interaction.InstanceUpdateConditional:
		res, ok := entry["resource"].(map[string]interface{})
		if !ok {
			return bundleResponseEntry(http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", "update entry missing resource"))
		}
		resource := fhirmodel.Resource(res)
		resource["resourceType"] = parsed.ResourceType
		if parsed.ID != "" {
			resource.SetID(parsed.ID)
		}
		updated, created, err := t.Update(resource)
		if err != nil {
			return bundleResponseEntry(http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return bundleResourceEntry(status, updated)

	case interaction.InstanceDelete:
		if _, err := t.Delete(parsed.ResourceType, parsed.ID); err != nil && err != store.ErrNotFound {
			return bundleResponseEntry(http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
		}
		return bundleResponseEntry(http.StatusNoContent, nil)

	case interaction.TypeSearch:
		b, err := t.Search(parsed.ResourceType, parsed.Query)
		if err != nil {
			return bundleResponseEntry(http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
		}
		return map[string]interface{}{
			"response": map[string]interface{}{"status": statusLine(http.StatusOK)},
			"resource": renderBundle(b),
		}

	default:
		return bundleResponseEntry(http.StatusNotImplemented, fhirmodel.ErrorOutcome("not-supported",
			"this interaction is not supported inside a bundle entry: "+string(parsed.Kind)))
	}
}

func bundleResourceEntry(status int, res fhirmodel.Resource) map[string]interface{} {
	entry := map[string]interface{}{
		"response": map[string]interface{}{"status": statusLine(status)},
	}
	if res != nil {
		entry["resource"] = map[string]interface{}(res)
	}
	return entry
}

func bundleResponseEntry(status int, oo *fhirmodel.OperationOutcome) map[string]interface{} {
	response := map[string]interface{}{"status": statusLine(status)}
	if oo != nil {
		response["outcome"] = oo
	}
	return map[string]interface{}{"response": response}
}

func statusLine(code int) string {
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
