package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/interaction"
	"github.com/nimbusfhir/server/internal/store"
	"github.com/nimbusfhir/server/internal/tenant"
)

func (h *handler) create(c echo.Context, t *tenant.Tenant, parsed *interaction.Parsed) error {
	res, err := readBody(c, t)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
	}
	res["resourceType"] = parsed.ResourceType
	created, err := t.Create(res)
	if err != nil {
		return capacityOrServerError(c, err)
	}
	writeLocation(c, t.Config.BaseURL, created)
	return writeResource(c, http.StatusCreated, created, t.Adapter)
}

func (h *handler) read(c echo.Context, t *tenant.Tenant, parsed *interaction.Parsed) error {
	res, err := t.Read(parsed.ResourceType, parsed.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeOutcome(c, http.StatusNotFound, fhirmodel.NotFoundOutcome(
				parsed.ResourceType+"/"+parsed.ID+" does not exist"))
		}
		return err
	}
	return writeResource(c, http.StatusOK, res, t.Adapter)
}

func (h *handler) update(c echo.Context, t *tenant.Tenant, parsed *interaction.Parsed) error {
	res, err := readBody(c, t)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
	}
	if ifMatch := c.Request().Header.Get("If-Match"); ifMatch != "" && parsed.ID != "" {
		if current, err := t.Read(parsed.ResourceType, parsed.ID); err == nil {
			if !ifMatchSatisfied(ifMatch, current.VersionID()) {
				return writeOutcome(c, http.StatusPreconditionFailed, fhirmodel.ErrorOutcome("conflict",
					"If-Match version precondition failed"))
			}
		}
	}
	res["resourceType"] = parsed.ResourceType
	if parsed.ID != "" {
		res.SetID(parsed.ID)
	}
	updated, created, err := t.Update(res)
	if err != nil {
		return capacityOrServerError(c, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		writeLocation(c, t.Config.BaseURL, updated)
	}
	return writeResource(c, status, updated, t.Adapter)
}

// ifMatchSatisfied implements the If-Match conditional-update precondition
// (spec §4.1): the header carries one or more ETags (weak or strong, per
// RFC 7232), "*" matches any existing version, and the resource's current
// versionId must appear among them for the update to proceed.
func ifMatchSatisfied(header, versionID string) bool {
	header = strings.TrimSpace(header)
	if header == "*" {
		return versionID != ""
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(strings.Trim(strings.TrimPrefix(strings.TrimSpace(candidate), "W/"), `"`))
		if candidate == versionID {
			return true
		}
	}
	return false
}

func (h *handler) patch(c echo.Context, t *tenant.Tenant, parsed *interaction.Parsed) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
	}
	patchDoc, err := fhirmodel.ParseResourceJSON(body)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", "malformed JSON Patch body"))
	}
	updated, err := t.Patch(parsed.ResourceType, parsed.ID, func(current fhirmodel.Resource) error {
		return applyMergePatch(current, patchDoc)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeOutcome(c, http.StatusNotFound, fhirmodel.NotFoundOutcome(
				parsed.ResourceType+"/"+parsed.ID+" does not exist"))
		}
		return err
	}
	return writeResource(c, http.StatusOK, updated, t.Adapter)
}

// applyMergePatch performs a shallow top-level merge of patch into current,
// the subset of JSON Merge Patch semantics this in-memory server supports
// (spec's PATCH interaction accepts a partial resource body, not a JSON
// Patch operation list).
func applyMergePatch(current, patch fhirmodel.Resource) error {
	for k, v := range patch {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	return nil
}

func (h *handler) delete(c echo.Context, t *tenant.Tenant, parsed *interaction.Parsed) error {
	if _, err := t.Delete(parsed.ResourceType, parsed.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.NoContent(http.StatusNoContent)
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) search(c echo.Context, t *tenant.Tenant, parsed *interaction.Parsed) error {
	bundle, err := t.Search(parsed.ResourceType, parsed.Query)
	if err != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", err.Error()))
	}
	return writeResource(c, http.StatusOK, fhirmodel.Resource(renderBundle(bundle)), t.Adapter)
}

func readBody(c echo.Context, t *tenant.Tenant) (fhirmodel.Resource, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	mime := fhirmodel.NormalizeMime(c.Request().Header.Get("Content-Type"))
	return t.Adapter.Parse(mime, body)
}

func capacityOrServerError(c echo.Context, err error) error {
	if errors.Is(err, tenant.ErrCapacityExceeded) {
		return writeOutcome(c, http.StatusInsufficientStorage, fhirmodel.ErrorOutcome("too-costly", err.Error()))
	}
	return err
}
