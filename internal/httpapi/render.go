package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nimbusfhir/server/internal/fhirmodel"
)

// writeResource serializes res through adapter in the negotiated wire
// format (spec's Wire-formats invariant: application/fhir+json by default,
// application/fhir+xml on request via _format or Accept) and sets the
// ETag/Last-Modified headers spec §6 requires whenever a versioned resource
// is returned.
func writeResource(c echo.Context, status int, res fhirmodel.Resource, adapter fhirmodel.Adapter) error {
	if vid := res.VersionID(); vid != "" {
		c.Response().Header().Set("ETag", `W/"`+vid+`"`)
	}
	if lu := res.LastUpdated(); !lu.IsZero() {
		c.Response().Header().Set("Last-Modified", lu.UTC().Format(http.TimeFormat))
	}
	mime := negotiateMime(c)
	body, err := adapter.Serialize(res, mime, c.QueryParam("_pretty") == "true", fhirmodel.SummaryNone)
	if err != nil {
		return err
	}
	return c.Blob(status, string(mime)+"; charset=utf-8", body)
}

// negotiateMime implements the `_format` query parameter and Accept header
// per spec's Wire-formats invariant: `_format` takes priority over Accept,
// and an explicit "xml"/"application/fhir+xml" in either selects
// MimeXML; anything else (including no hint at all) defaults to MimeJSON.
func negotiateMime(c echo.Context) fhirmodel.MimeType {
	if format := c.QueryParam("_format"); format != "" {
		return fhirmodel.NormalizeMime(format)
	}
	accept := c.Request().Header.Get("Accept")
	for _, part := range strings.Split(accept, ",") {
		candidate := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if candidate == "" || candidate == "*/*" {
			continue
		}
		return fhirmodel.NormalizeMime(candidate)
	}
	return fhirmodel.MimeJSON
}

// writeOutcome serializes an OperationOutcome as the response body.
func writeOutcome(c echo.Context, status int, oo *fhirmodel.OperationOutcome) error {
	return c.JSON(status, oo)
}

// writeLocation sets the Location header per spec §6's create/update
// response convention: "{baseURL}/{Type}/{id}/_history/{versionId}".
func writeLocation(c echo.Context, baseURL string, res fhirmodel.Resource) {
	loc := baseURL + "/" + res.ResourceType() + "/" + res.ID() + "/_history/" + res.VersionID()
	c.Response().Header().Set("Location", loc)
}

// operationOutcomeErrorHandler converts any error echo surfaces (routing
// failures, panics converted by mw.Recovery, handler errors not already
// rendered as an OperationOutcome) into one, per spec §7.
func operationOutcomeErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			status = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			}
		}
		oo := fhirmodel.ErrorOutcome(outcomeCodeFor(status), msg)
		if werr := c.JSON(status, oo); werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}

func outcomeCodeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not-found"
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusUnauthorized:
		return "login"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "throttled"
	default:
		return "exception"
	}
}
