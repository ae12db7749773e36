package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/interaction"
	mw "github.com/nimbusfhir/server/internal/platform/middleware"
)

// New builds the echo app: one catch-all route per tenant that classifies
// the request via internal/interaction and dispatches into the matching
// tenant.Tenant method, plus the SMART well-known/authorize/token/
// introspect endpoints (spec §6).
func New(reg *Registry, logger zerolog.Logger, corsOrigins []string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = operationOutcomeErrorHandler(logger)

	e.Use(mw.Recovery(logger))
	e.Use(mw.Logger(logger))
	e.Use(mw.SecurityHeaders())
	e.Use(mw.Sanitize())
	e.Use(mw.BodyLimit("5MB", "20MB"))
	e.Use(mw.RequestTimeout(30 * time.Second))
	e.Use(mw.RateLimit(mw.DefaultRateLimitConfig()))
	e.Use(mw.ConditionalRequestMiddleware())
	if len(corsOrigins) > 0 {
		e.Use(corsMiddleware(corsOrigins))
	}

	h := &handler{reg: reg, logger: logger}

	e.GET("/:tenant/.well-known/smart-configuration", h.smartConfiguration)
	e.GET("/:tenant/_smart/authorize", h.smartAuthorize)
	e.POST("/:tenant/_smart/token", h.smartToken)
	e.POST("/:tenant/_smart/introspect", h.smartIntrospect)

	e.Any("/:tenant", h.dispatch)
	e.Any("/:tenant/*", h.dispatch)

	return e
}

type handler struct {
	reg    *Registry
	logger zerolog.Logger
}

// dispatch is the single entry point for every FHIR RESTful interaction
// against one tenant: classify, authorize, execute, render (spec §4.1,
// §4.8, §6).
func (h *handler) dispatch(c echo.Context) error {
	bound, err := h.reg.Lookup(c.Param("tenant"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown tenant")
	}
	t := bound.Tenant

	rest := "/" + strings.TrimPrefix(c.Param("*"), "/")
	parsed, perr := interaction.Parse(c.Request().Method, rest, t.Config.BaseURL, func(name string) bool {
		return isKnownResourceType(name)
	})
	if perr != nil {
		return writeOutcome(c, http.StatusBadRequest, fhirmodel.ErrorOutcome("invalid", perr.Reason))
	}

	if err := h.authorize(c, bound, parsed); err != nil {
		return err
	}

	switch parsed.Kind {
	case interaction.SystemCapabilities:
		return writeResource(c, http.StatusOK, t.CapabilityStatement(), t.Adapter)
	case interaction.SystemBundle:
		return h.systemBundle(c, bound)
	case interaction.TypeSearch:
		return h.search(c, t, parsed)
	case interaction.TypeCreate:
		return h.create(c, t, parsed)
	case interaction.InstanceRead:
		return h.read(c, t, parsed)
	case interaction.InstanceUpdate, interaction.InstanceUpdateConditional:
		return h.update(c, t, parsed)
	case interaction.InstancePatch, interaction.InstancePatchConditional:
		return h.patch(c, t, parsed)
	case interaction.InstanceDelete:
		return h.delete(c, t, parsed)
	default:
		return writeOutcome(c, http.StatusNotImplemented, fhirmodel.ErrorOutcome("not-supported",
			"this interaction is not implemented by this conformance server: "+string(parsed.Kind)))
	}
}

// isKnownResourceType approximates spec §4.1's "a resource type the tenant
// store knows" with FHIR's own naming convention (a capitalized
// alphabetic token) rather than requiring a store to already exist for
// that type — a tenant accepts a create for a resource type it has never
// seen before (spec §4.3: stores are created lazily on first write).
func isKnownResourceType(name string) bool {
	if name == "" || name[0] < 'A' || name[0] > 'Z' {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}
