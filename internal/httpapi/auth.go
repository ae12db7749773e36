package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nimbusfhir/server/internal/interaction"
	"github.com/nimbusfhir/server/internal/smart"
)

// alwaysAllowedKinds are never scope-checked (spec §4.8: "SystemCapabilities
// and SystemBundle are always allowed").
var alwaysAllowedKinds = map[interaction.Kind]bool{
	interaction.SystemCapabilities: true,
	interaction.SystemBundle:       true,
}

// authorize enforces the tenant's SMART scope model (spec §4.8) for every
// interaction that is not in alwaysAllowedKinds. A tenant with
// SmartRequired=false skips this entirely (development mode).
func (h *handler) authorize(c echo.Context, bound *Bound, parsed *interaction.Parsed) error {
	if !bound.Tenant.Config.SmartRequired || alwaysAllowedKinds[parsed.Kind] {
		return nil
	}

	token := bearerToken(c.Request().Header.Get("Authorization"))
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	}
	info, ok := bound.Smart.TryGetAuthorization(token)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired access token")
	}

	// The letter follows the classified interaction, not the transport
	// method, so bundle entries (all carried by one POST) are checked by
	// what each entry does.
	method := c.Request().Method
	switch parsed.Kind {
	case interaction.TypeCreate, interaction.TypeCreateConditional:
		method = http.MethodPost
	case interaction.InstanceUpdate, interaction.InstanceUpdateConditional, interaction.InstancePatch, interaction.InstancePatchConditional:
		method = http.MethodPut
	case interaction.InstanceDelete, interaction.InstanceDeleteHistory, interaction.InstanceDeleteVersion, interaction.TypeDeleteConditional, interaction.SystemDeleteConditional:
		method = http.MethodDelete
	case interaction.InstanceRead, interaction.InstanceReadVersion, interaction.InstanceReadHistory, interaction.SystemHistory:
		method = http.MethodGet
	}
	letter := smart.PermissionLetterFor(method, isSearchKind(parsed.Kind))
	if !info.IsAuthorized(alwaysAllowedKinds[parsed.Kind], parsed.ResourceType, letter) {
		return echo.NewHTTPError(http.StatusForbidden, "insufficient scope for this interaction")
	}
	c.Set("smart_authorization", info)
	return nil
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func isSearchKind(k interaction.Kind) bool {
	switch k {
	case interaction.SystemSearch, interaction.TypeSearch, interaction.CompartmentSearch, interaction.CompartmentTypeSearch:
		return true
	default:
		return false
	}
}
