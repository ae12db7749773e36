package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nimbusfhir/server/internal/smart"
)

// smartConfiguration serves the SMART discovery document (spec §6:
// "/.well-known/smart-configuration"), grounded on smart.go's
// smartConfigurationHandler.
func (h *handler) smartConfiguration(c echo.Context) error {
	bound, err := h.reg.Lookup(c.Param("tenant"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown tenant")
	}
	base := bound.Tenant.Config.BaseURL
	return c.JSON(http.StatusOK, map[string]interface{}{
		"authorization_endpoint": base + "/_smart/authorize",
		"token_endpoint":         base + "/_smart/token",
		"introspection_endpoint": base + "/_smart/introspect",
		"capabilities": []string{
			"launch-standalone", "client-public", "client-confidential-symmetric",
			"sso-openid-connect", "permission-patient", "permission-user",
		},
		"code_challenge_methods_supported": []string{"S256"},
		"grant_types_supported":            []string{"authorization_code", "refresh_token"},
	})
}

func (h *handler) smartAuthorize(c echo.Context) error {
	bound, err := h.reg.Lookup(c.Param("tenant"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown tenant")
	}
	q := c.QueryParams()
	redirect, _, err := bound.Smart.RequestAuth(c.RealIP(), smart.RequestParams{
		ResponseType:  q.Get("response_type"),
		ClientID:      q.Get("client_id"),
		RedirectURI:   q.Get("redirect_uri"),
		Launch:        q.Get("launch"),
		Scope:         q.Get("scope"),
		State:         q.Get("state"),
		Audience:      q.Get("aud"),
		PKCEChallenge: q.Get("code_challenge"),
		PKCEMethod:    q.Get("code_challenge_method"),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Redirect(http.StatusFound, redirect)
}

func (h *handler) smartToken(c echo.Context) error {
	bound, err := h.reg.Lookup(c.Param("tenant"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown tenant")
	}
	if err := c.Request().ParseForm(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed token request body")
	}
	form := c.Request().PostForm

	var resp *smart.TokenResponse
	switch form.Get("grant_type") {
	case "authorization_code":
		resp, err = bound.Smart.TryCreateSmartResponse(form.Get("code"), form.Get("client_id"), form.Get("code_verifier"))
	case "refresh_token":
		resp, err = bound.Smart.RefreshAccessToken(form.Get("refresh_token"), form.Get("client_id"))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported grant_type")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"access_token":  resp.AccessToken,
		"refresh_token": resp.RefreshToken,
		"id_token":      resp.IDToken,
		"token_type":    resp.TokenType,
		"expires_in":    resp.ExpiresIn,
		"scope":         resp.Scope,
		"patient":       resp.Patient,
	})
}

func (h *handler) smartIntrospect(c echo.Context) error {
	bound, err := h.reg.Lookup(c.Param("tenant"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown tenant")
	}
	if err := c.Request().ParseForm(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed introspection request")
	}
	result := bound.Smart.IntrospectToken(c.Request().PostForm.Get("token"))
	if !result.Active {
		return c.JSON(http.StatusOK, map[string]interface{}{"active": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active":    true,
		"scope":     result.Scope,
		"client_id": result.ClientID,
		"username":  result.Username,
		"sub":       result.Subject,
		"aud":       result.Audience,
	})
}
