package httpapi

import (
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
)

// corsMiddleware allows the configured origins to call the FHIR API from a
// browser-based SMART app, grounded on the teacher's use of echo's own CORS
// middleware in cmd/ehr-server/main.go rather than a hand-rolled filter.
func corsMiddleware(origins []string) echo.MiddlewareFunc {
	return emw.CORSWithConfig(emw.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
		AllowHeaders: []string{"Authorization", "Content-Type", "If-Match", "If-None-Match", "If-None-Exist", "Accept"},
	})
}
