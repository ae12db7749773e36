package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Conditional request tests
// ---------------------------------------------------------------------------

func TestConditionalRequest_IfModifiedSince(t *testing.T) {
	e := echo.New()
	handler := ConditionalRequestMiddleware()(func(c echo.Context) error {
		c.Response().Header().Set("Last-Modified", time.Now().Add(-1*time.Hour).UTC().Format(http.TimeFormat))
		return c.String(http.StatusOK, "data")
	})

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("If-Modified-Since", time.Now().Add(1*time.Hour).UTC().Format(http.TimeFormat))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := handler(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body for 304, got %d bytes", rec.Body.Len())
	}
}

func TestConditionalRequest_IfModifiedSince_StaleClient(t *testing.T) {
	e := echo.New()
	handler := ConditionalRequestMiddleware()(func(c echo.Context) error {
		c.Response().Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		return c.String(http.StatusOK, "data")
	})

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	req.Header.Set("If-Modified-Since", time.Now().Add(-1*time.Hour).UTC().Format(http.TimeFormat))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when resource is newer than client's copy, got %d", rec.Code)
	}
}

func TestConditionalRequest_IfNoneMatch(t *testing.T) {
	e := echo.New()
	handler := ConditionalRequestMiddleware()(func(c echo.Context) error {
		c.Response().Header().Set("ETag", `W/"5"`)
		return c.String(http.StatusOK, "data")
	})

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/1", nil)
	req.Header.Set("If-None-Match", `W/"5"`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304 on matching ETag, got %d", rec.Code)
	}
}

func TestConditionalRequest_IfNoneMatch_Mismatch(t *testing.T) {
	e := echo.New()
	handler := ConditionalRequestMiddleware()(func(c echo.Context) error {
		c.Response().Header().Set("ETag", `W/"5"`)
		return c.String(http.StatusOK, "data")
	})

	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient/1", nil)
	req.Header.Set("If-None-Match", `W/"6"`)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on mismatched ETag, got %d", rec.Code)
	}
	if rec.Body.String() != "data" {
		t.Errorf("expected body to pass through, got %q", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// etagMatch / stripWeakPrefix
// ---------------------------------------------------------------------------

func TestEtagMatch(t *testing.T) {
	cases := []struct {
		header, etag string
		want         bool
	}{
		{`W/"3"`, `W/"3"`, true},
		{`"3"`, `W/"3"`, true},
		{`W/"3", W/"4"`, `W/"4"`, true},
		{`*`, `W/"anything"`, true},
		{`W/"3"`, `W/"4"`, false},
	}
	for _, tc := range cases {
		if got := etagMatch(tc.header, tc.etag); got != tc.want {
			t.Errorf("etagMatch(%q, %q) = %v, want %v", tc.header, tc.etag, got, tc.want)
		}
	}
}

func TestStripWeakPrefix(t *testing.T) {
	if got := stripWeakPrefix(`W/"3"`); got != `"3"` {
		t.Errorf(`expected "3", got %q`, got)
	}
	if got := stripWeakPrefix(`"3"`); got != `"3"` {
		t.Errorf(`expected unchanged "3", got %q`, got)
	}
}
