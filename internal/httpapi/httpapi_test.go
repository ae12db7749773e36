package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nimbusfhir/server/internal/fhirmodel"
	"github.com/nimbusfhir/server/internal/notify"
	"github.com/nimbusfhir/server/internal/pathcompiler"
	"github.com/nimbusfhir/server/internal/tenant"
)

func newTestServer(t *testing.T, smartRequired bool) (*httptest.Server, string) {
	t.Helper()
	compiler := pathcompiler.New()
	dispatch := notify.New(nil, nil, zerolog.Nop())
	reg := NewRegistry(compiler, dispatch)

	bound := reg.Register(tenant.Config{
		Name:             "acme",
		BaseURL:          "http://example.invalid/acme",
		FHIRVersion:      fhirmodel.VersionR4,
		SupportedFormats: []fhirmodel.MimeType{fhirmodel.MimeJSON},
		SmartRequired:    smartRequired,
	}, []byte("test-signing-key"))
	_ = bound

	app := New(reg, zerolog.Nop(), nil)
	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)
	return srv, srv.URL + "/acme"
}

func TestDispatch_UnknownTenant(t *testing.T) {
	srv, _ := newTestServer(t, false)
	resp, err := http.Get(srv.URL + "/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown tenant, got %d", resp.StatusCode)
	}
}

func TestDispatch_CapabilityStatement(t *testing.T) {
	_, base := newTestServer(t, false)
	resp, err := http.Get(base + "/metadata")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from the capability statement, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["resourceType"] != "CapabilityStatement" {
		t.Fatalf("expected a CapabilityStatement body, got %v", body["resourceType"])
	}
}

func TestDispatch_CreateAndReadPatient(t *testing.T) {
	_, base := newTestServer(t, false)

	createBody := `{"resourceType":"Patient","name":[{"family":"Smith"}]}`
	resp, err := http.Post(base+"/Patient", string(fhirmodel.MimeJSON), strings.NewReader(createBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from create, got %d", resp.StatusCode)
	}
	if resp.Header.Get("ETag") == "" {
		t.Error("expected an ETag header on the create response")
	}
	if resp.Header.Get("Location") == "" {
		t.Error("expected a Location header on the create response")
	}

	var created map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("expected the created resource to carry a server-assigned id")
	}

	readResp, err := http.Get(base + "/Patient/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer readResp.Body.Close()
	if readResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from read, got %d", readResp.StatusCode)
	}
}

func TestDispatch_ReadMissingResourceReturnsOperationOutcome(t *testing.T) {
	_, base := newTestServer(t, false)
	resp, err := http.Get(base + "/Patient/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var oo map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&oo); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if oo["resourceType"] != "OperationOutcome" {
		t.Fatalf("expected an OperationOutcome body on a 404, got %v", oo["resourceType"])
	}
}

func TestDispatch_RequiresBearerTokenWhenSmartRequired(t *testing.T) {
	_, base := newTestServer(t, true)

	createBody := `{"resourceType":"Patient"}`
	resp, err := http.Post(base+"/Patient", string(fhirmodel.MimeJSON), strings.NewReader(createBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token when SmartRequired, got %d", resp.StatusCode)
	}

	// the capability statement is always allowed, even with SmartRequired.
	capResp, err := http.Get(base + "/metadata")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer capResp.Body.Close()
	if capResp.StatusCode != http.StatusOK {
		t.Fatalf("expected the capability statement to remain unauthenticated, got %d", capResp.StatusCode)
	}
}

func TestDispatch_CreateSubscriptionRegistersWithEngine(t *testing.T) {
	compiler := pathcompiler.New()
	dispatch := notify.New(nil, nil, zerolog.Nop())
	reg := NewRegistry(compiler, dispatch)
	bound := reg.Register(tenant.Config{
		Name:             "acme",
		BaseURL:          "http://example.invalid/acme",
		FHIRVersion:      fhirmodel.VersionR4,
		SupportedFormats: []fhirmodel.MimeType{fhirmodel.MimeJSON},
	}, []byte("test-signing-key"))
	bound.Tenant.Sub.RegisterBuiltinTopics()

	app := New(reg, zerolog.Nop(), nil)
	srv := httptest.NewServer(app)
	t.Cleanup(srv.Close)
	base := srv.URL + "/acme"

	topics := bound.Tenant.Sub.AllSubscriptions()
	if len(topics) != 0 {
		t.Fatalf("expected no live subscriptions before create, got %d", len(topics))
	}

	subBody := `{
		"resourceType":"Subscription",
		"status":"requested",
		"topic":"` + anyBuiltinTopicURL(t, bound) + `",
		"channel":{"type":"rest-hook","endpoint":"https://example.org/hook"}
	}`
	resp, err := http.Post(base+"/Subscription", string(fhirmodel.MimeJSON), strings.NewReader(subBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 creating a Subscription, got %d", resp.StatusCode)
	}

	if got := len(bound.Tenant.Sub.AllSubscriptions()); got != 1 {
		t.Fatalf("expected the create to register one live subscription with the engine, got %d", got)
	}
}

func anyBuiltinTopicURL(t *testing.T, bound *Bound) string {
	t.Helper()
	topic, ok := bound.Tenant.Sub.Topic("encounter-start")
	if ok {
		return topic.URL
	}
	t.Fatal("expected a built-in topic named encounter-start to be registered")
	return ""
}

func TestDispatch_UpdateRequiresMatchingIfMatch(t *testing.T) {
	_, base := newTestServer(t, false)

	createBody := `{"resourceType":"Patient","name":[{"family":"Doe"}]}`
	createResp, err := http.Post(base+"/Patient", string(fhirmodel.MimeJSON), strings.NewReader(createBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer createResp.Body.Close()
	var created map[string]interface{}
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("expected the created resource to carry a server-assigned id")
	}
	currentVersion := createResp.Header.Get("ETag")
	if currentVersion == "" {
		t.Fatal("expected an ETag header on the create response")
	}

	updateBody := `{"resourceType":"Patient","name":[{"family":"Doe-Updated"}]}`

	// A stale If-Match should be rejected with 412, leaving the resource
	// unchanged.
	req, err := http.NewRequest(http.MethodPut, base+"/Patient/"+id, strings.NewReader(updateBody))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", string(fhirmodel.MimeJSON))
	req.Header.Set("If-Match", `W/"does-not-exist"`)
	staleResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer staleResp.Body.Close()
	if staleResp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for a stale If-Match, got %d", staleResp.StatusCode)
	}

	// The correct current version should be accepted.
	req2, err := http.NewRequest(http.MethodPut, base+"/Patient/"+id, strings.NewReader(updateBody))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req2.Header.Set("Content-Type", string(fhirmodel.MimeJSON))
	req2.Header.Set("If-Match", currentVersion)
	okResp, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	defer okResp.Body.Close()
	if okResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when If-Match matches the current version, got %d", okResp.StatusCode)
	}
}
