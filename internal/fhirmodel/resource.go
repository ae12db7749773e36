// Package fhirmodel implements the Version Adapter capability (spec §4.2):
// the one place a concrete FHIR-version model family is consulted. C3
// through C8 only ever see the Adapter interface, never a version literal.
//
// Grounded on internal/platform/fhir/resource.go (the teacher's Resource /
// Meta / OperationOutcome types), generalized from a single hard-coded
// model into three thin instances selected at tenant construction — per the
// "polymorphism over FHIR versions" design note.
package fhirmodel

import (
	"encoding/json"
	"time"
)

// Resource is the generic in-memory representation of a FHIR resource: its
// parsed JSON object graph. The Version Adapter is the only code that
// interprets this generically — C3 upward treat it as an opaque value
// carrying an id and a version.
type Resource map[string]interface{}

// Clone returns a deep-enough copy of the resource for safe storage outside
// the caller's own buffer (created by round-tripping through JSON, which is
// how the teacher's handler layer already treats resource maps).
func (r Resource) Clone() Resource {
	raw, err := json.Marshal(map[string]interface{}(r))
	if err != nil {
		return Resource{}
	}
	var out Resource
	if err := json.Unmarshal(raw, &out); err != nil {
		return Resource{}
	}
	return out
}

// ResourceType returns the value of the resourceType member, or "".
func (r Resource) ResourceType() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the resource's id member, or "".
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// SetID sets the resource's id member.
func (r Resource) SetID(id string) {
	r["id"] = id
}

func (r Resource) meta() map[string]interface{} {
	m, ok := r["meta"].(map[string]interface{})
	if !ok {
		m = map[string]interface{}{}
		r["meta"] = m
	}
	return m
}

// VersionID returns meta.versionId, or "" if unset.
func (r Resource) VersionID() string {
	s, _ := r.meta()["versionId"].(string)
	return s
}

// SetVersionID sets meta.versionId.
func (r Resource) SetVersionID(vid string) {
	r.meta()["versionId"] = vid
}

// LastUpdated returns meta.lastUpdated parsed as RFC3339, or the zero time.
func (r Resource) LastUpdated() time.Time {
	s, _ := r.meta()["lastUpdated"].(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetLastUpdated sets meta.lastUpdated to t, formatted as RFC3339 (UTC).
func (r Resource) SetLastUpdated(t time.Time) {
	r.meta()["lastUpdated"] = t.UTC().Format(time.RFC3339Nano)
}

// JSON serializes the resource as compact FHIR JSON.
func (r Resource) JSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(r))
}

// ParseResourceJSON decodes a single FHIR resource from its JSON body.
func ParseResourceJSON(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r == nil {
		r = Resource{}
	}
	return r, nil
}

// OperationOutcomeIssue is a single issue entry (spec §7).
type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// OperationOutcome is the canonical error/diagnostic resource (spec §3, §7).
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// NewOperationOutcome builds a single-issue OperationOutcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ErrorOutcome builds an "error"-severity OperationOutcome.
func ErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", code, diagnostics)
}

// NotFoundOutcome builds the standard 404 OperationOutcome.
func NotFoundOutcome(diagnostics string) *OperationOutcome {
	return ErrorOutcome("not-found", diagnostics)
}

// MimeType enumerates the wire formats this server accepts/emits (spec §6).
type MimeType string

const (
	MimeJSON    MimeType = "application/fhir+json"
	MimeXML     MimeType = "application/fhir+xml"
	MimeUnknown MimeType = ""
)

// NormalizeMime maps the accepted synonyms (json/xml/fhir+json/fhir+xml/
// application/json/...) onto a canonical MimeType. Unrecognized values
// default to MimeJSON, matching the teacher's forward-compatible parsing.
func NormalizeMime(raw string) MimeType {
	switch raw {
	case "xml", "application/xml", "text/xml", "application/fhir+xml":
		return MimeXML
	case "", "json", "application/json", "application/fhir+json", "*/*":
		return MimeJSON
	default:
		return MimeJSON
	}
}

// SummaryMode is the `_summary` result parameter (spec §3 Parsed Result
// Parameter).
type SummaryMode string

const (
	SummaryNone  SummaryMode = ""
	SummaryTrue  SummaryMode = "true"
	SummaryText  SummaryMode = "text"
	SummaryData  SummaryMode = "data"
	SummaryCount SummaryMode = "count"
)
