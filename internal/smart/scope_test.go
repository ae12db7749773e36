package smart

import "testing"

func TestParseSMARTScope(t *testing.T) {
	cases := []struct {
		scope   string
		wantOK  bool
		context string
		typ     string
		perms   string
	}{
		{"patient/Observation.rs", true, "patient", "Observation", "rs"},
		{"user/*.read", true, "user", "*", "rs"},
		{"system/Patient.write", true, "system", "Patient", "cud"},
		{"user/*.*", true, "user", "*", "cruds"},
		{"openid", false, "", "", ""},
		{"fhirUser", false, "", "", ""},
		{"launch/patient", false, "", "", ""},
	}
	for _, c := range cases {
		got, ok := ParseSMARTScope(c.scope)
		if ok != c.wantOK {
			t.Fatalf("ParseSMARTScope(%q) ok = %v, want %v", c.scope, ok, c.wantOK)
		}
		if !ok {
			continue
		}
		if got.Context != c.context || got.ResourceType != c.typ || got.Permissions != c.perms {
			t.Errorf("ParseSMARTScope(%q) = %+v, want {%s %s %s}", c.scope, got, c.context, c.typ, c.perms)
		}
	}
}

func TestScopeAllows(t *testing.T) {
	scopes := []ParsedScope{
		{Context: "patient", ResourceType: "Observation", Permissions: "rs"},
		{Context: "patient", ResourceType: "*", Permissions: "c"},
	}
	if !ScopeAllows(scopes, "Observation", 'r') {
		t.Error("expected exact resource-type match to allow read")
	}
	if ScopeAllows(scopes, "Observation", 'd') {
		t.Error("did not expect delete to be allowed")
	}
	if !ScopeAllows(scopes, "Patient", 'c') {
		t.Error("expected wildcard resource type to allow create on any type")
	}
	if ScopeAllows(scopes, "Patient", 'r') {
		t.Error("wildcard scope only grants 'c', not 'r'")
	}
}

func TestIsAuthorized_AlwaysAllowed(t *testing.T) {
	info := &AuthorizationInfo{}
	if !info.IsAuthorized(true, "Patient", 'r') {
		t.Error("expected alwaysAllowed=true to bypass scope checks entirely")
	}
}

func TestIsAuthorized_PatientAndUserScopesIndependent(t *testing.T) {
	info := &AuthorizationInfo{
		PatientScopes: []ParsedScope{{Context: "patient", ResourceType: "Observation", Permissions: "r"}},
		UserScopes:    []ParsedScope{{Context: "user", ResourceType: "Patient", Permissions: "r"}},
	}
	if !info.IsAuthorized(false, "Observation", 'r') {
		t.Error("expected patient-scope grant on Observation to authorize")
	}
	if !info.IsAuthorized(false, "Patient", 'r') {
		t.Error("expected user-scope grant on Patient to authorize")
	}
	if info.IsAuthorized(false, "Encounter", 'r') {
		t.Error("neither scope set grants Encounter; expected denial")
	}
	if info.IsAuthorized(false, "Observation", 'd') {
		t.Error("patient scope only grants 'r', not 'd'; expected denial")
	}
}

func TestPermissionLetterFor(t *testing.T) {
	cases := []struct {
		method   string
		isSearch bool
		want     byte
	}{
		{"GET", false, 'r'},
		{"GET", true, 's'},
		{"POST", false, 'c'},
		{"PUT", false, 'u'},
		{"PATCH", false, 'u'},
		{"DELETE", false, 'd'},
	}
	for _, c := range cases {
		if got := PermissionLetterFor(c.method, c.isSearch); got != c.want {
			t.Errorf("PermissionLetterFor(%s, %v) = %c, want %c", c.method, c.isSearch, got, c.want)
		}
	}
}
