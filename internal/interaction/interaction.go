// Package interaction implements the Interaction Parser (C1, spec §4.1):
// mapping (tenant, method, raw URL) to a typed ParsedInteraction or a
// structured parse error.
//
// Grounded on the teacher's Echo route table (cmd/ehr-server/main.go's
// per-domain route registration) re-expressed as data: rather than Echo's
// router dispatching directly to ~100 domain handlers, one function here
// classifies the request shape into the tagged variant set spec §3 names,
// and a single HTTP layer (internal/httpapi) interprets the tag.
package interaction

import (
	"net/url"
	"strings"
)

// Kind is one tag of the Parsed Interaction variant set (spec §3).
type Kind string

const (
	SystemSearch              Kind = "SystemSearch"
	SystemHistory             Kind = "SystemHistory"
	SystemCapabilities        Kind = "SystemCapabilities"
	SystemBundle              Kind = "SystemBundle"
	SystemOperation           Kind = "SystemOperation"
	SystemDeleteConditional   Kind = "SystemDeleteConditional"
	TypeSearch                Kind = "TypeSearch"
	TypeCreate                Kind = "TypeCreate"
	TypeCreateConditional     Kind = "TypeCreateConditional"
	TypeDeleteConditional     Kind = "TypeDeleteConditional"
	TypeOperation             Kind = "TypeOperation"
	InstanceRead              Kind = "InstanceRead"
	InstanceReadVersion       Kind = "InstanceReadVersion"
	InstanceReadHistory       Kind = "InstanceReadHistory"
	InstanceUpdate            Kind = "InstanceUpdate"
	InstanceUpdateConditional Kind = "InstanceUpdateConditional"
	InstancePatch             Kind = "InstancePatch"
	InstancePatchConditional  Kind = "InstancePatchConditional"
	InstanceDelete            Kind = "InstanceDelete"
	InstanceDeleteHistory     Kind = "InstanceDeleteHistory"
	InstanceDeleteVersion     Kind = "InstanceDeleteVersion"
	InstanceOperation         Kind = "InstanceOperation"
	CompartmentSearch         Kind = "CompartmentSearch"
	CompartmentTypeSearch     Kind = "CompartmentTypeSearch"
	CompartmentOperation      Kind = "CompartmentOperation"
)

// Parsed is a Parsed Interaction (spec §3).
type Parsed struct {
	Kind            Kind
	ResourceType    string
	ID              string
	Version         string
	OperationName   string
	CompartmentType string
	Query           url.Values
}

// ParseError is the structured parse failure spec §4.1 names.
type ParseError struct {
	HTTPMethod string
	URLPath    string
	URLQuery   string
	Reason     string
}

func (e *ParseError) Error() string {
	return "interaction: cannot parse " + e.HTTPMethod + " " + e.URLPath + ": " + e.Reason
}

// resultParamNames mirrors internal/search's fixed set: these never count
// toward a request's conditionality (spec §4.1).
var resultParamNames = map[string]bool{
	"_include": true, "_revinclude": true, "_sort": true, "_count": true,
	"_summary": true, "_total": true, "_elements": true, "_format": true,
	"_pretty": true,
}

var reservedSegments = map[string]bool{
	"_history": true, "_search": true, "metadata": true, "*": true,
}

// KnownType reports whether name is a resource type the tenant store
// knows, used to discriminate "is segment[0] a resource type" (spec §4.1).
type KnownType func(name string) bool

// Parse classifies (method, rawURL) against tenant base baseURL (spec
// §4.1: "strips optional scheme+authority against the tenant's configured
// base URL").
func Parse(method, rawURL, baseURL string, knownType KnownType) (*Parsed, *ParseError) {
	method = strings.ToUpper(method)
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ParseError{HTTPMethod: method, URLPath: rawURL, Reason: "malformed URL"}
	}

	path := u.Path
	if base, berr := url.Parse(baseURL); berr == nil && base.Path != "" && base.Path != "/" {
		if strings.HasPrefix(path, base.Path) {
			path = strings.TrimPrefix(path, base.Path)
		} else if u.IsAbs() {
			return nil, &ParseError{HTTPMethod: method, URLPath: path, URLQuery: u.RawQuery, Reason: "URL is outside this tenant's base path"}
		}
	}

	segments := tokenize(path)
	query := u.Query()
	hasNonResultQuery := hasNonResultParams(query)

	p, reason := classify(method, segments, hasNonResultQuery, knownType)
	if p == nil {
		return nil, &ParseError{HTTPMethod: method, URLPath: path, URLQuery: u.RawQuery, Reason: reason}
	}
	p.Query = query
	return p, nil
}

func tokenize(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func hasNonResultParams(q url.Values) bool {
	for key := range q {
		if !resultParamNames[key] {
			return true
		}
	}
	return false
}

func classify(method string, seg []string, hasQuery bool, knownType KnownType) (*Parsed, string) {
	switch len(seg) {
	case 0:
		return classifySystem(method, hasQuery)
	case 1:
		return classifyOneSegment(method, seg[0], hasQuery, knownType)
	case 2:
		return classifyTwoSegments(method, seg[0], seg[1], hasQuery, knownType)
	case 3:
		return classifyThreeSegments(method, seg, knownType)
	case 4:
		return classifyFourSegments(method, seg, knownType)
	default:
		return nil, "unrecognized URL shape"
	}
}

func classifySystem(method string, hasQuery bool) (*Parsed, string) {
	switch method {
	case "GET":
		if hasQuery {
			return &Parsed{Kind: SystemSearch}, ""
		}
		return &Parsed{Kind: SystemCapabilities}, ""
	case "POST":
		return &Parsed{Kind: SystemBundle}, ""
	case "DELETE":
		return &Parsed{Kind: SystemDeleteConditional}, ""
	}
	return nil, "unknown method for system-level interaction"
}

func classifyOneSegment(method, seg0 string, hasQuery bool, knownType KnownType) (*Parsed, string) {
	if seg0 == "metadata" && method == "GET" {
		return &Parsed{Kind: SystemCapabilities}, ""
	}
	if seg0 == "_history" && method == "GET" {
		return &Parsed{Kind: SystemHistory}, ""
	}
	if strings.HasPrefix(seg0, "$") {
		return classifySystemOperation(method, seg0)
	}
	if knownType(seg0) {
		switch method {
		case "GET":
			return &Parsed{Kind: TypeSearch, ResourceType: seg0}, ""
		case "POST":
			if hasQuery {
				return &Parsed{Kind: TypeCreateConditional, ResourceType: seg0}, ""
			}
			return &Parsed{Kind: TypeCreate, ResourceType: seg0}, ""
		case "DELETE":
			return &Parsed{Kind: TypeDeleteConditional, ResourceType: seg0}, ""
		}
	}
	return nil, "unrecognized URL shape"
}

func classifySystemOperation(method, seg0 string) (*Parsed, string) {
	if method != "GET" && method != "POST" {
		return nil, "unknown method for system operation"
	}
	return &Parsed{Kind: SystemOperation, OperationName: strings.TrimPrefix(seg0, "$")}, ""
}

func classifyTwoSegments(method, seg0, seg1 string, hasQuery bool, knownType KnownType) (*Parsed, string) {
	if !knownType(seg0) {
		return nil, "unknown resource type"
	}
	if seg1 == "_search" && method == "POST" {
		return &Parsed{Kind: TypeSearch, ResourceType: seg0}, ""
	}
	if strings.HasPrefix(seg1, "$") {
		if method != "GET" && method != "POST" {
			return nil, "unknown method for type operation"
		}
		return &Parsed{Kind: TypeOperation, ResourceType: seg0, OperationName: strings.TrimPrefix(seg1, "$")}, ""
	}
	// seg1 is an instance id
	switch method {
	case "GET", "HEAD":
		return &Parsed{Kind: InstanceRead, ResourceType: seg0, ID: seg1}, ""
	case "PUT":
		if hasQuery {
			return &Parsed{Kind: InstanceUpdateConditional, ResourceType: seg0, ID: seg1}, ""
		}
		return &Parsed{Kind: InstanceUpdate, ResourceType: seg0, ID: seg1}, ""
	case "PATCH":
		if hasQuery {
			return &Parsed{Kind: InstancePatchConditional, ResourceType: seg0, ID: seg1}, ""
		}
		return &Parsed{Kind: InstancePatch, ResourceType: seg0, ID: seg1}, ""
	case "DELETE":
		return &Parsed{Kind: InstanceDelete, ResourceType: seg0, ID: seg1}, ""
	}
	return nil, "unknown method for instance-level interaction"
}

func classifyThreeSegments(method string, seg []string, knownType KnownType) (*Parsed, string) {
	resourceType, id, seg2 := seg[0], seg[1], seg[2]
	if !knownType(resourceType) {
		return nil, "unknown resource type"
	}
	if seg2 == "_history" {
		if method != "GET" {
			return nil, "unknown method for instance history"
		}
		return &Parsed{Kind: InstanceReadHistory, ResourceType: resourceType, ID: id}, ""
	}
	if strings.HasPrefix(seg2, "$") {
		if method != "GET" && method != "POST" {
			return nil, "unknown method for instance operation"
		}
		return &Parsed{Kind: InstanceOperation, ResourceType: resourceType, ID: id, OperationName: strings.TrimPrefix(seg2, "$")}, ""
	}
	if knownType(seg2) {
		if method != "GET" {
			return nil, "unknown method for compartment search"
		}
		return &Parsed{Kind: CompartmentTypeSearch, ResourceType: resourceType, ID: id, CompartmentType: seg2}, ""
	}
	return nil, "unrecognized URL shape"
}

func classifyFourSegments(method string, seg []string, knownType KnownType) (*Parsed, string) {
	resourceType, id, seg2, seg3 := seg[0], seg[1], seg[2], seg[3]
	if !knownType(resourceType) || seg2 != "_history" {
		return nil, "unrecognized URL shape"
	}
	switch method {
	case "GET", "HEAD":
		return &Parsed{Kind: InstanceReadVersion, ResourceType: resourceType, ID: id, Version: seg3}, ""
	case "DELETE":
		return &Parsed{Kind: InstanceDeleteVersion, ResourceType: resourceType, ID: id, Version: seg3}, ""
	}
	return nil, "unknown method for versioned instance interaction"
}
