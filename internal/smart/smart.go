// Package smart implements the SMART Auth Manager (C8, spec §4.8): the
// authorization-code + PKCE flow, opaque bearer tokens, refresh, and
// introspection, plus the scope-based authorization check every interaction
// passes through before reaching the Tenant Store.
//
// Grounded on internal/platform/auth/smart_launch.go's SMARTServer
// (Authorize/ExchangeCode/RefreshAccessToken/IntrospectToken, verifyPKCE,
// isValidRedirectURI, timingSafeEqual, signJWT/parseJWT) and smart.go's
// ParseSMARTScope/ScopeAllows, re-keyed around spec §3's AuthorizationInfo
// record and owned per-tenant (spec §9: "state owned by the tenant, not a
// global singleton") rather than by a process-wide SMARTServer.
package smart

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// authExpiry is how long a pending authorization request (between
// RequestAuth and a completed token exchange) remains valid (spec §4.8:
// "expire in 10 minutes").
const authExpiry = 10 * time.Minute

// RequestParams is the inbound /authorize request (spec §4.8 step 1).
type RequestParams struct {
	ResponseType  string
	ClientID      string
	RedirectURI   string
	Launch        string
	Scope         string
	State         string
	Audience      string
	PKCEChallenge string
	PKCEMethod    string
}

// AuthorizationInfo is the Authorization Request record spec §3 names,
// tracking one authorization attempt from /authorize through token exchange
// and every subsequent refresh.
type AuthorizationInfo struct {
	Key      string
	Tenant   string
	RemoteIP string

	RequestParams

	Created      time.Time
	LastAccessed time.Time
	Expires      time.Time

	UserID             string
	LaunchPatient      string
	LaunchPractitioner string

	Scopes        map[string]bool
	PatientScopes []ParsedScope
	UserScopes    []ParsedScope

	AuthCode     string
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// Client is a registered SMART client (spec §4.8's client-id/redirect-URI
// validation), grounded on smart_launch.go's SMARTClient.
type Client struct {
	ID           string
	Name         string
	RedirectURIs []string
	Public       bool
	Secret       string
}

// Manager is the SMART Auth Manager for one tenant (spec §4.8, §9).
type Manager struct {
	tenant     string
	baseURL    string
	signingKey []byte

	mu             sync.Mutex
	byKey          map[string]*AuthorizationInfo
	byAuthCode     map[string]*AuthorizationInfo
	byAccessToken  map[string]*AuthorizationInfo
	byRefreshToken map[string]*AuthorizationInfo
	clients        map[string]*Client
}

// NewManager constructs a Manager scoped to one tenant's base URL.
// signingKey is the symmetric key idTokens are signed with — intentionally
// a shared HMAC secret, not an asymmetric keypair, matching spec §4.8's
// "signed symmetrically" note.
func NewManager(tenant, baseURL string, signingKey []byte) *Manager {
	return &Manager{
		tenant:         tenant,
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		signingKey:     signingKey,
		byKey:          make(map[string]*AuthorizationInfo),
		byAuthCode:     make(map[string]*AuthorizationInfo),
		byAccessToken:  make(map[string]*AuthorizationInfo),
		byRefreshToken: make(map[string]*AuthorizationInfo),
		clients:        make(map[string]*Client),
	}
}

// RegisterClient adds or replaces a known client.
func (m *Manager) RegisterClient(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
}

// RegisterConformanceClients registers the always-present public clients a
// bare-bones SMART launch needs to be tested against out of the box,
// grounded on smart_launch.go's RegisterDefaultSMARTClient.
func (m *Manager) RegisterConformanceClients() {
	m.RegisterClient(&Client{
		ID:           "smart-public-client",
		Name:         "SMART Public Test Client",
		RedirectURIs: []string{m.baseURL + "/smart/callback", "http://localhost:8080/callback"},
		Public:       true,
	})
}

func (m *Manager) client(id string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// ErrUnknownClient, ErrInvalidRedirect, ErrInvalidAudience are returned by
// RequestAuth.
var (
	ErrUnknownClient   = fmt.Errorf("smart: unknown client_id")
	ErrInvalidRedirect = fmt.Errorf("smart: redirect_uri not registered for client")
	ErrInvalidAudience = fmt.Errorf("smart: aud does not match this server's base URL")
)

// RequestAuth begins an authorization attempt (spec §4.8 step 1): validates
// audience against the tenant's base URL modulo a trailing slash, allocates
// a UUID key and an authCode of the form "{key}_{uuid}", and returns the
// redirect URL to the login page.
func (m *Manager) RequestAuth(remoteIP string, p RequestParams) (redirectURL, key string, err error) {
	client, ok := m.client(p.ClientID)
	if !ok {
		return "", "", ErrUnknownClient
	}
	if !isValidRedirectURI(client, p.RedirectURI) {
		return "", "", ErrInvalidRedirect
	}
	if strings.TrimSuffix(p.Audience, "/") != m.baseURL {
		return "", "", ErrInvalidAudience
	}

	now := time.Now().UTC()
	k := uuid.NewString()
	info := &AuthorizationInfo{
		Key:          k,
		Tenant:       m.tenant,
		RemoteIP:     remoteIP,
		RequestParams: p,
		Created:      now,
		LastAccessed: now,
		Expires:      now.Add(authExpiry),
		AuthCode:     k + "_" + uuid.NewString(),
		Scopes:       parseScopeSet(p.Scope),
	}

	m.mu.Lock()
	m.byKey[k] = info
	m.byAuthCode[info.AuthCode[:36]] = info
	m.mu.Unlock()

	return fmt.Sprintf("/smart/login?store=%s&key=%s", m.tenant, k), k, nil
}

func isValidRedirectURI(c *Client, redirectURI string) bool {
	for _, allowed := range c.RedirectURIs {
		if allowed == redirectURI {
			return true
		}
	}
	return false
}

// ErrUnknownKey is returned when key names no pending authorization.
var ErrUnknownKey = fmt.Errorf("smart: unknown or expired authorization key")

func (m *Manager) lookupKey(key string) (*AuthorizationInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.byKey[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	if time.Now().UTC().After(info.Expires) {
		delete(m.byKey, key)
		return nil, ErrUnknownKey
	}
	return info, nil
}

// TryUpdateAuth records the outcome of an external login step (spec §4.8
// step 2): the authenticated user and any EHR-launch context.
func (m *Manager) TryUpdateAuth(key, userID, launchPatient, launchPractitioner string) error {
	info, err := m.lookupKey(key)
	if err != nil {
		return err
	}
	info.UserID = userID
	info.LaunchPatient = launchPatient
	info.LaunchPractitioner = launchPractitioner
	info.LastAccessed = time.Now().UTC()
	return nil
}

// TryGetClientRedirect finalizes consent (spec §4.8 step 3): approvedScopes
// narrows info.Scopes to what the user actually granted, and the redirect
// carries the authorization code and original state.
func (m *Manager) TryGetClientRedirect(key string, approvedScopes map[string]bool) (string, error) {
	info, err := m.lookupKey(key)
	if err != nil {
		return "", err
	}
	if approvedScopes != nil {
		info.Scopes = approvedScopes
	}
	info.PatientScopes, info.UserScopes = splitScopesByContext(info.Scopes)
	info.LastAccessed = time.Now().UTC()

	q := fmt.Sprintf("code=%s&state=%s", info.AuthCode, info.State)
	sep := "?"
	if strings.Contains(info.RedirectURI, "?") {
		sep = "&"
	}
	return info.RedirectURI + sep + q, nil
}

func splitScopesByContext(scopes map[string]bool) (patient, user []ParsedScope) {
	for s, granted := range scopes {
		if !granted {
			continue
		}
		ps, ok := ParseSMARTScope(s)
		if !ok {
			continue
		}
		switch ps.Context {
		case "patient":
			patient = append(patient, ps)
		case "user":
			user = append(user, ps)
		}
	}
	return patient, user
}
