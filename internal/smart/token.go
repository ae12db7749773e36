package smart

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// accessTokenTTL is the lifetime reported as ExpiresIn and used for the
// idToken's exp claim. Token lookups and refreshes do not check either
// TTL, and refreshTokenTTL is not read anywhere.
const (
	accessTokenTTL  = time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour
)

// TokenResponse is the token-exchange and refresh response shape (spec §4.8
// step 4/5).
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int
	Scope        string
	Patient      string
}

// Errors returned by TryCreateSmartResponse / RefreshAccessToken.
var (
	ErrInvalidGrant  = fmt.Errorf("smart: invalid or expired authorization code")
	ErrClientMismatch = fmt.Errorf("smart: client_id does not match the authorizing client")
	ErrPKCERequired  = fmt.Errorf("smart: code_verifier required for public client")
	ErrPKCEMismatch  = fmt.Errorf("smart: code_verifier does not match code_challenge")
)

// TryCreateSmartResponse exchanges an authorization code for tokens (spec
// §4.8 step 4): looks the request up by the first 36 characters of
// authCode (the UUID key portion), validates tenant/client/PKCE, then
// issues opaque "{key}_{uuid}" access and refresh tokens plus a signed
// idToken. Grounded on smart_launch.go's ExchangeCode.
func (m *Manager) TryCreateSmartResponse(authCode, clientID, codeVerifier string) (*TokenResponse, error) {
	if len(authCode) < 36 {
		return nil, ErrInvalidGrant
	}
	key := authCode[:36]

	m.mu.Lock()
	info, ok := m.byAuthCode[key]
	m.mu.Unlock()
	if !ok || info.AuthCode != authCode {
		return nil, ErrInvalidGrant
	}
	if time.Now().UTC().After(info.Expires) {
		m.mu.Lock()
		delete(m.byAuthCode, key)
		m.mu.Unlock()
		return nil, ErrInvalidGrant
	}
	if info.ClientID != clientID {
		return nil, ErrClientMismatch
	}

	client, ok := m.client(clientID)
	if !ok {
		return nil, ErrUnknownClient
	}
	if err := verifyPKCE(client, info, codeVerifier); err != nil {
		return nil, err
	}

	idToken, err := m.signIDToken(info)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	info.AccessToken = key + "_" + uuid.NewString()
	info.RefreshToken = key + "_" + uuid.NewString()
	info.IDToken = idToken
	info.LastAccessed = now

	m.mu.Lock()
	delete(m.byAuthCode, key) // authorization codes are single-use
	m.byAccessToken[info.AccessToken] = info
	m.byRefreshToken[info.RefreshToken] = info
	m.mu.Unlock()

	return &TokenResponse{
		AccessToken:  info.AccessToken,
		RefreshToken: info.RefreshToken,
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL.Seconds()),
		Scope:        info.Scope,
		Patient:      info.LaunchPatient,
	}, nil
}

// verifyPKCE checks the S256 code_challenge (grounded on smart_launch.go's
// verifyPKCE: SHA-256 of the verifier, base64url-encoded without padding,
// compared to the stored challenge in constant time). A confidential client
// that did not send a PKCE challenge is exempt.
func verifyPKCE(client *Client, info *AuthorizationInfo, codeVerifier string) error {
	if info.PKCEChallenge == "" {
		if client.Public {
			return ErrPKCERequired
		}
		return nil
	}
	if codeVerifier == "" {
		return ErrPKCERequired
	}
	if info.PKCEMethod != "" && info.PKCEMethod != "S256" {
		return fmt.Errorf("smart: unsupported code_challenge_method %q", info.PKCEMethod)
	}
	sum := sha256.Sum256([]byte(codeVerifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if !timingSafeEqual(computed, info.PKCEChallenge) {
		return ErrPKCEMismatch
	}
	return nil
}

func timingSafeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// idTokenClaims are the only claims spec §4.8 requires: sub is the
// audience (this server's base URL), profile and fhirUser both carry the
// authenticated user's id.
type idTokenClaims struct {
	jwt.RegisteredClaims
	Profile  string `json:"profile"`
	FHIRUser string `json:"fhirUser"`
}

func (m *Manager) signIDToken(info *AuthorizationInfo) (string, error) {
	now := time.Now().UTC()
	claims := idTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   info.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
		Profile:  info.UserID,
		FHIRUser: info.UserID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// RefreshAccessToken rotates the access and refresh tokens for a known
// refresh token (spec §4.8 step 5): verifies the prefix match and
// client-id, then reissues both tokens.
func (m *Manager) RefreshAccessToken(refreshToken, clientID string) (*TokenResponse, error) {
	m.mu.Lock()
	info, ok := m.byRefreshToken[refreshToken]
	m.mu.Unlock()
	if !ok || info.RefreshToken != refreshToken {
		return nil, ErrInvalidGrant
	}
	if info.ClientID != clientID {
		return nil, ErrClientMismatch
	}
	if !strings.HasPrefix(refreshToken, info.Key) {
		return nil, ErrInvalidGrant
	}

	idToken, err := m.signIDToken(info)
	if err != nil {
		return nil, err
	}

	newAccess := info.Key + "_" + uuid.NewString()
	newRefresh := info.Key + "_" + uuid.NewString()

	m.mu.Lock()
	delete(m.byAccessToken, info.AccessToken)
	delete(m.byRefreshToken, info.RefreshToken)
	info.AccessToken = newAccess
	info.RefreshToken = newRefresh
	info.IDToken = idToken
	info.LastAccessed = time.Now().UTC()
	m.byAccessToken[newAccess] = info
	m.byRefreshToken[newRefresh] = info
	m.mu.Unlock()

	return &TokenResponse{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTokenTTL.Seconds()),
		Scope:        info.Scope,
		Patient:      info.LaunchPatient,
	}, nil
}

// IntrospectionResult is the /introspect response shape (spec §4.8 step 6).
type IntrospectionResult struct {
	Active   bool
	Scope    string
	ClientID string
	Username string
	Subject  string
	Audience string
}

// IntrospectToken reports whether token is a currently-valid access token.
func (m *Manager) IntrospectToken(token string) IntrospectionResult {
	info, ok := m.TryGetAuthorization(token)
	if !ok {
		return IntrospectionResult{Active: false}
	}
	return IntrospectionResult{
		Active:   true,
		Scope:    info.Scope,
		ClientID: info.ClientID,
		Username: info.UserID,
		Subject:  info.Audience,
		Audience: info.Audience,
	}
}

// TryGetAuthorization looks up the AuthorizationInfo for a bearer access
// token, refreshing LastAccessed on success. The source implementation's
// corresponding lookup returned false on its trailing success branch; the
// correct behavior (spec §9) is to return true after a successful lookup.
func (m *Manager) TryGetAuthorization(accessToken string) (*AuthorizationInfo, bool) {
	m.mu.Lock()
	info, ok := m.byAccessToken[accessToken]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if info.AccessToken != accessToken {
		return nil, false
	}
	info.LastAccessed = time.Now().UTC()
	return info, true
}
