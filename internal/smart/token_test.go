package smart

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func issuePendingAuth(t *testing.T, m *Manager, challenge string) (authCode string, key string) {
	t.Helper()
	_, key, err := m.RequestAuth("127.0.0.1", RequestParams{
		ClientID:      "test-client",
		RedirectURI:   "https://app.example.org/callback",
		Audience:      "https://fhir.example.org/acme",
		Scope:         "patient/Observation.rs",
		PKCEChallenge: challenge,
		PKCEMethod:    "S256",
	})
	if err != nil {
		t.Fatalf("RequestAuth: %v", err)
	}
	if err := m.TryUpdateAuth(key, "user-1", "patient-1", ""); err != nil {
		t.Fatalf("TryUpdateAuth: %v", err)
	}
	if _, err := m.TryGetClientRedirect(key, nil); err != nil {
		t.Fatalf("TryGetClientRedirect: %v", err)
	}
	info, err := m.lookupKey(key)
	if err != nil {
		t.Fatalf("lookupKey: %v", err)
	}
	return info.AuthCode, key
}

func codeChallengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestTryCreateSmartResponse_Success(t *testing.T) {
	m, _ := testManager(t)
	verifier := "a-code-verifier-long-enough-for-pkce"
	authCode, _ := issuePendingAuth(t, m, codeChallengeFor(verifier))

	resp, err := m.TryCreateSmartResponse(authCode, "test-client", verifier)
	if err != nil {
		t.Fatalf("TryCreateSmartResponse: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" || resp.IDToken == "" {
		t.Fatalf("expected all three tokens to be issued, got %+v", resp)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("expected Bearer token type, got %s", resp.TokenType)
	}
	if resp.Patient != "patient-1" {
		t.Errorf("expected launch patient to carry through, got %s", resp.Patient)
	}

	// authorization codes are single-use
	if _, err := m.TryCreateSmartResponse(authCode, "test-client", verifier); err != ErrInvalidGrant {
		t.Fatalf("expected re-use of an authorization code to fail with ErrInvalidGrant, got %v", err)
	}
}

func TestTryCreateSmartResponse_PKCEMismatch(t *testing.T) {
	m, _ := testManager(t)
	authCode, _ := issuePendingAuth(t, m, codeChallengeFor("correct-verifier"))

	_, err := m.TryCreateSmartResponse(authCode, "test-client", "wrong-verifier")
	if err != ErrPKCEMismatch {
		t.Fatalf("expected ErrPKCEMismatch, got %v", err)
	}
}

func TestTryCreateSmartResponse_PKCERequiredForPublicClient(t *testing.T) {
	m, _ := testManager(t)
	authCode, _ := issuePendingAuth(t, m, "") // no challenge sent

	_, err := m.TryCreateSmartResponse(authCode, "test-client", "")
	if err != ErrPKCERequired {
		t.Fatalf("expected ErrPKCERequired for a public client with no challenge, got %v", err)
	}
}

func TestTryCreateSmartResponse_ClientMismatch(t *testing.T) {
	m, _ := testManager(t)
	verifier := "a-code-verifier-long-enough-for-pkce"
	authCode, _ := issuePendingAuth(t, m, codeChallengeFor(verifier))

	m.RegisterClient(&Client{ID: "other-client", RedirectURIs: []string{"https://other.example.org/cb"}, Public: true})
	_, err := m.TryCreateSmartResponse(authCode, "other-client", verifier)
	if err != ErrClientMismatch {
		t.Fatalf("expected ErrClientMismatch, got %v", err)
	}
}

func TestTryGetAuthorization_ReturnsTrueOnSuccess(t *testing.T) {
	m, _ := testManager(t)
	verifier := "a-code-verifier-long-enough-for-pkce"
	authCode, _ := issuePendingAuth(t, m, codeChallengeFor(verifier))
	resp, err := m.TryCreateSmartResponse(authCode, "test-client", verifier)
	if err != nil {
		t.Fatalf("TryCreateSmartResponse: %v", err)
	}

	info, ok := m.TryGetAuthorization(resp.AccessToken)
	if !ok {
		t.Fatal("expected TryGetAuthorization to report true for a valid access token")
	}
	if info == nil || info.AccessToken != resp.AccessToken {
		t.Fatalf("expected the returned AuthorizationInfo to carry the access token, got %+v", info)
	}
}

func TestTryGetAuthorization_UnknownToken(t *testing.T) {
	m, _ := testManager(t)
	if _, ok := m.TryGetAuthorization("not-a-real-token"); ok {
		t.Fatal("expected TryGetAuthorization to report false for an unknown token")
	}
}

func TestRefreshAccessToken_RotatesTokens(t *testing.T) {
	m, _ := testManager(t)
	verifier := "a-code-verifier-long-enough-for-pkce"
	authCode, _ := issuePendingAuth(t, m, codeChallengeFor(verifier))
	resp, err := m.TryCreateSmartResponse(authCode, "test-client", verifier)
	if err != nil {
		t.Fatalf("TryCreateSmartResponse: %v", err)
	}

	refreshed, err := m.RefreshAccessToken(resp.RefreshToken, "test-client")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if refreshed.AccessToken == resp.AccessToken {
		t.Error("expected a freshly rotated access token")
	}
	if refreshed.RefreshToken == resp.RefreshToken {
		t.Error("expected a freshly rotated refresh token")
	}

	if _, ok := m.TryGetAuthorization(resp.AccessToken); ok {
		t.Error("expected the pre-rotation access token to no longer be valid")
	}
	if _, ok := m.TryGetAuthorization(refreshed.AccessToken); !ok {
		t.Error("expected the newly rotated access token to be valid")
	}
}

func TestIntrospectToken(t *testing.T) {
	m, _ := testManager(t)
	verifier := "a-code-verifier-long-enough-for-pkce"
	authCode, _ := issuePendingAuth(t, m, codeChallengeFor(verifier))
	resp, err := m.TryCreateSmartResponse(authCode, "test-client", verifier)
	if err != nil {
		t.Fatalf("TryCreateSmartResponse: %v", err)
	}

	active := m.IntrospectToken(resp.AccessToken)
	if !active.Active {
		t.Fatal("expected introspection to report the token as active")
	}
	if active.ClientID != "test-client" {
		t.Errorf("expected client_id test-client, got %s", active.ClientID)
	}

	inactive := m.IntrospectToken("bogus-token")
	if inactive.Active {
		t.Fatal("expected introspection to report an unknown token as inactive")
	}
}
