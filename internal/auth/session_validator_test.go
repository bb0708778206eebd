package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testSubject       = "planner-1"
)

func newTestValidator(t *testing.T, now time.Time) *TokenValidator {
	t.Helper()
	validator, err := NewTokenValidator(TokenValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signTestToken(t *testing.T, claims ActorClaims, method jwt.SigningMethod) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func actorClaims(role string, now time.Time, ttl time.Duration) ActorClaims {
	return ActorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Audience:  []string{DefaultAudience},
			Subject:   testSubject,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func TestTokenValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	actor, err := validator.ValidateToken(signTestToken(t, actorClaims("agent", clockNow, time.Hour), jwt.SigningMethodHS256))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if actor.Subject != testSubject || actor.Role != RoleAgent {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestTokenValidatorRejections(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	wrongIssuer := actorClaims("client", clockNow, time.Hour)
	wrongIssuer.Issuer = "someone-else"
	missingSubject := actorClaims("client", clockNow, time.Hour)
	missingSubject.Subject = ""

	testCases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty", token: "", expected: ErrMissingToken},
		{name: "expired", token: signTestToken(t, actorClaims("client", clockNow, -time.Hour), jwt.SigningMethodHS256), expected: ErrExpiredToken},
		{name: "wrong issuer", token: signTestToken(t, wrongIssuer, jwt.SigningMethodHS256), expected: ErrInvalidToken},
		{name: "wrong algorithm", token: signTestToken(t, actorClaims("client", clockNow, time.Hour), jwt.SigningMethodHS512), expected: ErrInvalidToken},
		{name: "unknown role", token: signTestToken(t, actorClaims("admin", clockNow, time.Hour), jwt.SigningMethodHS256), expected: ErrInvalidRole},
		{name: "missing subject", token: signTestToken(t, missingSubject, jwt.SigningMethodHS256), expected: ErrMissingSubject},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestTokenValidatorValidateRequestSources(t *testing.T) {
	clockNow := time.Now()
	validator := newTestValidator(t, clockNow)
	signed := signTestToken(t, actorClaims("client", clockNow, time.Hour), jwt.SigningMethodHS256)

	headerRequest := httptest.NewRequest(http.MethodGet, "/canvases/c1/snapshot", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer "+signed)
	if actor, err := validator.ValidateRequest(headerRequest); err != nil || actor.Role != RoleClient {
		t.Fatalf("header validation failed: %+v %v", actor, err)
	}

	queryRequest := httptest.NewRequest(http.MethodGet, "/canvases/c1/stream?access_token="+signed, http.NoBody)
	if _, err := validator.ValidateRequest(queryRequest); err != nil {
		t.Fatalf("query validation failed: %v", err)
	}

	basicRequest := httptest.NewRequest(http.MethodGet, "/canvases/c1/snapshot", http.NoBody)
	basicRequest.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
	if _, err := validator.ValidateRequest(basicRequest); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for non-bearer scheme, got %v", err)
	}

	bareRequest := httptest.NewRequest(http.MethodGet, "/canvases/c1/snapshot", http.NoBody)
	if _, err := validator.ValidateRequest(bareRequest); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	if role, err := ParseRole(" Agent "); err != nil || role != RoleAgent {
		t.Fatalf("expected agent role, got %q %v", role, err)
	}
	if _, err := ParseRole("observer"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
}
