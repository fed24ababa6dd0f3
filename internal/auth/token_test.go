// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expiry and the token credentials

package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("agent-7", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	gotID, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if gotID != "agent-7" {
		t.Errorf("Verify() = %q, want %q", gotID, "agent-7")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	noSub := func() string {
		tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(testSecret)
		return tok
	}()
	noExp := func() string {
		tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "agent-7"}).SignedString(testSecret)
		return tok
	}()

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{
			name: "wrong secret",
			token: func() string {
				token, _ := NewJWTVerifier([]byte("different-secret")).Generate("agent-7", time.Hour)
				return token
			}(),
		},
		{name: "no subject", token: noSub},
		{name: "no expiry", token: noExp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken or ErrMissingClaim", err)
			}
		})
	}
}

func TestJWTVerifier_RequiresAgentAudience(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "agent-7",
		Audience:  jwt.ClaimStrings{"coven-gateway"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	if _, err := verifier.Verify(foreign); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}

	token, err := verifier.Generate("agent-7", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != TokenAudience {
		t.Errorf("aud = %v, want [%s]", claims.Audience, TokenAudience)
	}
	if claims.ID == "" {
		t.Error("token has no jti")
	}
}

func TestJWTVerifier_GenerateRequiresAgent(t *testing.T) {
	if _, err := NewJWTVerifier(testSecret).Generate("", time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate() error = %v, want ErrMissingClaim", err)
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate("agent-7", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_Clock(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	verifier.now = func() time.Time { return start }

	token, err := verifier.Generate("agent-7", time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := verifier.Verify(token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	verifier.now = func() time.Time { return start.Add(2 * time.Minute) }
	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestTokenCredentials(t *testing.T) {
	ctx := context.Background()

	h, err := BearerToken("abc").Headers(ctx)
	if err != nil {
		t.Fatalf("Headers() error = %v", err)
	}
	if h["authorization"] != "Bearer abc" {
		t.Errorf("authorization = %q", h["authorization"])
	}

	verifier := NewJWTVerifier(testSecret)
	h, err = SignedToken{Signer: verifier, AgentID: "agent-7"}.Headers(ctx)
	if err != nil {
		t.Fatalf("Headers() error = %v", err)
	}
	got, err := verifier.Verify(strings.TrimPrefix(h["authorization"], "Bearer "))
	if err != nil || got != "agent-7" {
		t.Errorf("signed token verified as %q, %v", got, err)
	}

	hdr, err := HTTPHeader(ctx, BearerToken("abc"))
	if err != nil {
		t.Fatalf("HTTPHeader() error = %v", err)
	}
	if hdr.Get("Authorization") != "Bearer abc" {
		t.Errorf("Authorization = %q", hdr.Get("Authorization"))
	}
}
