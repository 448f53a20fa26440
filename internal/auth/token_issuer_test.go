package auth

import (
	"context"
	"testing"
	"time"
)

func TestIssueAndValidateSessionToken(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "userbase-auth",
		Audience:      "userbase-api",
		TokenTTL:      time.Minute,
	})

	token, expiresIn, err := issuer.IssueSessionToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if expiresIn <= 0 || expiresIn > 60 {
		t.Fatalf("unexpected expiry: %d", expiresIn)
	}

	subject, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "user-123" {
		t.Fatalf("expected subject user-123, got %q", subject)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "userbase-auth",
		Audience:      "userbase-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return now },
	})

	token, _, err := issuer.IssueSessionToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestValidateTokenRejectsForeignAudience(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "userbase-auth",
		Audience:      "userbase-api",
	})
	foreign := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "userbase-auth",
		Audience:      "other-api",
	})

	token, _, err := foreign.IssueSessionToken(context.Background(), "user-123")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.ValidateToken(token); err == nil {
		t.Fatalf("expected foreign audience to be rejected")
	}
}

func TestIssueSessionTokenRequiresSubject(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret")})
	if _, _, err := issuer.IssueSessionToken(context.Background(), ""); err == nil {
		t.Fatalf("expected missing subject to be rejected")
	}
}
