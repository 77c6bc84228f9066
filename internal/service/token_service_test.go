package service

import (
	"errors"
	"testing"
	"time"
)

func TestTokenIssueAndParse(t *testing.T) {
	svc := NewTokenService("secret", AudienceAdmin, 1)
	token, expiresAt, err := svc.Issue(9)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Fatalf("expires at should be in the future: %v", expiresAt)
	}
	claims, err := svc.Parse(token)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims.SubjectID != 9 || claims.Scope != AudienceAdmin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenRejectsOtherAudience(t *testing.T) {
	userTokens := NewTokenService("secret", AudienceUser, 1)
	adminTokens := NewTokenService("secret", AudienceAdmin, 1)
	token, _, err := userTokens.Issue(3)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := adminTokens.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestTokenRejectsWrongSecretAndExpired(t *testing.T) {
	svc := NewTokenService("secret", AudienceUser, 1)
	token, _, err := svc.Issue(3)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	other := NewTokenService("other", AudienceUser, 1)
	if _, err := other.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for wrong secret, got %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := svc.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for expired, got %v", err)
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	svc := NewTokenService("", AudienceAdmin, 1)
	if _, _, err := svc.Issue(1); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token without secret, got %v", err)
	}
}
