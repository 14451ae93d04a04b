package auth

import (
	"errors"
	"testing"
	"time"
)

func TestExtractToken(t *testing.T) {
	cases := map[string]bool{
		"Bearer abc.def.ghi": true,
		"bearer abc":         true,
		"Basic abc":          false,
		"Bearer ":            false,
		"":                   false,
	}
	for header, ok := range cases {
		_, err := ExtractToken(header)
		if (err == nil) != ok {
			t.Errorf("ExtractToken(%q): expected ok=%v, got err=%v", header, ok, err)
		}
	}
}

func TestIssueAndVerify(t *testing.T) {
	a, err := NewLocalJWTAuth("secret", time.Minute)
	if err != nil {
		t.Fatalf("NewLocalJWTAuth: %v", err)
	}

	token, err := a.IssueToken("u1", "u1@example.com", "admin")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	user, err := a.VerifyAccessToken(token)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if user.ID != "u1" || user.Role != "admin" {
		t.Errorf("unexpected user %+v", user)
	}

	other, _ := NewLocalJWTAuth("different", time.Minute)
	if _, err := other.VerifyAccessToken(token); err == nil {
		t.Error("token signed with another secret must be rejected")
	}
}

func TestVerifyExpired(t *testing.T) {
	a, _ := NewLocalJWTAuth("secret", -time.Minute)
	token, err := a.IssueToken("u1", "", "user")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := a.VerifyAccessToken(token); err == nil {
		t.Error("expired token must be rejected")
	}
}

func TestNewLocalJWTAuth_RequiresSecret(t *testing.T) {
	if _, err := NewLocalJWTAuth("", 0); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestVerify_SentinelErrors(t *testing.T) {
	a, _ := NewLocalJWTAuth("secret", time.Minute)

	if _, err := a.VerifyAccessToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: expected ErrInvalidToken, got %v", err)
	}

	token, err := a.IssueToken("", "", "user")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := a.VerifyAccessToken(token); !errors.Is(err, ErrNoSubject) {
		t.Errorf("empty subject: expected ErrNoSubject, got %v", err)
	}
}
