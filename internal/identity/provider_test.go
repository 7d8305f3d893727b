package identity

import (
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	p := NewJWTProvider("test-secret")

	token, err := p.IssueToken("user-42", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	userID, err := p.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("expected user-42, got %q", userID)
	}
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := NewJWTProvider("secret-a").IssueToken("user-42", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := NewJWTProvider("secret-b").VerifyToken(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTExpired(t *testing.T) {
	p := NewJWTProvider("test-secret")
	token, err := p.IssueToken("user-42", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := p.VerifyToken(token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestJWTGarbage(t *testing.T) {
	p := NewJWTProvider("test-secret")
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := p.VerifyToken(token); err != ErrInvalidToken {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestUserIDColonRejected(t *testing.T) {
	// A colon inside a user id would make the pair ambiguous when embedded
	// in a session id, so both providers refuse it.
	p := NewJWTProvider("test-secret")
	token, err := p.IssueToken("alice:bob", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := p.VerifyToken(token); err != ErrInvalidToken {
		t.Errorf("jwt: expected ErrInvalidToken for colon subject, got %v", err)
	}

	if _, err := (InsecureProvider{}).VerifyToken("alice:1"); err != ErrInvalidToken {
		t.Errorf("insecure: expected ErrInvalidToken for colon id, got %v", err)
	}
}

func TestValidUserID(t *testing.T) {
	cases := map[string]bool{
		"alice":     true,
		"user-42":   true,
		"":          false,
		"a:b":       false,
		":leading":  false,
		"trailing:": false,
	}
	for id, want := range cases {
		if got := ValidUserID(id); got != want {
			t.Errorf("ValidUserID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestInsecureProvider(t *testing.T) {
	p := InsecureProvider{}

	userID, err := p.VerifyToken("  alice  ")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if userID != "alice" {
		t.Errorf("expected alice, got %q", userID)
	}

	if _, err := p.VerifyToken("   "); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken for blank token, got %v", err)
	}
}
