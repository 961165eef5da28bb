package auth

import (
	"strings"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	manager, err := New("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	token, err := manager.Issue("Operator@Example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	email, err := manager.Parse(token, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if email != "operator@example.com" {
		t.Errorf("expected normalized email, got %q", email)
	}
}

func TestParseExpired(t *testing.T) {
	manager, err := New("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	token, err := manager.Issue("operator@example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Parse(token, now.Add(2*time.Hour)); err == nil {
		t.Fatal("expected expired session to be rejected")
	}
}

func TestParseTampered(t *testing.T) {
	manager, err := New("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	token, err := manager.Issue("operator@example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Map(func(r rune) rune {
		if r == 'a' {
			return 'b'
		}
		return r
	}, token)
	if tampered == token {
		t.Skip("token contained no 'a' to flip")
	}
	if _, err := manager.Parse(tampered, now); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestParseWrongSecret(t *testing.T) {
	issuer, err := New("secret-one", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := New("secret-two", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	token, err := issuer.Issue("operator@example.com", now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.Parse(token, now); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestIssueEmptyEmail(t *testing.T) {
	manager, err := New("secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Issue("  ", time.Now()); err == nil {
		t.Fatal("expected empty email to be rejected")
	}
}
