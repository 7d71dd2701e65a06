package auth

import (
	"errors"
	"testing"
	"time"
)

func TestVerifierIssueAndVerify(t *testing.T) {
	verifier := NewVerifier(VerifierConfig{
		SecretKey: "test-secret-key",
		Issuer:    "test-issuer",
	})

	token, err := verifier.Issue("subject-123", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if token == "" {
		t.Fatal("Issue() returned empty token")
	}

	subject, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if subject != "subject-123" {
		t.Errorf("Verify() subject = %q, want subject-123", subject)
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	verifier := NewVerifier(VerifierConfig{SecretKey: "test-secret-key"})

	token, err := verifier.Issue("subject-123", -time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestVerifierRejectsWrongKey(t *testing.T) {
	issuer := NewVerifier(VerifierConfig{SecretKey: "key-one"})
	verifier := NewVerifier(VerifierConfig{SecretKey: "key-two"})

	token, err := issuer.Issue("subject-123", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifierRejectsWrongIssuer(t *testing.T) {
	issuer := NewVerifier(VerifierConfig{SecretKey: "shared-key", Issuer: "other-service"})
	verifier := NewVerifier(VerifierConfig{SecretKey: "shared-key", Issuer: "this-service"})

	token, err := issuer.Issue("subject-123", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifierRejectsGarbage(t *testing.T) {
	verifier := NewVerifier(VerifierConfig{SecretKey: "test-secret-key"})

	if _, err := verifier.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
	}
}
