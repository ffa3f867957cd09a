package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestPasswordHashAndVerify(t *testing.T) {
	h, err := hashPassword("supersecurepass")
	if err != nil {
		t.Fatalf("hashPassword err: %v", err)
	}
	ok, err := verifyPassword(h, "supersecurepass")
	if err != nil {
		t.Fatalf("verifyPassword err: %v", err)
	}
	if !ok {
		t.Fatal("expected password verification success")
	}
	ok, err = verifyPassword(h, "wrong-pass")
	if err != nil {
		t.Fatalf("verifyPassword wrong err: %v", err)
	}
	if ok {
		t.Fatal("expected password verification failure")
	}
	if _, err := verifyPassword("plain", "x"); err == nil {
		t.Fatal("expected malformed hash error")
	}
}

func TestTokenCarriesNameAndRole(t *testing.T) {
	s := NewService(nil, "secret", time.Hour, []string{" Gamemaster "})
	want := Claims{AccountID: uuid.New(), Name: "Gamemaster", Role: RoleAdmin}
	tok, err := s.IssueToken(want)
	if err != nil {
		t.Fatalf("IssueToken err: %v", err)
	}
	got, err := s.ParseToken(tok)
	if err != nil {
		t.Fatalf("ParseToken err: %v", err)
	}
	if got != want {
		t.Fatalf("claims mismatch: got %+v want %+v", got, want)
	}
	if !got.IsAdmin() {
		t.Fatal("expected admin claims")
	}
	if !s.admins["gamemaster"] {
		t.Fatal("expected admin names to be normalized")
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	a := NewService(nil, "secret-a", time.Hour, nil)
	b := NewService(nil, "secret-b", time.Hour, nil)
	tok, err := a.IssueToken(Claims{AccountID: uuid.New(), Name: "Alice", Role: RolePlayer})
	if err != nil {
		t.Fatalf("IssueToken err: %v", err)
	}
	if _, err := b.ParseToken(tok); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	s := NewService(nil, "secret", -time.Minute, nil)
	tok, err := s.IssueToken(Claims{AccountID: uuid.New(), Name: "Alice", Role: RolePlayer})
	if err != nil {
		t.Fatalf("IssueToken err: %v", err)
	}
	if _, err := s.ParseToken(tok); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := NewService(nil, "secret", time.Hour, nil)
	for _, name := range []string{"", "ab", "1player", "bad!name"} {
		_, err := s.Register(context.Background(), name, "supersecurepass")
		if !errors.Is(err, ErrInvalidName) {
			t.Fatalf("name %q: expected ErrInvalidName, got %v", name, err)
		}
	}
	_, err := s.Register(context.Background(), "Player One", "short")
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}
