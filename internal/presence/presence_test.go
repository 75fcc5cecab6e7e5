package presence

import (
	"context"
	"errors"
	"testing"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/keyvault"
)

func newPIN(t *testing.T, pin string) *PIN {
	t.Helper()
	enc, err := HashPIN(pin)
	if err != nil {
		t.Fatalf("HashPIN: %v", err)
	}
	p, err := NewPIN(enc)
	if err != nil {
		t.Fatalf("NewPIN: %v", err)
	}
	return p
}

func TestPINPrompt(t *testing.T) {
	ctx := context.Background()
	p := newPIN(t, "1234")
	ch := &keyvault.AuthChallenge{ID: "c1", Alias: "k"}

	if err := p.Prompt("1234").Authenticate(ctx, ch); err != nil {
		t.Fatalf("correct pin: %v", err)
	}
	if err := p.Prompt("0000").Authenticate(ctx, ch); !errors.Is(err, apperr.ErrAuthFailed) {
		t.Fatalf("wrong pin: expected ErrAuthFailed, got %v", err)
	}
	if err := p.Prompt("").Authenticate(ctx, ch); !errors.Is(err, apperr.ErrAuthCancelled) {
		t.Fatalf("empty pin: expected ErrAuthCancelled, got %v", err)
	}
	if err := p.Prompt("1234").Authenticate(ctx, nil); !errors.Is(err, apperr.ErrChallenge) {
		t.Fatalf("nil challenge: expected ErrChallenge, got %v", err)
	}
}

func TestEnrollmentChangesWithRehash(t *testing.T) {
	ctx := context.Background()
	a, _ := newPIN(t, "1234").Enrollment(ctx)
	b, _ := newPIN(t, "1234").Enrollment(ctx)
	if a == "" || a == b {
		t.Errorf("expected distinct fingerprints for separate enrollments, got %q and %q", a, b)
	}
}

func TestNewPINMalformed(t *testing.T) {
	for _, in := range []string{"", "plain", "bcrypt$a$b", "argon2id$!!$x"} {
		if _, err := NewPIN(in); err == nil {
			t.Errorf("NewPIN(%q): expected error", in)
		}
	}
}

func TestAlways(t *testing.T) {
	if err := Always.Authenticate(context.Background(), &keyvault.AuthChallenge{}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Always.Authenticate(ctx, nil); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNoPrompt(t *testing.T) {
	ch := &keyvault.AuthChallenge{ID: "x", Alias: "a"}
	if err := NoPrompt.Prompt("").Authenticate(context.Background(), ch); err != nil {
		t.Fatalf("NoPrompt rejected: %v", err)
	}
}
