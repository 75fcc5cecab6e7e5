package lockstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/presence"
)

type mapRegistry map[string]string

func (r mapRegistry) KeyAliasFor(nb string) (string, bool, error) {
	a, ok := r[nb]
	return a, ok, nil
}

type fixture struct {
	m     *Machine
	vault *keyvault.FileVault
	reg   mapRegistry

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T, notebooks ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	vault, err := keyvault.Open(t.TempDir(), keyvault.Options{
		Passphrase: []byte("test"),
		KDF:        keyvault.KDFParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	reg := mapRegistry{}
	for _, nb := range notebooks {
		alias := "key_" + nb
		if _, err := vault.CreateKey(ctx, alias, keyvault.CreateOptions{RequireUserPresence: true}); err != nil {
			t.Fatal(err)
		}
		reg[nb] = alias
	}
	f := &fixture{vault: vault, reg: reg}
	f.m = New(reg, vault, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	f.m.OnChange(func(ev Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) kinds() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	for _, ev := range f.events {
		out[ev.Kind]++
	}
	return out
}

func TestUnlockLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "vault")

	if _, err := f.m.KeyFor(ctx, "vault"); !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Fatalf("KeyFor locked: expected ErrAuthenticationRequired, got %v", err)
	}

	ch, err := f.m.RequestUnlock(ctx, "vault")
	if err != nil || ch == nil {
		t.Fatalf("RequestUnlock = %v, %v", ch, err)
	}
	if st := f.m.State("vault"); st != Unlocking {
		t.Fatalf("state = %s, want unlocking", st)
	}
	if err := f.m.OnAuthSuccess(ctx, "vault"); err != nil {
		t.Fatalf("OnAuthSuccess: %v", err)
	}
	if st := f.m.State("vault"); st != Unlocked {
		t.Fatalf("state = %s, want unlocked", st)
	}

	key, err := f.m.KeyFor(ctx, "vault")
	if err != nil || key == nil {
		t.Fatalf("KeyFor unlocked = %v, %v", key, err)
	}

	f.m.Lock("vault")
	if st := f.m.State("vault"); st != Locked {
		t.Fatalf("state = %s, want locked", st)
	}
	if !key.Destroyed() {
		t.Error("session key still usable after lock")
	}
	if _, err := f.m.KeyFor(ctx, "vault"); !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Fatalf("KeyFor after lock: expected ErrAuthenticationRequired, got %v", err)
	}
}

func TestUnprotectedNotebook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.m.RequestUnlock(ctx, "plain"); !errors.Is(err, apperr.ErrNotProtected) {
		t.Fatalf("expected ErrNotProtected, got %v", err)
	}
	key, err := f.m.KeyFor(ctx, "plain")
	if err != nil || key != nil {
		t.Fatalf("KeyFor = %v, %v", key, err)
	}
}

func TestRequestUnlockWhenUnlocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "vault")
	if err := f.m.Unlock(ctx, "vault", presence.Always); err != nil {
		t.Fatal(err)
	}
	key, _ := f.m.KeyFor(ctx, "vault")

	ch, err := f.m.RequestUnlock(ctx, "vault")
	if err != nil || ch != nil {
		t.Fatalf("RequestUnlock unlocked = %v, %v", ch, err)
	}
	again, _ := f.m.KeyFor(ctx, "vault")
	if again != key {
		t.Error("existing session replaced")
	}
}

func TestRequestUnlockSupersedesPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "vault")

	first, err := f.m.RequestUnlock(ctx, "vault")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.m.RequestUnlock(ctx, "vault")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Fatal("challenge not replaced")
	}
	if _, err := f.vault.Redeem(ctx, first); !errors.Is(err, apperr.ErrChallenge) {
		t.Errorf("superseded challenge still redeemable: %v", err)
	}
	if err := f.m.OnAuthSuccess(ctx, "vault"); err != nil {
		t.Fatalf("OnAuthSuccess: %v", err)
	}
}

func TestAuthFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "vault")
	hash, err := presence.HashPIN("1234")
	if err != nil {
		t.Fatal(err)
	}
	pin, _ := presence.NewPIN(hash)

	err = f.m.Unlock(ctx, "vault", pin.Prompt("9999"))
	if !errors.Is(err, apperr.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if st := f.m.State("vault"); st != Locked {
		t.Fatalf("state = %s, want locked", st)
	}
	if !errors.Is(f.m.LastError("vault"), apperr.ErrAuthFailed) {
		t.Errorf("LastError = %v", f.m.LastError("vault"))
	}

	// Retry is always possible.
	if err := f.m.Unlock(ctx, "vault", pin.Prompt("1234")); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.m.LastError("vault") != nil {
		t.Error("LastError kept after success")
	}
}

func TestAuthCancelledByContext(t *testing.T) {
	f := newFixture(t, "vault")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := presence.Func(func(ctx context.Context, _ *keyvault.AuthChallenge) error {
		cancel()
		return ctx.Err()
	})
	err := f.m.Unlock(ctx, "vault", auth)
	if !errors.Is(err, apperr.ErrAuthCancelled) {
		t.Fatalf("expected ErrAuthCancelled, got %v", err)
	}
	if st := f.m.State("vault"); st != Locked {
		t.Fatalf("state = %s, want locked", st)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var sawError bool
	for _, ev := range f.events {
		if ev.To == Error {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected a transition through error")
	}
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "vault")

	if err := f.m.OnAuthSuccess(ctx, "vault"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("OnAuthSuccess from locked: %v", err)
	}
	if err := f.m.OnAuthFailure("vault", nil); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("OnAuthFailure from locked: %v", err)
	}
	if err := f.m.OnAuthCancel("vault"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("OnAuthCancel from locked: %v", err)
	}
}

func TestLockWhileUnlocking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "vault")

	ch, err := f.m.RequestUnlock(ctx, "vault")
	if err != nil {
		t.Fatal(err)
	}
	f.m.Lock("vault")

	if err := f.m.OnAuthSuccess(ctx, "vault"); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.vault.Redeem(ctx, ch); !errors.Is(err, apperr.ErrChallenge) {
		t.Errorf("challenge survived lock: %v", err)
	}
}

func TestLockClearsSecrets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "vault")
	if err := f.m.Unlock(ctx, "vault", presence.Always); err != nil {
		t.Fatal(err)
	}
	if err := f.m.CacheEdit("vault", "n1", "secret", "title"); err != nil {
		t.Fatal(err)
	}

	f.m.Lock("vault")

	if _, _, err := f.m.Cached("vault", "n1"); !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Fatalf("Cached after lock: %v", err)
	}
	if err := f.m.CacheEdit("vault", "n1", "x", "y"); !errors.Is(err, apperr.ErrAuthenticationRequired) {
		t.Fatalf("CacheEdit after lock: %v", err)
	}

	if err := f.m.Unlock(ctx, "vault", presence.Always); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := f.m.Cached("vault", "n1"); ok {
		t.Error("cached content survived lock")
	}
}

func TestPendingEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "vault")
	_ = f.m.Unlock(ctx, "vault", presence.Always)

	_ = f.m.CacheEdit("vault", "b", "2", "B")
	_ = f.m.CacheEdit("vault", "a", "1", "A")
	_ = f.m.Remember("vault", "c", "3", "C")
	// Remember must not clobber a dirty edit.
	_ = f.m.Remember("vault", "a", "old", "A")

	pending, err := f.m.PendingEdits("vault")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[0].Content != "1" || pending[1].ID != "b" {
		t.Fatalf("pending = %+v", pending)
	}

	_ = f.m.MarkFlushed("vault", "a")
	pending, _ = f.m.PendingEdits("vault")
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Fatalf("pending after flush = %+v", pending)
	}
	st, _ := f.m.Status("vault")
	if st.Pending != 1 || st.State != Unlocked || !st.Protected {
		t.Errorf("status = %+v", st)
	}

	f.m.Forget("vault", "c")
	if _, ok, _ := f.m.Cached("vault", "c"); ok {
		t.Error("Forget kept entry")
	}
}

func TestBackgroundLocksAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b")
	for _, nb := range []string{"a", "b"} {
		if err := f.m.Unlock(ctx, nb, presence.Always); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.m.Unlocked(); len(got) != 2 {
		t.Fatalf("unlocked = %v", got)
	}

	f.m.Background()

	if got := f.m.Unlocked(); len(got) != 0 {
		t.Errorf("unlocked after background = %v", got)
	}
	for _, nb := range []string{"a", "b"} {
		if st := f.m.State(nb); st != Locked {
			t.Errorf("%s state = %s", nb, st)
		}
	}
	f.m.Foreground()
	k := f.kinds()
	if k[KindBackground] != 1 || k[KindForeground] != 1 {
		t.Errorf("event kinds = %v", k)
	}
	if f.m.State("a") != Locked {
		t.Error("foreground unlocked a notebook")
	}
}

func TestLockIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, "old", "fresh")
	f.m.now = func() time.Time { return now }

	_ = f.m.Unlock(ctx, "old", presence.Always)
	now = now.Add(10 * time.Minute)
	_ = f.m.Unlock(ctx, "fresh", presence.Always)
	now = now.Add(time.Minute)

	locked := f.m.LockIdle(5 * time.Minute)
	if len(locked) != 1 || locked[0] != "old" {
		t.Fatalf("locked = %v", locked)
	}
	if f.m.State("fresh") != Unlocked {
		t.Error("fresh session locked")
	}
}

func TestIdleAndExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, "old", "fresh")
	f.m.now = func() time.Time { return now }

	_ = f.m.Unlock(ctx, "old", presence.Always)
	now = now.Add(10 * time.Minute)
	_ = f.m.Unlock(ctx, "fresh", presence.Always)

	idle := f.m.Idle(5 * time.Minute)
	if len(idle) != 1 || idle[0] != "old" {
		t.Fatalf("idle = %v", idle)
	}
	if f.m.State("old") != Unlocked {
		t.Fatal("Idle must not lock")
	}
	f.m.Expire("old")
	if f.m.State("old") != Locked {
		t.Error("Expire did not lock")
	}

	f.mu.Lock()
	last := f.events[len(f.events)-1]
	f.mu.Unlock()
	if last.Reason != "idle" {
		t.Errorf("reason = %q, want idle", last.Reason)
	}
}

func TestKeyInvalidatedOnEnrollmentChange(t *testing.T) {
	ctx := context.Background()
	hash1, _ := presence.HashPIN("1111")
	pin1, _ := presence.NewPIN(hash1)
	dir := t.TempDir()
	vault, err := keyvault.Open(dir, keyvault.Options{
		Passphrase: []byte("p"),
		KDF:        keyvault.KDFParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 1},
		Enrollment: pin1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := vault.CreateKey(ctx, "k", keyvault.CreateOptions{RequireUserPresence: true}); err != nil {
		t.Fatal(err)
	}

	// Re-enroll: a vault bound to a new PIN hash sees a different fingerprint.
	hash2, _ := presence.HashPIN("1111")
	pin2, _ := presence.NewPIN(hash2)
	vault2, err := keyvault.Open(dir, keyvault.Options{
		Passphrase: []byte("p"),
		KDF:        keyvault.KDFParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 1},
		Enrollment: pin2,
	})
	if err != nil {
		t.Fatal(err)
	}
	m := New(mapRegistry{"vault": "k"}, vault2)

	err = m.Unlock(ctx, "vault", pin2.Prompt("1111"))
	if !errors.Is(err, apperr.ErrKeyInvalidated) {
		t.Fatalf("expected ErrKeyInvalidated, got %v", err)
	}
	if m.State("vault") != Locked {
		t.Error("state not locked after invalidation")
	}
}
