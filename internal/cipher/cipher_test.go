package cipher

import (
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/starford/sealbook/internal/apperr"
)

type rawKey []byte

func (k rawKey) Use(fn func([]byte) error) error { return fn(k) }

func newKey(t *testing.T) rawKey {
	t.Helper()
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestRoundTrip(t *testing.T) {
	c := New()
	key := newKey(t)
	for _, p := range []string{"", "hello", "Title\nmulti\nline body", strings.Repeat("x", 1<<16), "ünïcødé ✓"} {
		env, err := c.Encrypt(p, key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := c.Decrypt(env, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if got != p {
			t.Errorf("round trip mismatch for %q", p)
		}
	}
}

func TestWrongKeyRejected(t *testing.T) {
	c := New()
	k1, k2 := newKey(t), newKey(t)
	env, err := c.Encrypt("secret", k1)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decrypt(env, k2)
	if err == nil {
		t.Fatalf("expected error, got plaintext %q", got)
	}
	if !errors.Is(err, apperr.ErrCrypto) {
		t.Errorf("error = %v, want ErrCrypto", err)
	}
	if got != "" {
		t.Errorf("decrypt returned %q on failure", got)
	}
}

func TestFreshIVPerCall(t *testing.T) {
	c := New()
	key := newKey(t)
	a, _ := c.Encrypt("same", key)
	b, _ := c.Encrypt("same", key)
	ivA, _, _ := strings.Cut(a, Separator)
	ivB, _, _ := strings.Cut(b, Separator)
	if ivA == ivB {
		t.Error("iv reused across calls")
	}
}

func TestMalformedEnvelopes(t *testing.T) {
	c := New()
	key := newKey(t)
	valid, _ := c.Encrypt("payload", key)
	iv, ct, _ := strings.Cut(valid, Separator)

	cases := map[string]string{
		"plaintext":     "just some plain note text",
		"empty":         "",
		"no ciphertext": iv + Separator,
		"bad base64 iv": "!!!" + Separator + ct,
		"bad base64 ct": iv + Separator + "%%%",
		"short iv":      "AAAA" + Separator + ct,
		"tampered":      iv + Separator + flipFirst(ct),
	}
	for name, env := range cases {
		got, err := c.Decrypt(env, key)
		if !errors.Is(err, apperr.ErrCrypto) {
			t.Errorf("%s: error = %v, want ErrCrypto", name, err)
		}
		if got != "" {
			t.Errorf("%s: returned %q", name, got)
		}
	}
}

func TestBadKeyLength(t *testing.T) {
	if _, err := New().Encrypt("x", rawKey([]byte("short"))); !errors.Is(err, apperr.ErrCrypto) {
		t.Errorf("error = %v, want ErrCrypto", err)
	}
}

func flipFirst(s string) string {
	if s[0] == 'A' {
		return "B" + s[1:]
	}
	return "A" + s[1:]
}

func TestIsMalformed(t *testing.T) {
	c := New()
	key := newKey(t)
	valid, _ := c.Encrypt("payload", key)

	_, plainErr := c.Decrypt("Shopping\neggs", key)
	if !IsMalformed(plainErr) {
		t.Errorf("plaintext not reported malformed: %v", plainErr)
	}
	_, wrongKeyErr := c.Decrypt(valid, newKey(t))
	if IsMalformed(wrongKeyErr) {
		t.Errorf("wrong key reported malformed: %v", wrongKeyErr)
	}
	if IsMalformed(errors.New("other")) {
		t.Error("non-crypto error reported malformed")
	}
}
