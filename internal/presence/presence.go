// Package presence verifies that the human owner is present before a protected
// key is released. Authenticators are bound to a keyvault challenge: they never
// see key material, only the challenge they are asked to confirm.
package presence

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/starford/sealbook/internal/apperr"
	"github.com/starford/sealbook/internal/checksum"
	"github.com/starford/sealbook/internal/keyvault"
)

// Authenticator performs a user-presence check bound to ch. It returns nil on
// success, an error wrapping apperr.ErrAuthFailed when the user was rejected
// and one wrapping apperr.ErrAuthCancelled when the user backed out.
type Authenticator interface {
	Authenticate(ctx context.Context, ch *keyvault.AuthChallenge) error
}

// Func adapts a plain function to Authenticator.
type Func func(ctx context.Context, ch *keyvault.AuthChallenge) error

// Authenticate calls f.
func (f Func) Authenticate(ctx context.Context, ch *keyvault.AuthChallenge) error {
	return f(ctx, ch)
}

// Always accepts every challenge. Used for presence mode "none".
var Always Authenticator = Func(func(ctx context.Context, _ *keyvault.AuthChallenge) error {
	return ctx.Err()
})

const (
	pinScheme   = "argon2id"
	pinSaltSize = 16
	pinKeySize  = 32
	pinTime     = 1
	pinMemory   = 32 * 1024
	pinThreads  = 2
)

// PIN checks a supplied PIN against an argon2id hash of the form
// "argon2id$<salt>$<hash>" (base64 raw std).
type PIN struct {
	hash string
	salt []byte
	sum  []byte
}

// NewPIN parses an encoded PIN hash.
func NewPIN(encoded string) (*PIN, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != pinScheme {
		return nil, errors.New("presence: malformed pin hash")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("presence: decode salt: %w", err)
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("presence: decode hash: %w", err)
	}
	return &PIN{hash: encoded, salt: salt, sum: sum}, nil
}

// HashPIN returns an encoded argon2id hash of pin with a random salt.
func HashPIN(pin string) (string, error) {
	if pin == "" {
		return "", errors.New("presence: empty pin")
	}
	salt := make([]byte, pinSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("presence: generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(pin), salt, pinTime, pinMemory, pinThreads, pinKeySize)
	return strings.Join([]string{
		pinScheme,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	}, "$"), nil
}

// Verify reports whether pin matches the stored hash.
func (p *PIN) Verify(pin string) bool {
	got := argon2.IDKey([]byte(pin), p.salt, pinTime, pinMemory, pinThreads, pinKeySize)
	return subtle.ConstantTimeCompare(got, p.sum) == 1
}

// Enrollment returns a fingerprint of the enrolled PIN. Re-enrolling a PIN
// changes the fingerprint and invalidates keys bound to the old one.
func (p *PIN) Enrollment(context.Context) (string, error) {
	return checksum.Short(p.hash), nil
}

// Prompt binds a supplied PIN to a challenge. An empty PIN means the user
// cancelled.
func (p *PIN) Prompt(pin string) Authenticator {
	return Func(func(ctx context.Context, ch *keyvault.AuthChallenge) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ch == nil {
			return fmt.Errorf("presence: %w", apperr.ErrChallenge)
		}
		if pin == "" {
			return fmt.Errorf("presence: %w", apperr.ErrAuthCancelled)
		}
		if !p.Verify(pin) {
			return fmt.Errorf("presence: pin rejected: %w", apperr.ErrAuthFailed)
		}
		return nil
	})
}

// Prompter builds the Authenticator for one unlock attempt from the secret
// the user supplied with it.
type Prompter interface {
	Prompt(secret string) Authenticator
}

type noPrompt struct{}

func (noPrompt) Prompt(string) Authenticator { return Always }

// NoPrompt accepts every unlock attempt. Used for presence mode "none".
var NoPrompt Prompter = noPrompt{}

// Verify *PIN satisfies keyvault.EnrollmentSource and Prompter at compile time.
var (
	_ keyvault.EnrollmentSource = (*PIN)(nil)
	_ Prompter                  = (*PIN)(nil)
)
