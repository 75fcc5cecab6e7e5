package keyvault

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
)

var errNotSerializable = errors.New("keyvault: key handles are not serializable")

// ErrDestroyed is returned by Use on a destroyed handle.
var ErrDestroyed = errors.New("keyvault: key handle destroyed")

// KeyHandle references an unwrapped key held in a memguard enclave. It has no
// exported fields and refuses every serialization path.
type KeyHandle struct {
	alias   string
	enclave atomic.Pointer[memguard.Enclave]
}

// newHandle moves raw into an enclave. raw is wiped.
func newHandle(alias string, raw []byte) *KeyHandle {
	h := &KeyHandle{alias: alias}
	h.enclave.Store(memguard.NewEnclave(raw))
	return h
}

// Alias returns the keystore alias of the key.
func (h *KeyHandle) Alias() string {
	if h == nil {
		return ""
	}
	return h.alias
}

// Use decrypts the enclave into locked memory, calls fn with the key bytes and
// destroys the buffer afterwards. fn must not retain the slice.
func (h *KeyHandle) Use(fn func(key []byte) error) error {
	if h == nil {
		return errors.New("keyvault: nil key handle")
	}
	enc := h.enclave.Load()
	if enc == nil {
		return ErrDestroyed
	}
	buf, err := enc.Open()
	if err != nil {
		return fmt.Errorf("keyvault: open enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Destroy drops the enclave. Every later Use fails with ErrDestroyed.
func (h *KeyHandle) Destroy() {
	if h != nil {
		h.enclave.Store(nil)
	}
}

// Destroyed reports whether Destroy has been called.
func (h *KeyHandle) Destroyed() bool {
	return h == nil || h.enclave.Load() == nil
}

func (h *KeyHandle) String() string {
	return fmt.Sprintf("KeyHandle(%s)", h.Alias())
}

// MarshalJSON always fails.
func (h *KeyHandle) MarshalJSON() ([]byte, error) { return nil, errNotSerializable }

// MarshalText always fails.
func (h *KeyHandle) MarshalText() ([]byte, error) { return nil, errNotSerializable }

// AuthChallenge is a single-use token that a user-presence check binds to.
// Redeeming it after a successful check releases exactly one key handle.
type AuthChallenge struct {
	ID        string    `json:"id"`
	Alias     string    `json:"alias"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
