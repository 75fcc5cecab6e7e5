// Package apperr defines the error taxonomy shared by the engine and its outer surfaces.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
)

// Lock-state errors.
var (
	// ErrAuthenticationRequired means the notebook is protected and currently locked.
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrInvalidState           = errors.New("invalid lock state transition")
	ErrNotProtected           = errors.New("notebook is not protected")
	ErrAlreadyProtected       = errors.New("notebook is already protected")
	ErrAuthFailed             = errors.New("user presence check failed")
	ErrAuthCancelled          = errors.New("user presence check cancelled")
	ErrChallenge              = errors.New("authentication challenge is unknown, used or expired")
)

// Keystore and cipher errors.
var (
	ErrCrypto         = errors.New("cannot decrypt")
	ErrKeyCreation    = errors.New("key creation failed")
	ErrKeyDeletion    = errors.New("key deletion failed")
	ErrKeyNotFound    = errors.New("key not found")
	ErrKeyInvalidated = errors.New("key invalidated by enrollment change")
)

// Validation and I/O errors.
var (
	ErrInvalidName  = errors.New("invalid name")
	ErrTargetExists = errors.New("target already exists")
	ErrIO           = errors.New("i/o failure")
)

// CryptoError reports a failed encrypt or decrypt. It matches ErrCrypto.
type CryptoError struct {
	Op     string // "encrypt" or "decrypt"
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", ErrCrypto, e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCrypto, e.Op, e.Reason)
}

func (e *CryptoError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCrypto}
	}
	return []error{ErrCrypto, e.Err}
}

// NewCryptoError creates a CryptoError.
func NewCryptoError(op, reason string, err error) error {
	return &CryptoError{Op: op, Reason: reason, Err: err}
}

// IOError reports a disk failure. It matches both ErrIO and the underlying error,
// so errors.Is(err, os.ErrNotExist) keeps working.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// NewIOError creates an IOError.
func NewIOError(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}

// PartialProtectionError reports a protect or unprotect batch that stopped
// before every note was converted.
type PartialProtectionError struct {
	Notebook    string
	Op          string   // "protect" or "unprotect"
	Unconverted []string // note ids not in the target form
	RolledBack  bool     // protect only: converted notes were restored to plaintext
	Err         error
}

func (e *PartialProtectionError) Error() string {
	return fmt.Sprintf("%s %q incomplete (%d notes unconverted: %s): %v",
		e.Op, e.Notebook, len(e.Unconverted), strings.Join(e.Unconverted, ", "), e.Err)
}

func (e *PartialProtectionError) Unwrap() error {
	return e.Err
}

// IsPartialProtection reports whether err carries a PartialProtectionError.
func IsPartialProtection(err error) (*PartialProtectionError, bool) {
	var pe *PartialProtectionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
