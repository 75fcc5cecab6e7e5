// Package keyvault stores named 256-bit symmetric keys in a file-backed
// software keystore. Keys are wrapped at rest with XChaCha20-Poly1305 under a
// master key derived from a passphrase with Argon2id, and are only ever handed
// out as KeyHandle values.
//
// A key marked as requiring user presence is released only through a redeemed
// AuthChallenge. Such a key records the enrollment fingerprint of the
// Authenticator at the time it was marked; if the fingerprint later changes the
// key is deleted on first use and ErrKeyInvalidated is returned. Data sealed
// under that key becomes permanently unreadable (fail closed).
package keyvault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/starford/sealbook/internal/apperr"
)

const (
	keySize      = 32
	saltSize     = 32
	metaFile     = "vault.json"
	keyExt       = ".key"
	verifierText = "sealbook-keystore-v1"
)

var aliasRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Vault is the keystore contract the engine depends on.
type Vault interface {
	GetOrCreate(ctx context.Context, alias string) (*KeyHandle, error)
	CreateKey(ctx context.Context, alias string, opts CreateOptions) (*KeyHandle, error)
	Handle(ctx context.Context, alias string) (*KeyHandle, error)
	SetUserPresence(ctx context.Context, alias string, required bool) error
	Delete(ctx context.Context, alias string) (bool, error)
	Exists(ctx context.Context, alias string) (bool, error)
	ChallengeFor(ctx context.Context, alias string) (*AuthChallenge, error)
	Redeem(ctx context.Context, ch *AuthChallenge) (*KeyHandle, error)
	Revoke(ch *AuthChallenge)
}

// Verify *FileVault satisfies Vault at compile time.
var _ Vault = (*FileVault)(nil)

// EnrollmentSource reports a fingerprint of the currently enrolled user-presence
// credential (PIN hash, biometric set).
type EnrollmentSource interface {
	Enrollment(ctx context.Context) (string, error)
}

// KDFParams configures Argon2id master-key derivation.
type KDFParams struct {
	Memory      uint32 `json:"memory"` // KiB
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDF returns the production Argon2id parameters.
func DefaultKDF() KDFParams {
	return KDFParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

// Options configures a FileVault.
type Options struct {
	Passphrase   []byte
	KDF          KDFParams
	ChallengeTTL time.Duration
	Enrollment   EnrollmentSource
	Logger       *slog.Logger
	Now          func() time.Time
}

// CreateOptions controls CreateKey.
type CreateOptions struct {
	RequireUserPresence bool
	Overwrite           bool
}

type vaultMeta struct {
	Salt     string    `json:"salt"`
	KDF      KDFParams `json:"kdf"`
	Verifier string    `json:"verifier"`
}

type keyRecord struct {
	Alias               string    `json:"alias"`
	Wrapped             string    `json:"wrapped_key"`
	RequireUserPresence bool      `json:"require_user_presence"`
	Enrollment          string    `json:"enrollment,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// FileVault implements Vault on a directory of wrapped key files.
type FileVault struct {
	dir        string
	master     *memguard.Enclave
	ttl        time.Duration
	enrollment EnrollmentSource
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]AuthChallenge
}

// Open opens (or initialises) the keystore at dir.
func Open(dir string, opts Options) (*FileVault, error) {
	if len(opts.Passphrase) == 0 {
		return nil, errors.New("keyvault: passphrase is required")
	}
	if opts.KDF == (KDFParams{}) {
		opts.KDF = DefaultKDF()
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("keyvault: mkdir: %w", err)
	}

	master, err := loadMaster(filepath.Join(dir, metaFile), opts.Passphrase, opts.KDF)
	if err != nil {
		return nil, err
	}

	return &FileVault{
		dir:        dir,
		master:     master,
		ttl:        opts.ChallengeTTL,
		enrollment: opts.Enrollment,
		logger:     opts.Logger,
		now:        opts.Now,
		pending:    make(map[string]AuthChallenge),
	}, nil
}

func loadMaster(path string, passphrase []byte, kdf KDFParams) (*memguard.Enclave, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("keyvault: generate salt: %w", err)
		}
		key := deriveMaster(passphrase, salt, kdf)
		verifier, err := seal(key, []byte(verifierText), []byte(metaFile))
		if err != nil {
			memguard.WipeBytes(key)
			return nil, err
		}
		meta, _ := json.MarshalIndent(vaultMeta{
			Salt:     base64.StdEncoding.EncodeToString(salt),
			KDF:      kdf,
			Verifier: verifier,
		}, "", "  ")
		if err := writeFileAtomic(path, meta); err != nil {
			memguard.WipeBytes(key)
			return nil, err
		}
		return memguard.NewEnclave(key), nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyvault: read meta: %w", err)
	}

	var meta vaultMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("keyvault: parse meta: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(meta.Salt)
	if err != nil {
		return nil, fmt.Errorf("keyvault: decode salt: %w", err)
	}
	key := deriveMaster(passphrase, salt, meta.KDF)
	if _, err := open(key, meta.Verifier, []byte(metaFile)); err != nil {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("keyvault: wrong passphrase: %w", apperr.ErrCrypto)
	}
	return memguard.NewEnclave(key), nil
}

func deriveMaster(passphrase, salt []byte, kdf KDFParams) []byte {
	return argon2.IDKey(passphrase, salt, kdf.Iterations, kdf.Memory, kdf.Parallelism, keySize)
}

// Exists reports whether alias is present in the keystore.
func (v *FileVault) Exists(ctx context.Context, alias string) (bool, error) {
	if err := checkAlias(ctx, alias); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := os.Stat(v.keyPath(alias))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("keyvault: stat %s: %w", alias, err)
	}
}

// GetOrCreate returns the key stored under alias, generating it first when
// absent. Keys that require user presence are only released through Redeem.
func (v *FileVault) GetOrCreate(ctx context.Context, alias string) (*KeyHandle, error) {
	if err := checkAlias(ctx, alias); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.readRecord(alias)
	if errors.Is(err, apperr.ErrKeyNotFound) {
		return v.createLocked(ctx, alias, CreateOptions{})
	}
	if err != nil {
		return nil, err
	}
	if rec.RequireUserPresence {
		return nil, fmt.Errorf("keyvault: %s: %w", alias, apperr.ErrAuthenticationRequired)
	}
	return v.unwrap(rec)
}

// CreateKey generates a new key under alias. It fails with ErrKeyCreation when
// the alias already exists and opts.Overwrite is false.
func (v *FileVault) CreateKey(ctx context.Context, alias string, opts CreateOptions) (*KeyHandle, error) {
	if err := checkAlias(ctx, alias); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.keyPath(alias)); err == nil && !opts.Overwrite {
		return nil, fmt.Errorf("keyvault: create %s: alias exists: %w", alias, apperr.ErrKeyCreation)
	}
	return v.createLocked(ctx, alias, opts)
}

func (v *FileVault) createLocked(ctx context.Context, alias string, opts CreateOptions) (*KeyHandle, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("keyvault: create %s: %w: %v", alias, apperr.ErrKeyCreation, err)
	}
	defer memguard.WipeBytes(raw)

	rec := keyRecord{
		Alias:               alias,
		RequireUserPresence: opts.RequireUserPresence,
		CreatedAt:           v.now().UTC(),
	}
	if opts.RequireUserPresence {
		fp, err := v.currentEnrollment(ctx)
		if err != nil {
			return nil, fmt.Errorf("keyvault: create %s: %w: %v", alias, apperr.ErrKeyCreation, err)
		}
		rec.Enrollment = fp
	}

	wrapped, err := v.wrap(alias, raw)
	if err != nil {
		return nil, fmt.Errorf("keyvault: create %s: %w: %v", alias, apperr.ErrKeyCreation, err)
	}
	rec.Wrapped = wrapped
	if err := v.writeRecord(rec); err != nil {
		return nil, fmt.Errorf("keyvault: create %s: %w: %v", alias, apperr.ErrKeyCreation, err)
	}
	v.revokeAliasLocked(alias)

	v.logger.Info("keyvault: key created",
		slog.String("alias", alias),
		slog.Bool("user_presence", opts.RequireUserPresence))

	handleBytes := make([]byte, keySize)
	copy(handleBytes, raw)
	return newHandle(alias, handleBytes), nil
}

// Handle loads an existing key that does not require user presence.
func (v *FileVault) Handle(ctx context.Context, alias string) (*KeyHandle, error) {
	if err := checkAlias(ctx, alias); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.readRecord(alias)
	if err != nil {
		return nil, err
	}
	if rec.RequireUserPresence {
		return nil, fmt.Errorf("keyvault: %s: %w", alias, apperr.ErrAuthenticationRequired)
	}
	return v.unwrap(rec)
}

// SetUserPresence marks or unmarks an existing key as requiring user presence.
// Marking records the current enrollment fingerprint.
func (v *FileVault) SetUserPresence(ctx context.Context, alias string, required bool) error {
	if err := checkAlias(ctx, alias); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, err := v.readRecord(alias)
	if err != nil {
		return err
	}
	rec.RequireUserPresence = required
	rec.Enrollment = ""
	if required {
		fp, err := v.currentEnrollment(ctx)
		if err != nil {
			return fmt.Errorf("keyvault: mark %s: %w", alias, err)
		}
		rec.Enrollment = fp
	}
	if err := v.writeRecord(*rec); err != nil {
		return fmt.Errorf("keyvault: mark %s: %w", alias, err)
	}
	return nil
}

// Delete removes alias. It returns false when the alias was absent.
func (v *FileVault) Delete(ctx context.Context, alias string) (bool, error) {
	if err := checkAlias(ctx, alias); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deleteLocked(alias)
}

func (v *FileVault) deleteLocked(alias string) (bool, error) {
	v.revokeAliasLocked(alias)
	err := os.Remove(v.keyPath(alias))
	switch {
	case err == nil:
		v.logger.Info("keyvault: key deleted", slog.String("alias", alias))
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("keyvault: delete %s: %w: %v", alias, apperr.ErrKeyDeletion, err)
	}
}

// ChallengeFor issues a single-use challenge bound to alias.
func (v *FileVault) ChallengeFor(ctx context.Context, alias string) (*AuthChallenge, error) {
	if err := checkAlias(ctx, alias); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.keyPath(alias)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("keyvault: %s: %w", alias, apperr.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("keyvault: stat %s: %w", alias, err)
	}

	now := v.now()
	ch := AuthChallenge{
		ID:        uuid.NewString(),
		Alias:     alias,
		IssuedAt:  now,
		ExpiresAt: now.Add(v.ttl),
	}
	v.pending[ch.ID] = ch
	out := ch
	return &out, nil
}

// Redeem consumes a challenge and releases its key. A challenge can be redeemed
// once; unknown, reused and expired challenges fail with ErrChallenge.
func (v *FileVault) Redeem(ctx context.Context, ch *AuthChallenge) (*KeyHandle, error) {
	if ch == nil {
		return nil, fmt.Errorf("keyvault: nil challenge: %w", apperr.ErrChallenge)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	issued, ok := v.pending[ch.ID]
	delete(v.pending, ch.ID)
	if !ok || issued.Alias != ch.Alias {
		return nil, fmt.Errorf("keyvault: redeem: %w", apperr.ErrChallenge)
	}
	if v.now().After(issued.ExpiresAt) {
		return nil, fmt.Errorf("keyvault: redeem: challenge expired: %w", apperr.ErrChallenge)
	}

	rec, err := v.readRecord(issued.Alias)
	if err != nil {
		return nil, err
	}
	if rec.RequireUserPresence {
		fp, err := v.currentEnrollment(ctx)
		if err != nil {
			return nil, fmt.Errorf("keyvault: redeem %s: %w", issued.Alias, err)
		}
		if fp != rec.Enrollment {
			v.logger.Warn("keyvault: enrollment changed, invalidating key", slog.String("alias", issued.Alias))
			if _, err := v.deleteLocked(issued.Alias); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("keyvault: %s: %w", issued.Alias, apperr.ErrKeyInvalidated)
		}
	}
	return v.unwrap(rec)
}

// Revoke discards a pending challenge. It never touches disk.
func (v *FileVault) Revoke(ch *AuthChallenge) {
	if ch == nil {
		return
	}
	v.mu.Lock()
	delete(v.pending, ch.ID)
	v.mu.Unlock()
}

func (v *FileVault) revokeAliasLocked(alias string) {
	for id, ch := range v.pending {
		if ch.Alias == alias {
			delete(v.pending, id)
		}
	}
}

func (v *FileVault) currentEnrollment(ctx context.Context) (string, error) {
	if v.enrollment == nil {
		return "", nil
	}
	return v.enrollment.Enrollment(ctx)
}

func (v *FileVault) keyPath(alias string) string {
	return filepath.Join(v.dir, alias+keyExt)
}

func (v *FileVault) readRecord(alias string) (*keyRecord, error) {
	data, err := os.ReadFile(v.keyPath(alias))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("keyvault: %s: %w", alias, apperr.ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("keyvault: read %s: %w", alias, err)
	}
	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("keyvault: parse %s: %w", alias, err)
	}
	if rec.Alias != alias {
		return nil, fmt.Errorf("keyvault: %s: record alias mismatch: %w", alias, apperr.ErrCrypto)
	}
	return &rec, nil
}

func (v *FileVault) writeRecord(rec keyRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(v.keyPath(rec.Alias), data)
}

func (v *FileVault) wrap(alias string, raw []byte) (string, error) {
	var out string
	err := v.withMaster(func(master []byte) error {
		s, err := seal(master, raw, []byte(alias))
		out = s
		return err
	})
	return out, err
}

func (v *FileVault) unwrap(rec *keyRecord) (*KeyHandle, error) {
	var raw []byte
	err := v.withMaster(func(master []byte) error {
		b, err := open(master, rec.Wrapped, []byte(rec.Alias))
		raw = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("keyvault: unwrap %s: %w", rec.Alias, apperr.ErrCrypto)
	}
	return newHandle(rec.Alias, raw), nil
}

func (v *FileVault) withMaster(fn func([]byte) error) error {
	buf, err := v.master.Open()
	if err != nil {
		return fmt.Errorf("keyvault: open master: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func seal(key, plaintext, aad []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("keyvault: create aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("keyvault: generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plaintext, aad)), nil
}

func open(key []byte, sealed string, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed data too short")
	}
	nonce, ct := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, aad)
}

func checkAlias(ctx context.Context, alias string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !aliasRe.MatchString(alias) {
		return fmt.Errorf("keyvault: alias %q: %w", alias, apperr.ErrInvalidName)
	}
	return nil
}

// writeFileAtomic writes data via tmp file, fsync and rename with 0600 perms.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".keyvault-tmp-*")
	if err != nil {
		return fmt.Errorf("keyvault: create temp: %w", err)
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()
	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("keyvault: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("keyvault: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("keyvault: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keyvault: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("keyvault: rename: %w", err)
	}
	success = true
	return nil
}
