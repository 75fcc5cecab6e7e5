package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/sealbook/internal/engine"
	"github.com/starford/sealbook/internal/keyvault"
	"github.com/starford/sealbook/internal/presence"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Presence modes.
const (
	PresenceModeNone = "none"
	PresenceModePIN  = "pin"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app" toml:"app"`
	Storage  StorageConfig     `yaml:"storage" toml:"storage"`
	SQLite   SQLiteConfig      `yaml:"sqlite" toml:"sqlite"`
	Keystore KeystoreConfig    `yaml:"keystore" toml:"keystore"`
	Presence PresenceConfig    `yaml:"presence" toml:"presence"`
	Session  SessionConfig     `yaml:"session" toml:"session"`
	Auth     AuthConfig        `yaml:"auth" toml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Keystore.Validate(); err != nil {
		return err
	}
	if err := c.Presence.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// EngineOptions converts the configuration into engine options.
func (c *Config) EngineOptions(logger *slog.Logger) (engine.Options, error) {
	pin, err := c.Presence.PIN()
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		NotesDir:     c.Storage.Path,
		SQLitePath:   c.SQLite.Path,
		KeystoreDir:  c.Keystore.Path,
		Passphrase:   []byte(c.Keystore.Passphrase),
		KDF:          c.Keystore.KDF(),
		ChallengeTTL: c.Keystore.ChallengeTTL,
		PIN:          pin,
		Logger:       logger,
	}, nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level" toml:"log_level"`
	HTTP     HTTPConfig `yaml:"http" toml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port" toml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StorageConfig holds the path of the notes tree. Each notebook is a
// subdirectory; root notes live directly under Path.
type StorageConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// KeystoreConfig holds the wrapped-key directory and master key derivation.
type KeystoreConfig struct {
	Path             string        `yaml:"path" toml:"path"`
	Passphrase       string        `yaml:"passphrase" toml:"passphrase"`
	ChallengeTTL     time.Duration `yaml:"challenge_ttl" toml:"challenge_ttl"`
	Argon2Memory     uint32        `yaml:"argon2_memory" toml:"argon2_memory"` // KiB
	Argon2Iterations uint32        `yaml:"argon2_iterations" toml:"argon2_iterations"`
}

// Validate validates the keystore configuration.
func (c *KeystoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Passphrase, validation.Required, validation.Length(8, 0)),
		validation.Field(&c.ChallengeTTL, validation.Min(time.Second)),
		validation.Field(&c.Argon2Memory, validation.Min(uint32(8*1024))),
		validation.Field(&c.Argon2Iterations, validation.Min(uint32(1))),
	)
}

// KDF returns the Argon2id parameters, falling back to the defaults for
// unset fields.
func (c *KeystoreConfig) KDF() keyvault.KDFParams {
	kdf := keyvault.DefaultKDF()
	if c.Argon2Memory > 0 {
		kdf.Memory = c.Argon2Memory
	}
	if c.Argon2Iterations > 0 {
		kdf.Iterations = c.Argon2Iterations
	}
	return kdf
}

// PresenceConfig selects the user-presence check run before unlocking.
//
// Mode is one of:
//   - "none": unlocking needs no secret.
//   - "pin": unlocking needs the PIN whose Argon2id hash is PINHash
//     (see the hash-pin command).
type PresenceConfig struct {
	Mode    string `yaml:"mode" toml:"mode"`
	PINHash string `yaml:"pin_hash" toml:"pin_hash"`
}

// Validate validates the presence configuration.
func (c *PresenceConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = PresenceModeNone
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(PresenceModeNone, PresenceModePIN)),
	); err != nil {
		return err
	}
	if c.Mode == PresenceModePIN && c.PINHash == "" {
		return fmt.Errorf("presence: mode is %q but pin_hash is empty", PresenceModePIN)
	}
	return nil
}

// PIN returns the configured PIN verifier, or nil in mode "none".
func (c *PresenceConfig) PIN() (*presence.PIN, error) {
	if c.Mode != PresenceModePIN {
		return nil, nil
	}
	p, err := presence.NewPIN(c.PINHash)
	if err != nil {
		return nil, fmt.Errorf("presence: %w", err)
	}
	return p, nil
}

// SessionConfig controls unlocked sessions. A zero AutoLockAfter disables
// idle locking.
type SessionConfig struct {
	AutoLockAfter time.Duration `yaml:"auto_lock_after" toml:"auto_lock_after"`
}

// Validate validates the session configuration.
func (c *SessionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AutoLockAfter, validation.Min(time.Duration(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode" toml:"mode"`
	Token string `yaml:"token" toml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values. The
// keystore passphrase has no default.
func NewDefaultConfig() *Config {
	data := "./data"
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Storage: StorageConfig{
			Path: filepath.Join(data, "notes"),
		},
		SQLite: SQLiteConfig{
			Path: filepath.Join(data, "sealbook.db"),
		},
		Keystore: KeystoreConfig{
			Path:         filepath.Join(data, "keystore"),
			ChallengeTTL: time.Minute,
		},
		Presence: PresenceConfig{
			Mode: PresenceModeNone,
		},
		Session: SessionConfig{
			AutoLockAfter: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
