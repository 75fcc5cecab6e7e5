package internal

import (
	"strings"
	"testing"
	"time"

	"github.com/starford/sealbook/internal/presence"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Keystore.Passphrase = "correct horse battery"
	return cfg
}

func TestDefaultConfigNeedsPassphrase(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config without passphrase should fail")
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("config with passphrase should pass: %v", err)
	}
}

func TestKeystoreConfig_ShortPassphrase(t *testing.T) {
	cfg := KeystoreConfig{Path: "ks", Passphrase: "short"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("short passphrase should fail")
	}
}

func TestKeystoreConfig_KDFDefaults(t *testing.T) {
	cfg := KeystoreConfig{Argon2Iterations: 5}
	kdf := cfg.KDF()
	if kdf.Iterations != 5 {
		t.Errorf("iterations = %d, want 5", kdf.Iterations)
	}
	if kdf.Memory != 64*1024 {
		t.Errorf("memory = %d, want default", kdf.Memory)
	}
}

func TestPresenceConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     PresenceConfig
		wantErr bool
	}{
		{"empty defaults to none", PresenceConfig{}, false},
		{"none", PresenceConfig{Mode: "none"}, false},
		{"pin without hash", PresenceConfig{Mode: "pin"}, true},
		{"pin with hash", PresenceConfig{Mode: "pin", PINHash: "anything"}, false},
		{"unknown", PresenceConfig{Mode: "retina"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPresenceConfig_PIN(t *testing.T) {
	hash, err := presence.HashPIN("1357")
	if err != nil {
		t.Fatal(err)
	}
	cfg := PresenceConfig{Mode: PresenceModePIN, PINHash: hash}
	p, err := cfg.PIN()
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || !p.Verify("1357") {
		t.Fatal("configured PIN does not verify")
	}

	none := PresenceConfig{Mode: PresenceModeNone, PINHash: hash}
	if p, err := none.PIN(); err != nil || p != nil {
		t.Fatalf("mode none PIN = %v, %v; want nil", p, err)
	}
}

func TestSessionConfig_Negative(t *testing.T) {
	cfg := SessionConfig{AutoLockAfter: -time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative auto lock should fail")
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := validConfig()
	opts, err := cfg.EngineOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.NotesDir != cfg.Storage.Path || opts.KeystoreDir != cfg.Keystore.Path {
		t.Errorf("paths not carried: %+v", opts)
	}
	if string(opts.Passphrase) != cfg.Keystore.Passphrase {
		t.Error("passphrase not carried")
	}
	if opts.PIN != nil {
		t.Error("PIN set in mode none")
	}
}

func TestAutoLockTick(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		time.Second:      time.Second,
		20 * time.Second: 5 * time.Second,
		time.Hour:        30 * time.Second,
	}
	for after, want := range cases {
		if got := autoLockTick(after); got != want {
			t.Errorf("autoLockTick(%v) = %v, want %v", after, got, want)
		}
	}
}
