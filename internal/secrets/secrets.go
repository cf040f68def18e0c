// Package secrets decrypts age-encrypted config values.
//
// Sensitive settings (the Slack bot token, the Google client secret, the
// Postgres DSN) can be stored inline in the TOML config as
// ENC[<base64(age-ciphertext)>]. The daemon resolves one age identity at
// startup and decrypts every such value before the config is read.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/spf13/viper"
)

const (
	encPrefix = "ENC["
	encSuffix = "]"

	// EnvKey carries a raw AGE-SECRET-KEY-1... string.
	EnvKey = "CALCHIME_AGE_KEY"
	// EnvKeyFile carries a path to an age identity file.
	EnvKeyFile = "CALCHIME_AGE_KEY_FILE"

	defaultKeyFilename = "age.key"
)

// IsEncrypted reports whether value is wrapped in ENC[...].
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix) &&
		strings.HasSuffix(value, encSuffix) &&
		len(value) > len(encPrefix)+len(encSuffix)
}

// Encrypt wraps plaintext for the given recipients as an ENC[...] string.
func Encrypt(plaintext string, recipients ...age.Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize encryption: %w", err)
	}
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + encSuffix, nil
}

// Decrypt unwraps an ENC[...] value using the provided identities.
func Decrypt(enc string, identities ...age.Identity) (string, error) {
	if !IsEncrypted(enc) {
		return "", fmt.Errorf("value is not ENC[...] wrapped")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(enc[len(encPrefix) : len(enc)-len(encSuffix)])
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read plaintext: %w", err)
	}
	return string(plaintext), nil
}

// GenerateKeyPair creates a new X25519 age identity.
func GenerateKeyPair() (*age.X25519Identity, error) {
	return age.GenerateX25519Identity()
}

// ResolveIdentity locates the age identity used to decrypt config values.
// Returns (nil, nil) when none is configured.
//
// Priority: CALCHIME_AGE_KEY env → CALCHIME_AGE_KEY_FILE env →
// secrets.identity config key → ~/.config/calchime/age.key if present.
func ResolveIdentity(v *viper.Viper) ([]age.Identity, error) {
	if raw := os.Getenv(EnvKey); raw != "" {
		id, err := age.ParseX25519Identity(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvKey, err)
		}
		return []age.Identity{id}, nil
	}
	if path := os.Getenv(EnvKeyFile); path != "" {
		return loadIdentityFile(path)
	}
	if path := v.GetString("secrets.identity"); path != "" {
		return loadIdentityFile(expandHome(path))
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, nil
	}
	defaultPath := filepath.Join(homeDir, ".config", "calchime", defaultKeyFilename)
	if _, err := os.Stat(defaultPath); err != nil {
		return nil, nil
	}
	return loadIdentityFile(defaultPath)
}

// DecryptConfig walks all Viper keys and replaces ENC[...] string values
// with their plaintext. It fails if encrypted values exist but no identity
// was resolved.
func DecryptConfig(v *viper.Viper, identities []age.Identity) error {
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if !IsEncrypted(val) {
			continue
		}
		if len(identities) == 0 {
			return fmt.Errorf("config key %q is encrypted but no age identity is configured", key)
		}
		plaintext, err := Decrypt(val, identities...)
		if err != nil {
			return fmt.Errorf("decrypt config key %q: %w", key, err)
		}
		v.Set(key, plaintext)
	}
	return nil
}

func loadIdentityFile(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer f.Close()
	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return identities, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[1:])
}
