package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rakunlabs/opennotebook/internal/config"
)

const (
	devKeyPath = ".secrets/fernet.key"
)

// Vault is the process-wide symmetric-encryption facility for provider
// credentials (C1). Key is resolved once at construction time per the
// five-tier priority in spec §4.1.
type Vault struct {
	key []byte
}

// New resolves the process key using this priority:
//  1. cfg.Secret.SecretKey holds a base64-encoded key directly.
//  2. cfg.Secret.SecretKeyFile points at a file holding the key.
//  3. a fixed persistent path under dataPath/.secrets/fernet.key (when
//     dataPath is empty, this is the path in step 4).
//  4. a development path .secrets/fernet.key under the working directory,
//     read when dataPath is set and no key exists at (3).
//  5. auto-generate a new key and persist it to (3) with 0600 permissions,
//     logging a warning.
func New(cfg config.Secret, dataPath string) (*Vault, error) {
	if cfg.SecretKey != "" {
		key, err := decodeOrDerive(cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("parse secret_key: %w", err)
		}
		return &Vault{key: key}, nil
	}

	if cfg.SecretKeyFile != "" {
		key, err := readKeyFile(cfg.SecretKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read secret_key_file %s: %w", cfg.SecretKeyFile, err)
		}
		return &Vault{key: key}, nil
	}

	persistentPath := devKeyPath
	if dataPath != "" {
		persistentPath = filepath.Join(dataPath, ".secrets", "fernet.key")
	}

	if key, err := readKeyFile(persistentPath); err == nil {
		return &Vault{key: key}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key at %s: %w", persistentPath, err)
	}

	if dataPath != "" {
		// Fall back to the dev path under cwd before generating, in case a
		// key was left there from a prior unconfigured run.
		if key, err := readKeyFile(devKeyPath); err == nil {
			return &Vault{key: key}, nil
		}
	}

	slog.Warn("no secret key configured, auto-generating one", "path", persistentPath)

	key, err := generateAndPersist(persistentPath)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	return &Vault{key: key}, nil
}

func decodeOrDerive(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	// Not a valid base64 32-byte key; treat the raw string as a passphrase.
	return DeriveKey(value)
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeOrDerive(string(data))
}

func generateAndPersist(path string) ([]byte, error) {
	key, err := DeriveKey(randomPassphrase())
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	return key, nil
}

func randomPassphrase() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

// Encrypt and Decrypt expose the vault's resolved key to the primitives in
// crypto.go, so callers never have to thread the key through by hand.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	return Encrypt(plaintext, v.key)
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	return Decrypt(ciphertext, v.key)
}

func (v *Vault) Key() []byte {
	return v.key
}
