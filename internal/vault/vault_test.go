package vault

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rakunlabs/opennotebook/internal/config"
)

func TestNewAutoGeneratesKeyWithRestrictedPerms(t *testing.T) {
	dir := t.TempDir()

	v, err := New(config.Secret{}, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	keyPath := filepath.Join(dir, ".secrets", "fernet.key")
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("expected key file at %s: %v", keyPath, err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key file perm = %o, want 0600", perm)
	}

	encrypted, err := v.Encrypt("secret-value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	decrypted, err := v.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if decrypted != "secret-value" {
		t.Fatalf("round-trip failed: got %q", decrypted)
	}
}

func TestNewReusesPersistedKey(t *testing.T) {
	dir := t.TempDir()

	v1, err := New(config.Secret{}, dir)
	if err != nil {
		t.Fatalf("New (first): %v", err)
	}

	v2, err := New(config.Secret{}, dir)
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}

	encrypted, _ := v1.Encrypt("hello")
	decrypted, err := v2.Decrypt(encrypted)
	if err != nil || decrypted != "hello" {
		t.Fatalf("second vault should decrypt first vault's ciphertext, got %q, err %v", decrypted, err)
	}
}

func TestNewFromExplicitSecretKey(t *testing.T) {
	dir := t.TempDir()

	v, err := New(config.Secret{SecretKey: "operator-supplied-passphrase"}, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".secrets", "fernet.key")); err == nil {
		t.Fatal("explicit secret_key must not write a key file")
	}

	encrypted, _ := v.Encrypt("hello")
	decrypted, err := v.Decrypt(encrypted)
	if err != nil || decrypted != "hello" {
		t.Fatalf("round-trip failed: got %q, err %v", decrypted, err)
	}
}
