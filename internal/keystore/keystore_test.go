package keystore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestBackend(t *testing.T) *FileBackend {
	t.Helper()
	return NewFileBackend(filepath.Join(t.TempDir(), "keystore.json"))
}

func TestInitializeAndReopen(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)

	if err := backend.Unlock(ctx, "passphrase"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before init, got %v", err)
	}
	if err := backend.Initialize(ctx, "passphrase"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := backend.Initialize(ctx, "passphrase"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on re-init, got %v", err)
	}

	if err := backend.StoreSecret(ctx, SecretBridge, []byte("shared-secret")); err != nil {
		t.Fatalf("store secret: %v", err)
	}

	// A fresh backend over the same file sees the secret after unlock.
	reopened := NewFileBackend(backend.Path())
	if err := reopened.Unlock(ctx, "passphrase"); err != nil {
		t.Fatalf("unlock reopened store: %v", err)
	}
	secret, err := reopened.LoadSecret(ctx, SecretBridge)
	if err != nil {
		t.Fatalf("load secret: %v", err)
	}
	if !bytes.Equal(secret, []byte("shared-secret")) {
		t.Fatalf("secret corrupted in transit: %q", secret)
	}
}

func TestUnlockRejectsWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	if err := backend.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	attacker := NewFileBackend(backend.Path())
	if err := attacker.Unlock(ctx, "incorrect"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
	if _, err := attacker.LoadSecret(ctx, SecretBridge); !errors.Is(err, ErrLocked) {
		t.Fatalf("failed unlock must leave the store locked, got %v", err)
	}
}

func TestSecretLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	if err := backend.Initialize(ctx, "passphrase"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := backend.StoreSecret(ctx, "", []byte("x")); !errors.Is(err, ErrInvalidSecretID) {
		t.Fatalf("expected ErrInvalidSecretID, got %v", err)
	}
	if err := backend.StoreSecret(ctx, SecretAdminCredential, nil); !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret for empty secret, got %v", err)
	}
	if err := backend.StoreSecret(ctx, "huge", make([]byte, maxSecretBytes+1)); !errors.Is(err, ErrSecretTooBig) {
		t.Fatalf("expected ErrSecretTooBig, got %v", err)
	}

	if err := backend.StoreSecret(ctx, SecretAdminCredential, []byte("first")); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := backend.StoreSecret(ctx, SecretAdminCredential, []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	secret, err := backend.LoadSecret(ctx, SecretAdminCredential)
	if err != nil || !bytes.Equal(secret, []byte("second")) {
		t.Fatalf("expected overwritten value, got %q (%v)", secret, err)
	}

	ids, err := backend.ListSecrets(ctx)
	if err != nil || len(ids) != 1 || ids[0] != SecretAdminCredential {
		t.Fatalf("unexpected secret ids %v (%v)", ids, err)
	}

	if err := backend.DeleteSecret(ctx, SecretAdminCredential); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := backend.LoadSecret(ctx, SecretAdminCredential); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist after delete, got %v", err)
	}
	// Deleting a missing ID is a no-op.
	if err := backend.DeleteSecret(ctx, "ghost"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestFileIsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	backend := newTestBackend(t)
	if err := backend.Initialize(ctx, "passphrase"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := backend.StoreSecret(ctx, SecretBridge, []byte("very-visible-secret")); err != nil {
		t.Fatalf("store: %v", err)
	}

	raw, err := os.ReadFile(backend.Path())
	if err != nil {
		t.Fatalf("read keystore file: %v", err)
	}
	if bytes.Contains(raw, []byte("very-visible-secret")) {
		t.Fatal("secret stored in plaintext")
	}
}
