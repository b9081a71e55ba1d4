package crypto

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestKeystoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := SaveToKeystore(path, kp, "hunter2"); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFromKeystore(path, "hunter2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Pubkey() != kp.Pubkey() {
		t.Fatalf("identity changed across save/load")
	}

	if _, err := LoadFromKeystore(path, "wrong"); !errors.Is(err, ErrKeystorePassphrase) {
		t.Fatalf("wrong passphrase: want ErrKeystorePassphrase, got %v", err)
	}
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := LoadOrCreateIdentity(path, "pass")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := LoadOrCreateIdentity(path, "pass")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Pubkey() != second.Pubkey() {
		t.Fatalf("identity must be stable across runs")
	}
}
