package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keystoreVersion = 1
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
	saltSize        = 32
	boxNonceSize    = 24
	boxKeySize      = 32
)

var ErrKeystorePassphrase = errors.New("crypto: wrong keystore passphrase")

type keystoreFile struct {
	Version int    `json:"version"`
	Pubkey  Pubkey `json:"pubkey"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Sealed  string `json:"sealed"`
}

// SaveToKeystore writes the identity seed to path, sealed with a key derived
// from the passphrase via scrypt. The parent directory is created with 0700
// permissions. The sealed file is written to a temporary file first; any
// previous keystore is then removed and the temporary file renamed into place.
func SaveToKeystore(path string, kp *KeyPair, passphrase string) error {
	if kp == nil {
		return errors.New("crypto: nil keypair")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	var nonce [boxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	boxKey, err := deriveBoxKey(passphrase, salt)
	if err != nil {
		return err
	}
	sealed := secretbox.Seal(nil, kp.Seed(), &nonce, boxKey)

	payload, err := json.MarshalIndent(keystoreFile{
		Version: keystoreVersion,
		Pubkey:  kp.Pubkey(),
		Salt:    EncodeHex(salt),
		Nonce:   EncodeHex(nonce[:]),
		Sealed:  EncodeHex(sealed),
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts the keystore file and rebuilds the identity.
func LoadFromKeystore(path, passphrase string) (*KeyPair, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("crypto: decode keystore: %w", err)
	}
	if file.Version != keystoreVersion {
		return nil, fmt.Errorf("crypto: unsupported keystore version %d", file.Version)
	}
	salt, err := DecodeHex(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode keystore salt: %w", err)
	}
	nonceBytes, err := DecodeHex(file.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode keystore nonce: %w", err)
	}
	if len(nonceBytes) != boxNonceSize {
		return nil, fmt.Errorf("crypto: keystore nonce must be %d bytes", boxNonceSize)
	}
	sealed, err := DecodeHex(file.Sealed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode keystore payload: %w", err)
	}

	boxKey, err := deriveBoxKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	var nonce [boxNonceSize]byte
	copy(nonce[:], nonceBytes)
	seed, ok := secretbox.Open(nil, sealed, &nonce, boxKey)
	if !ok {
		return nil, ErrKeystorePassphrase
	}
	kp, err := KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(kp.Pubkey().Bytes(), file.Pubkey.Bytes()) {
		return nil, errors.New("crypto: keystore pubkey does not match decrypted seed")
	}
	return kp, nil
}

// LoadOrCreateIdentity opens the keystore at path, creating a fresh identity
// on first run.
func LoadOrCreateIdentity(path, passphrase string) (*KeyPair, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := SaveToKeystore(path, kp, passphrase); err != nil {
			return nil, err
		}
		return kp, nil
	}
	return LoadFromKeystore(path, passphrase)
}

func deriveBoxKey(passphrase string, salt []byte) (*[boxKeySize]byte, error) {
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, boxKeySize)
	if err != nil {
		return nil, err
	}
	var key [boxKeySize]byte
	copy(key[:], derived)
	return &key, nil
}
