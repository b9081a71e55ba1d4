package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/tv42/zbase32"
)

// PubkeySize is the length of an Ed25519 public key in bytes.
const PubkeySize = ed25519.PublicKeySize

// Pubkey is a 32-byte Ed25519 public key. It identifies a paykit participant
// and the owner of a directory namespace. The text form is z-base-32.
type Pubkey [PubkeySize]byte

var ErrInvalidPubkey = errors.New("crypto: invalid pubkey")

// NewPubkey copies b into a Pubkey.
func NewPubkey(b []byte) (Pubkey, error) {
	if len(b) != PubkeySize {
		return Pubkey{}, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidPubkey, PubkeySize, len(b))
	}
	var pk Pubkey
	copy(pk[:], b)
	return pk, nil
}

// ParsePubkey decodes the z-base-32 text form.
func ParsePubkey(value string) (Pubkey, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Pubkey{}, fmt.Errorf("%w: empty", ErrInvalidPubkey)
	}
	decoded, err := zbase32.DecodeString(trimmed)
	if err != nil {
		return Pubkey{}, fmt.Errorf("%w: %s", ErrInvalidPubkey, err)
	}
	return NewPubkey(decoded)
}

func (pk Pubkey) String() string {
	return zbase32.EncodeToString(pk[:])
}

// Bytes returns a defensive copy of the raw key material.
func (pk Pubkey) Bytes() []byte {
	return append([]byte(nil), pk[:]...)
}

// IsZero reports whether the pubkey is unset.
func (pk Pubkey) IsZero() bool {
	return pk == Pubkey{}
}

func (pk Pubkey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *Pubkey) UnmarshalText(data []byte) error {
	parsed, err := ParsePubkey(string(data))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// KeyPair holds a long-term Ed25519 identity.
type KeyPair struct {
	pub  Pubkey
	priv ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh identity from the system entropy source.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	pk, err := NewPubkey(pub)
	if err != nil {
		return nil, err
	}
	return &KeyPair{pub: pk, priv: priv}, nil
}

// KeyPairFromSeed rebuilds an identity from a 32-byte Ed25519 seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pk, err := NewPubkey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &KeyPair{pub: pk, priv: priv}, nil
}

// Pubkey returns the public half of the identity.
func (kp *KeyPair) Pubkey() Pubkey { return kp.pub }

// Seed returns a copy of the 32-byte private seed.
func (kp *KeyPair) Seed() []byte {
	return kp.priv.Seed()
}

func (kp *KeyPair) signDigest(digest []byte) []byte {
	return ed25519.Sign(kp.priv, digest)
}
