package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Domain tags partition the signature space per payload kind so a signature
// minted for one record type can never be replayed as another.
const (
	DomainSubscription = "paykit-sub-v1"
	DomainReceipt      = "paykit-receipt-v1"
	DomainCancel       = "paykit-cancel-v1"
	DomainRequest      = "paykit-request-v1"
	DomainDirectory    = "paykit-dir-v1"
	DomainChannel      = "paykit-chan-v1"
)

// NonceSize is the length of the random signing nonce.
const NonceSize = 32

// SignatureSize is the length of a raw Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// DefaultSignatureLifetime bounds how long a signature stays presentable.
const DefaultSignatureLifetime = 7 * 24 * time.Hour

var (
	ErrBadSignature     = errors.New("crypto: bad signature")
	ErrExpiredSignature = errors.New("crypto: signature outside its lifetime")
	ErrReplayedNonce    = errors.New("crypto: nonce already observed")
	ErrUnknownKey       = errors.New("crypto: unknown signing key")
)

// NonceOutcome is the admission result of a replay-defense check.
type NonceOutcome int

const (
	NonceAccepted NonceOutcome = iota
	NonceDuplicate
)

// NonceChecker admits each nonce exactly once within its validity window.
// The nonce store satisfies it; tests plug in permissive fakes.
type NonceChecker interface {
	CheckAndMark(nonce [NonceSize]byte, ttl time.Duration) NonceOutcome
}

// Signature carries an Ed25519 signature over a domain-tagged canonical
// image together with the replay-defense envelope.
type Signature struct {
	Signer   Pubkey
	Nonce    [NonceSize]byte
	IssuedAt uint64
	Lifetime uint64
	Sig      [SignatureSize]byte
}

// signImage is the deterministic byte image that is hashed and signed:
//
//	DOMAIN_TAG || canonical || nonce(32) || be64(issued_at) || be64(lifetime)
func signImage(domain string, canonical []byte, nonce [NonceSize]byte, issuedAt, lifetime uint64) []byte {
	image := make([]byte, 0, len(domain)+len(canonical)+NonceSize+16)
	image = append(image, domain...)
	image = append(image, canonical...)
	image = append(image, nonce[:]...)
	image = binary.BigEndian.AppendUint64(image, issuedAt)
	image = binary.BigEndian.AppendUint64(image, lifetime)
	return image
}

// Sign produces a fresh-nonce signature over the canonical bytes of a value
// under the given domain tag.
func Sign(kp *KeyPair, domain string, canonical []byte, lifetime time.Duration, now time.Time) (*Signature, error) {
	if kp == nil {
		return nil, fmt.Errorf("crypto: nil keypair")
	}
	if domain == "" {
		return nil, fmt.Errorf("crypto: empty domain tag")
	}
	if lifetime <= 0 {
		lifetime = DefaultSignatureLifetime
	}
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate signing nonce: %w", err)
	}
	issuedAt := uint64(now.Unix())
	lifetimeSecs := uint64(lifetime / time.Second)

	digest := sha256.Sum256(signImage(domain, canonical, nonce, issuedAt, lifetimeSecs))
	raw := kp.signDigest(digest[:])

	sig := &Signature{
		Signer:   kp.Pubkey(),
		Nonce:    nonce,
		IssuedAt: issuedAt,
		Lifetime: lifetimeSecs,
	}
	copy(sig.Sig[:], raw)
	return sig, nil
}

// Verify checks the signature against signer, rejects presentations outside
// [issued_at, issued_at+lifetime], and admits the nonce exactly once.
func Verify(signer Pubkey, domain string, canonical []byte, sig *Signature, nonces NonceChecker, now time.Time) error {
	if sig == nil {
		return fmt.Errorf("%w: nil signature", ErrBadSignature)
	}
	if signer.IsZero() {
		return ErrUnknownKey
	}
	if sig.Signer != signer {
		return fmt.Errorf("%w: signer mismatch", ErrBadSignature)
	}

	digest := sha256.Sum256(signImage(domain, canonical, sig.Nonce, sig.IssuedAt, sig.Lifetime))
	if !ed25519.Verify(ed25519.PublicKey(signer[:]), digest[:], sig.Sig[:]) {
		return ErrBadSignature
	}

	issued := time.Unix(int64(sig.IssuedAt), 0)
	expiry := issued.Add(time.Duration(sig.Lifetime) * time.Second)
	if now.Before(issued) || now.After(expiry) {
		return ErrExpiredSignature
	}

	if nonces != nil {
		if nonces.CheckAndMark(sig.Nonce, time.Duration(sig.Lifetime)*time.Second) != NonceAccepted {
			return ErrReplayedNonce
		}
	}
	return nil
}
