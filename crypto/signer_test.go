package crypto

import (
	"errors"
	"testing"
	"time"
)

// fakeNonces is an in-memory replay-defense stand-in that accepts each nonce
// once and reports every repeat as a duplicate.
type fakeNonces struct {
	seen map[[NonceSize]byte]struct{}
}

func newFakeNonces() *fakeNonces {
	return &fakeNonces{seen: make(map[[NonceSize]byte]struct{})}
}

func (f *fakeNonces) CheckAndMark(nonce [NonceSize]byte, _ time.Duration) NonceOutcome {
	if _, ok := f.seen[nonce]; ok {
		return NonceDuplicate
	}
	f.seen[nonce] = struct{}{}
	return NonceAccepted
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	payload := []byte("canonical-payload")

	sig, err := Sign(kp, DomainSubscription, payload, time.Hour, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := Verify(kp.Pubkey(), DomainSubscription, payload, sig, newFakeNonces(), now.Add(time.Minute)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyRejectsBitFlips(t *testing.T) {
	kp, _ := GenerateKeyPair()
	now := time.Unix(1_700_000_000, 0)
	payload := []byte("canonical-payload")
	sig, err := Sign(kp, DomainSubscription, payload, time.Hour, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mutated := append([]byte(nil), payload...)
	mutated[0] ^= 0x01
	if err := Verify(kp.Pubkey(), DomainSubscription, mutated, sig, newFakeNonces(), now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("payload flip: want ErrBadSignature, got %v", err)
	}

	if err := Verify(kp.Pubkey(), DomainReceipt, payload, sig, newFakeNonces(), now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("domain swap: want ErrBadSignature, got %v", err)
	}

	flipped := *sig
	flipped.Sig[3] ^= 0x80
	if err := Verify(kp.Pubkey(), DomainSubscription, payload, &flipped, newFakeNonces(), now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("signature flip: want ErrBadSignature, got %v", err)
	}

	nonceFlip := *sig
	nonceFlip.Nonce[0] ^= 0x01
	if err := Verify(kp.Pubkey(), DomainSubscription, payload, &nonceFlip, newFakeNonces(), now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("nonce flip: want ErrBadSignature, got %v", err)
	}

	other, _ := GenerateKeyPair()
	if err := Verify(other.Pubkey(), DomainSubscription, payload, sig, newFakeNonces(), now); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong key: want ErrBadSignature, got %v", err)
	}
}

func TestVerifyLifetimeWindow(t *testing.T) {
	kp, _ := GenerateKeyPair()
	now := time.Unix(1_700_000_000, 0)
	sig, err := Sign(kp, DomainReceipt, []byte("x"), time.Hour, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := Verify(kp.Pubkey(), DomainReceipt, []byte("x"), sig, newFakeNonces(), now.Add(2*time.Hour)); !errors.Is(err, ErrExpiredSignature) {
		t.Fatalf("after lifetime: want ErrExpiredSignature, got %v", err)
	}
	if err := Verify(kp.Pubkey(), DomainReceipt, []byte("x"), sig, newFakeNonces(), now.Add(-time.Minute)); !errors.Is(err, ErrExpiredSignature) {
		t.Fatalf("before issue: want ErrExpiredSignature, got %v", err)
	}
}

func TestVerifyReplayedNonce(t *testing.T) {
	kp, _ := GenerateKeyPair()
	now := time.Unix(1_700_000_000, 0)
	sig, err := Sign(kp, DomainSubscription, []byte("x"), time.Hour, now)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	nonces := newFakeNonces()
	if err := Verify(kp.Pubkey(), DomainSubscription, []byte("x"), sig, nonces, now); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := Verify(kp.Pubkey(), DomainSubscription, []byte("x"), sig, nonces, now); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("second verify: want ErrReplayedNonce, got %v", err)
	}
}

func TestPubkeyTextRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	encoded := kp.Pubkey().String()
	decoded, err := ParsePubkey(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if decoded != kp.Pubkey() {
		t.Fatalf("z-base-32 round trip mismatch")
	}
	if _, err := ParsePubkey("!!!not-zbase32!!!"); err == nil {
		t.Fatalf("garbage must be rejected")
	}
}
