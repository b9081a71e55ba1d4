package nonce

import (
	"time"

	"paykit/crypto"
)

// Backend is the persistence trait for durable replay defense. Implementers
// must make InsertIfAbsent atomic: the first insert of a nonce wins, later
// inserts observe the live entry until it expires.
type Backend interface {
	InsertIfAbsent(nonce [crypto.NonceSize]byte, expiresAt time.Time) (bool, error)
	PurgeExpired(now time.Time) (int, error)
}

// Durable adapts a Backend to the crypto.NonceChecker shape so signature
// verification can run against persistent state. Backend failures are
// treated as duplicates: when replay defense cannot be consulted, admitting
// the signature would be the unsafe direction.
type Durable struct {
	backend Backend
	now     func() time.Time
}

// NewDurable wraps the backend.
func NewDurable(backend Backend) *Durable {
	return &Durable{backend: backend, now: time.Now}
}

// SetClock overrides the time source for deterministic tests.
func (d *Durable) SetClock(now func() time.Time) {
	if d == nil || now == nil {
		return
	}
	d.now = now
}

// CheckAndMark delegates to the backend's atomic insert.
func (d *Durable) CheckAndMark(nonce [crypto.NonceSize]byte, ttl time.Duration) crypto.NonceOutcome {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	inserted, err := d.backend.InsertIfAbsent(nonce, d.now().Add(ttl))
	if err != nil || !inserted {
		return crypto.NonceDuplicate
	}
	return crypto.NonceAccepted
}

// PurgeExpired removes lapsed entries from the backend.
func (d *Durable) PurgeExpired() (int, error) {
	return d.backend.PurgeExpired(d.now())
}
