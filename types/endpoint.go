package types

import (
	"errors"
	"fmt"
	"strings"

	"paykit/crypto"
)

// RotationKind selects when a private endpoint should be replaced.
type RotationKind string

const (
	// RotateNever keeps the endpoint until it expires or is withdrawn.
	RotateNever RotationKind = "never"
	// RotateAfterN retires the endpoint once it has been used n times.
	RotateAfterN RotationKind = "after_n"
	// RotateOnUse retires the endpoint after every single use.
	RotateOnUse RotationKind = "on_use"
)

// RotationPolicy describes the offerer's rotation intent. The engine only
// reports rotation hints; minting replacement endpoints is the application's
// job.
type RotationPolicy struct {
	Kind RotationKind `json:"kind"`
	N    uint32       `json:"n,omitempty"`
}

// Validate rejects unknown kinds and a zero threshold for after_n.
func (rp RotationPolicy) Validate() error {
	switch rp.Kind {
	case RotateNever, RotateOnUse:
		return nil
	case RotateAfterN:
		if rp.N == 0 {
			return errors.New("types: after_n rotation needs a positive threshold")
		}
		return nil
	default:
		return fmt.Errorf("types: unknown rotation kind %q", rp.Kind)
	}
}

// Due reports whether the policy calls for rotation at the given use count.
func (rp RotationPolicy) Due(useCount uint64) bool {
	switch rp.Kind {
	case RotateOnUse:
		return useCount > 0
	case RotateAfterN:
		return useCount >= uint64(rp.N)
	default:
		return false
	}
}

// PrivateEndpointOffer is a per-peer dedicated payment address exchanged over
// a secure channel. The offerer owns the record; the recipient keeps a
// read-only copy keyed by (peer, method).
type PrivateEndpointOffer struct {
	ForPeer        crypto.Pubkey  `json:"forPeer"`
	Method         MethodId       `json:"method"`
	Endpoint       string         `json:"endpoint"`
	ExpiresAt      uint64         `json:"expiresAt,omitempty"`
	UseCount       uint64         `json:"useCount"`
	RotationPolicy RotationPolicy `json:"rotationPolicy"`
}

// Validate checks the offer before it crosses the channel.
func (o PrivateEndpointOffer) Validate() error {
	if o.ForPeer.IsZero() {
		return errors.New("types: endpoint offer peer is unset")
	}
	if !o.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, o.Method)
	}
	if strings.TrimSpace(o.Endpoint) == "" {
		return errors.New("types: endpoint offer endpoint is empty")
	}
	return o.RotationPolicy.Validate()
}

// Expired reports whether the offer has lapsed at now (unix seconds).
func (o PrivateEndpointOffer) Expired(now uint64) bool {
	return o.ExpiresAt > 0 && now >= o.ExpiresAt
}
