// Package directory publishes and fetches paykit records at deterministic
// pubkey-scoped paths on a self-sovereign key directory. The layer is
// stateless: transport errors surface verbatim and every operation is
// idempotent.
package directory

import (
	"context"
	"errors"

	"paykit/crypto"
)

// Transport is the object API the directory assumes: authenticated writes by
// the owner's key, public reads by anyone.
type Transport interface {
	Put(ctx context.Context, owner *crypto.KeyPair, path string, data []byte) error
	Get(ctx context.Context, owner crypto.Pubkey, path string) ([]byte, error)
	List(ctx context.Context, owner crypto.Pubkey, prefix string) ([]string, error)
}

// ErrNotFound reports a missing directory object.
var ErrNotFound = errors.New("directory: object not found")
