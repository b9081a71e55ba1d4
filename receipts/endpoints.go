package receipts

import (
	"errors"
	"fmt"
	"sync"

	"paykit/crypto"
	"paykit/events"
	"paykit/storage"
	"paykit/types"
)

// EndpointTable tracks the private endpoint offers received from peers and
// the rotation bookkeeping for each. Access is serialised per peer;
// different peers proceed independently.
type EndpointTable struct {
	store  storage.PrivateEndpointStore
	events events.Emitter

	mu    sync.Mutex
	locks map[crypto.Pubkey]*sync.Mutex
}

// NewEndpointTable wraps the persistent store.
func NewEndpointTable(store storage.PrivateEndpointStore, emitter events.Emitter) *EndpointTable {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &EndpointTable{
		store:  store,
		events: emitter,
		locks:  make(map[crypto.Pubkey]*sync.Mutex),
	}
}

func (t *EndpointTable) peerLock(peer crypto.Pubkey) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[peer]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[peer] = lock
	}
	return lock
}

// StoreOffer records an offer received from peer, replacing any prior entry
// for (peer, method).
func (t *EndpointTable) StoreOffer(peer crypto.Pubkey, offer types.PrivateEndpointOffer) error {
	if err := offer.Validate(); err != nil {
		return err
	}
	lock := t.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()
	return t.store.PutOffer(peer, offer.Method, offer)
}

// Lookup returns the stored offer for (peer, method), if any. Private
// endpoints are consulted before the public directory when choosing where
// to send a request.
func (t *EndpointTable) Lookup(peer crypto.Pubkey, method types.MethodId, now uint64) (types.PrivateEndpointOffer, bool, error) {
	lock := t.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()
	offer, err := t.store.GetOffer(peer, method)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.PrivateEndpointOffer{}, false, nil
		}
		return types.PrivateEndpointOffer{}, false, err
	}
	if offer.Expired(now) {
		return types.PrivateEndpointOffer{}, false, nil
	}
	return offer, true, nil
}

// RecordUse bumps the use counter after the endpoint actually carried a
// request and reports a rotation hint when the offer's policy calls for a
// replacement. The engine never mints endpoints itself.
func (t *EndpointTable) RecordUse(peer crypto.Pubkey, method types.MethodId) error {
	lock := t.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	offer, err := t.store.GetOffer(peer, method)
	if err != nil {
		return err
	}
	offer.UseCount++
	if err := t.store.PutOffer(peer, method, offer); err != nil {
		return fmt.Errorf("receipts: record endpoint use: %w", err)
	}
	if offer.RotationPolicy.Due(offer.UseCount) {
		t.events.Emit(events.RotationHint{
			Peer:     peer,
			Method:   method,
			Endpoint: offer.Endpoint,
			UseCount: offer.UseCount,
		})
	}
	return nil
}

// Remove withdraws the stored offer for (peer, method).
func (t *EndpointTable) Remove(peer crypto.Pubkey, method types.MethodId) error {
	lock := t.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()
	return t.store.RemoveOffer(peer, method)
}

// CleanupExpired drops lapsed offers across all peers.
func (t *EndpointTable) CleanupExpired(now uint64) (int, error) {
	return t.store.CleanupExpired(now)
}
