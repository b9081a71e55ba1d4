package storage

import (
	"time"

	"paykit/crypto"
	"paykit/types"
)

// ReceiptStore persists negotiated receipts.
type ReceiptStore interface {
	SaveReceipt(r types.Receipt) error
	GetReceipt(id string) (types.Receipt, error)
	ListReceipts(filter types.ReceiptFilter) ([]types.Receipt, error)
}

// PrivateEndpointStore keeps the read-only copies of endpoint offers
// received from peers, keyed by (peer, method).
type PrivateEndpointStore interface {
	PutOffer(peer crypto.Pubkey, method types.MethodId, offer types.PrivateEndpointOffer) error
	GetOffer(peer crypto.Pubkey, method types.MethodId) (types.PrivateEndpointOffer, error)
	ListForPeer(peer crypto.Pubkey) ([]types.PrivateEndpointOffer, error)
	RemoveOffer(peer crypto.Pubkey, method types.MethodId) error
	CleanupExpired(now uint64) (int, error)
}

// SubscriptionStore persists agreements through their lifecycle: pending
// proposal, fully signed, cancelled.
type SubscriptionStore interface {
	SaveProposal(p types.SubscriptionProposal) error
	SaveSigned(ss types.SignedSubscription) error
	GetProposal(id string) (types.SubscriptionProposal, error)
	GetSigned(id string) (types.SignedSubscription, error)
	MarkCancelled(id string, reason string, at uint64) error
	IsCancelled(id string) (bool, error)
	ListActive(now uint64) ([]types.SignedSubscription, error)
	ListWithPeer(peer crypto.Pubkey) ([]types.SignedSubscription, error)
}

// AutoPayStore persists automation rules, per-peer spending limits and the
// last execution time per subscription.
type AutoPayStore interface {
	SaveRule(rule types.AutoPayRule) error
	GetRule(id string) (types.AutoPayRule, error)
	ListRules() ([]types.AutoPayRule, error)
	SaveLimit(peer crypto.Pubkey, limit types.PeerSpendingLimit) error
	GetLimit(peer crypto.Pubkey) (types.PeerSpendingLimit, error)
	SaveLastPayment(subscriptionId string, paidAt uint64) error
	GetLastPayment(subscriptionId string) (uint64, error)
}

// RequestStore tracks payment requests and their lifecycle status.
type RequestStore interface {
	SaveRequest(req types.PaymentRequest) error
	GetRequest(id string) (types.PaymentRequest, error)
	SetRequestStatus(id string, status types.RequestStatus) error
	GetRequestStatus(id string) (types.RequestStatus, error)
	ListRequests() ([]types.PaymentRequest, error)
}

// NonceBackend is the durable replay-defense trait.
type NonceBackend interface {
	InsertIfAbsent(nonce [crypto.NonceSize]byte, expiresAt time.Time) (bool, error)
	PurgeExpired(now time.Time) (int, error)
}
