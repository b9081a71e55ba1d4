// Package subscriptions manages dual-party signed recurring payment
// agreements: proposal, acceptance, cancellation, and verification.
package subscriptions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paykit/channel"
	"paykit/crypto"
	"paykit/directory"
	"paykit/events"
	"paykit/storage"
	"paykit/types"
)

var (
	ErrNotParty   = errors.New("subscriptions: caller is not a party to the agreement")
	ErrNotPending = errors.New("subscriptions: no pending proposal")
	ErrNotActive  = errors.New("subscriptions: agreement is not active")
	ErrCancelled  = errors.New("subscriptions: agreement was cancelled")
)

// Manager owns the agreement lifecycle for one local identity.
type Manager struct {
	keys     *crypto.KeyPair
	store    storage.SubscriptionStore
	dir      *directory.Client
	nonces   crypto.NonceChecker
	lifetime time.Duration
	events   events.Emitter
	now      func() time.Time
	log      *slog.Logger
}

// NewManager wires the manager. dir may be nil when agreements are not
// published.
func NewManager(keys *crypto.KeyPair, store storage.SubscriptionStore, dir *directory.Client, nonces crypto.NonceChecker, emitter events.Emitter, log *slog.Logger) *Manager {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		keys:     keys,
		store:    store,
		dir:      dir,
		nonces:   nonces,
		lifetime: crypto.DefaultSignatureLifetime,
		events:   emitter,
		now:      time.Now,
		log:      log,
	}
}

// SetClock overrides the time source for deterministic tests.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Propose signs the subscription as proposer and stores it pending
// acceptance. The local identity must be the subscriber: proposer
// signatures verify against the subscriber key.
func (m *Manager) Propose(ctx context.Context, sub types.Subscription) (types.SubscriptionProposal, error) {
	if err := sub.Validate(); err != nil {
		return types.SubscriptionProposal{}, err
	}
	if sub.Subscriber != m.keys.Pubkey() {
		return types.SubscriptionProposal{}, fmt.Errorf("%w: proposer must be the subscriber", ErrNotParty)
	}
	sig, err := crypto.Sign(m.keys, crypto.DomainSubscription, CanonicalBytes(sub), m.lifetime, m.now())
	if err != nil {
		return types.SubscriptionProposal{}, err
	}
	proposal := types.SubscriptionProposal{Subscription: sub, ProposerSig: *sig}
	if err := m.store.SaveProposal(proposal); err != nil {
		return types.SubscriptionProposal{}, err
	}
	m.log.Info("subscription proposed",
		"subscription", sub.SubscriptionId,
		"provider", sub.Provider.String())
	return proposal, nil
}

// Accept verifies a pending proposal (signature, lifetime, replay), signs
// it as acceptor, persists the executed agreement and publishes it to the
// directory. Accepting an already signed agreement is idempotent.
func (m *Manager) Accept(ctx context.Context, subscriptionId string) (types.SignedSubscription, error) {
	if existing, err := m.store.GetSigned(subscriptionId); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return types.SignedSubscription{}, err
	}

	proposal, err := m.store.GetProposal(subscriptionId)
	if errors.Is(err, storage.ErrNotFound) {
		return types.SignedSubscription{}, ErrNotPending
	}
	if err != nil {
		return types.SignedSubscription{}, err
	}
	sub := proposal.Subscription
	if sub.Provider != m.keys.Pubkey() {
		return types.SignedSubscription{}, fmt.Errorf("%w: acceptor must be the provider", ErrNotParty)
	}
	if err := crypto.Verify(sub.Subscriber, crypto.DomainSubscription, CanonicalBytes(sub), &proposal.ProposerSig, m.nonces, m.now()); err != nil {
		return types.SignedSubscription{}, err
	}

	acceptorSig, err := crypto.Sign(m.keys, crypto.DomainSubscription, CanonicalBytes(sub), m.lifetime, m.now())
	if err != nil {
		return types.SignedSubscription{}, err
	}
	signed := types.SignedSubscription{
		Subscription: sub,
		ProposerSig:  proposal.ProposerSig,
		AcceptorSig:  *acceptorSig,
	}
	if err := m.store.SaveSigned(signed); err != nil {
		return types.SignedSubscription{}, err
	}
	if m.dir != nil {
		if err := m.dir.PublishAgreement(ctx, m.keys, signed); err != nil {
			return types.SignedSubscription{}, err
		}
	}
	m.log.Info("subscription accepted", "subscription", sub.SubscriptionId)
	return signed, nil
}

// VerifySigned checks a fully executed agreement: the proposer signature
// must verify against the subscriber key and the acceptor signature against
// the provider key, each with a fresh nonce.
func (m *Manager) VerifySigned(ss types.SignedSubscription) error {
	canonical := CanonicalBytes(ss.Subscription)
	now := m.now()
	if err := crypto.Verify(ss.Subscription.Subscriber, crypto.DomainSubscription, canonical, &ss.ProposerSig, m.nonces, now); err != nil {
		return fmt.Errorf("proposer signature: %w", err)
	}
	if err := crypto.Verify(ss.Subscription.Provider, crypto.DomainSubscription, canonical, &ss.AcceptorSig, m.nonces, now); err != nil {
		return fmt.Errorf("acceptor signature: %w", err)
	}
	return nil
}

// Cancel marks the agreement inactive and returns the signed cancel message
// for the caller to deliver to the peer.
func (m *Manager) Cancel(ctx context.Context, subscriptionId, reason string) (*channel.SubscriptionCancel, error) {
	ss, err := m.store.GetSigned(subscriptionId)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	self := m.keys.Pubkey()
	if ss.Subscription.Subscriber != self && ss.Subscription.Provider != self {
		return nil, ErrNotParty
	}
	sig, err := crypto.Sign(m.keys, crypto.DomainCancel, CancelCanonicalBytes(subscriptionId, reason), m.lifetime, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.store.MarkCancelled(subscriptionId, reason, uint64(m.now().Unix())); err != nil {
		return nil, err
	}
	m.events.Emit(events.SubscriptionCancelled{
		SubscriptionId: subscriptionId,
		By:             self,
		Reason:         reason,
	})
	return &channel.SubscriptionCancel{
		SubscriptionId: subscriptionId,
		Reason:         reason,
		Sig:            *sig,
	}, nil
}

// IsActive reports whether the agreement window covers now and no cancel
// has been observed.
func (m *Manager) IsActive(subscriptionId string, now uint64) (bool, error) {
	ss, err := m.store.GetSigned(subscriptionId)
	if err != nil {
		return false, err
	}
	if !ss.Subscription.ActiveAt(now) {
		return false, nil
	}
	cancelled, err := m.store.IsCancelled(subscriptionId)
	if err != nil {
		return false, err
	}
	return !cancelled, nil
}

// HandleMessage serves the manager's wire surface on accepted channels.
func (m *Manager) HandleMessage(ctx context.Context, ch *channel.Channel, msg channel.Message) error {
	switch wire := msg.(type) {
	case *channel.SubscriptionProposal:
		return m.handleProposal(ctx, ch, wire)
	case *channel.SubscriptionAcceptance:
		return m.handleAcceptance(wire.Signed)
	case *channel.SubscriptionCancel:
		return m.handleCancel(ch.RemoteIdentity(), wire)
	default:
		return fmt.Errorf("subscriptions: unexpected message %s", channel.MessageType(msg))
	}
}

// handleProposal stores the incoming proposal pending local acceptance.
// Signature verification (including replay defense) happens at Accept so
// the nonce is consumed exactly when the agreement is executed.
func (m *Manager) handleProposal(ctx context.Context, ch *channel.Channel, wire *channel.SubscriptionProposal) error {
	sub := wire.Subscription
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.Subscriber != ch.RemoteIdentity() {
		return fmt.Errorf("%w: proposal subscriber is not the channel peer", ErrNotParty)
	}
	if sub.Provider != m.keys.Pubkey() {
		return fmt.Errorf("%w: proposal provider is not the local identity", ErrNotParty)
	}
	if err := m.store.SaveProposal(types.SubscriptionProposal{Subscription: sub, ProposerSig: wire.ProposerSig}); err != nil {
		return err
	}
	m.log.Info("subscription proposal received",
		"subscription", sub.SubscriptionId,
		"subscriber", sub.Subscriber.String())
	return nil
}

// handleAcceptance records the counterparty's fully signed agreement on the
// proposer side. The local proposal must match byte-for-byte; only the
// acceptor signature is new and it is verified with replay defense.
func (m *Manager) handleAcceptance(ss types.SignedSubscription) error {
	proposal, err := m.store.GetProposal(ss.Subscription.SubscriptionId)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotPending
	}
	if err != nil {
		return err
	}
	if !CanonicalBytesEqual(proposal.Subscription, ss.Subscription) {
		return fmt.Errorf("subscriptions: accepted body differs from the proposal")
	}
	if ss.ProposerSig.Sig != proposal.ProposerSig.Sig {
		return fmt.Errorf("subscriptions: proposer signature was replaced")
	}
	if err := crypto.Verify(ss.Subscription.Provider, crypto.DomainSubscription, CanonicalBytes(ss.Subscription), &ss.AcceptorSig, m.nonces, m.now()); err != nil {
		return fmt.Errorf("acceptor signature: %w", err)
	}
	if err := m.store.SaveSigned(ss); err != nil {
		return err
	}
	m.log.Info("subscription executed", "subscription", ss.Subscription.SubscriptionId)
	return nil
}

func (m *Manager) handleCancel(sender crypto.Pubkey, wire *channel.SubscriptionCancel) error {
	ss, err := m.store.GetSigned(wire.SubscriptionId)
	if err != nil {
		return err
	}
	if sender != ss.Subscription.Subscriber && sender != ss.Subscription.Provider {
		return ErrNotParty
	}
	if wire.Sig.Signer != sender {
		return fmt.Errorf("%w: cancel signer mismatch", crypto.ErrBadSignature)
	}
	if err := crypto.Verify(sender, crypto.DomainCancel, CancelCanonicalBytes(wire.SubscriptionId, wire.Reason), &wire.Sig, m.nonces, m.now()); err != nil {
		return err
	}
	if err := m.store.MarkCancelled(wire.SubscriptionId, wire.Reason, uint64(m.now().Unix())); err != nil {
		return err
	}
	m.events.Emit(events.SubscriptionCancelled{
		SubscriptionId: wire.SubscriptionId,
		By:             sender,
		Reason:         wire.Reason,
	})
	m.log.Info("subscription cancelled by peer",
		"subscription", wire.SubscriptionId,
		"reason", wire.Reason)
	return nil
}

// CanonicalBytesEqual compares two subscription bodies by their canonical
// forms.
func CanonicalBytesEqual(a, b types.Subscription) bool {
	return bytes.Equal(CanonicalBytes(a), CanonicalBytes(b))
}
