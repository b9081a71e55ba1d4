package subscriptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"paykit/crypto"
	"paykit/directory"
	"paykit/events"
	"paykit/nonce"
	"paykit/storage"
	"paykit/types"
)

type party struct {
	keys    *crypto.KeyPair
	store   *storage.Store
	nonces  *nonce.Store
	manager *Manager
}

func newParty(t *testing.T, dir *directory.Client) *party {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	store := storage.NewStore(storage.NewMemDB())
	nonces := nonce.NewStore(time.Hour)
	t.Cleanup(nonces.Close)
	return &party{
		keys:    keys,
		store:   store,
		nonces:  nonces,
		manager: NewManager(keys, store, dir, nonces, events.NoopEmitter{}, nil),
	}
}

func testSubscription(subscriber, provider crypto.Pubkey) types.Subscription {
	return types.Subscription{
		SubscriptionId: types.NewSubscriptionId(),
		Subscriber:     subscriber,
		Provider:       provider,
		Terms: types.SubscriptionTerms{
			Amount:      types.FromSats(4000),
			Currency:    "SAT",
			Frequency:   types.Frequency{Kind: types.FreqMonthly, DayOfMonth: 5},
			Method:      types.MethodLightning,
			Description: "pro plan",
		},
		StartAt:   1_700_000_000,
		CreatedAt: 1_699_999_000,
	}
}

func TestProposeAcceptFlow(t *testing.T) {
	dir := directory.NewClient(directory.NewMemoryTransport())
	subscriber := newParty(t, dir)
	provider := newParty(t, dir)
	ctx := context.Background()

	sub := testSubscription(subscriber.keys.Pubkey(), provider.keys.Pubkey())
	proposal, err := subscriber.manager.Propose(ctx, sub)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// Deliver the proposal to the provider and accept it there.
	if err := provider.store.SaveProposal(proposal); err != nil {
		t.Fatalf("deliver proposal: %v", err)
	}
	signed, err := provider.manager.Accept(ctx, sub.SubscriptionId)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The subscriber verifies the executed agreement with fresh nonces.
	if err := subscriber.manager.VerifySigned(signed); err != nil {
		t.Fatalf("verify signed: %v", err)
	}

	// The agreement reached the provider's directory namespace.
	published, err := dir.FetchAgreement(ctx, provider.keys.Pubkey(), sub.SubscriptionId)
	if err != nil {
		t.Fatalf("fetch agreement: %v", err)
	}
	if published.Subscription.SubscriptionId != sub.SubscriptionId {
		t.Fatalf("published agreement drifted")
	}
}

func TestAcceptIsIdempotent(t *testing.T) {
	dir := directory.NewClient(directory.NewMemoryTransport())
	subscriber := newParty(t, dir)
	provider := newParty(t, dir)
	ctx := context.Background()

	sub := testSubscription(subscriber.keys.Pubkey(), provider.keys.Pubkey())
	proposal, err := subscriber.manager.Propose(ctx, sub)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	provider.store.SaveProposal(proposal)

	first, err := provider.manager.Accept(ctx, sub.SubscriptionId)
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	second, err := provider.manager.Accept(ctx, sub.SubscriptionId)
	if err != nil {
		t.Fatalf("second accept must be idempotent: %v", err)
	}
	if first.AcceptorSig.Sig != second.AcceptorSig.Sig {
		t.Fatalf("idempotent accept re-signed the agreement")
	}
}

func TestProposalReplayRejected(t *testing.T) {
	dir := directory.NewClient(directory.NewMemoryTransport())
	subscriber := newParty(t, dir)
	provider := newParty(t, dir)
	ctx := context.Background()

	sub := testSubscription(subscriber.keys.Pubkey(), provider.keys.Pubkey())
	proposal, err := subscriber.manager.Propose(ctx, sub)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	canonical := CanonicalBytes(sub)
	now := time.Now()
	if err := crypto.Verify(sub.Subscriber, crypto.DomainSubscription, canonical, &proposal.ProposerSig, provider.nonces, now); err != nil {
		t.Fatalf("first delivery must verify: %v", err)
	}
	if err := crypto.Verify(sub.Subscriber, crypto.DomainSubscription, canonical, &proposal.ProposerSig, provider.nonces, now); !errors.Is(err, crypto.ErrReplayedNonce) {
		t.Fatalf("second delivery: want ErrReplayedNonce, got %v", err)
	}
}

func TestAcceptRejectsWrongRole(t *testing.T) {
	dir := directory.NewClient(directory.NewMemoryTransport())
	subscriber := newParty(t, dir)
	provider := newParty(t, dir)
	outsider := newParty(t, dir)
	ctx := context.Background()

	sub := testSubscription(subscriber.keys.Pubkey(), provider.keys.Pubkey())
	proposal, err := subscriber.manager.Propose(ctx, sub)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	outsider.store.SaveProposal(proposal)
	if _, err := outsider.manager.Accept(ctx, sub.SubscriptionId); !errors.Is(err, ErrNotParty) {
		t.Fatalf("outsider accept: want ErrNotParty, got %v", err)
	}
}

func TestProposeRequiresSubscriberRole(t *testing.T) {
	dir := directory.NewClient(directory.NewMemoryTransport())
	subscriber := newParty(t, dir)
	provider := newParty(t, dir)
	ctx := context.Background()

	sub := testSubscription(subscriber.keys.Pubkey(), provider.keys.Pubkey())
	if _, err := provider.manager.Propose(ctx, sub); !errors.Is(err, ErrNotParty) {
		t.Fatalf("provider proposing as subscriber: want ErrNotParty, got %v", err)
	}
}

func TestCancelMarksInactive(t *testing.T) {
	dir := directory.NewClient(directory.NewMemoryTransport())
	subscriber := newParty(t, dir)
	provider := newParty(t, dir)
	ctx := context.Background()

	sub := testSubscription(subscriber.keys.Pubkey(), provider.keys.Pubkey())
	proposal, _ := subscriber.manager.Propose(ctx, sub)
	provider.store.SaveProposal(proposal)
	signed, err := provider.manager.Accept(ctx, sub.SubscriptionId)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Both sides hold the executed agreement.
	subscriber.store.SaveSigned(signed)

	cancelMsg, err := subscriber.manager.Cancel(ctx, sub.SubscriptionId, "plan ended")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	active, err := subscriber.manager.IsActive(sub.SubscriptionId, sub.StartAt+10)
	if err != nil || active {
		t.Fatalf("cancelled agreement still active locally: %v", err)
	}

	// The provider applies the peer's cancel.
	if err := provider.manager.handleCancel(subscriber.keys.Pubkey(), cancelMsg); err != nil {
		t.Fatalf("handle cancel: %v", err)
	}
	active, err = provider.manager.IsActive(sub.SubscriptionId, sub.StartAt+10)
	if err != nil || active {
		t.Fatalf("cancelled agreement still active at provider: %v", err)
	}
}

func TestCanonicalBytesStability(t *testing.T) {
	subscriber, _ := crypto.GenerateKeyPair()
	provider, _ := crypto.GenerateKeyPair()
	sub := testSubscription(subscriber.Pubkey(), provider.Pubkey())

	a := CanonicalBytes(sub)
	b := CanonicalBytes(sub)
	if !CanonicalBytesEqual(sub, sub) || len(a) != len(b) {
		t.Fatalf("canonical form must be deterministic")
	}

	mutated := sub
	mutated.Terms.Description = "pro plan "
	if CanonicalBytesEqual(sub, mutated) {
		t.Fatalf("distinct bodies must not share a canonical form")
	}

	withEnd := sub
	withEnd.EndAt = sub.StartAt + 100
	if CanonicalBytesEqual(sub, withEnd) {
		t.Fatalf("optional end date must be part of the canonical form")
	}
}
