// Package autopay automates recurring payments under hard safety caps: a
// per-peer spending accountant, a rule evaluator, and a background monitor.
package autopay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"paykit/crypto"
	"paykit/storage"
	"paykit/types"
)

// ReserveOutcome is the result of a spending reservation attempt.
type ReserveOutcome int

const (
	// Reserved means the amount was added to the window; the reservation
	// is the commit.
	Reserved ReserveOutcome = iota
	// WouldExceed means the cap blocks the amount; nothing was mutated.
	WouldExceed
	// WindowRolled means the window lapsed and was reset before this
	// reservation was admitted into the fresh window.
	WindowRolled
)

func (o ReserveOutcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case WouldExceed:
		return "would_exceed"
	case WindowRolled:
		return "window_rolled"
	default:
		return fmt.Sprintf("reserve_outcome(%d)", int(o))
	}
}

// ErrNoLimit reports a reservation against a peer with no configured limit.
var ErrNoLimit = errors.New("autopay: no spending limit configured for peer")

// Accountant enforces per-peer spending limits. Reservations linearize per
// peer; different peers proceed independently.
type Accountant struct {
	store storage.AutoPayStore
	now   func() time.Time

	mu    sync.Mutex
	peers map[crypto.Pubkey]*peerState
}

type peerState struct {
	mu sync.Mutex
}

// NewAccountant wraps the store.
func NewAccountant(store storage.AutoPayStore) *Accountant {
	return &Accountant{
		store: store,
		now:   time.Now,
		peers: make(map[crypto.Pubkey]*peerState),
	}
}

// SetClock overrides the time source for deterministic tests.
func (a *Accountant) SetClock(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.now = now
}

func (a *Accountant) peer(pk crypto.Pubkey) *peerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.peers[pk]
	if !ok {
		state = &peerState{}
		a.peers[pk] = state
	}
	return state
}

// SetLimit installs or replaces the peer's spending limit. A fresh limit
// starts its window at now with nothing spent.
func (a *Accountant) SetLimit(peer crypto.Pubkey, max types.Amount, period types.Period) error {
	limit := types.PeerSpendingLimit{
		Peer:         peer,
		MaxPerPeriod: max,
		Period:       period,
		WindowStart:  uint64(a.now().Unix()),
	}
	state := a.peer(peer)
	state.mu.Lock()
	defer state.mu.Unlock()
	return a.store.SaveLimit(peer, limit)
}

// TryReserve atomically admits amount into the peer's current window.
//
//  1. If the window lapsed it rolls first: WindowStart moves to now and
//     SpentInWindow resets, so the same call observes the fresh window.
//  2. The projected total is computed with checked arithmetic; overflow or
//     exceeding the cap returns WouldExceed without mutating state.
//  3. Otherwise the projection is committed. No separate commit exists.
func (a *Accountant) TryReserve(peer crypto.Pubkey, amount types.Amount) (ReserveOutcome, error) {
	state := a.peer(peer)
	state.mu.Lock()
	defer state.mu.Unlock()

	limit, err := a.store.GetLimit(peer)
	if errors.Is(err, storage.ErrNotFound) {
		return WouldExceed, ErrNoLimit
	}
	if err != nil {
		return WouldExceed, err
	}

	now := uint64(a.now().Unix())
	rolled := false
	if limit.WindowElapsed(now) {
		limit.WindowStart = now
		limit.SpentInWindow = types.ZeroAmount
		rolled = true
	}

	proposed, err := limit.SpentInWindow.Add(amount)
	if err != nil || proposed.WouldExceed(limit.MaxPerPeriod) {
		if rolled {
			// Persist the roll even when the reservation is refused so the
			// window boundary stays monotonic.
			if saveErr := a.store.SaveLimit(peer, limit); saveErr != nil {
				return WouldExceed, saveErr
			}
		}
		return WouldExceed, nil
	}

	limit.SpentInWindow = proposed
	if err := a.store.SaveLimit(peer, limit); err != nil {
		return WouldExceed, err
	}
	if rolled {
		return WindowRolled, nil
	}
	return Reserved, nil
}

// Rollback returns a reservation after the downstream payment failed. It
// floors at zero and never fails on arithmetic.
func (a *Accountant) Rollback(peer crypto.Pubkey, amount types.Amount) error {
	state := a.peer(peer)
	state.mu.Lock()
	defer state.mu.Unlock()

	limit, err := a.store.GetLimit(peer)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	limit.SpentInWindow = limit.SpentInWindow.SaturatingSub(amount)
	return a.store.SaveLimit(peer, limit)
}

// Limit returns the peer's current limit record.
func (a *Accountant) Limit(peer crypto.Pubkey) (types.PeerSpendingLimit, error) {
	state := a.peer(peer)
	state.mu.Lock()
	defer state.mu.Unlock()
	return a.store.GetLimit(peer)
}
