package autopay

import (
	"sync"
	"testing"
	"time"

	"paykit/crypto"
	"paykit/storage"
	"paykit/types"
)

func testPeer(t *testing.T) crypto.Pubkey {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return kp.Pubkey()
}

func newAccountant(t *testing.T, start time.Time) (*Accountant, *time.Time) {
	t.Helper()
	current := start
	acct := NewAccountant(storage.NewStore(storage.NewMemDB()))
	acct.SetClock(func() time.Time { return current })
	return acct, &current
}

func TestTryReservePerPeriodCap(t *testing.T) {
	acct, _ := newAccountant(t, time.Unix(1_700_000_000, 0))
	peer := testPeer(t)

	if err := acct.SetLimit(peer, types.FromSats(10_000), types.PeriodMonth); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	for i := 0; i < 2; i++ {
		outcome, err := acct.TryReserve(peer, types.FromSats(4000))
		if err != nil || outcome != Reserved {
			t.Fatalf("reserve %d: %v outcome=%s", i, err, outcome)
		}
	}
	outcome, err := acct.TryReserve(peer, types.FromSats(4000))
	if err != nil || outcome != WouldExceed {
		t.Fatalf("third reserve: %v outcome=%s", err, outcome)
	}

	limit, err := acct.Limit(peer)
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	if limit.SpentInWindow.Sats() != 8000 {
		t.Fatalf("refused reserve mutated the window: spent=%s", limit.SpentInWindow)
	}
}

func TestWindowRoll(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	acct, current := newAccountant(t, start)
	peer := testPeer(t)

	if err := acct.SetLimit(peer, types.FromSats(1000), types.PeriodDay); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	if outcome, err := acct.TryReserve(peer, types.FromSats(900)); err != nil || outcome != Reserved {
		t.Fatalf("day-0 reserve: %v outcome=%s", err, outcome)
	}

	// One second past the window end: the roll and the reservation happen
	// in the same call.
	*current = start.Add(24*time.Hour + time.Second)
	outcome, err := acct.TryReserve(peer, types.FromSats(200))
	if err != nil || outcome != WindowRolled {
		t.Fatalf("post-roll reserve: %v outcome=%s", err, outcome)
	}
	limit, _ := acct.Limit(peer)
	if limit.SpentInWindow.Sats() != 200 {
		t.Fatalf("fresh window must hold exactly the new amount, got %s", limit.SpentInWindow)
	}
	if limit.WindowStart != uint64(current.Unix()) {
		t.Fatalf("window start did not move")
	}
}

func TestTryReserveConcurrentNeverOverspends(t *testing.T) {
	acct, _ := newAccountant(t, time.Unix(1_700_000_000, 0))
	peer := testPeer(t)
	if err := acct.SetLimit(peer, types.FromSats(10_000), types.PeriodMonth); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var reservedTotal uint64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := acct.TryReserve(peer, types.FromSats(700))
			if err == nil && outcome != WouldExceed {
				mu.Lock()
				reservedTotal += 700
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if reservedTotal > 10_000 {
		t.Fatalf("reservations exceeded the cap: %d", reservedTotal)
	}
	limit, _ := acct.Limit(peer)
	if limit.SpentInWindow.Sats() != reservedTotal {
		t.Fatalf("window disagrees with winners: %s vs %d", limit.SpentInWindow, reservedTotal)
	}
}

func TestRollbackFloorsAtZero(t *testing.T) {
	acct, _ := newAccountant(t, time.Unix(1_700_000_000, 0))
	peer := testPeer(t)
	acct.SetLimit(peer, types.FromSats(1000), types.PeriodDay)
	acct.TryReserve(peer, types.FromSats(300))

	if err := acct.Rollback(peer, types.FromSats(500)); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	limit, _ := acct.Limit(peer)
	if !limit.SpentInWindow.IsZero() {
		t.Fatalf("rollback must floor at zero, got %s", limit.SpentInWindow)
	}

	// Rollback against a peer with no limit is a no-op.
	if err := acct.Rollback(testPeer(t), types.FromSats(1)); err != nil {
		t.Fatalf("no-limit rollback: %v", err)
	}
}

func TestTryReserveWithoutLimit(t *testing.T) {
	acct, _ := newAccountant(t, time.Unix(1_700_000_000, 0))
	if _, err := acct.TryReserve(testPeer(t), types.FromSats(1)); err != ErrNoLimit {
		t.Fatalf("want ErrNoLimit, got %v", err)
	}
}
