package receipts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"paykit/channel"
	"paykit/crypto"
	"paykit/events"
	"paykit/storage"
	"paykit/types"
)

type harness struct {
	payerCh  *channel.Channel
	payeeCh  *channel.Channel
	payerID  *crypto.KeyPair
	payeeID  *crypto.KeyPair
	payerEng *Engine
	payeeEng *Engine
	payerDB  *storage.Store
	payeeDB  *storage.Store
	events   *events.ChanEmitter
}

func newHarness(t *testing.T, timeout time.Duration, gen Generator) *harness {
	t.Helper()

	payerID, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payeeID, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payerStatic, err := channel.GenerateStaticKey()
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	payeeStatic, err := channel.GenerateStaticKey()
	if err != nil {
		t.Fatalf("static: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	hsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type acceptResult struct {
		ch  *channel.Channel
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		ch, err := channel.Accept(hsCtx, serverConn, channel.Config{Static: payeeStatic, Identity: payeeID})
		accepted <- acceptResult{ch: ch, err: err}
	}()
	payerCh, err := channel.Dial(hsCtx, clientConn, channel.Config{Static: payerStatic, Identity: payerID}, payeeStatic.Public)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	result := <-accepted
	if result.err != nil {
		t.Fatalf("accept: %v", result.err)
	}

	emitter := events.NewChanEmitter(16)
	payerDB := storage.NewStore(storage.NewMemDB())
	payeeDB := storage.NewStore(storage.NewMemDB())

	h := &harness{
		payerCh:  payerCh,
		payeeCh:  result.ch,
		payerID:  payerID,
		payeeID:  payeeID,
		payerDB:  payerDB,
		payeeDB:  payeeDB,
		events:   emitter,
		payerEng: NewEngine(payerID.Pubkey(), payerDB, NewEndpointTable(payerDB, emitter), nil, timeout, nil),
		payeeEng: NewEngine(payeeID.Pubkey(), payeeDB, NewEndpointTable(payeeDB, emitter), gen, timeout, nil),
	}
	t.Cleanup(func() {
		payerCh.Close()
		result.ch.Close()
	})
	return h
}

// servePayee pumps one inbound message through the payee engine.
func (h *harness) servePayee(t *testing.T, ctx context.Context) {
	t.Helper()
	msg, err := h.payeeCh.Recv(ctx)
	if err != nil {
		return
	}
	if err := h.payeeEng.HandleMessage(ctx, h.payeeCh, msg); err != nil {
		t.Logf("payee handler: %v", err)
	}
}

func (h *harness) provisional(payee crypto.Pubkey) types.Receipt {
	return types.Receipt{
		ReceiptId: types.NewReceiptId(),
		Payer:     h.payerID.Pubkey(),
		Payee:     payee,
		Method:    types.MethodLightning,
		Amount:    types.FromSats(1000),
		Currency:  "SAT",
		CreatedAt: 100,
	}
}

func TestHappyReceiptPath(t *testing.T) {
	gen := GeneratorFunc(func(_ context.Context, _ types.Receipt) (string, error) {
		return "lnbc10u_test_invoice", nil
	})
	h := newHarness(t, 5*time.Second, gen)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go h.servePayee(t, ctx)

	prov := h.provisional(h.payeeID.Pubkey())
	confirmed, err := h.payerEng.InitiatePayment(ctx, h.payerCh, prov)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if confirmed.Invoice != "lnbc10u_test_invoice" {
		t.Fatalf("invoice missing: %q", confirmed.Invoice)
	}
	if !confirmed.SameTerms(prov) {
		t.Fatalf("negotiated fields drifted")
	}

	stored, err := h.payerDB.GetReceipt(prov.ReceiptId)
	if err != nil {
		t.Fatalf("confirmed receipt not persisted: %v", err)
	}
	if stored.Invoice != confirmed.Invoice {
		t.Fatalf("stored invoice drifted")
	}
}

func TestWrongPayeeRejected(t *testing.T) {
	gen := GeneratorFunc(func(_ context.Context, _ types.Receipt) (string, error) {
		return "lnbc10u_test_invoice", nil
	})
	h := newHarness(t, 5*time.Second, gen)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go h.servePayee(t, ctx)

	// The payer addresses Q but the channel terminates at a different
	// identity.
	other, _ := crypto.GenerateKeyPair()
	prov := h.provisional(other.Pubkey())
	_, err := h.payerEng.InitiatePayment(ctx, h.payerCh, prov)
	if !errors.Is(err, ErrWrongPayee) {
		t.Fatalf("want ErrWrongPayee, got %v", err)
	}
	if _, err := h.payerDB.GetReceipt(prov.ReceiptId); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("rejected receipt must not be persisted")
	}
}

func TestConfirmationTimeout(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond, nil)
	ctx := context.Background()

	// The payee reads the request but never responds.
	go h.payeeCh.Recv(context.Background())

	prov := h.provisional(h.payeeID.Pubkey())
	start := time.Now()
	_, err := h.payerEng.InitiatePayment(ctx, h.payerCh, prov)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("returned before the timeout window")
	}
	if _, err := h.payerDB.GetReceipt(prov.ReceiptId); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("timed-out receipt must not be persisted")
	}
}

func TestGeneratorFailureRejects(t *testing.T) {
	gen := GeneratorFunc(func(_ context.Context, _ types.Receipt) (string, error) {
		return "", fmt.Errorf("rail down")
	})
	h := newHarness(t, 5*time.Second, gen)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go h.servePayee(t, ctx)

	prov := h.provisional(h.payeeID.Pubkey())
	_, err := h.payerEng.InitiatePayment(ctx, h.payerCh, prov)
	var reject *RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("want RejectError, got %v", err)
	}
	if reject.Reason != channel.ReasonGenerator {
		t.Fatalf("wrong reason %q", reject.Reason)
	}
}

func TestFieldMutationRejected(t *testing.T) {
	h := newHarness(t, 5*time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prov := h.provisional(h.payeeID.Pubkey())

	// A dishonest payee confirms with a different amount.
	go func() {
		msg, err := h.payeeCh.Recv(ctx)
		if err != nil {
			return
		}
		req, ok := msg.(*channel.ReceiptRequest)
		if !ok {
			return
		}
		mutated := req.Provisional.Clone()
		mutated.Amount = types.FromSats(999_999)
		mutated.Invoice = "lnbc_mutated"
		h.payeeCh.Send(ctx, &channel.ReceiptConfirm{Receipt: mutated})
	}()

	_, err := h.payerEng.InitiatePayment(ctx, h.payerCh, prov)
	if !errors.Is(err, ErrFieldMutation) {
		t.Fatalf("want ErrFieldMutation, got %v", err)
	}
}

func TestReceiptIdMismatchRejected(t *testing.T) {
	h := newHarness(t, 5*time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prov := h.provisional(h.payeeID.Pubkey())

	go func() {
		msg, err := h.payeeCh.Recv(ctx)
		if err != nil {
			return
		}
		req, ok := msg.(*channel.ReceiptRequest)
		if !ok {
			return
		}
		swapped := req.Provisional.Clone()
		swapped.ReceiptId = types.NewReceiptId()
		swapped.Invoice = "lnbc_swapped"
		h.payeeCh.Send(ctx, &channel.ReceiptConfirm{Receipt: swapped})
	}()

	_, err := h.payerEng.InitiatePayment(ctx, h.payerCh, prov)
	if !errors.Is(err, ErrReceiptIdMismatch) {
		t.Fatalf("want ErrReceiptIdMismatch, got %v", err)
	}
}

func TestEndpointOfferAbsorbedMidNegotiation(t *testing.T) {
	gen := GeneratorFunc(func(_ context.Context, _ types.Receipt) (string, error) {
		return "lnbc10u_test_invoice", nil
	})
	h := newHarness(t, 5*time.Second, gen)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	offer := types.PrivateEndpointOffer{
		ForPeer:        h.payerID.Pubkey(),
		Method:         types.MethodNoise,
		Endpoint:       "noise://10.0.0.9:7411@" + h.payeeID.Pubkey().String(),
		RotationPolicy: types.RotationPolicy{Kind: types.RotateAfterN, N: 2},
	}

	// The payee slips an endpoint offer in front of the confirmation.
	go func() {
		msg, err := h.payeeCh.Recv(ctx)
		if err != nil {
			return
		}
		h.payeeCh.Send(ctx, &channel.PrivateEndpointOffer{Offer: offer})
		if err := h.payeeEng.HandleMessage(ctx, h.payeeCh, msg); err != nil {
			t.Logf("payee handler: %v", err)
		}
	}()

	prov := h.provisional(h.payeeID.Pubkey())
	if _, err := h.payerEng.InitiatePayment(ctx, h.payerCh, prov); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	stored, ok, err := h.payerEng.Endpoints().Lookup(h.payeeID.Pubkey(), types.MethodNoise, 0)
	if err != nil || !ok {
		t.Fatalf("offer not absorbed: %v", err)
	}
	if stored.Endpoint != offer.Endpoint {
		t.Fatalf("offer drifted: %q", stored.Endpoint)
	}
}

func TestRotationHintFires(t *testing.T) {
	emitter := events.NewChanEmitter(16)
	db := storage.NewStore(storage.NewMemDB())
	table := NewEndpointTable(db, emitter)

	peer, _ := crypto.GenerateKeyPair()
	self, _ := crypto.GenerateKeyPair()
	offer := types.PrivateEndpointOffer{
		ForPeer:        self.Pubkey(),
		Method:         types.MethodNoise,
		Endpoint:       "noise://10.0.0.9:7411@" + peer.Pubkey().String(),
		RotationPolicy: types.RotationPolicy{Kind: types.RotateAfterN, N: 2},
	}
	if err := table.StoreOffer(peer.Pubkey(), offer); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := table.RecordUse(peer.Pubkey(), types.MethodNoise); err != nil {
		t.Fatalf("first use: %v", err)
	}
	select {
	case ev := <-emitter.C:
		t.Fatalf("hint fired too early: %+v", ev)
	default:
	}

	if err := table.RecordUse(peer.Pubkey(), types.MethodNoise); err != nil {
		t.Fatalf("second use: %v", err)
	}
	select {
	case ev := <-emitter.C:
		hint, ok := ev.(events.RotationHint)
		if !ok {
			t.Fatalf("wrong event %T", ev)
		}
		if hint.UseCount != 2 || hint.Method != types.MethodNoise {
			t.Fatalf("hint fields drifted: %+v", hint)
		}
	default:
		t.Fatalf("rotation hint missing after threshold")
	}
}
