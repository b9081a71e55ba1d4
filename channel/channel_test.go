package channel

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"paykit/crypto"
	"paykit/types"
)

// channelPair completes a full Noise_IK handshake plus identity binding over
// an in-memory pipe and returns both ends.
func channelPair(t *testing.T) (*Channel, *Channel, *crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()

	initiatorID, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	responderID, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	initiatorStatic, err := GenerateStaticKey()
	if err != nil {
		t.Fatalf("generate static: %v", err)
	}
	responderStatic, err := GenerateStaticKey()
	if err != nil {
		t.Fatalf("generate static: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type acceptResult struct {
		ch  *Channel
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		ch, err := Accept(ctx, serverConn, Config{Static: responderStatic, Identity: responderID})
		accepted <- acceptResult{ch: ch, err: err}
	}()

	initiator, err := Dial(ctx, clientConn, Config{Static: initiatorStatic, Identity: initiatorID}, responderStatic.Public)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	result := <-accepted
	if result.err != nil {
		t.Fatalf("accept: %v", result.err)
	}

	t.Cleanup(func() {
		initiator.Close()
		result.ch.Close()
	})
	return initiator, result.ch, initiatorID, responderID
}

func TestChannelIdentityBinding(t *testing.T) {
	initiator, responder, initiatorID, responderID := channelPair(t)

	if initiator.RemoteIdentity() != responderID.Pubkey() {
		t.Fatalf("initiator sees wrong peer identity")
	}
	if responder.RemoteIdentity() != initiatorID.Pubkey() {
		t.Fatalf("responder sees wrong peer identity")
	}
}

func TestChannelCarriesMessagesInOrder(t *testing.T) {
	initiator, responder, payerID, payeeID := channelPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := []string{"r-1", "r-2", "r-3"}
	go func() {
		for _, id := range want {
			initiator.Send(ctx, &ReceiptRequest{
				Provisional: types.Receipt{
					ReceiptId: id,
					Payer:     payerID.Pubkey(),
					Payee:     payeeID.Pubkey(),
					Method:    types.MethodLightning,
					Amount:    types.FromSats(1000),
					Currency:  "SAT",
					CreatedAt: 1,
				},
			})
		}
	}()

	for _, id := range want {
		msg, err := responder.Recv(ctx)
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		req, ok := msg.(*ReceiptRequest)
		if !ok {
			t.Fatalf("wrong variant %T", msg)
		}
		if req.Provisional.ReceiptId != id {
			t.Fatalf("out of order: got %s want %s", req.Provisional.ReceiptId, id)
		}
	}
}

func TestChannelRecvHonoursDeadline(t *testing.T) {
	initiator, _, _, _ := channelPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := initiator.Recv(ctx); err == nil {
		t.Fatalf("recv with nothing inbound must time out")
	}
}

func TestChannelCloseUnblocksPeer(t *testing.T) {
	initiator, responder, _, _ := channelPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		initiator.Close()
	}()
	if _, err := responder.Recv(ctx); err == nil {
		t.Fatalf("recv on a torn-down channel must fail")
	}
	if err := responder.Send(ctx, &ReceiptReject{ReceiptId: "x", Reason: ReasonGenerator}); err == nil {
		t.Fatalf("send after peer close must fail")
	}
}

func TestChannelSendAfterLocalClose(t *testing.T) {
	initiator, _, _, _ := channelPair(t)
	initiator.Close()
	ctx := context.Background()
	if err := initiator.Send(ctx, &ReceiptReject{ReceiptId: "x", Reason: ReasonGenerator}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("want ErrChannelClosed, got %v", err)
	}
}
