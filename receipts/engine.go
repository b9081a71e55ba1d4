package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"paykit/channel"
	"paykit/crypto"
	"paykit/storage"
	"paykit/types"
)

// DefaultConfirmTimeout bounds the payer's wait for a confirmation.
const DefaultConfirmTimeout = 30 * time.Second

// Engine drives both sides of the interactive receipt negotiation. One
// engine instance serves every channel of the local identity.
type Engine struct {
	self      crypto.Pubkey
	store     storage.ReceiptStore
	endpoints *EndpointTable
	generator Generator
	timeout   time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// NewEngine builds the engine for the local identity. generator may be nil
// on payer-only deployments.
func NewEngine(self crypto.Pubkey, store storage.ReceiptStore, endpoints *EndpointTable, generator Generator, timeout time.Duration, log *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		self:      self,
		store:     store,
		endpoints: endpoints,
		generator: generator,
		timeout:   timeout,
		now:       time.Now,
		log:       log,
	}
}

// SetClock overrides the time source for deterministic tests.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Endpoints exposes the private endpoint table.
func (e *Engine) Endpoints() *EndpointTable { return e.endpoints }

// InitiatePayment runs the payer state machine: send the provisional
// receipt, await the matching confirmation, persist, return. Private
// endpoint offers arriving mid-negotiation are absorbed; anything else out
// of order is a protocol violation.
//
// The confirmed receipt is persisted before success is returned. If the
// local save fails the peer has already observed success; the caller gets
// ErrStorageFailed and must reconcile out of band.
func (e *Engine) InitiatePayment(ctx context.Context, ch *channel.Channel, provisional types.Receipt) (types.Receipt, error) {
	if err := provisional.Validate(); err != nil {
		return types.Receipt{}, err
	}
	if provisional.Payer != e.self {
		return types.Receipt{}, fmt.Errorf("receipts: provisional payer %s is not the local identity", provisional.Payer)
	}

	if err := ch.Send(ctx, &channel.ReceiptRequest{Provisional: provisional.Clone()}); err != nil {
		return types.Receipt{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	for {
		msg, err := ch.Recv(waitCtx)
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				return types.Receipt{}, ErrTimeout
			case errors.Is(err, context.Canceled), ctx.Err() != nil:
				ch.Close()
				return types.Receipt{}, ErrCancelled
			default:
				return types.Receipt{}, err
			}
		}

		switch m := msg.(type) {
		case *channel.ReceiptConfirm:
			return e.acceptConfirmation(provisional, m.Receipt, ch)
		case *channel.ReceiptReject:
			if m.ReceiptId != provisional.ReceiptId {
				return types.Receipt{}, fmt.Errorf("%w: reject for %s", ErrReceiptIdMismatch, m.ReceiptId)
			}
			if m.Reason == channel.ReasonWrongPayee {
				return types.Receipt{}, ErrWrongPayee
			}
			return types.Receipt{}, &RejectError{ReceiptId: m.ReceiptId, Reason: m.Reason}
		case *channel.PrivateEndpointOffer:
			if err := e.absorbOffer(ch.RemoteIdentity(), m.Offer); err != nil {
				e.log.Warn("discarding endpoint offer", "peer", ch.RemoteIdentity().String(), "error", err.Error())
			}
		default:
			return types.Receipt{}, fmt.Errorf("%w: %s during negotiation", ErrUnexpectedMessage, channel.MessageType(msg))
		}
	}
}

func (e *Engine) acceptConfirmation(provisional, confirmed types.Receipt, ch *channel.Channel) (types.Receipt, error) {
	if confirmed.ReceiptId != provisional.ReceiptId {
		return types.Receipt{}, ErrReceiptIdMismatch
	}
	if confirmed.Payee != provisional.Payee {
		return types.Receipt{}, ErrWrongPayee
	}
	if !provisional.SameTerms(confirmed) {
		return types.Receipt{}, ErrFieldMutation
	}
	if err := e.store.SaveReceipt(confirmed); err != nil {
		// The payee already observed success; local durability lost the
		// race. See the at-most-once caveat in the protocol notes.
		return confirmed, fmt.Errorf("%w: %s", ErrStorageFailed, err)
	}
	e.log.Info("receipt confirmed",
		"receipt", confirmed.ReceiptId,
		"payee", confirmed.Payee.String(),
		"amount", confirmed.Amount.String())
	return confirmed, nil
}

func (e *Engine) absorbOffer(sender crypto.Pubkey, offer types.PrivateEndpointOffer) error {
	if offer.ForPeer != e.self {
		return fmt.Errorf("receipts: offer addressed to %s, not the local identity", offer.ForPeer)
	}
	return e.endpoints.StoreOffer(sender, offer)
}

// OfferPrivateEndpoint sends a dedicated endpoint to the peer on a live
// channel. Either side may do this at any point.
func (e *Engine) OfferPrivateEndpoint(ctx context.Context, ch *channel.Channel, offer types.PrivateEndpointOffer) error {
	if err := offer.Validate(); err != nil {
		return err
	}
	return ch.Send(ctx, &channel.PrivateEndpointOffer{Offer: offer})
}

// HandleMessage is the payee side: it serves receipt requests and absorbs
// endpoint offers on accepted channels.
func (e *Engine) HandleMessage(ctx context.Context, ch *channel.Channel, msg channel.Message) error {
	switch m := msg.(type) {
	case *channel.ReceiptRequest:
		return e.serveRequest(ctx, ch, m.Provisional)
	case *channel.PrivateEndpointOffer:
		return e.absorbOffer(ch.RemoteIdentity(), m.Offer)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, channel.MessageType(msg))
	}
}

func (e *Engine) serveRequest(ctx context.Context, ch *channel.Channel, provisional types.Receipt) error {
	if err := provisional.Validate(); err != nil {
		return ch.Send(ctx, &channel.ReceiptReject{
			ReceiptId: provisional.ReceiptId,
			Reason:    channel.ReasonInvalidReceipt,
		})
	}
	if provisional.Payee != e.self {
		return ch.Send(ctx, &channel.ReceiptReject{
			ReceiptId: provisional.ReceiptId,
			Reason:    channel.ReasonWrongPayee,
		})
	}
	if e.generator == nil {
		return ch.Send(ctx, &channel.ReceiptReject{
			ReceiptId: provisional.ReceiptId,
			Reason:    channel.ReasonGenerator,
		})
	}

	invoice, err := e.generator.Generate(ctx, provisional.Clone())
	if err != nil {
		e.log.Warn("invoice generation failed", "receipt", provisional.ReceiptId, "error", err.Error())
		return ch.Send(ctx, &channel.ReceiptReject{
			ReceiptId: provisional.ReceiptId,
			Reason:    channel.ReasonGenerator,
		})
	}

	confirmed := provisional.Clone()
	confirmed.Invoice = invoice
	if err := e.store.SaveReceipt(confirmed); err != nil {
		e.log.Warn("payee receipt save failed", "receipt", confirmed.ReceiptId, "error", err.Error())
	}
	return ch.Send(ctx, &channel.ReceiptConfirm{Receipt: confirmed})
}
