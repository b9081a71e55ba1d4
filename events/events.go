// Package events carries the out-channel from the engines to the hosting
// application. Engines emit; they never call back into the host.
package events

import (
	"paykit/crypto"
	"paykit/types"
)

const (
	TypeRotationHint         = "endpoint.rotation_hint"
	TypeConfirmationRequired = "autopay.confirmation_required"
	TypeLimitExceeded        = "autopay.limit_exceeded"
	TypePaymentCompleted     = "autopay.payment_completed"
	TypePaymentFailed        = "autopay.payment_failed"
	TypeSubscriptionCancel   = "subscription.cancelled"
)

// Event is anything the engines can surface to the host.
type Event interface {
	EventType() string
}

// Emitter receives engine events. Implementations must not block for long;
// the engines emit inline.
type Emitter interface {
	Emit(event Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// ChanEmitter forwards events into a buffered channel and drops on overflow,
// keeping the engines non-blocking when the host is slow.
type ChanEmitter struct {
	C chan Event
}

// NewChanEmitter builds an emitter with the given buffer size.
func NewChanEmitter(buffer int) *ChanEmitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanEmitter{C: make(chan Event, buffer)}
}

func (e *ChanEmitter) Emit(event Event) {
	select {
	case e.C <- event:
	default:
	}
}

// RotationHint asks the application to mint a replacement private endpoint.
type RotationHint struct {
	Peer     crypto.Pubkey
	Method   types.MethodId
	Endpoint string
	UseCount uint64
}

func (RotationHint) EventType() string { return TypeRotationHint }

// ConfirmationRequired reports a due rule that is configured to wait for the
// user before paying.
type ConfirmationRequired struct {
	RuleId         string
	SubscriptionId string
	Provider       crypto.Pubkey
	Amount         types.Amount
}

func (ConfirmationRequired) EventType() string { return TypeConfirmationRequired }

// LimitScope names which cap blocked an autopay execution.
type LimitScope string

const (
	LimitPerPayment LimitScope = "per_payment"
	LimitPerPeriod  LimitScope = "per_period"
)

// LimitExceeded reports a due rule blocked by a cap. This is a normal
// outcome, not a failure.
type LimitExceeded struct {
	RuleId         string
	SubscriptionId string
	Scope          LimitScope
	Amount         types.Amount
	Cap            types.Amount
}

func (LimitExceeded) EventType() string { return TypeLimitExceeded }

// PaymentCompleted reports a successful autopay execution.
type PaymentCompleted struct {
	RuleId         string
	SubscriptionId string
	Provider       crypto.Pubkey
	Amount         types.Amount
	PaidAt         uint64
}

func (PaymentCompleted) EventType() string { return TypePaymentCompleted }

// PaymentFailed reports an autopay execution that reached the payment rail
// and failed there; the reservation has already been rolled back.
type PaymentFailed struct {
	RuleId         string
	SubscriptionId string
	Provider       crypto.Pubkey
	Amount         types.Amount
	Reason         string
}

func (PaymentFailed) EventType() string { return TypePaymentFailed }

// SubscriptionCancelled reports an observed (local or remote) cancellation.
type SubscriptionCancelled struct {
	SubscriptionId string
	By             crypto.Pubkey
	Reason         string
}

func (SubscriptionCancelled) EventType() string { return TypeSubscriptionCancel }
