package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"paykit/crypto"
)

// RequestStatus scores a payment request's lifecycle.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
	RequestExpired  RequestStatus = "expired"
	RequestPaid     RequestStatus = "paid"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestDeclined, RequestExpired, RequestPaid:
		return true
	default:
		return false
	}
}

// PaymentRequest is a payee's standing ask. Immutable once created; state
// changes are tracked beside it, never inside it.
type PaymentRequest struct {
	RequestId   string            `json:"requestId"`
	From        crypto.Pubkey     `json:"from"`
	To          crypto.Pubkey     `json:"to"`
	Amount      Amount            `json:"amount"`
	Currency    string            `json:"currency"`
	Method      MethodId          `json:"method"`
	Description string            `json:"description,omitempty"`
	DueDate     uint64            `json:"dueDate,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   uint64            `json:"createdAt"`
	ExpiresAt   uint64            `json:"expiresAt,omitempty"`
}

// NewRequestId mints a fresh random 128-bit identifier.
func NewRequestId() string {
	return uuid.NewString()
}

// Validate checks the request before it is transmitted or published.
func (pr PaymentRequest) Validate() error {
	if strings.TrimSpace(pr.RequestId) == "" {
		return errors.New("types: request id is empty")
	}
	if pr.From.IsZero() || pr.To.IsZero() {
		return errors.New("types: request endpoints are unset")
	}
	if !pr.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, pr.Method)
	}
	if strings.TrimSpace(pr.Currency) == "" {
		return errors.New("types: request currency is empty")
	}
	if pr.ExpiresAt > 0 && pr.ExpiresAt <= pr.CreatedAt {
		return errors.New("types: request expires before creation")
	}
	return nil
}

// Expired reports whether the request has lapsed at now (unix seconds).
func (pr PaymentRequest) Expired(now uint64) bool {
	return pr.ExpiresAt > 0 && now >= pr.ExpiresAt
}
