package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"paykit/crypto"
)

// NewReceiptId mints a fresh random 128-bit identifier keying one
// negotiation.
func NewReceiptId() string {
	return uuid.NewString()
}

// Receipt records a proposed or confirmed payment. The payer's provisional
// receipt carries no invoice; the payee fills it during negotiation.
type Receipt struct {
	ReceiptId string            `json:"receiptId"`
	Payer     crypto.Pubkey     `json:"payer"`
	Payee     crypto.Pubkey     `json:"payee"`
	Method    MethodId          `json:"method"`
	Amount    Amount            `json:"amount"`
	Currency  string            `json:"currency"`
	Invoice   string            `json:"invoice,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt uint64            `json:"createdAt"`
}

// Validate checks the fields every receipt must carry.
func (r Receipt) Validate() error {
	if strings.TrimSpace(r.ReceiptId) == "" {
		return errors.New("types: receipt id is empty")
	}
	if r.Payer.IsZero() {
		return errors.New("types: receipt payer is unset")
	}
	if r.Payee.IsZero() {
		return errors.New("types: receipt payee is unset")
	}
	if !r.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, r.Method)
	}
	if strings.TrimSpace(r.Currency) == "" {
		return errors.New("types: receipt currency is empty")
	}
	return nil
}

// SameTerms reports whether other conserves every negotiated field. Only the
// invoice may differ between a provisional receipt and its confirmation.
func (r Receipt) SameTerms(other Receipt) bool {
	return r.ReceiptId == other.ReceiptId &&
		r.Payer == other.Payer &&
		r.Payee == other.Payee &&
		r.Method == other.Method &&
		r.Amount.Cmp(other.Amount) == 0 &&
		r.Currency == other.Currency
}

// Clone deep copies the receipt so callers can mutate the result freely.
func (r Receipt) Clone() Receipt {
	clone := r
	if len(r.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}

// ReceiptFilter narrows ListReceipts scans. Zero-valued fields match all.
type ReceiptFilter struct {
	Payer  *crypto.Pubkey
	Payee  *crypto.Pubkey
	Method MethodId
	Since  uint64
}

// Matches reports whether the receipt satisfies the filter.
func (f ReceiptFilter) Matches(r Receipt) bool {
	if f.Payer != nil && r.Payer != *f.Payer {
		return false
	}
	if f.Payee != nil && r.Payee != *f.Payee {
		return false
	}
	if f.Method != "" && r.Method != f.Method {
		return false
	}
	if f.Since > 0 && r.CreatedAt < f.Since {
		return false
	}
	return true
}
