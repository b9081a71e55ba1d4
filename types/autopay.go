package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"paykit/crypto"
)

// Period is a spending-limit window length in whole seconds.
type Period uint64

const (
	PeriodDay   Period = 24 * 60 * 60
	PeriodWeek  Period = 7 * 24 * 60 * 60
	PeriodMonth Period = 30 * 24 * 60 * 60
)

// Duration converts the period to a time.Duration.
func (p Period) Duration() time.Duration {
	return time.Duration(p) * time.Second
}

// Valid reports whether the window has positive length.
func (p Period) Valid() bool { return p > 0 }

// PeriodLimit is a per-rule cap on cumulative spending inside a rolling
// window. Validate checks its shape; the autopay engine does not consult it
// when executing a rule, and per-period spending is bounded only by the
// per-peer limit held in the autopay accountant.
type PeriodLimit struct {
	Max    Amount `json:"max"`
	Period Period `json:"period"`
}

// AutoPayRule automates payments for one subscription under hard caps.
type AutoPayRule struct {
	RuleId               string       `json:"ruleId"`
	SubscriptionId       string       `json:"subscriptionId"`
	MaxPerPayment        Amount       `json:"maxPerPayment"`
	MaxPerPeriod         *PeriodLimit `json:"maxPerPeriod,omitempty"`
	RequiresConfirmation bool         `json:"requiresConfirmation"`
	Enabled              bool         `json:"enabled"`
}

// NewRuleId mints a fresh random 128-bit identifier.
func NewRuleId() string {
	return uuid.NewString()
}

// Validate checks the rule before it is stored.
func (r AutoPayRule) Validate() error {
	if strings.TrimSpace(r.RuleId) == "" {
		return errors.New("types: rule id is empty")
	}
	if strings.TrimSpace(r.SubscriptionId) == "" {
		return errors.New("types: rule subscription id is empty")
	}
	if r.MaxPerPayment.IsZero() {
		return errors.New("types: rule per-payment cap is zero")
	}
	if r.MaxPerPeriod != nil {
		if r.MaxPerPeriod.Max.IsZero() {
			return errors.New("types: rule per-period cap is zero")
		}
		if !r.MaxPerPeriod.Period.Valid() {
			return errors.New("types: rule period is zero")
		}
	}
	return nil
}

// PeerSpendingLimit caps what may be paid to one peer inside a rolling
// window, independent of any specific subscription. Invariant:
// SpentInWindow never exceeds MaxPerPeriod; when wall time crosses
// WindowStart+Period the window rolls and SpentInWindow resets atomically.
type PeerSpendingLimit struct {
	Peer          crypto.Pubkey `json:"peer"`
	MaxPerPeriod  Amount        `json:"maxPerPeriod"`
	Period        Period        `json:"period"`
	WindowStart   uint64        `json:"windowStart"`
	SpentInWindow Amount        `json:"spentInWindow"`
}

// Validate checks the limit before it is stored.
func (l PeerSpendingLimit) Validate() error {
	if l.Peer.IsZero() {
		return errors.New("types: spending limit peer is unset")
	}
	if l.MaxPerPeriod.IsZero() {
		return errors.New("types: spending limit cap is zero")
	}
	if !l.Period.Valid() {
		return errors.New("types: spending limit period is zero")
	}
	if l.SpentInWindow.WouldExceed(l.MaxPerPeriod) {
		return fmt.Errorf("types: spent %s exceeds cap %s", l.SpentInWindow, l.MaxPerPeriod)
	}
	return nil
}

// WindowElapsed reports whether now (unix seconds) is past the window end.
func (l PeerSpendingLimit) WindowElapsed(now uint64) bool {
	return now >= l.WindowStart+uint64(l.Period)
}
