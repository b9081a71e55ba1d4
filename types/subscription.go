package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"paykit/crypto"
)

// FrequencyKind discriminates the recurrence schedule variants.
type FrequencyKind string

const (
	FreqDaily   FrequencyKind = "daily"
	FreqWeekly  FrequencyKind = "weekly"
	FreqMonthly FrequencyKind = "monthly"
	FreqYearly  FrequencyKind = "yearly"
	FreqCustom  FrequencyKind = "custom"
)

var ErrInvalidFrequency = errors.New("types: invalid frequency")

// Frequency is the recurrence schedule of a subscription.
//
// Monthly carries a day of month restricted to 1..=28 so every month has the
// boundary. Yearly may name any calendar day; Feb 29 clamps to Feb 28 in
// non-leap years.
type Frequency struct {
	Kind         FrequencyKind `json:"kind"`
	DayOfMonth   uint8         `json:"dayOfMonth,omitempty"`
	Month        uint8         `json:"month,omitempty"`
	Day          uint8         `json:"day,omitempty"`
	IntervalSecs uint64        `json:"intervalSecs,omitempty"`
}

// Validate rejects unknown kinds and out-of-range variant parameters.
func (f Frequency) Validate() error {
	switch f.Kind {
	case FreqDaily, FreqWeekly:
		return nil
	case FreqMonthly:
		if f.DayOfMonth < 1 || f.DayOfMonth > 28 {
			return fmt.Errorf("%w: monthly day %d outside 1..28", ErrInvalidFrequency, f.DayOfMonth)
		}
		return nil
	case FreqYearly:
		if f.Month < 1 || f.Month > 12 {
			return fmt.Errorf("%w: yearly month %d outside 1..12", ErrInvalidFrequency, f.Month)
		}
		if f.Day < 1 || f.Day > 31 {
			return fmt.Errorf("%w: yearly day %d outside 1..31", ErrInvalidFrequency, f.Day)
		}
		return nil
	case FreqCustom:
		if f.IntervalSecs == 0 {
			return fmt.Errorf("%w: custom interval is zero", ErrInvalidFrequency)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFrequency, f.Kind)
	}
}

// SubscriptionTerms fixes what a recurring payment is worth and how it is
// delivered.
type SubscriptionTerms struct {
	Amount      Amount    `json:"amount"`
	Currency    string    `json:"currency"`
	Frequency   Frequency `json:"frequency"`
	Method      MethodId  `json:"method"`
	Description string    `json:"description"`
}

// Validate checks the terms before proposal.
func (st SubscriptionTerms) Validate() error {
	if st.Amount.IsZero() {
		return errors.New("types: subscription amount is zero")
	}
	if strings.TrimSpace(st.Currency) == "" {
		return errors.New("types: subscription currency is empty")
	}
	if !st.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, st.Method)
	}
	return st.Frequency.Validate()
}

// Subscription is a recurring payment agreement between a subscriber and a
// provider. Immutable; changes require a new subscription.
type Subscription struct {
	SubscriptionId string            `json:"subscriptionId"`
	Subscriber     crypto.Pubkey     `json:"subscriber"`
	Provider       crypto.Pubkey     `json:"provider"`
	Terms          SubscriptionTerms `json:"terms"`
	StartAt        uint64            `json:"startAt"`
	EndAt          uint64            `json:"endAt,omitempty"`
	CreatedAt      uint64            `json:"createdAt"`
}

// NewSubscriptionId mints a fresh random 128-bit identifier.
func NewSubscriptionId() string {
	return uuid.NewString()
}

// Validate checks the agreement body before signing.
func (s Subscription) Validate() error {
	if strings.TrimSpace(s.SubscriptionId) == "" {
		return errors.New("types: subscription id is empty")
	}
	if s.Subscriber.IsZero() || s.Provider.IsZero() {
		return errors.New("types: subscription parties are unset")
	}
	if s.Subscriber == s.Provider {
		return errors.New("types: subscriber and provider are the same key")
	}
	if s.EndAt > 0 && s.EndAt <= s.StartAt {
		return errors.New("types: subscription ends before it starts")
	}
	return s.Terms.Validate()
}

// ActiveAt reports whether the agreement window covers now (unix seconds).
// Cancellation is tracked by the subscription store, not here.
func (s Subscription) ActiveAt(now uint64) bool {
	if now < s.StartAt {
		return false
	}
	if s.EndAt > 0 && now >= s.EndAt {
		return false
	}
	return true
}

// SubscriptionProposal is the proposer's half of an agreement: the body plus
// the subscriber-side signature.
type SubscriptionProposal struct {
	Subscription Subscription     `json:"subscription"`
	ProposerSig  crypto.Signature `json:"proposerSig"`
}

// SignedSubscription is a fully executed agreement. Valid iff the proposer
// signature verifies against the subscriber key and the acceptor signature
// against the provider key.
type SignedSubscription struct {
	Subscription Subscription     `json:"subscription"`
	ProposerSig  crypto.Signature `json:"proposerSig"`
	AcceptorSig  crypto.Signature `json:"acceptorSig"`
}

// DecodeSignedSubscription strictly parses a published agreement.
func DecodeSignedSubscription(data []byte) (SignedSubscription, error) {
	var ss SignedSubscription
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ss); err != nil {
		return SignedSubscription{}, fmt.Errorf("types: decode signed subscription: %w", err)
	}
	return ss, nil
}
