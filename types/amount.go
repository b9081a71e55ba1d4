package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a non-negative satoshi quantity. All financial values in paykit
// flow through Amount; arithmetic never wraps silently.
type Amount struct {
	sats uint64
}

const btcDecimals = 8

var (
	ErrAmountOverflow  = errors.New("amount: overflow")
	ErrAmountUnderflow = errors.New("amount: underflow")
	ErrInvalidAmount   = errors.New("amount: invalid")
)

// ZeroAmount is the additive identity.
var ZeroAmount = Amount{}

// FromSats wraps a raw satoshi count.
func FromSats(sats uint64) Amount {
	return Amount{sats: sats}
}

// FromBTC parses a decimal BTC string ("0.00001", "1", "21.5") into satoshi.
// Up to eight fractional digits are accepted; signs, exponents, and excess
// precision are rejected.
func FromBTC(value string) (Amount, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	if strings.ContainsAny(trimmed, "eE+-_ ") {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) > 2 {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	if integerPart == "" && fractionalPart == "" {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if integerPart == "" {
		integerPart = "0"
	}
	if !isDigits(integerPart) || (fractionalPart != "" && !isDigits(fractionalPart)) {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if len(fractionalPart) > btcDecimals {
		return Amount{}, fmt.Errorf("%w: more than %d fractional digits in %q", ErrInvalidAmount, btcDecimals, value)
	}
	fractionalPart += strings.Repeat("0", btcDecimals-len(fractionalPart))

	whole, err := strconv.ParseUint(integerPart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	frac, err := strconv.ParseUint(fractionalPart, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	const satsPerBTC = 100_000_000
	if whole > math.MaxUint64/satsPerBTC {
		return Amount{}, ErrAmountOverflow
	}
	scaled := whole * satsPerBTC
	if scaled > math.MaxUint64-frac {
		return Amount{}, ErrAmountOverflow
	}
	return Amount{sats: scaled + frac}, nil
}

// ParseSats parses a canonical decimal satoshi string.
func ParseSats(value string) (Amount, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || !isDigits(trimmed) {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if trimmed != "0" && strings.HasPrefix(trimmed, "0") {
		return Amount{}, fmt.Errorf("%w: leading zeros in %q", ErrInvalidAmount, value)
	}
	sats, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	return Amount{sats: sats}, nil
}

// Sats returns the raw satoshi count.
func (a Amount) Sats() uint64 { return a.sats }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.sats == 0 }

// Add returns a+b or ErrAmountOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.sats > math.MaxUint64-b.sats {
		return Amount{}, ErrAmountOverflow
	}
	return Amount{sats: a.sats + b.sats}, nil
}

// Sub returns a-b or ErrAmountUnderflow.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b.sats > a.sats {
		return Amount{}, ErrAmountUnderflow
	}
	return Amount{sats: a.sats - b.sats}, nil
}

// SaturatingAdd returns a+b capped at the maximum representable amount.
func (a Amount) SaturatingAdd(b Amount) Amount {
	if a.sats > math.MaxUint64-b.sats {
		return Amount{sats: math.MaxUint64}
	}
	return Amount{sats: a.sats + b.sats}
}

// SaturatingSub returns a-b floored at zero.
func (a Amount) SaturatingSub(b Amount) Amount {
	if b.sats > a.sats {
		return Amount{}
	}
	return Amount{sats: a.sats - b.sats}
}

// WouldExceed reports whether the amount is strictly greater than limit.
func (a Amount) WouldExceed(limit Amount) bool { return a.sats > limit.sats }

// Cmp returns -1, 0 or 1 following integer order on satoshi.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.sats < b.sats:
		return -1
	case a.sats > b.sats:
		return 1
	default:
		return 0
	}
}

// String renders the canonical decimal satoshi form.
func (a Amount) String() string {
	return strconv.FormatUint(a.sats, 10)
}

// MarshalJSON emits the canonical decimal satoshi string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts only the canonical decimal satoshi string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, err)
	}
	parsed, err := ParseSats(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
