package subscriptions

import (
	"bytes"
	"encoding/binary"

	"paykit/types"
)

// CanonicalBytes renders the stable cross-implementation byte form of a
// subscription for signing: terms first, then parties and window, with
// fixed-width big-endian integers and u32-length-prefixed UTF-8 strings.
// This encoder is deliberately explicit; it must never be replaced by a
// general-purpose serializer.
func CanonicalBytes(s types.Subscription) []byte {
	var buf bytes.Buffer

	// SubscriptionTerms
	writeU64(&buf, s.Terms.Amount.Sats())
	writeString(&buf, s.Terms.Currency)
	writeFrequency(&buf, s.Terms.Frequency)
	writeString(&buf, string(s.Terms.Method))
	writeString(&buf, s.Terms.Description)

	// Parties and window
	buf.Write(s.Subscriber[:])
	buf.Write(s.Provider[:])
	writeU64(&buf, s.StartAt)
	if s.EndAt > 0 {
		buf.WriteByte(1)
		writeU64(&buf, s.EndAt)
	} else {
		buf.WriteByte(0)
	}
	writeU64(&buf, s.CreatedAt)
	writeString(&buf, s.SubscriptionId)

	return buf.Bytes()
}

// CancelCanonicalBytes renders the byte form signed by a cancellation.
func CancelCanonicalBytes(subscriptionId, reason string) []byte {
	var buf bytes.Buffer
	writeString(&buf, subscriptionId)
	writeString(&buf, reason)
	return buf.Bytes()
}

func writeFrequency(buf *bytes.Buffer, f types.Frequency) {
	writeString(buf, string(f.Kind))
	buf.WriteByte(f.DayOfMonth)
	buf.WriteByte(f.Month)
	buf.WriteByte(f.Day)
	writeU64(buf, f.IntervalSecs)
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], v)
	buf.Write(scratch[:])
}

func writeString(buf *bytes.Buffer, s string) {
	var scratch [4]byte
	binary.BigEndian.PutUint32(scratch[:], uint32(len(s)))
	buf.Write(scratch[:])
	buf.WriteString(s)
}
