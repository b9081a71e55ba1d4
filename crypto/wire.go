package crypto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// signatureWire is the strict JSON projection of a Signature. Nonce and raw
// signature bytes travel as 0x-prefixed hex.
type signatureWire struct {
	Signer   Pubkey `json:"signer"`
	Nonce    string `json:"nonce"`
	IssuedAt uint64 `json:"issuedAt"`
	Lifetime uint64 `json:"lifetimeSecs"`
	Sig      string `json:"sig"`
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureWire{
		Signer:   s.Signer,
		Nonce:    EncodeHex(s.Nonce[:]),
		IssuedAt: s.IssuedAt,
		Lifetime: s.Lifetime,
		Sig:      EncodeHex(s.Sig[:]),
	})
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var wire signatureWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return fmt.Errorf("crypto: decode signature: %w", err)
	}
	nonce, err := DecodeHex(wire.Nonce)
	if err != nil {
		return fmt.Errorf("crypto: decode signature nonce: %w", err)
	}
	if len(nonce) != NonceSize {
		return fmt.Errorf("crypto: signature nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	raw, err := DecodeHex(wire.Sig)
	if err != nil {
		return fmt.Errorf("crypto: decode signature bytes: %w", err)
	}
	if len(raw) != SignatureSize {
		return fmt.Errorf("crypto: signature must be %d bytes, got %d", SignatureSize, len(raw))
	}
	out := Signature{
		Signer:   wire.Signer,
		IssuedAt: wire.IssuedAt,
		Lifetime: wire.Lifetime,
	}
	copy(out.Nonce[:], nonce)
	copy(out.Sig[:], raw)
	*s = out
	return nil
}

// EncodeHex renders bytes as 0x-prefixed lowercase hex.
func EncodeHex(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(data)
}

// DecodeHex parses 0x-prefixed or bare hex.
func DecodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	return hex.DecodeString(value)
}
