package channel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"paykit/crypto"
	"paykit/types"
)

// Wire message tags. The envelope is strict UTF-8 JSON with a top-level
// "type" discriminator; unknown fields are rejected because they could mask
// tampering.
const (
	MsgTypeHello                  = "channel_hello"
	MsgTypeReceiptRequest         = "receipt_request"
	MsgTypeReceiptConfirm         = "receipt_confirm"
	MsgTypeReceiptReject          = "receipt_reject"
	MsgTypePrivateEndpointOffer   = "private_endpoint_offer"
	MsgTypeSubscriptionProposal   = "subscription_proposal"
	MsgTypeSubscriptionAcceptance = "subscription_acceptance"
	MsgTypeSubscriptionCancel     = "subscription_cancel"
)

// Reject reason codes carried by ReceiptReject.
const (
	ReasonWrongPayee     = "wrong_payee"
	ReasonInvalidReceipt = "invalid_receipt"
	ReasonGenerator      = "generator_failure"
)

var ErrUnknownMessageType = errors.New("channel: unknown message type")

// Message is one tagged wire variant.
type Message interface {
	messageType() string
}

// Hello binds the sender's Ed25519 identity to the freshly established
// Noise session by signing the handshake channel binding.
type Hello struct {
	Type     string        `json:"type"`
	Identity crypto.Pubkey `json:"identity"`
	Sig      string        `json:"sig"`
}

func (Hello) messageType() string { return MsgTypeHello }

// ReceiptRequest opens a negotiation with the payer's provisional receipt.
type ReceiptRequest struct {
	Type        string        `json:"type"`
	Provisional types.Receipt `json:"provisional"`
}

func (ReceiptRequest) messageType() string { return MsgTypeReceiptRequest }

// ReceiptConfirm closes a negotiation: payee to payer, invoice filled.
type ReceiptConfirm struct {
	Type    string        `json:"type"`
	Receipt types.Receipt `json:"receipt"`
}

func (ReceiptConfirm) messageType() string { return MsgTypeReceiptConfirm }

// ReceiptReject declines a negotiation with a reason code.
type ReceiptReject struct {
	Type      string `json:"type"`
	ReceiptId string `json:"receiptId"`
	Reason    string `json:"reason"`
}

func (ReceiptReject) messageType() string { return MsgTypeReceiptReject }

// PrivateEndpointOffer hands the peer a dedicated payment endpoint.
type PrivateEndpointOffer struct {
	Type  string                     `json:"type"`
	Offer types.PrivateEndpointOffer `json:"offer"`
}

func (PrivateEndpointOffer) messageType() string { return MsgTypePrivateEndpointOffer }

// SubscriptionProposal carries a subscription body and the proposer-side
// signature.
type SubscriptionProposal struct {
	Type         string             `json:"type"`
	Subscription types.Subscription `json:"subscription"`
	ProposerSig  crypto.Signature   `json:"proposerSig"`
}

func (SubscriptionProposal) messageType() string { return MsgTypeSubscriptionProposal }

// SubscriptionAcceptance returns the fully signed agreement.
type SubscriptionAcceptance struct {
	Type   string                   `json:"type"`
	Signed types.SignedSubscription `json:"signed"`
}

func (SubscriptionAcceptance) messageType() string { return MsgTypeSubscriptionAcceptance }

// SubscriptionCancel withdraws an agreement, signed by the cancelling party.
type SubscriptionCancel struct {
	Type           string           `json:"type"`
	SubscriptionId string           `json:"subscriptionId"`
	Reason         string           `json:"reason"`
	Sig            crypto.Signature `json:"sig"`
}

func (SubscriptionCancel) messageType() string { return MsgTypeSubscriptionCancel }

// Encode renders a message with its type tag filled in.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Hello:
		m.Type = MsgTypeHello
	case *ReceiptRequest:
		m.Type = MsgTypeReceiptRequest
	case *ReceiptConfirm:
		m.Type = MsgTypeReceiptConfirm
	case *ReceiptReject:
		m.Type = MsgTypeReceiptReject
	case *PrivateEndpointOffer:
		m.Type = MsgTypePrivateEndpointOffer
	case *SubscriptionProposal:
		m.Type = MsgTypeSubscriptionProposal
	case *SubscriptionAcceptance:
		m.Type = MsgTypeSubscriptionAcceptance
	case *SubscriptionCancel:
		m.Type = MsgTypeSubscriptionCancel
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	return json.Marshal(msg)
}

// Decode strictly parses one wire message.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("channel: malformed message: %w", err)
	}

	var msg Message
	switch probe.Type {
	case MsgTypeHello:
		msg = &Hello{}
	case MsgTypeReceiptRequest:
		msg = &ReceiptRequest{}
	case MsgTypeReceiptConfirm:
		msg = &ReceiptConfirm{}
	case MsgTypeReceiptReject:
		msg = &ReceiptReject{}
	case MsgTypePrivateEndpointOffer:
		msg = &PrivateEndpointOffer{}
	case MsgTypeSubscriptionProposal:
		msg = &SubscriptionProposal{}
	case MsgTypeSubscriptionAcceptance:
		msg = &SubscriptionAcceptance{}
	case MsgTypeSubscriptionCancel:
		msg = &SubscriptionCancel{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, probe.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return nil, fmt.Errorf("channel: malformed %s payload: %w", probe.Type, err)
	}
	return msg, nil
}

// MessageType reports the tag of an encoded-side message.
func MessageType(msg Message) string {
	if msg == nil {
		return ""
	}
	return msg.messageType()
}
