package receipts

import (
	"errors"
	"fmt"
)

// Failure taxonomy of the interactive receipt protocol. Protocol errors
// abort the negotiation and are never retried internally.
var (
	ErrReceiptIdMismatch = errors.New("receipts: receipt id mismatch")
	ErrFieldMutation     = errors.New("receipts: negotiated field mutated")
	ErrUnexpectedMessage = errors.New("receipts: unexpected message")
	ErrWrongPayee        = errors.New("receipts: wrong payee")
	ErrTimeout           = errors.New("receipts: confirmation timed out")
	ErrCancelled         = errors.New("receipts: cancelled")
	ErrStorageFailed     = errors.New("receipts: confirmed receipt not persisted")
)

// RejectError carries the peer's reject reason back to the payer.
type RejectError struct {
	ReceiptId string
	Reason    string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("receipts: rejected by payee: %s", e.Reason)
}
