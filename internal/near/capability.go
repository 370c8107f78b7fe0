package near

import (
	"context"
)

// SignedTransaction is an opaque signed blob plus the base58 SHA-256 of
// its bytes. The blob is stored verbatim by the queue and resubmitted
// as-is after a crash; the chain deduplicates by content.
type SignedTransaction struct {
	Blob []byte
	Hash string
}

// Signer produces a signed transaction targeting the given receiver
// (the FT contract) with the given actions.
type Signer interface {
	Sign(ctx context.Context, receiverID string, actions []Action) (*SignedTransaction, error)
}

// Broadcaster submits a signed blob. A non-nil error means the call
// itself did not complete (transport); a structured rejection or
// execution failure comes back inside the Outcome.
type Broadcaster interface {
	Send(ctx context.Context, blob []byte) (*Outcome, error)
}

type OutcomeStatus string

const (
	OutcomeSuccess     OutcomeStatus = "success"
	OutcomeActionError OutcomeStatus = "action_error"
	OutcomeInvalidTx   OutcomeStatus = "invalid_tx"
)

// Outcome is the structured result of a broadcast.
//
// For OutcomeActionError, ActionIndex identifies the failing action
// within the transaction when the chain reported one; it is nil for
// whole-transaction action failures such as gas accounting.
type Outcome struct {
	Status      OutcomeStatus
	TxHash      string
	ActionIndex *int
	Kind        string
}
