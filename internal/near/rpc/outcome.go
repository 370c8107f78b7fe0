package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/openbatch/ft-sender/internal/near"
)

// txResult is the subset of a broadcast_tx_commit result the sender
// cares about.
type txResult struct {
	Status struct {
		SuccessValue *string `json:"SuccessValue"`
		Failure      *struct {
			ActionError *struct {
				Index *int            `json:"index"`
				Kind  json.RawMessage `json:"kind"`
			} `json:"ActionError"`
			InvalidTxError json.RawMessage `json:"InvalidTxError"`
		} `json:"Failure"`
	} `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
}

func outcomeFromResult(raw json.RawMessage) (*near.Outcome, error) {
	var result txResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tx result: %w", err)
	}

	failure := result.Status.Failure

	switch {
	case failure == nil:
		return &near.Outcome{
			Status: near.OutcomeSuccess,
			TxHash: result.Transaction.Hash,
		}, nil

	case failure.ActionError != nil:
		return &near.Outcome{
			Status:      near.OutcomeActionError,
			ActionIndex: failure.ActionError.Index,
			Kind:        kindName(failure.ActionError.Kind),
		}, nil

	default:
		return &near.Outcome{
			Status: near.OutcomeInvalidTx,
			Kind:   kindName(failure.InvalidTxError),
		}, nil
	}
}

// outcomeFromRPCError maps a node-side rejection onto the outcome
// taxonomy. Anything that is not an execution-level error surfaces as
// a transport error so the batch is recycled.
func outcomeFromRPCError(rpcErr *rpcError) (*near.Outcome, error) {
	if rpcErr.Cause.Name == "INVALID_TRANSACTION" {
		kind := "InvalidTransaction"

		// the cause info nests the concrete rejection variant
		var info struct {
			TxExecutionError struct {
				InvalidTxError json.RawMessage `json:"InvalidTxError"`
			} `json:"TxExecutionError"`
		}
		if err := json.Unmarshal(rpcErr.Cause.Info, &info); err == nil &&
			len(info.TxExecutionError.InvalidTxError) > 0 {
			kind = kindName(info.TxExecutionError.InvalidTxError)
		}

		return &near.Outcome{
			Status: near.OutcomeInvalidTx,
			Kind:   kind,
		}, nil
	}

	return nil, fmt.Errorf("rpc error: %s (%s)", rpcErr.Message, rpcErr.Cause.Name)
}

// kindName extracts a readable error kind from the chain's enum
// encoding: either a bare string variant or an object keyed by the
// variant name.
func kindName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "Unknown"
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err == nil {
		for name := range object {
			return name
		}
	}

	return string(raw)
}
