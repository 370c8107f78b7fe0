package rpc

import (
	"encoding/json"
	"testing"

	"github.com/openbatch/ft-sender/internal/near"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeFromResult_Success(t *testing.T) {
	raw := json.RawMessage(`{
		"status": {"SuccessValue": ""},
		"transaction": {"hash": "8hEPzc3SjWLbDjnqVsHLAEGNnNjt9hIG3gZFpSbwwBRzR"}
	}`)

	outcome, err := outcomeFromResult(raw)
	require.NoError(t, err)

	assert.Equal(t, near.OutcomeSuccess, outcome.Status)
	assert.Equal(t, "8hEPzc3SjWLbDjnqVsHLAEGNnNjt9hIG3gZFpSbwwBRzR", outcome.TxHash)
}

func TestOutcomeFromResult_ActionError(t *testing.T) {
	raw := json.RawMessage(`{
		"status": {
			"Failure": {
				"ActionError": {
					"index": 2,
					"kind": {"AccountDoesNotExist": {"account_id": "ghost.near"}}
				}
			}
		}
	}`)

	outcome, err := outcomeFromResult(raw)
	require.NoError(t, err)

	assert.Equal(t, near.OutcomeActionError, outcome.Status)
	require.NotNil(t, outcome.ActionIndex)
	assert.Equal(t, 2, *outcome.ActionIndex)
	assert.Equal(t, "AccountDoesNotExist", outcome.Kind)
}

func TestOutcomeFromResult_ActionErrorWithoutIndex(t *testing.T) {
	raw := json.RawMessage(`{
		"status": {
			"Failure": {
				"ActionError": {"kind": "DelegateActionExpired"}
			}
		}
	}`)

	outcome, err := outcomeFromResult(raw)
	require.NoError(t, err)

	assert.Equal(t, near.OutcomeActionError, outcome.Status)
	assert.Nil(t, outcome.ActionIndex)
	assert.Equal(t, "DelegateActionExpired", outcome.Kind)
}

func TestOutcomeFromResult_InvalidTx(t *testing.T) {
	raw := json.RawMessage(`{
		"status": {
			"Failure": {
				"InvalidTxError": {"InvalidNonce": {"tx_nonce": 5, "ak_nonce": 7}}
			}
		}
	}`)

	outcome, err := outcomeFromResult(raw)
	require.NoError(t, err)

	assert.Equal(t, near.OutcomeInvalidTx, outcome.Status)
	assert.Equal(t, "InvalidNonce", outcome.Kind)
}

func TestOutcomeFromResult_Malformed(t *testing.T) {
	_, err := outcomeFromResult(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestOutcomeFromRPCError_InvalidTransaction(t *testing.T) {
	rpcErr := &rpcError{Message: "Invalid transaction"}
	rpcErr.Cause.Name = "INVALID_TRANSACTION"
	rpcErr.Cause.Info = json.RawMessage(`{
		"TxExecutionError": {
			"InvalidTxError": {"InvalidNonce": {"tx_nonce": 5, "ak_nonce": 7}}
		}
	}`)

	outcome, err := outcomeFromRPCError(rpcErr)
	require.NoError(t, err)

	assert.Equal(t, near.OutcomeInvalidTx, outcome.Status)
	assert.Equal(t, "InvalidNonce", outcome.Kind)
}

func TestOutcomeFromRPCError_InvalidTransactionWithoutInfo(t *testing.T) {
	rpcErr := &rpcError{Message: "Invalid transaction"}
	rpcErr.Cause.Name = "INVALID_TRANSACTION"

	outcome, err := outcomeFromRPCError(rpcErr)
	require.NoError(t, err)

	assert.Equal(t, near.OutcomeInvalidTx, outcome.Status)
	assert.Equal(t, "InvalidTransaction", outcome.Kind)
}

func TestOutcomeFromRPCError_Transport(t *testing.T) {
	rpcErr := &rpcError{Message: "node is syncing"}
	rpcErr.Cause.Name = "UNAVAILABLE"

	_, err := outcomeFromRPCError(rpcErr)
	assert.Error(t, err)
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "InvalidNonce",
		kindName(json.RawMessage(`{"InvalidNonce": {"tx_nonce": 1}}`)))
	assert.Equal(t, "NotEnoughBalance",
		kindName(json.RawMessage(`"NotEnoughBalance"`)))
	assert.Equal(t, "Unknown", kindName(nil))
}
