package near

import (
	"encoding/json"
	"fmt"
)

// Gas and deposit constants for the two function calls the sender
// issues. They are uniform across batches so the action budget check
// stays a pure count.
const (
	// FunctionCallGas is 10 TGas, enough for both ft_transfer and
	// storage_deposit on any mainstream FT contract.
	FunctionCallGas uint64 = 10_000_000_000_000

	// OneYocto is the 1-yoctoNEAR deposit ft_transfer requires as a
	// proof of a full-access key.
	OneYocto = "1"

	// StorageDepositAmount covers registration_only storage for one
	// account (0.00125 NEAR).
	StorageDepositAmount = "1250000000000000000000"

	MethodFTTransfer     = "ft_transfer"
	MethodStorageDeposit = "storage_deposit"
)

// Action is a single function call inside a transaction. Args is the
// JSON payload the contract expects; Deposit is a yoctoNEAR integer
// string.
type Action struct {
	MethodName string
	Args       json.RawMessage
	Gas        uint64
	Deposit    string
}

type ftTransferArgs struct {
	ReceiverID string  `json:"receiver_id"`
	Amount     string  `json:"amount"`
	Memo       *string `json:"memo,omitempty"`
}

type storageDepositArgs struct {
	AccountID        string `json:"account_id"`
	RegistrationOnly bool   `json:"registration_only"`
}

// FTTransfer builds the transfer action crediting receiverID with
// amount (smallest on-chain unit, integer string).
func FTTransfer(receiverID, amount, memo string) Action {
	args := ftTransferArgs{
		ReceiverID: receiverID,
		Amount:     amount,
	}
	if memo != "" {
		args.Memo = &memo
	}

	// marshalling a flat struct of strings cannot fail
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("marshal ft_transfer args: %v", err))
	}

	return Action{
		MethodName: MethodFTTransfer,
		Args:       raw,
		Gas:        FunctionCallGas,
		Deposit:    OneYocto,
	}
}

// StorageDeposit builds the registration action that is prepended
// before a transfer to an unregistered account.
func StorageDeposit(accountID string) Action {
	raw, err := json.Marshal(storageDepositArgs{
		AccountID:        accountID,
		RegistrationOnly: true,
	})
	if err != nil {
		panic(fmt.Sprintf("marshal storage_deposit args: %v", err))
	}

	return Action{
		MethodName: MethodStorageDeposit,
		Args:       raw,
		Gas:        FunctionCallGas,
		Deposit:    StorageDepositAmount,
	}
}
