package signer

import (
	"math/big"

	"github.com/near/borsh-go"
)

// Borsh wire types for NEAR transactions. The action enum carries all
// protocol variants so the discriminants line up; only FunctionCall is
// ever populated here.

const (
	actionCreateAccount borsh.Enum = iota
	actionDeployContract
	actionFunctionCall
	actionTransfer
	actionStake
	actionAddKey
	actionDeleteKey
	actionDeleteAccount
)

type publicKey struct {
	KeyType uint8
	Data    [32]byte
}

type signature struct {
	KeyType uint8
	Data    [64]byte
}

type transaction struct {
	SignerID   string
	PublicKey  publicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []action
}

type signedTransaction struct {
	Transaction transaction
	Signature   signature
}

type action struct {
	Enum           borsh.Enum `borsh_enum:"true"`
	CreateAccount  createAccount
	DeployContract deployContract
	FunctionCall   functionCall
	Transfer       transfer
	Stake          stake
	AddKey         addKey
	DeleteKey      deleteKey
	DeleteAccount  deleteAccount
}

type createAccount struct{}

type deployContract struct {
	Code []byte
}

type functionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    big.Int
}

type transfer struct {
	Deposit big.Int
}

type stake struct {
	Stake     big.Int
	PublicKey publicKey
}

type addKey struct {
	PublicKey publicKey
	// access key layout omitted; the sender never adds keys
}

type deleteKey struct {
	PublicKey publicKey
}

type deleteAccount struct {
	BeneficiaryID string
}
