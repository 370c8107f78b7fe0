package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/openbatch/ft-sender/internal/helpers"
	"github.com/openbatch/ft-sender/internal/near"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"
)

const ed25519Prefix = "ed25519:"

// KeyPair is the sender's full-access key.
type KeyPair struct {
	AccountID  string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// ParseKey parses a private key in the conventional
// "ed25519:<base58 of 64 key bytes>" form.
func ParseKey(accountID, encoded string) (*KeyPair, error) {
	if accountID == "" {
		return nil, fmt.Errorf("empty sender account id")
	}

	if !strings.HasPrefix(encoded, ed25519Prefix) {
		return nil, fmt.Errorf("private key must start with %q", ed25519Prefix)
	}

	raw, err := base58.Decode(strings.TrimPrefix(encoded, ed25519Prefix))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d",
			ed25519.PrivateKeySize, len(raw))
	}

	private := ed25519.PrivateKey(raw)

	return &KeyPair{
		AccountID:  accountID,
		PublicKey:  private.Public().(ed25519.PublicKey),
		PrivateKey: private,
	}, nil
}

// EncodedPublicKey returns the public key in "ed25519:<base58>" form.
func (k *KeyPair) EncodedPublicKey() string {
	return ed25519Prefix + base58.Encode(k.PublicKey)
}

// NonceSource supplies the next access-key nonce and a recent block
// hash to anchor a transaction to.
type NonceSource interface {
	NextNonce(ctx context.Context, accountID, publicKey string) (uint64, [32]byte, error)
}

// Signer builds and signs borsh-serialized transactions with the
// sender's full-access key. Safe for sequential use by a single
// executor; the nonce guard keeps nonces monotonic even if the RPC
// node lags behind its own accepted transactions.
type Signer struct {
	key    *KeyPair
	nonces NonceSource
	log    *slog.Logger

	mu        sync.Mutex
	lastNonce uint64
}

func New(key *KeyPair, nonces NonceSource) *Signer {
	return &Signer{
		key:    key,
		nonces: nonces,
		log:    slog.With("component", "signer"),
	}
}

// Sign produces a signed transaction targeting receiverID with the
// given actions, plus the base58 SHA-256 of the signed bytes.
func (s *Signer) Sign(ctx context.Context, receiverID string,
	actions []near.Action) (*near.SignedTransaction, error) {

	if len(actions) == 0 {
		return nil, fmt.Errorf("no actions to sign")
	}

	nonce, blockHash, err := s.nonces.NextNonce(ctx, s.key.AccountID,
		s.key.EncodedPublicKey())
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	s.mu.Lock()
	if nonce <= s.lastNonce {
		nonce = s.lastNonce + 1
	}
	s.lastNonce = nonce
	s.mu.Unlock()

	borshActions, err := convertActions(actions)
	if err != nil {
		return nil, err
	}

	var publicKey publicKey
	copy(publicKey.Data[:], s.key.PublicKey)

	tx := transaction{
		SignerID:   s.key.AccountID,
		PublicKey:  publicKey,
		Nonce:      nonce,
		ReceiverID: receiverID,
		BlockHash:  blockHash,
		Actions:    borshActions,
	}

	unsigned, err := borsh.Serialize(tx)
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	digest := sha256.Sum256(unsigned)

	var signature signature
	copy(signature.Data[:], ed25519.Sign(s.key.PrivateKey, digest[:]))

	blob, err := borsh.Serialize(signedTransaction{
		Transaction: tx,
		Signature:   signature,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize signed transaction: %w", err)
	}

	signed := &near.SignedTransaction{
		Blob: blob,
		Hash: helpers.ContentHash(blob),
	}

	s.log.Debug("signed transaction", "receiver", receiverID,
		"actions", len(actions), "nonce", nonce, "hash", signed.Hash)

	return signed, nil
}

func convertActions(actions []near.Action) ([]action, error) {
	converted := make([]action, len(actions))

	for i, a := range actions {
		deposit, ok := new(big.Int).SetString(a.Deposit, 10)
		if !ok || deposit.Sign() < 0 {
			return nil, fmt.Errorf("invalid deposit %q on action %d", a.Deposit, i)
		}

		converted[i] = action{
			Enum: actionFunctionCall,
			FunctionCall: functionCall{
				MethodName: a.MethodName,
				Args:       a.Args,
				Gas:        a.Gas,
				Deposit:    *deposit,
			},
		}
	}

	return converted, nil
}
