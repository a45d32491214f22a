package ledger

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type OperationType string

const (
	OpCreateAccount OperationType = "create_account"
	OpPayment       OperationType = "payment"
	OpAccountMerge  OperationType = "account_merge"
)

// Operation is one step of a transaction. All operations of a transaction
// apply atomically or not at all.
type Operation struct {
	Type        OperationType `json:"type"`
	Destination string        `json:"destination"`
	Amount      int64         `json:"amount,omitempty"`
}

// CreateAccount opens destination with a starting balance taken from the source.
func CreateAccount(destination string, startingBalance int64) Operation {
	return Operation{Type: OpCreateAccount, Destination: destination, Amount: startingBalance}
}

// Payment moves amount from the source to an existing destination.
func Payment(destination string, amount int64) Operation {
	return Operation{Type: OpPayment, Destination: destination, Amount: amount}
}

// AccountMerge moves the whole source balance to destination and removes the source.
func AccountMerge(destination string) Operation {
	return Operation{Type: OpAccountMerge, Destination: destination}
}

// Transaction is an unsigned ledger transaction. MaxTime bounds validity:
// the ledger refuses it once its clock passes MaxTime.
type Transaction struct {
	Source     string      `json:"source"`
	Sequence   uint64      `json:"sequence"`
	Fee        int64       `json:"fee"`
	MaxTime    int64       `json:"max_time"`
	Memo       string      `json:"memo,omitempty"`
	Operations []Operation `json:"operations"`
}

// Validate checks the transaction shape before signing.
func (tx Transaction) Validate() error {
	if err := ValidateAddress(tx.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if len(tx.Operations) == 0 {
		return fmt.Errorf("transaction has no operations")
	}
	if tx.Fee < 0 {
		return fmt.Errorf("negative fee")
	}
	for i, op := range tx.Operations {
		if err := ValidateAddress(op.Destination); err != nil {
			return fmt.Errorf("operation %d: %w", i, err)
		}
		switch op.Type {
		case OpCreateAccount:
			if op.Amount < 0 {
				return fmt.Errorf("operation %d: negative starting balance", i)
			}
		case OpPayment:
			if op.Amount <= 0 {
				return fmt.Errorf("operation %d: payment amount must be positive", i)
			}
		case OpAccountMerge:
			if i != len(tx.Operations)-1 {
				return fmt.Errorf("operation %d: account merge must be last", i)
			}
			if op.Destination == tx.Source {
				return fmt.Errorf("operation %d: cannot merge into self", i)
			}
		default:
			return fmt.Errorf("operation %d: unknown type %q", i, op.Type)
		}
	}
	return nil
}

func (tx Transaction) digest() ([]byte, error) {
	encoded, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return crypto.Keccak256(encoded), nil
}

// Hash returns the hex keccak256 of the canonical transaction encoding.
func (tx Transaction) Hash() (string, error) {
	d, err := tx.digest()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

// SignedTransaction is a transaction plus the source's signature over its hash.
type SignedTransaction struct {
	Transaction Transaction `json:"transaction"`
	Hash        string      `json:"hash"`
	Signature   string      `json:"signature"`
}

// Signer recovers the address that produced the signature.
func (s SignedTransaction) Signer() (string, error) {
	digest, err := s.Transaction.digest()
	if err != nil {
		return "", err
	}
	if hex.EncodeToString(digest) != s.Hash {
		return "", fmt.Errorf("hash does not match transaction")
	}
	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return encodeAddress(crypto.PubkeyToAddress(*pub).Bytes()), nil
}

// Account is the ledger view of one account.
type Account struct {
	Address  string `json:"address"`
	Balance  int64  `json:"balance"`
	Sequence uint64 `json:"sequence"`
}

// TxResult describes an applied transaction.
type TxResult struct {
	Hash      string    `json:"hash"`
	Ledger    uint64    `json:"ledger"`
	Source    string    `json:"source"`
	AppliedAt time.Time `json:"applied_at"`
}
