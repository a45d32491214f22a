// Package sim is an in-process ledger that enforces signatures, sequence
// numbers, time bounds and balances. It backs tests and the development node.
package sim

import (
	"context"
	"sync"
	"time"

	"rental-escrow-backend/internal/ledger"
)

// Fault alters the outcome of the next Submit.
type Fault struct {
	// Drop loses the submission and reports a timeout.
	Drop bool
	// TimeoutAfterApply applies the transaction and then reports a timeout.
	TimeoutAfterApply bool
	// Reject refuses the submission with this code.
	Reject ledger.RejectCode
}

type account struct {
	balance  int64
	sequence uint64
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account
	txs      map[string]ledger.TxResult
	height   uint64
	faults   []Fault
	submits  int
	now      func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock used for time bounds.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts: make(map[string]*account),
		txs:      make(map[string]ledger.TxResult),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fund credits address out of thin air, creating the account if needed.
func (l *Ledger) Fund(address string, amount int64) error {
	if err := ledger.ValidateAddress(address); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[address]
	if !ok {
		acct = &account{}
		l.accounts[address] = acct
	}
	acct.balance += amount
	return nil
}

// InjectFault queues a fault for a future Submit, in FIFO order.
func (l *Ledger) InjectFault(f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, f)
}

// Submissions counts Submit calls, including faulted ones.
func (l *Ledger) Submissions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.submits
}

func (l *Ledger) Account(ctx context.Context, address string) (*ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.ErrTimeout
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[address]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{Address: address, Balance: acct.balance, Sequence: acct.sequence}, nil
}

func (l *Ledger) Transaction(ctx context.Context, hash string) (*ledger.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.ErrTimeout
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	res, ok := l.txs[hash]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	return &res, nil
}

func (l *Ledger) Submit(ctx context.Context, stx ledger.SignedTransaction) (*ledger.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.ErrTimeout
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++

	var fault Fault
	if len(l.faults) > 0 {
		fault = l.faults[0]
		l.faults = l.faults[1:]
	}
	if fault.Drop {
		return nil, ledger.ErrTimeout
	}
	if fault.Reject != "" {
		return nil, ledger.Reject(fault.Reject, "injected")
	}

	res, err := l.apply(stx)
	if err != nil {
		return nil, err
	}
	if fault.TimeoutAfterApply {
		return nil, ledger.ErrTimeout
	}
	return res, nil
}

// apply validates and applies stx atomically. Caller holds l.mu.
func (l *Ledger) apply(stx ledger.SignedTransaction) (*ledger.TxResult, error) {
	tx := stx.Transaction
	if err := tx.Validate(); err != nil {
		return nil, ledger.Reject(ledger.RejectMalformed, "%v", err)
	}
	signer, err := stx.Signer()
	if err != nil || signer != tx.Source {
		return nil, ledger.Reject(ledger.RejectBadAuth, "signature does not match source")
	}
	if _, dup := l.txs[stx.Hash]; dup {
		return nil, ledger.Reject(ledger.RejectBadSequence, "transaction already applied")
	}
	now := l.now()
	if tx.MaxTime != 0 && now.Unix() > tx.MaxTime {
		return nil, ledger.Reject(ledger.RejectTooLate, "max time %d passed", tx.MaxTime)
	}
	src, ok := l.accounts[tx.Source]
	if !ok {
		return nil, ledger.Reject(ledger.RejectBadAuth, "source account does not exist")
	}
	if tx.Sequence != src.sequence+1 {
		return nil, ledger.Reject(ledger.RejectBadSequence, "expected %d, got %d", src.sequence+1, tx.Sequence)
	}

	// Stage balances so a failing operation leaves the ledger untouched.
	staged := map[string]int64{tx.Source: src.balance}
	created := map[string]bool{}
	balance := func(addr string) (int64, bool) {
		if b, ok := staged[addr]; ok {
			return b, true
		}
		if a, ok := l.accounts[addr]; ok {
			return a.balance, true
		}
		return 0, false
	}

	if staged[tx.Source] < tx.Fee {
		return nil, ledger.Reject(ledger.RejectUnderfunded, "cannot pay fee")
	}
	staged[tx.Source] -= tx.Fee

	merged := ""
	for i, op := range tx.Operations {
		switch op.Type {
		case ledger.OpCreateAccount:
			if _, exists := balance(op.Destination); exists {
				return nil, ledger.Reject(ledger.RejectAccountExists, "operation %d: %s", i, op.Destination)
			}
			if staged[tx.Source] < op.Amount {
				return nil, ledger.Reject(ledger.RejectUnderfunded, "operation %d", i)
			}
			staged[tx.Source] -= op.Amount
			staged[op.Destination] = op.Amount
			created[op.Destination] = true
		case ledger.OpPayment:
			dst, exists := balance(op.Destination)
			if !exists {
				return nil, ledger.Reject(ledger.RejectNoDestination, "operation %d: %s", i, op.Destination)
			}
			if staged[tx.Source] < op.Amount {
				return nil, ledger.Reject(ledger.RejectUnderfunded, "operation %d", i)
			}
			staged[tx.Source] -= op.Amount
			if op.Destination != tx.Source {
				staged[op.Destination] = dst + op.Amount
			} else {
				staged[tx.Source] += op.Amount
			}
		case ledger.OpAccountMerge:
			dst, exists := balance(op.Destination)
			if !exists {
				return nil, ledger.Reject(ledger.RejectNoDestination, "operation %d: %s", i, op.Destination)
			}
			staged[op.Destination] = dst + staged[tx.Source]
			staged[tx.Source] = 0
			merged = tx.Source
		default:
			return nil, ledger.Reject(ledger.RejectMalformed, "operation %d: unknown type", i)
		}
	}

	src.sequence = tx.Sequence
	for addr, b := range staged {
		if created[addr] {
			l.accounts[addr] = &account{balance: b}
			continue
		}
		l.accounts[addr].balance = b
	}
	if merged != "" {
		delete(l.accounts, merged)
	}

	l.height++
	res := ledger.TxResult{Hash: stx.Hash, Ledger: l.height, Source: tx.Source, AppliedAt: now}
	l.txs[stx.Hash] = res
	return &res, nil
}
