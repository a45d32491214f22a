package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/ids"
	"rental-escrow-backend/internal/ledger"
	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/metrics"
	"rental-escrow-backend/internal/syncx"
)

type EscrowOptions struct {
	FundingSecret   string
	StartingReserve int64
	BaseFee         int64
	// TxTimeout bounds every ledger round trip and sets transaction MaxTime.
	TxTimeout time.Duration
	// TxGrace is how long past MaxTime a missing transaction is still
	// treated as possibly in flight.
	TxGrace time.Duration
	Now     func() time.Time
}

type ledgerAccountManager struct {
	client  ledger.Client
	vault   *KeyVault
	recon   ReconciliationLog
	funder  *ledger.Keypair
	opts    EscrowOptions
	sources *syncx.KeyedMutex
}

func NewLedgerAccountManager(client ledger.Client, vault *KeyVault, recon ReconciliationLog, opts EscrowOptions) (LedgerAccountManager, error) {
	funder, err := ledger.KeypairFromSecret(opts.FundingSecret)
	if err != nil {
		return nil, fmt.Errorf("funding secret: %w", err)
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 30 * time.Second
	}
	if opts.TxGrace < 0 {
		opts.TxGrace = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ledgerAccountManager{
		client:  client,
		vault:   vault,
		recon:   recon,
		funder:  funder,
		opts:    opts,
		sources: syncx.NewKeyedMutex(),
	}, nil
}

// OpenEscrow creates the agreement's escrow account with the starting
// reserve paid by the funding account. Repeated calls return the same
// account; the keypair is fixed per agreement so a retry can never create a
// second one.
func (m *ledgerAccountManager) OpenEscrow(ctx context.Context, req OpenEscrowRequest) (domain.EscrowAccount, error) {
	logger.EnterMethod("LedgerAccountManager.OpenEscrow", "agreement_id", req.AgreementID)
	prev, err := m.recon.Latest(ctx, req.AgreementID, domain.LedgerOpOpenEscrow)
	if err != nil {
		return domain.EscrowAccount{}, domain.Internal("load open record", err)
	}
	if prev != nil && prev.Applied() {
		return m.escrowFor(req.AgreementID, prev.EscrowAddress), nil
	}

	kp, err := m.vault.Ensure(ctx, req.AgreementID)
	if err != nil {
		return domain.EscrowAccount{}, err
	}
	escrow := m.escrowFor(req.AgreementID, kp.Address())

	exists, err := m.accountExists(ctx, escrow.Address)
	if err != nil {
		return domain.EscrowAccount{}, &domain.LedgerError{Kind: domain.LedgerTimeout, Op: domain.LedgerOpOpenEscrow, Err: err}
	}
	if exists {
		if prev != nil && !prev.IsConfirmed() {
			m.confirm(ctx, prev.OpID, domain.ConfirmedApplied)
		}
		logger.ExitMethod("LedgerAccountManager.OpenEscrow", "agreement_id", req.AgreementID, "reused", true)
		return escrow, nil
	}

	// A stale unconfirmed create shares the funder's next sequence number
	// with this one, so at most one of them can ever apply.
	_, err = m.submit(ctx, submission{
		kind:        domain.LedgerOpOpenEscrow,
		agreementID: req.AgreementID,
		listingID:   req.ListingID,
		requested:   domain.AgreementStatusPending,
		escrow:      escrow.Address,
		signer:      m.funder,
		ops:         []ledger.Operation{ledger.CreateAccount(escrow.Address, m.opts.StartingReserve)},
	})
	if err != nil {
		logger.ExitMethodWithError("LedgerAccountManager.OpenEscrow", err, "agreement_id", req.AgreementID)
		return domain.EscrowAccount{}, err
	}
	logger.ExitMethod("LedgerAccountManager.OpenEscrow", "agreement_id", req.AgreementID, "escrow", escrow.Address)
	return escrow, nil
}

// FundEscrow moves rent and deposit from the renter into escrow in one
// transaction. It never resubmits while an earlier attempt may still apply.
func (m *ledgerAccountManager) FundEscrow(ctx context.Context, req FundEscrowRequest) (string, error) {
	logger.EnterMethod("LedgerAccountManager.FundEscrow", "agreement_id", req.AgreementID)
	if hash, done, err := m.priorAttempt(ctx, req.AgreementID, domain.LedgerOpFundEscrow); done || err != nil {
		return hash, err
	}

	renter, err := ledger.KeypairFromSecret(req.RenterSecret)
	if err != nil {
		return "", domain.Validationf("renter secret is not a valid key")
	}
	ops := []ledger.Operation{ledger.Payment(req.Escrow.Address, req.RentAmount)}
	if req.DepositAmount > 0 {
		ops = append(ops, ledger.Payment(req.Escrow.Address, req.DepositAmount))
	}
	hash, err := m.submit(ctx, submission{
		kind:        domain.LedgerOpFundEscrow,
		agreementID: req.AgreementID,
		listingID:   req.ListingID,
		requested:   domain.AgreementStatusActive,
		escrow:      req.Escrow.Address,
		signer:      renter,
		ops:         ops,
	})
	if err != nil {
		logger.ExitMethodWithError("LedgerAccountManager.FundEscrow", err, "agreement_id", req.AgreementID)
		return "", err
	}
	logger.ExitMethod("LedgerAccountManager.FundEscrow", "agreement_id", req.AgreementID, "tx", hash)
	return hash, nil
}

// Settle pays the owner and returns the rest to the renter, closing the
// escrow. A zero refund merges everything into the owner.
func (m *ledgerAccountManager) Settle(ctx context.Context, req SettleRequest) (string, error) {
	logger.EnterMethod("LedgerAccountManager.Settle", "agreement_id", req.AgreementID, "refund", req.Refund, "owner_payout", req.Remainder)
	if req.Refund < 0 || req.Remainder < 0 {
		return "", domain.ErrInvalidAmount
	}
	if hash, done, err := m.priorAttempt(ctx, req.AgreementID, domain.LedgerOpSettle); done || err != nil {
		return hash, err
	}
	kp, err := m.escrowKey(ctx, req.AgreementID, req.Escrow.Address)
	if err != nil {
		return "", err
	}

	var ops []ledger.Operation
	switch {
	case req.Refund == 0:
		ops = []ledger.Operation{ledger.AccountMerge(req.OwnerAddress)}
	case req.Remainder == 0:
		ops = []ledger.Operation{ledger.AccountMerge(req.RenterAddress)}
	default:
		ops = []ledger.Operation{
			ledger.Payment(req.OwnerAddress, req.Remainder),
			ledger.AccountMerge(req.RenterAddress),
		}
	}
	hash, err := m.submit(ctx, submission{
		kind:        domain.LedgerOpSettle,
		agreementID: req.AgreementID,
		listingID:   req.ListingID,
		requested:   domain.AgreementStatusCompleted,
		escrow:      req.Escrow.Address,
		refund:      req.Refund,
		payout:      req.Remainder,
		signer:      kp,
		ops:         ops,
	})
	if err != nil {
		logger.ExitMethodWithError("LedgerAccountManager.Settle", err, "agreement_id", req.AgreementID)
		return "", err
	}
	logger.ExitMethod("LedgerAccountManager.Settle", "agreement_id", req.AgreementID, "tx", hash)
	return hash, nil
}

// RefundAndClose merges the whole escrow back into the renter.
func (m *ledgerAccountManager) RefundAndClose(ctx context.Context, req RefundRequest) (string, error) {
	logger.EnterMethod("LedgerAccountManager.RefundAndClose", "agreement_id", req.AgreementID)
	if hash, done, err := m.priorAttempt(ctx, req.AgreementID, domain.LedgerOpRefund); done || err != nil {
		return hash, err
	}
	kp, err := m.escrowKey(ctx, req.AgreementID, req.Escrow.Address)
	if err != nil {
		return "", err
	}
	hash, err := m.submit(ctx, submission{
		kind:        domain.LedgerOpRefund,
		agreementID: req.AgreementID,
		listingID:   req.ListingID,
		requested:   domain.AgreementStatusCancelled,
		escrow:      req.Escrow.Address,
		signer:      kp,
		ops:         []ledger.Operation{ledger.AccountMerge(req.RenterAddress)},
	})
	if err != nil {
		logger.ExitMethodWithError("LedgerAccountManager.RefundAndClose", err, "agreement_id", req.AgreementID)
		return "", err
	}
	logger.ExitMethod("LedgerAccountManager.RefundAndClose", "agreement_id", req.AgreementID, "tx", hash)
	return hash, nil
}

// Balance is the escrow's ledger balance above its reserve. A closed
// account holds 0.
func (m *ledgerAccountManager) Balance(ctx context.Context, escrow domain.EscrowAccount) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.TxTimeout)
	defer cancel()
	acct, err := m.client.Account(callCtx, escrow.Address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, &domain.LedgerError{Kind: domain.LedgerTimeout, Err: err}
	}
	if bal := acct.Balance - escrow.Reserve; bal > 0 {
		return bal, nil
	}
	return 0, nil
}

// Resolve looks up the ledger truth for rec. A transaction missing after
// its MaxTime plus grace can no longer apply and counts as failed.
func (m *ledgerAccountManager) Resolve(ctx context.Context, rec domain.ReconciliationRecord) (Resolution, error) {
	switch {
	case rec.Applied():
		return ResolutionApplied, nil
	case rec.Failed():
		return ResolutionFailed, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.TxTimeout)
	defer cancel()
	_, err := m.client.Transaction(callCtx, rec.TxHash)
	if err == nil {
		return ResolutionApplied, nil
	}
	if !errors.Is(err, ledger.ErrTxNotFound) {
		return ResolutionUnknown, err
	}
	if rec.Kind == domain.LedgerOpOpenEscrow && rec.EscrowAddress != "" {
		exists, err := m.accountExists(ctx, rec.EscrowAddress)
		if err != nil {
			return ResolutionUnknown, err
		}
		if exists {
			return ResolutionApplied, nil
		}
	}
	if m.opts.Now().After(rec.ExpiresAt.Add(m.opts.TxGrace)) {
		return ResolutionFailed, nil
	}
	return ResolutionUnknown, nil
}

// priorAttempt inspects the latest record of kind. done is true when a
// previous attempt applied; an attempt that may still apply returns a
// timeout so the caller never double-submits.
func (m *ledgerAccountManager) priorAttempt(ctx context.Context, agreementID string, kind domain.LedgerOpKind) (string, bool, error) {
	prev, err := m.recon.Latest(ctx, agreementID, kind)
	if err != nil {
		return "", false, domain.Internal("load ledger record", err)
	}
	if prev == nil || prev.Failed() {
		return "", false, nil
	}
	if prev.Applied() {
		return prev.TxHash, true, nil
	}

	res, err := m.Resolve(ctx, *prev)
	switch res {
	case ResolutionApplied:
		m.confirm(ctx, prev.OpID, domain.ConfirmedApplied)
		return prev.TxHash, true, nil
	case ResolutionFailed:
		m.confirm(ctx, prev.OpID, domain.ConfirmedFailed)
		return "", false, nil
	}
	return "", false, &domain.LedgerError{
		Kind:   domain.LedgerTimeout,
		Op:     kind,
		Reason: "previous attempt still pending",
		TxHash: prev.TxHash,
		Err:    err,
	}
}

type submission struct {
	kind        domain.LedgerOpKind
	agreementID string
	listingID   string
	requested   domain.AgreementStatus
	escrow      string
	refund      int64
	payout      int64
	signer      *ledger.Keypair
	ops         []ledger.Operation
}

// submit signs, records and submits one transaction. The record is written
// before the ledger sees the transaction so a crash between the two is
// always recoverable by hash.
func (m *ledgerAccountManager) submit(ctx context.Context, s submission) (string, error) {
	source := s.signer.Address()
	unlock := m.sources.Lock(source)
	defer unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.opts.TxTimeout)
	defer cancel()

	logger.ExternalServiceCall("ledger", "account", "address", source)
	acct, err := m.client.Account(callCtx, source)
	logger.ExternalServiceResult("ledger", "account", err, "address", source)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return "", &domain.LedgerError{Kind: domain.LedgerRejected, Op: s.kind, Reason: string(ledger.RejectBadAuth), Err: err}
	}
	if err != nil {
		return "", &domain.LedgerError{Kind: domain.LedgerTimeout, Op: s.kind, Err: err}
	}

	opID := ids.NewOpID()
	maxTime := m.opts.Now().Add(m.opts.TxTimeout).Truncate(time.Second)
	tx := ledger.Transaction{
		Source:     source,
		Sequence:   acct.Sequence + 1,
		Fee:        m.opts.BaseFee * int64(len(s.ops)),
		MaxTime:    maxTime.Unix(),
		Memo:       opID,
		Operations: s.ops,
	}
	if err := tx.Validate(); err != nil {
		return "", domain.Validationf("%s: %v", s.kind, err)
	}
	stx, err := s.signer.Sign(tx)
	if err != nil {
		return "", domain.Internal("sign transaction", err)
	}

	if _, err := m.recon.Record(ctx, domain.ReconciliationRecord{
		OpID:           opID,
		AgreementID:    s.agreementID,
		ListingID:      s.listingID,
		Kind:           s.kind,
		RequestedState: s.requested,
		TxHash:         stx.Hash,
		EscrowAddress:  s.escrow,
		RefundAmount:   s.refund,
		OwnerPayout:    s.payout,
		ExpiresAt:      maxTime,
	}); err != nil {
		return "", err
	}

	start := time.Now()
	logger.ExternalServiceCall("ledger", "submit", "op", s.kind, "op_id", opID, "tx", stx.Hash)
	_, err = m.client.Submit(callCtx, stx)
	metrics.LedgerSubmitDuration.WithLabelValues(string(s.kind)).Observe(time.Since(start).Seconds())
	logger.ExternalServiceResult("ledger", "submit", err, "op", s.kind, "op_id", opID)

	if err == nil {
		metrics.LedgerSubmissions.WithLabelValues(string(s.kind), metrics.OutcomeApplied).Inc()
		m.confirm(ctx, opID, domain.ConfirmedApplied)
		return stx.Hash, nil
	}

	if rej, ok := ledger.AsRejected(err); ok {
		if s.kind == domain.LedgerOpOpenEscrow && rej.Code == ledger.RejectAccountExists {
			metrics.LedgerSubmissions.WithLabelValues(string(s.kind), metrics.OutcomeApplied).Inc()
			m.confirm(ctx, opID, domain.ConfirmedApplied)
			return stx.Hash, nil
		}
		metrics.LedgerSubmissions.WithLabelValues(string(s.kind), metrics.OutcomeRejected).Inc()
		m.confirm(ctx, opID, domain.ConfirmedFailed)
		return "", &domain.LedgerError{Kind: domain.LedgerRejected, Op: s.kind, Reason: string(rej.Code), TxHash: stx.Hash, Err: err}
	}

	// Ambiguous: the transaction may have applied. Ask before giving up.
	lookupCtx, lookupCancel := context.WithTimeout(ctx, m.opts.TxTimeout)
	defer lookupCancel()
	if _, lerr := m.client.Transaction(lookupCtx, stx.Hash); lerr == nil {
		metrics.LedgerSubmissions.WithLabelValues(string(s.kind), metrics.OutcomeApplied).Inc()
		m.confirm(ctx, opID, domain.ConfirmedApplied)
		return stx.Hash, nil
	}
	metrics.LedgerSubmissions.WithLabelValues(string(s.kind), metrics.OutcomeTimeout).Inc()
	logger.Warn("Ledger outcome unknown", "op", s.kind, "op_id", opID, "agreement_id", s.agreementID, "tx", stx.Hash)
	return "", &domain.LedgerError{Kind: domain.LedgerTimeout, Op: s.kind, TxHash: stx.Hash, Err: err}
}

// confirm records a definite outcome. A failure leaves the record
// unconfirmed for the sweep to settle.
func (m *ledgerAccountManager) confirm(ctx context.Context, opID string, state domain.ConfirmedState) {
	if err := m.recon.Confirm(ctx, opID, state); err != nil {
		logger.Error("Failed to confirm ledger op", "op_id", opID, "state", state, "error", err)
	}
}

func (m *ledgerAccountManager) accountExists(ctx context.Context, address string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.opts.TxTimeout)
	defer cancel()
	_, err := m.client.Account(callCtx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (m *ledgerAccountManager) escrowKey(ctx context.Context, agreementID, address string) (*ledger.Keypair, error) {
	kp, err := m.vault.ForAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if address != "" && kp.Address() != address {
		return nil, domain.Internal("load escrow key", fmt.Errorf("agreement %s escrow mismatch", agreementID))
	}
	return kp, nil
}

func (m *ledgerAccountManager) escrowFor(agreementID, address string) domain.EscrowAccount {
	return domain.EscrowAccount{Address: address, AgreementID: agreementID, Reserve: m.opts.StartingReserve}
}
