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
	"rental-escrow-backend/internal/repository"
	"rental-escrow-backend/internal/syncx"
	"rental-escrow-backend/internal/utils"
)

const (
	maxSaveAttempts = 3
	systemActor     = "system"
)

// errNoChange aborts a listing mutation without saving.
var errNoChange = errors.New("no change")

type LifecycleOptions struct {
	Penalties utils.PenaltyCalculator
	// EscrowReserve is the starting reserve every escrow is opened with.
	EscrowReserve int64
	Now           func() time.Time
}

type rentalLifecycle struct {
	listings  repository.ListingRepository
	ledger    LedgerAccountManager
	otp       OTPGate
	recon     ReconciliationLog
	notifier  Notifier
	penalties utils.PenaltyCalculator
	reserve   int64
	now       func() time.Time

	listingLocks   *syncx.KeyedMutex
	agreementLocks *syncx.KeyedMutex
}

func NewRentalLifecycle(
	listings repository.ListingRepository,
	ledgerMgr LedgerAccountManager,
	otp OTPGate,
	recon ReconciliationLog,
	notifier Notifier,
	opts LifecycleOptions,
) RentalLifecycle {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &rentalLifecycle{
		listings:       listings,
		ledger:         ledgerMgr,
		otp:            otp,
		recon:          recon,
		notifier:       notifier,
		penalties:      opts.Penalties,
		reserve:        opts.EscrowReserve,
		now:            opts.Now,
		listingLocks:   syncx.NewKeyedMutex(),
		agreementLocks: syncx.NewKeyedMutex(),
	}
}

func (s *rentalLifecycle) CreateListing(ctx context.Context, req CreateListingRequest) (*domain.Listing, error) {
	logger.EnterMethod("RentalLifecycle.CreateListing", "owner_id", req.OwnerID)
	if req.OwnerID == "" {
		return nil, domain.Validationf("owner id is required")
	}
	if err := ledger.ValidateAddress(req.OwnerAddress); err != nil {
		return nil, domain.Validationf("owner address: %v", err)
	}
	if req.RentAmount <= 0 {
		return nil, fmt.Errorf("%w: rent must be positive", domain.ErrInvalidAmount)
	}
	if req.DepositAmount < 0 {
		return nil, fmt.Errorf("%w: deposit must not be negative", domain.ErrInvalidAmount)
	}
	if req.AvailableQuantity < 1 {
		return nil, domain.Validationf("available quantity must be at least 1")
	}

	now := s.now()
	l := &domain.Listing{
		ID:                ids.NewOpID(),
		OwnerID:           req.OwnerID,
		OwnerAddress:      req.OwnerAddress,
		OwnerContact:      req.OwnerContact,
		Title:             req.Title,
		RentAmount:        req.RentAmount,
		DepositAmount:     req.DepositAmount,
		AvailableQuantity: req.AvailableQuantity,
		LateFeeEnabled:    req.LateFeeEnabled,
		CreatedOn:         now,
	}
	l.Refresh(now)
	if err := s.listings.Create(ctx, l); err != nil {
		logger.ExitMethodWithError("RentalLifecycle.CreateListing", err)
		return nil, storeErr("create listing", err)
	}
	logger.ExitMethod("RentalLifecycle.CreateListing", "listing_id", l.ID)
	return l, nil
}

func (s *rentalLifecycle) GetListing(ctx context.Context, listingID string) (*domain.Listing, error) {
	l, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return nil, storeErr("get listing", err)
	}
	return l, nil
}

// CloseListing soft-closes a listing once no agreement is open on it.
func (s *rentalLifecycle) CloseListing(ctx context.Context, ownerID, listingID string) (*domain.Listing, error) {
	return s.mutateListing(ctx, listingID, func(l *domain.Listing, now time.Time) error {
		if l.OwnerID != ownerID {
			return domain.ErrForbidden
		}
		if l.Closed {
			return errNoChange
		}
		if l.OpenAgreements() > 0 {
			return fmt.Errorf("%w: listing has open agreements", domain.ErrInvalidState)
		}
		l.Closed = true
		return nil
	})
}

// Book reserves a unit and opens and funds the escrow. A renter with a
// Pending agreement on the listing resumes it instead of reserving again.
func (s *rentalLifecycle) Book(ctx context.Context, req BookRequest) (*domain.Agreement, error) {
	logger.EnterMethod("RentalLifecycle.Book", "listing_id", req.ListingID, "renter_id", req.RenterID)
	if req.ListingID == "" || req.RenterID == "" {
		return nil, domain.Validationf("listing id and renter id are required")
	}
	if req.Duration < 0 {
		return nil, domain.Validationf("duration must not be negative")
	}
	renter, err := ledger.KeypairFromSecret(req.RenterSecret)
	if err != nil {
		return nil, domain.Validationf("renter secret is not a valid key")
	}
	renterAddress := renter.Address()

	var agreementID string
	resumed := false
	_, err = s.mutateListing(ctx, req.ListingID, func(l *domain.Listing, now time.Time) error {
		if l.Closed {
			return domain.ErrUnavailable
		}
		if l.OwnerID == req.RenterID {
			return domain.Validationf("owner cannot rent their own listing")
		}
		if open := l.OpenAgreementFor(req.RenterID); open != nil {
			if open.Status != domain.AgreementStatusPending {
				return domain.ErrDuplicateAgreement
			}
			if open.RenterAddress != renterAddress {
				return domain.Validationf("renter key does not match the pending agreement")
			}
			agreementID = open.ID
			resumed = true
			return errNoChange
		}
		if l.AvailableQuantity <= 0 {
			return domain.ErrUnavailable
		}

		l.AvailableQuantity--
		a := domain.Agreement{
			ID:            ids.NewAgreementID(),
			ListingID:     l.ID,
			RenterID:      req.RenterID,
			RenterAddress: renterAddress,
			RenterContact: req.RenterContact,
			RentAmount:    l.RentAmount,
			DepositAmount: l.DepositAmount,
			StartDate:     now,
			Status:        domain.AgreementStatusPending,
			CreatedOn:     now,
			UpdatedOn:     now,
		}
		if req.Duration > 0 {
			due := now.Add(req.Duration)
			a.DueDate = &due
		}
		l.Agreements = append(l.Agreements, a)
		agreementID = a.ID
		return nil
	})
	if err != nil {
		logger.ExitMethodWithError("RentalLifecycle.Book", err, "listing_id", req.ListingID)
		return nil, err
	}
	if !resumed {
		metrics.AgreementTransitions.WithLabelValues(string(domain.AgreementStatusPending)).Inc()
	}

	a, err := s.fundAgreement(ctx, agreementID, req.RenterSecret)
	if err != nil {
		logger.ExitMethodWithError("RentalLifecycle.Book", err, "agreement_id", agreementID, "resumed", resumed)
		return nil, err
	}
	logger.ExitMethod("RentalLifecycle.Book", "agreement_id", a.ID, "status", a.Status)
	return a, nil
}

func (s *rentalLifecycle) fundAgreement(ctx context.Context, agreementID, renterSecret string) (*domain.Agreement, error) {
	unlock := s.agreementLocks.Lock(agreementID)
	defer unlock()

	_, a, err := s.loadAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case domain.AgreementStatusActive:
		return a, nil
	case domain.AgreementStatusPending:
	default:
		return nil, domain.ErrInvalidState
	}

	escrow, err := s.ledger.OpenEscrow(ctx, OpenEscrowRequest{
		AgreementID:   a.ID,
		ListingID:     a.ListingID,
		RentAmount:    a.RentAmount,
		DepositAmount: a.DepositAmount,
	})
	if err != nil {
		return nil, s.ledgerFailure(ctx, a.ID, err)
	}

	hash, err := s.ledger.FundEscrow(ctx, FundEscrowRequest{
		AgreementID:   a.ID,
		ListingID:     a.ListingID,
		RenterSecret:  renterSecret,
		Escrow:        escrow,
		RentAmount:    a.RentAmount,
		DepositAmount: a.DepositAmount,
	})
	if err != nil {
		return nil, s.ledgerFailure(ctx, a.ID, err)
	}
	return s.activate(ctx, a.ID, escrow.Address, hash)
}

// ledgerFailure compensates a Pending agreement on a definite rejection. A
// timeout leaves it Pending for a retry or the sweep.
func (s *rentalLifecycle) ledgerFailure(ctx context.Context, agreementID string, err error) error {
	if !errors.Is(err, domain.ErrLedgerRejected) {
		return err
	}
	if _, cerr := s.compensate(ctx, agreementID); cerr != nil {
		logger.Error("Failed to roll back reservation", "agreement_id", agreementID, "error", cerr)
	}
	return err
}

func (s *rentalLifecycle) activate(ctx context.Context, agreementID, escrowAddress, fundingTx string) (*domain.Agreement, error) {
	l, err := s.mutateAgreement(ctx, agreementID, func(l *domain.Listing, a *domain.Agreement, now time.Time) error {
		if a.Status != domain.AgreementStatusPending {
			return errNoChange
		}
		a.Status = domain.AgreementStatusActive
		a.EscrowAddress = escrowAddress
		a.EscrowReserve = s.reserve
		a.FundingTx = fundingTx
		a.UpdatedOn = now
		metrics.AgreementTransitions.WithLabelValues(string(domain.AgreementStatusActive)).Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.resolveRecords(ctx, agreementID)
	a := l.Agreement(agreementID).Clone()
	return &a, nil
}

// compensate cancels a Pending agreement whose escrow never got funded and
// returns its unit.
func (s *rentalLifecycle) compensate(ctx context.Context, agreementID string) (*domain.Agreement, error) {
	l, err := s.mutateAgreement(ctx, agreementID, func(l *domain.Listing, a *domain.Agreement, now time.Time) error {
		if a.Status != domain.AgreementStatusPending {
			return errNoChange
		}
		s.closeAgreement(l, a, domain.AgreementStatusCancelled, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.otp.Revoke(agreementID)
	s.resolveRecords(ctx, agreementID)
	a := l.Agreement(agreementID).Clone()
	return &a, nil
}

// IssueCompletionCode sends a fresh completion code to the owner. Either
// party may ask for it.
func (s *rentalLifecycle) IssueCompletionCode(ctx context.Context, callerID, agreementID string) (time.Time, error) {
	l, a, err := s.loadAgreement(ctx, agreementID)
	if err != nil {
		return time.Time{}, err
	}
	if !isParty(l, a, callerID) {
		return time.Time{}, domain.ErrForbidden
	}
	if a.Status != domain.AgreementStatusActive {
		return time.Time{}, domain.ErrInvalidState
	}
	if l.OwnerContact == "" {
		return time.Time{}, domain.Validationf("listing has no owner contact")
	}
	_, expiresAt, err := s.otp.Issue(ctx, agreementID, l.OwnerContact)
	if err != nil {
		return time.Time{}, err
	}
	logger.InfoContext(ctx, "Completion code issued", "agreement_id", agreementID, "expires_at", expiresAt)
	return expiresAt, nil
}

// RequestCompletion verifies the code and settles the escrow. A settlement
// already in flight is resumed without a code.
func (s *rentalLifecycle) RequestCompletion(ctx context.Context, callerID, agreementID, code string) (*domain.Agreement, error) {
	logger.EnterMethod("RentalLifecycle.RequestCompletion", "agreement_id", agreementID)
	unlock := s.agreementLocks.Lock(agreementID)
	defer unlock()

	l, a, err := s.loadAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if !isParty(l, a, callerID) {
		return nil, domain.ErrForbidden
	}
	if a.Status != domain.AgreementStatusActive {
		return nil, domain.ErrInvalidState
	}

	if done, err := s.resumeSettlement(ctx, agreementID); done != nil || err != nil {
		return done, err
	}

	if err := s.otp.Verify(ctx, agreementID, code); err != nil {
		logger.ExitMethodWithError("RentalLifecycle.RequestCompletion", err, "agreement_id", agreementID)
		return nil, err
	}

	if l.LateFeeEnabled && a.DueDate != nil {
		if l, a, err = s.applyLateFee(ctx, agreementID); err != nil {
			return nil, err
		}
	}

	st := s.penalties.Settle(a.RentAmount, a.DepositAmount, a.PenaltyTotal())
	hash, err := s.ledger.Settle(ctx, SettleRequest{
		AgreementID:   a.ID,
		ListingID:     a.ListingID,
		Escrow:        a.Escrow(),
		RenterAddress: a.RenterAddress,
		OwnerAddress:  l.OwnerAddress,
		Refund:        st.Refund,
		Remainder:     st.OwnerPayout,
	})
	if err != nil {
		logger.ExitMethodWithError("RentalLifecycle.RequestCompletion", err, "agreement_id", agreementID)
		return nil, err
	}

	done, err := s.finishCompletion(ctx, agreementID, hash, st.Refund, st.OwnerPayout)
	if err != nil {
		return nil, err
	}
	logger.ExitMethod("RentalLifecycle.RequestCompletion", "agreement_id", agreementID, "refund", st.Refund, "owner_payout", st.OwnerPayout)
	return done, nil
}

// resumeSettlement finishes a settle whose outcome was not observed. It
// returns nil, nil when there is nothing to resume.
func (s *rentalLifecycle) resumeSettlement(ctx context.Context, agreementID string) (*domain.Agreement, error) {
	prev, err := s.recon.Latest(ctx, agreementID, domain.LedgerOpSettle)
	if err != nil {
		return nil, domain.Internal("load settle record", err)
	}
	if prev == nil || prev.Failed() {
		return nil, nil
	}
	res, err := s.ledger.Resolve(ctx, *prev)
	switch res {
	case ResolutionApplied:
		if cerr := s.recon.Confirm(ctx, prev.OpID, domain.ConfirmedApplied); cerr != nil {
			logger.Error("Failed to confirm ledger op", "op_id", prev.OpID, "error", cerr)
		}
		return s.finishCompletion(ctx, agreementID, prev.TxHash, prev.RefundAmount, prev.OwnerPayout)
	case ResolutionFailed:
		if cerr := s.recon.Confirm(ctx, prev.OpID, domain.ConfirmedFailed); cerr != nil {
			logger.Error("Failed to confirm ledger op", "op_id", prev.OpID, "error", cerr)
		}
		return nil, nil
	}
	return nil, &domain.LedgerError{Kind: domain.LedgerTimeout, Op: domain.LedgerOpSettle, Reason: "previous settlement still pending", TxHash: prev.TxHash, Err: err}
}

// applyLateFee tops the late fee penalty up to what is owed now, capped at
// the deposit left after other penalties.
func (s *rentalLifecycle) applyLateFee(ctx context.Context, agreementID string) (*domain.Listing, *domain.Agreement, error) {
	l, err := s.mutateAgreement(ctx, agreementID, func(l *domain.Listing, a *domain.Agreement, now time.Time) error {
		owed := s.penalties.LateFee(a.RentAmount, *a.DueDate, now)
		var charged int64
		for _, p := range a.Penalties {
			if p.Kind == domain.PenaltyKindLateFee {
				charged += p.Amount
			}
		}
		amount := utils.CapPenalty(owed-charged, a.PenaltyTotal(), a.DepositAmount)
		if amount <= 0 {
			return errNoChange
		}
		a.Penalties = append(a.Penalties, domain.Penalty{
			Amount:  amount,
			Kind:    domain.PenaltyKindLateFee,
			Reason:  fmt.Sprintf("returned %d day(s) late", utils.DaysLate(*a.DueDate, now)),
			AddedBy: systemActor,
			AddedOn: now,
		})
		a.UpdatedOn = now
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return l, l.Agreement(agreementID), nil
}

func (s *rentalLifecycle) finishCompletion(ctx context.Context, agreementID, hash string, refund, payout int64) (*domain.Agreement, error) {
	l, err := s.mutateAgreement(ctx, agreementID, func(l *domain.Listing, a *domain.Agreement, now time.Time) error {
		if a.Status != domain.AgreementStatusActive {
			return errNoChange
		}
		// Keep refund = deposit - penalties when the ledger retained more
		// than the recorded penalties.
		if retained := a.DepositAmount - refund; retained > a.PenaltyTotal() {
			a.Penalties = append(a.Penalties, domain.Penalty{
				Amount:  retained - a.PenaltyTotal(),
				Kind:    domain.PenaltyKindRetained,
				Reason:  "retained at settlement",
				AddedBy: systemActor,
				AddedOn: now,
			})
		}
		a.RefundAmount = refund
		a.OwnerPayout = payout
		a.SettlementTx = hash
		s.closeAgreement(l, a, domain.AgreementStatusCompleted, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.otp.Revoke(agreementID)
	s.resolveRecords(ctx, agreementID)

	a := l.Agreement(agreementID).Clone()
	s.notify(ctx, a.RenterContact, "Rental completed",
		fmt.Sprintf("Your rental of %q is complete. Refund: %d.", l.Title, a.RefundAmount))
	return &a, nil
}

// Cancel ends a Pending or Active agreement. Funded escrows are merged back
// into the renter; unfunded ones need no ledger call.
func (s *rentalLifecycle) Cancel(ctx context.Context, callerID, agreementID string) (*domain.Agreement, error) {
	logger.EnterMethod("RentalLifecycle.Cancel", "agreement_id", agreementID)
	unlock := s.agreementLocks.Lock(agreementID)
	defer unlock()

	l, a, err := s.loadAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if !isParty(l, a, callerID) {
		return nil, domain.ErrForbidden
	}
	if a.IsTerminal() {
		return nil, domain.ErrInvalidState
	}
	if settle, err := s.recon.Latest(ctx, agreementID, domain.LedgerOpSettle); err != nil {
		return nil, domain.Internal("load settle record", err)
	} else if settle != nil && !settle.Failed() {
		return nil, fmt.Errorf("%w: settlement already requested", domain.ErrInvalidState)
	}

	escrowAddress := a.EscrowAddress
	if a.Status == domain.AgreementStatusPending {
		funded, addr, err := s.pendingFunding(ctx, agreementID)
		if err != nil {
			return nil, err
		}
		if !funded {
			done, err := s.compensate(ctx, agreementID)
			if err != nil {
				return nil, err
			}
			logger.ExitMethod("RentalLifecycle.Cancel", "agreement_id", agreementID, "ledger", false)
			return done, nil
		}
		escrowAddress = addr
	}

	hash, err := s.ledger.RefundAndClose(ctx, RefundRequest{
		AgreementID:   a.ID,
		ListingID:     a.ListingID,
		Escrow:        domain.EscrowAccount{Address: escrowAddress, AgreementID: a.ID, Reserve: s.reserve},
		RenterAddress: a.RenterAddress,
	})
	if err != nil {
		logger.ExitMethodWithError("RentalLifecycle.Cancel", err, "agreement_id", agreementID)
		return nil, err
	}
	done, err := s.finishCancellation(ctx, agreementID, hash)
	if err != nil {
		return nil, err
	}
	logger.ExitMethod("RentalLifecycle.Cancel", "agreement_id", agreementID, "ledger", true)
	return done, nil
}

// pendingFunding reports whether a Pending agreement's escrow received the
// renter's funds. An unresolved attempt is a timeout.
func (s *rentalLifecycle) pendingFunding(ctx context.Context, agreementID string) (bool, string, error) {
	fund, err := s.recon.Latest(ctx, agreementID, domain.LedgerOpFundEscrow)
	if err != nil {
		return false, "", domain.Internal("load fund record", err)
	}
	if fund == nil || fund.Failed() {
		return false, "", nil
	}
	if fund.Applied() {
		return true, fund.EscrowAddress, nil
	}
	res, err := s.ledger.Resolve(ctx, *fund)
	switch res {
	case ResolutionApplied:
		if cerr := s.recon.Confirm(ctx, fund.OpID, domain.ConfirmedApplied); cerr != nil {
			logger.Error("Failed to confirm ledger op", "op_id", fund.OpID, "error", cerr)
		}
		return true, fund.EscrowAddress, nil
	case ResolutionFailed:
		if cerr := s.recon.Confirm(ctx, fund.OpID, domain.ConfirmedFailed); cerr != nil {
			logger.Error("Failed to confirm ledger op", "op_id", fund.OpID, "error", cerr)
		}
		return false, "", nil
	}
	return false, "", &domain.LedgerError{Kind: domain.LedgerTimeout, Op: domain.LedgerOpFundEscrow, Reason: "funding outcome unknown", TxHash: fund.TxHash, Err: err}
}

func (s *rentalLifecycle) finishCancellation(ctx context.Context, agreementID, hash string) (*domain.Agreement, error) {
	l, err := s.mutateAgreement(ctx, agreementID, func(l *domain.Listing, a *domain.Agreement, now time.Time) error {
		if a.IsTerminal() {
			return errNoChange
		}
		a.SettlementTx = hash
		a.RefundAmount = a.RentAmount + a.DepositAmount
		a.OwnerPayout = 0
		s.closeAgreement(l, a, domain.AgreementStatusCancelled, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.otp.Revoke(agreementID)
	s.resolveRecords(ctx, agreementID)

	a := l.Agreement(agreementID).Clone()
	s.notify(ctx, a.RenterContact, "Rental cancelled",
		fmt.Sprintf("Your rental of %q was cancelled and %d returned.", l.Title, a.RefundAmount))
	return &a, nil
}

// AddPenalty records an owner deduction from the deposit. Funds move only
// at completion.
func (s *rentalLifecycle) AddPenalty(ctx context.Context, ownerID, agreementID string, amount int64, reason string) (*domain.Agreement, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: penalty must not be negative", domain.ErrInvalidAmount)
	}
	unlock := s.agreementLocks.Lock(agreementID)
	defer unlock()

	l, a, err := s.loadAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != ownerID {
		return nil, domain.ErrForbidden
	}
	if a.Status != domain.AgreementStatusActive {
		return nil, domain.ErrInvalidState
	}
	if amount == 0 {
		return a, nil
	}
	if settle, err := s.recon.Latest(ctx, agreementID, domain.LedgerOpSettle); err != nil {
		return nil, domain.Internal("load settle record", err)
	} else if settle != nil && !settle.Failed() {
		return nil, fmt.Errorf("%w: settlement already requested", domain.ErrInvalidState)
	}

	l, err = s.mutateAgreement(ctx, agreementID, func(l *domain.Listing, a *domain.Agreement, now time.Time) error {
		if a.Status != domain.AgreementStatusActive {
			return domain.ErrInvalidState
		}
		if a.PenaltyTotal()+amount > a.DepositAmount {
			return fmt.Errorf("%w: penalties would exceed the deposit of %d", domain.ErrInvalidAmount, a.DepositAmount)
		}
		a.Penalties = append(a.Penalties, domain.Penalty{
			Amount:  amount,
			Kind:    domain.PenaltyKindManual,
			Reason:  reason,
			AddedBy: ownerID,
			AddedOn: now,
		})
		a.UpdatedOn = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := l.Agreement(agreementID).Clone()
	return &out, nil
}

// ApplyLedgerOutcome brings the agreement in line with a confirmed record.
// Outcomes already reflected are no-ops.
func (s *rentalLifecycle) ApplyLedgerOutcome(ctx context.Context, rec domain.ReconciliationRecord) error {
	if !rec.IsConfirmed() {
		return fmt.Errorf("%w: record %s is unconfirmed", domain.ErrInvalidState, rec.OpID)
	}
	unlock := s.agreementLocks.Lock(rec.AgreementID)
	defer unlock()

	_, a, err := s.loadAgreement(ctx, rec.AgreementID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("Ledger record for unknown agreement", "op_id", rec.OpID, "agreement_id", rec.AgreementID)
		return nil
	}
	if err != nil {
		return err
	}

	latest, err := s.recon.Latest(ctx, rec.AgreementID, rec.Kind)
	if err != nil {
		return domain.Internal("load ledger record", err)
	}
	superseded := latest != nil && latest.OpID != rec.OpID

	switch {
	case rec.Kind == domain.LedgerOpOpenEscrow && rec.Failed():
		if a.Status == domain.AgreementStatusPending && !superseded {
			_, err = s.compensate(ctx, a.ID)
		}
	case rec.Kind == domain.LedgerOpOpenEscrow && rec.Applied():
		// Activation waits for the funding leg.
		if a.Status == domain.AgreementStatusPending {
			fund, ferr := s.recon.Latest(ctx, a.ID, domain.LedgerOpFundEscrow)
			if ferr != nil {
				return domain.Internal("load fund record", ferr)
			}
			if fund != nil && fund.Applied() {
				_, err = s.activate(ctx, a.ID, fund.EscrowAddress, fund.TxHash)
			}
		}
	case rec.Kind == domain.LedgerOpFundEscrow && rec.Applied():
		switch a.Status {
		case domain.AgreementStatusPending:
			_, err = s.activate(ctx, a.ID, rec.EscrowAddress, rec.TxHash)
		case domain.AgreementStatusCancelled:
			if a.SettlementTx == "" {
				logger.Error("Funded escrow on cancelled agreement needs a manual refund",
					"agreement_id", a.ID, "escrow", rec.EscrowAddress, "tx", rec.TxHash)
			}
		}
	case rec.Kind == domain.LedgerOpFundEscrow && rec.Failed():
		if a.Status == domain.AgreementStatusPending && !superseded {
			_, err = s.compensate(ctx, a.ID)
		}
	case rec.Kind == domain.LedgerOpSettle && rec.Applied():
		if a.Status == domain.AgreementStatusActive {
			_, err = s.finishCompletion(ctx, a.ID, rec.TxHash, rec.RefundAmount, rec.OwnerPayout)
		}
	case rec.Kind == domain.LedgerOpRefund && rec.Applied():
		if !a.IsTerminal() {
			_, err = s.finishCancellation(ctx, a.ID, rec.TxHash)
		}
	}
	// settle and refund failures leave the agreement Active for a retry
	return err
}

func (s *rentalLifecycle) OverdueAgreements(ctx context.Context, now time.Time) ([]domain.Agreement, error) {
	out, err := s.listings.ListActiveDueBefore(ctx, now)
	if err != nil {
		return nil, storeErr("list overdue agreements", err)
	}
	return out, nil
}

// closeAgreement moves a to a terminal status and returns its unit.
func (s *rentalLifecycle) closeAgreement(l *domain.Listing, a *domain.Agreement, status domain.AgreementStatus, now time.Time) {
	a.Status = status
	// end_date must be strictly after start_date, at storage resolution.
	end := now
	if !end.After(a.StartDate) {
		end = a.StartDate.Add(time.Microsecond)
	}
	a.EndDate = &end
	a.UpdatedOn = now
	l.AvailableQuantity++
	metrics.AgreementTransitions.WithLabelValues(string(status)).Inc()
}

// resolveRecords marks the agreement's confirmed records resolved once
// business state reflects them.
func (s *rentalLifecycle) resolveRecords(ctx context.Context, agreementID string) {
	recs, err := s.recon.History(ctx, agreementID)
	if err != nil {
		logger.Error("Failed to load ledger records", "agreement_id", agreementID, "error", err)
		return
	}
	for _, rec := range recs {
		if rec.IsConfirmed() && !rec.IsResolved() {
			if err := s.recon.MarkResolved(ctx, rec.OpID); err != nil {
				logger.Error("Failed to mark ledger op resolved", "op_id", rec.OpID, "error", err)
			}
		}
	}
}

func (s *rentalLifecycle) notify(ctx context.Context, destination, subject, body string) {
	if s.notifier == nil || destination == "" {
		return
	}
	if err := s.notifier.SendNotice(ctx, destination, subject, body); err != nil {
		logger.WarnContext(ctx, "Notice delivery failed", "destination", destination, "error", err)
	}
}

func (s *rentalLifecycle) loadAgreement(ctx context.Context, agreementID string) (*domain.Listing, *domain.Agreement, error) {
	l, err := s.listings.GetByAgreementID(ctx, agreementID)
	if err != nil {
		return nil, nil, storeErr("load agreement", err)
	}
	a := l.Agreement(agreementID)
	if a == nil {
		return nil, nil, domain.ErrNotFound
	}
	return l, a, nil
}

// mutateListing applies fn to a fresh copy of the listing under its lock
// and saves it, retrying on version conflicts. fn may return errNoChange to
// skip the save.
func (s *rentalLifecycle) mutateListing(ctx context.Context, listingID string, fn func(l *domain.Listing, now time.Time) error) (*domain.Listing, error) {
	for attempt := 1; ; attempt++ {
		l, err := s.tryMutate(ctx, listingID, fn)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt == maxSaveAttempts {
			return nil, err
		}
		logger.Debug("Listing version conflict, retrying", "listing_id", listingID, "attempt", attempt)
	}
}

func (s *rentalLifecycle) tryMutate(ctx context.Context, listingID string, fn func(l *domain.Listing, now time.Time) error) (*domain.Listing, error) {
	unlock := s.listingLocks.Lock(listingID)
	defer unlock()

	l, err := s.listings.GetByID(ctx, listingID)
	if err != nil {
		return nil, storeErr("load listing", err)
	}
	now := s.now()
	if err := fn(l, now); err != nil {
		if errors.Is(err, errNoChange) {
			return l, nil
		}
		return nil, err
	}
	l.Refresh(now)
	if err := s.listings.Save(ctx, l); err != nil {
		return nil, storeErr("save listing", err)
	}
	return l, nil
}

func (s *rentalLifecycle) mutateAgreement(ctx context.Context, agreementID string, fn func(l *domain.Listing, a *domain.Agreement, now time.Time) error) (*domain.Listing, error) {
	owner, err := s.listings.GetByAgreementID(ctx, agreementID)
	if err != nil {
		return nil, storeErr("load agreement", err)
	}
	return s.mutateListing(ctx, owner.ID, func(l *domain.Listing, now time.Time) error {
		a := l.Agreement(agreementID)
		if a == nil {
			return domain.ErrNotFound
		}
		return fn(l, a, now)
	})
}

func isParty(l *domain.Listing, a *domain.Agreement, callerID string) bool {
	return callerID != "" && (callerID == a.RenterID || callerID == l.OwnerID)
}

// storeErr passes domain errors through and wraps everything else as internal.
func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, domain.ErrDuplicateAgreement),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInternal):
		return err
	}
	return domain.Internal(op, err)
}
