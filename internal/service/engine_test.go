package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/ledger"
	"rental-escrow-backend/internal/ledger/sim"
	"rental-escrow-backend/internal/repository/memory"
	"rental-escrow-backend/internal/security"
	"rental-escrow-backend/internal/service"
	"rental-escrow-backend/internal/utils"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	ownerID      = "owner-1"
	renterID     = "renter-1"
	ownerContact = "owner@example.com"
	txTimeout    = 30 * time.Second
	txGrace      = 30 * time.Second
	pastWindow   = txTimeout + txGrace + time.Second
)

// engine wires the real components over the simulated ledger and the
// in-memory store.
type engine struct {
	clock      *fakeClock
	ledger     *sim.Ledger
	store      *memory.Store
	inbox      *codeInbox
	otp        *service.CodeGate
	recon      service.ReconciliationLog
	manager    service.LedgerAccountManager
	lifecycle  service.RentalLifecycle
	reconciler *service.Reconciler
	owner      *ledger.Keypair
	renter     *ledger.Keypair
}

func newEngine(t *testing.T) *engine {
	return newEngineWith(t, nil)
}

func newEngineWith(t *testing.T, wrap func(ledger.Client) ledger.Client) *engine {
	t.Helper()
	clk := newFakeClock()
	l := sim.New(sim.WithClock(clk.Now))

	funder := mustKeypair(t)
	require.NoError(t, l.Fund(funder.Address(), 10_000))
	owner := mustKeypair(t)
	require.NoError(t, l.Fund(owner.Address(), 0))
	renter := mustKeypair(t)
	require.NoError(t, l.Fund(renter.Address(), 1000))

	var client ledger.Client = l
	if wrap != nil {
		client = wrap(l)
	}

	store := memory.NewStore()
	sealer, err := security.NewSealer("engine-test-passphrase", "engine-test-salt")
	require.NoError(t, err)
	vault := service.NewKeyVault(store.EscrowKeyRepository, sealer)
	recon := service.NewReconciliationLog(store.ReconciliationRepository, clk.Now)
	mgr, err := service.NewLedgerAccountManager(client, vault, recon, service.EscrowOptions{
		FundingSecret:   funder.Secret(),
		StartingReserve: 10,
		BaseFee:         1,
		TxTimeout:       txTimeout,
		TxGrace:         txGrace,
		Now:             clk.Now,
	})
	require.NoError(t, err)

	inbox := newCodeInbox()
	otp := service.NewOTPGate(inbox, service.OTPOptions{
		TTL:        10 * time.Minute,
		BcryptCost: bcrypt.MinCost,
		IssueEvery: time.Second,
		IssueBurst: 5,
		Now:        clk.Now,
	})
	lc := service.NewRentalLifecycle(store.ListingRepository, mgr, otp, recon, inbox, service.LifecycleOptions{
		Penalties:     utils.NewPenaltyCalculator(10),
		EscrowReserve: 10,
		Now:           clk.Now,
	})

	return &engine{
		clock:      clk,
		ledger:     l,
		store:      store,
		inbox:      inbox,
		otp:        otp,
		recon:      recon,
		manager:    mgr,
		lifecycle:  lc,
		reconciler: service.NewReconciler(recon, mgr, lc),
		owner:      owner,
		renter:     renter,
	}
}

func mustKeypair(t *testing.T) *ledger.Keypair {
	t.Helper()
	kp, err := ledger.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func (e *engine) createListing(t *testing.T, qty int32, lateFee bool) *domain.Listing {
	t.Helper()
	l, err := e.lifecycle.CreateListing(context.Background(), service.CreateListingRequest{
		OwnerID:           ownerID,
		OwnerAddress:      e.owner.Address(),
		OwnerContact:      ownerContact,
		Title:             "Cordless drill",
		RentAmount:        100,
		DepositAmount:     50,
		AvailableQuantity: qty,
		LateFeeEnabled:    lateFee,
	})
	require.NoError(t, err)
	return l
}

func (e *engine) book(listingID string) (*domain.Agreement, error) {
	return e.bookAs(listingID, renterID, e.renter)
}

func (e *engine) bookAs(listingID, renter string, kp *ledger.Keypair) (*domain.Agreement, error) {
	return e.lifecycle.Book(context.Background(), service.BookRequest{
		ListingID:     listingID,
		RenterID:      renter,
		RenterContact: renter + "@example.com",
		RenterSecret:  kp.Secret(),
		Duration:      72 * time.Hour,
	})
}

func (e *engine) listing(t *testing.T, id string) *domain.Listing {
	t.Helper()
	l, err := e.lifecycle.GetListing(context.Background(), id)
	require.NoError(t, err)
	return l
}

func (e *engine) agreement(t *testing.T, listingID, agreementID string) domain.Agreement {
	t.Helper()
	a := e.listing(t, listingID).Agreement(agreementID)
	require.NotNil(t, a)
	return *a
}

// onlyAgreement returns the single agreement on a listing.
func (e *engine) onlyAgreement(t *testing.T, listingID string) domain.Agreement {
	t.Helper()
	l := e.listing(t, listingID)
	require.Len(t, l.Agreements, 1)
	return l.Agreements[0]
}

// balance returns an account balance, or -1 when the account is gone.
func (e *engine) balance(t *testing.T, address string) int64 {
	t.Helper()
	acct, err := e.ledger.Account(context.Background(), address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return -1
	}
	require.NoError(t, err)
	return acct.Balance
}

func (e *engine) issueCode(t *testing.T, agreementID string) string {
	t.Helper()
	_, err := e.lifecycle.IssueCompletionCode(context.Background(), renterID, agreementID)
	require.NoError(t, err)
	code := e.inbox.code(ownerContact)
	require.Len(t, code, 6)
	return code
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// lossyClient fails lookups while failLookups is positive, so an applied
// submission can end up unobserved.
type lossyClient struct {
	ledger.Client
	mu          sync.Mutex
	failLookups int
}

func (c *lossyClient) Transaction(ctx context.Context, hash string) (*ledger.TxResult, error) {
	c.mu.Lock()
	if c.failLookups > 0 {
		c.failLookups--
		c.mu.Unlock()
		return nil, ledger.ErrTimeout
	}
	c.mu.Unlock()
	return c.Client.Transaction(ctx, hash)
}
