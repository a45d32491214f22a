package jobs_test

import (
	"context"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/service"

	"github.com/stretchr/testify/mock"
)

// MockRentalLifecycle
type MockRentalLifecycle struct {
	mock.Mock
}

func (m *MockRentalLifecycle) CreateListing(ctx context.Context, req service.CreateListingRequest) (*domain.Listing, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(*domain.Listing), args.Error(1)
}
func (m *MockRentalLifecycle) GetListing(ctx context.Context, listingID string) (*domain.Listing, error) {
	args := m.Called(ctx, listingID)
	return args.Get(0).(*domain.Listing), args.Error(1)
}
func (m *MockRentalLifecycle) CloseListing(ctx context.Context, ownerID, listingID string) (*domain.Listing, error) {
	args := m.Called(ctx, ownerID, listingID)
	return args.Get(0).(*domain.Listing), args.Error(1)
}
func (m *MockRentalLifecycle) Book(ctx context.Context, req service.BookRequest) (*domain.Agreement, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(*domain.Agreement), args.Error(1)
}
func (m *MockRentalLifecycle) IssueCompletionCode(ctx context.Context, callerID, agreementID string) (time.Time, error) {
	args := m.Called(ctx, callerID, agreementID)
	return args.Get(0).(time.Time), args.Error(1)
}
func (m *MockRentalLifecycle) RequestCompletion(ctx context.Context, callerID, agreementID, code string) (*domain.Agreement, error) {
	args := m.Called(ctx, callerID, agreementID, code)
	return args.Get(0).(*domain.Agreement), args.Error(1)
}
func (m *MockRentalLifecycle) Cancel(ctx context.Context, callerID, agreementID string) (*domain.Agreement, error) {
	args := m.Called(ctx, callerID, agreementID)
	return args.Get(0).(*domain.Agreement), args.Error(1)
}
func (m *MockRentalLifecycle) AddPenalty(ctx context.Context, ownerID, agreementID string, amount int64, reason string) (*domain.Agreement, error) {
	args := m.Called(ctx, ownerID, agreementID, amount, reason)
	return args.Get(0).(*domain.Agreement), args.Error(1)
}
func (m *MockRentalLifecycle) ApplyLedgerOutcome(ctx context.Context, rec domain.ReconciliationRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}
func (m *MockRentalLifecycle) OverdueAgreements(ctx context.Context, now time.Time) ([]domain.Agreement, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]domain.Agreement), args.Error(1)
}

// MockSweeper
type MockSweeper struct {
	mock.Mock
}

func (m *MockSweeper) Sweep(ctx context.Context) (service.SweepReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(service.SweepReport), args.Error(1)
}

// MockOTPGate
type MockOTPGate struct {
	mock.Mock
}

func (m *MockOTPGate) Issue(ctx context.Context, agreementID, destination string) (string, time.Time, error) {
	args := m.Called(ctx, agreementID, destination)
	return args.String(0), args.Get(1).(time.Time), args.Error(2)
}
func (m *MockOTPGate) Verify(ctx context.Context, agreementID, code string) error {
	args := m.Called(ctx, agreementID, code)
	return args.Error(0)
}
func (m *MockOTPGate) Revoke(agreementID string) {
	m.Called(agreementID)
}
func (m *MockOTPGate) Sweep(now time.Time) int {
	args := m.Called(now)
	return args.Int(0)
}

// MockNotifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendCode(ctx context.Context, destination, code string) error {
	args := m.Called(ctx, destination, code)
	return args.Error(0)
}
func (m *MockNotifier) SendNotice(ctx context.Context, destination, subject, body string) error {
	args := m.Called(ctx, destination, subject, body)
	return args.Error(0)
}
