package http_test

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

func listingOrNil(args mock.Arguments) *domain.Listing {
	if l, ok := args.Get(0).(*domain.Listing); ok {
		return l
	}
	return nil
}

func agreementOrNil(args mock.Arguments) *domain.Agreement {
	if a, ok := args.Get(0).(*domain.Agreement); ok {
		return a
	}
	return nil
}

func (m *MockRentalLifecycle) CreateListing(ctx context.Context, req service.CreateListingRequest) (*domain.Listing, error) {
	args := m.Called(ctx, req)
	return listingOrNil(args), args.Error(1)
}
func (m *MockRentalLifecycle) GetListing(ctx context.Context, listingID string) (*domain.Listing, error) {
	args := m.Called(ctx, listingID)
	return listingOrNil(args), args.Error(1)
}
func (m *MockRentalLifecycle) CloseListing(ctx context.Context, ownerID, listingID string) (*domain.Listing, error) {
	args := m.Called(ctx, ownerID, listingID)
	return listingOrNil(args), args.Error(1)
}
func (m *MockRentalLifecycle) Book(ctx context.Context, req service.BookRequest) (*domain.Agreement, error) {
	args := m.Called(ctx, req)
	return agreementOrNil(args), args.Error(1)
}
func (m *MockRentalLifecycle) IssueCompletionCode(ctx context.Context, callerID, agreementID string) (time.Time, error) {
	args := m.Called(ctx, callerID, agreementID)
	return args.Get(0).(time.Time), args.Error(1)
}
func (m *MockRentalLifecycle) RequestCompletion(ctx context.Context, callerID, agreementID, code string) (*domain.Agreement, error) {
	args := m.Called(ctx, callerID, agreementID, code)
	return agreementOrNil(args), args.Error(1)
}
func (m *MockRentalLifecycle) Cancel(ctx context.Context, callerID, agreementID string) (*domain.Agreement, error) {
	args := m.Called(ctx, callerID, agreementID)
	return agreementOrNil(args), args.Error(1)
}
func (m *MockRentalLifecycle) AddPenalty(ctx context.Context, ownerID, agreementID string, amount int64, reason string) (*domain.Agreement, error) {
	args := m.Called(ctx, ownerID, agreementID, amount, reason)
	return agreementOrNil(args), args.Error(1)
}
func (m *MockRentalLifecycle) ApplyLedgerOutcome(ctx context.Context, rec domain.ReconciliationRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}
func (m *MockRentalLifecycle) OverdueAgreements(ctx context.Context, now time.Time) ([]domain.Agreement, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]domain.Agreement), args.Error(1)
}
