package service_test

import (
	"context"
	"sync"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/service"

	"github.com/stretchr/testify/mock"
)

// MockLedgerAccountManager
type MockLedgerAccountManager struct {
	mock.Mock
}

func (m *MockLedgerAccountManager) OpenEscrow(ctx context.Context, req service.OpenEscrowRequest) (domain.EscrowAccount, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.EscrowAccount), args.Error(1)
}
func (m *MockLedgerAccountManager) FundEscrow(ctx context.Context, req service.FundEscrowRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}
func (m *MockLedgerAccountManager) Settle(ctx context.Context, req service.SettleRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}
func (m *MockLedgerAccountManager) RefundAndClose(ctx context.Context, req service.RefundRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}
func (m *MockLedgerAccountManager) Balance(ctx context.Context, escrow domain.EscrowAccount) (int64, error) {
	args := m.Called(ctx, escrow)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockLedgerAccountManager) Resolve(ctx context.Context, rec domain.ReconciliationRecord) (service.Resolution, error) {
	args := m.Called(ctx, rec)
	return args.Get(0).(service.Resolution), args.Error(1)
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

// codeInbox captures delivered codes by destination.
type codeInbox struct {
	mu      sync.Mutex
	codes   map[string]string
	notices map[string][]string
}

func newCodeInbox() *codeInbox {
	return &codeInbox{codes: make(map[string]string), notices: make(map[string][]string)}
}

func (c *codeInbox) SendCode(ctx context.Context, destination, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[destination] = code
	return nil
}

func (c *codeInbox) SendNotice(ctx context.Context, destination, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices[destination] = append(c.notices[destination], subject)
	return nil
}

func (c *codeInbox) code(destination string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[destination]
}

func (c *codeInbox) noticeCount(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notices[destination])
}

// fakeClock is a settable clock shared by every component under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
