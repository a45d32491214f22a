package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/metrics"
)

const codeDigits = 6

var codeSpace = big.NewInt(1_000_000)

type OTPOptions struct {
	TTL           time.Duration
	BcryptCost    int
	IssueEvery    time.Duration
	IssueBurst    int
	SweepInterval time.Duration
	Now           func() time.Time
}

type codeEntry struct {
	hash      []byte
	expiresAt time.Time
}

// CodeGate keeps at most one live code per agreement, stored as a bcrypt
// hash with its own expiry.
type CodeGate struct {
	notifier Notifier
	opts     OTPOptions

	mu       sync.Mutex
	codes    map[string]*codeEntry
	limiters map[string]*rate.Limiter

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewOTPGate(notifier Notifier, opts OTPOptions) *CodeGate {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.IssueEvery <= 0 {
		opts.IssueEvery = 30 * time.Second
	}
	if opts.IssueBurst <= 0 {
		opts.IssueBurst = 3
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CodeGate{
		notifier: notifier,
		opts:     opts,
		codes:    make(map[string]*codeEntry),
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Issue replaces any code for the agreement with a fresh one and hands it
// to the notifier. A delivery failure is logged and the code stays valid.
func (g *CodeGate) Issue(ctx context.Context, agreementID, destination string) (string, time.Time, error) {
	now := g.opts.Now()
	if !g.allow(agreementID, now) {
		metrics.OTPEvents.WithLabelValues("rate_limited").Inc()
		return "", time.Time{}, domain.ErrRateLimited
	}

	code, err := newCode()
	if err != nil {
		return "", time.Time{}, domain.Internal("generate code", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), g.opts.BcryptCost)
	if err != nil {
		return "", time.Time{}, domain.Internal("hash code", err)
	}
	expiresAt := now.Add(g.opts.TTL)

	g.mu.Lock()
	g.codes[agreementID] = &codeEntry{hash: hash, expiresAt: expiresAt}
	g.mu.Unlock()
	metrics.OTPEvents.WithLabelValues("issued").Inc()

	if g.notifier != nil && destination != "" {
		if err := g.notifier.SendCode(ctx, destination, code); err != nil {
			logger.WarnContext(ctx, "Completion code delivery failed", "agreement_id", agreementID, "error", err)
		}
	}
	return code, expiresAt, nil
}

// Verify consumes the code on success. Concurrent verifies of the same code
// succeed at most once.
func (g *CodeGate) Verify(ctx context.Context, agreementID, code string) error {
	now := g.opts.Now()

	g.mu.Lock()
	entry, ok := g.codes[agreementID]
	if !ok {
		g.mu.Unlock()
		metrics.OTPEvents.WithLabelValues("invalid").Inc()
		return domain.ErrInvalidCode
	}
	if !now.Before(entry.expiresAt) {
		delete(g.codes, agreementID)
		g.mu.Unlock()
		metrics.OTPEvents.WithLabelValues("expired").Inc()
		return domain.ErrCodeExpired
	}
	g.mu.Unlock()

	if len(code) != codeDigits || bcrypt.CompareHashAndPassword(entry.hash, []byte(code)) != nil {
		metrics.OTPEvents.WithLabelValues("invalid").Inc()
		return domain.ErrInvalidCode
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.codes[agreementID] != entry {
		// consumed or replaced while comparing
		metrics.OTPEvents.WithLabelValues("invalid").Inc()
		return domain.ErrInvalidCode
	}
	delete(g.codes, agreementID)
	metrics.OTPEvents.WithLabelValues("verified").Inc()
	return nil
}

// Revoke drops any live code for the agreement.
func (g *CodeGate) Revoke(agreementID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.codes, agreementID)
}

// Sweep removes expired codes and idle rate limiters, returning the number
// of codes removed.
func (g *CodeGate) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, e := range g.codes {
		if !now.Before(e.expiresAt) {
			delete(g.codes, id)
			removed++
		}
	}
	for id, l := range g.limiters {
		if _, live := g.codes[id]; !live && l.TokensAt(now) >= float64(g.opts.IssueBurst) {
			delete(g.limiters, id)
		}
	}
	if removed > 0 {
		metrics.OTPEvents.WithLabelValues("swept").Add(float64(removed))
	}
	return removed
}

// Len reports how many codes are live or awaiting sweep.
func (g *CodeGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.codes)
}

// Start runs the sweep loop until ctx is done or Stop is called.
func (g *CodeGate) Start(ctx context.Context) {
	g.mu.Lock()
	g.started = true
	g.mu.Unlock()
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				if n := g.Sweep(g.opts.Now()); n > 0 {
					logger.Debug("Swept expired completion codes", "count", n)
				}
			}
		}
	}()
}

// Stop ends the sweep loop started by Start and waits for it.
func (g *CodeGate) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()
	if started {
		<-g.done
	}
}

func (g *CodeGate) allow(agreementID string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[agreementID]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.opts.IssueEvery), g.opts.IssueBurst)
		g.limiters[agreementID] = l
	}
	return l.AllowN(now, 1)
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
