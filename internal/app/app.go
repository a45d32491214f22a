// Package app assembles the engine from configuration. Both the server and
// the standalone cronjob binary build through here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rental-escrow-backend/internal/config"
	"rental-escrow-backend/internal/jobs"
	"rental-escrow-backend/internal/ledger"
	"rental-escrow-backend/internal/ledger/rpc"
	"rental-escrow-backend/internal/ledger/sim"
	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/repository"
	"rental-escrow-backend/internal/repository/memory"
	"rental-escrow-backend/internal/repository/postgres"
	"rental-escrow-backend/internal/security"
	"rental-escrow-backend/internal/service"
	"rental-escrow-backend/internal/utils"

	_ "github.com/lib/pq"
)

// App holds every long-lived component. Close releases them in reverse
// order of construction.
type App struct {
	Config     *config.Config
	Lifecycle  service.RentalLifecycle
	Reconciler *service.Reconciler
	OTP        *service.CodeGate
	Notifier   service.Notifier
	Tokens     security.TokenManager

	db    *sql.DB
	queue *service.NotificationQueue
}

type stores struct {
	listings       repository.ListingRepository
	reconciliation repository.ReconciliationRepository
	escrowKeys     repository.EscrowKeyRepository
}

// Build wires the engine. Background workers are not started; see Start.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	// Initialize Database
	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Initialize Ledger
	client, fundingSecret, err := openLedger(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Initialize Security
	sealer, err := security.NewSealer(cfg.Vault.Passphrase, cfg.Vault.Salt)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init key sealer: %w", err)
	}
	a.Tokens = security.NewTokenManager(cfg.JWT.Secret, time.Duration(cfg.JWT.AccessTokenExpiry)*time.Minute)

	// Initialize Notification
	sender, err := openNotifier(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.queue = service.NewNotificationQueue(sender, cfg.Notification.Provider,
		cfg.Notification.QueueWorkers, cfg.Notification.QueueSize, cfg.Notification.MaxRetries)
	a.Notifier = a.queue

	// Initialize Services
	vault := service.NewKeyVault(st.escrowKeys, sealer)
	recon := service.NewReconciliationLog(st.reconciliation, time.Now)
	manager, err := service.NewLedgerAccountManager(client, vault, recon, service.EscrowOptions{
		FundingSecret:   fundingSecret,
		StartingReserve: cfg.Ledger.StartingReserve,
		BaseFee:         cfg.Ledger.BaseFee,
		TxTimeout:       cfg.TxTimeout(),
		TxGrace:         cfg.TxGrace(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init ledger account manager: %w", err)
	}
	a.OTP = service.NewOTPGate(a.Notifier, service.OTPOptions{
		TTL:        cfg.CodeTTL(),
		BcryptCost: cfg.OTP.BcryptCost,
		IssueEvery: time.Duration(cfg.OTP.IssueEverySeconds) * time.Second,
		IssueBurst: cfg.OTP.IssueBurst,
	})
	a.Lifecycle = service.NewRentalLifecycle(st.listings, manager, a.OTP, recon, a.Notifier, service.LifecycleOptions{
		Penalties:     utils.NewPenaltyCalculator(cfg.Penalty.LateFeePercent),
		EscrowReserve: cfg.Ledger.StartingReserve,
	})
	a.Reconciler = service.NewReconciler(recon, manager, a.Lifecycle)

	return a, nil
}

func (a *App) openStores(ctx context.Context) (*stores, error) {
	cfg := a.Config
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory store; state is lost on restart")
		s := memory.NewStore()
		return &stores{s.ListingRepository, s.ReconciliationRepository, s.EscrowKeyRepository}, nil
	}

	logger.Info("Connecting to database...", "host", cfg.Database.Host, "port", cfg.Database.Port, "database", cfg.Database.Database)
	db, err := sql.Open("postgres", cfg.GetDatabaseConnectionString())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := postgres.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("Database connection established")

	s := postgres.NewStore(db)
	return &stores{s.ListingRepository, s.ReconciliationRepository, s.EscrowKeyRepository}, nil
}

// openLedger returns the ledger client and the funding account secret. The
// simulated ledger generates and funds its own funding account.
func openLedger(cfg *config.Config) (ledger.Client, string, error) {
	if cfg.Ledger.Mode == "sim" {
		l := sim.New()
		secret := cfg.Ledger.FundingSecret
		var funder *ledger.Keypair
		var err error
		if secret == "" {
			funder, err = ledger.GenerateKeypair()
		} else {
			funder, err = ledger.KeypairFromSecret(secret)
		}
		if err != nil {
			return nil, "", fmt.Errorf("funding keypair: %w", err)
		}
		if err := l.Fund(funder.Address(), cfg.Ledger.SimFundingBalance); err != nil {
			return nil, "", fmt.Errorf("fund simulated ledger: %w", err)
		}
		logger.Warn("Using simulated ledger", "funding_address", funder.Address(), "balance", cfg.Ledger.SimFundingBalance)
		return l, funder.Secret(), nil
	}

	logger.Info("Using ledger node", "url", cfg.Ledger.RPCURL, "timeout", cfg.TxTimeout())
	return rpc.NewClient(cfg.Ledger.RPCURL, cfg.TxTimeout()), cfg.Ledger.FundingSecret, nil
}

func openNotifier(ctx context.Context, cfg *config.Config) (service.Notifier, error) {
	n := cfg.Notification
	switch n.Provider {
	case "sendgrid":
		logger.Info("Using SendGrid for notifications", "from", n.FromAddress)
		return service.NewEmailNotifier(n.SendGridAPIKey, n.FromAddress, n.FromName), nil
	case "fcm":
		push, err := service.NewPushNotifier(ctx, n.FCMCredentialsFile)
		if err != nil {
			return nil, err
		}
		logger.Info("Using FCM for device notifications; email destinations are logged only")
		return service.NewRoutingNotifier(service.NewLogNotifier(), push), nil
	default:
		logger.Info("Using log-only notifications")
		return service.NewLogNotifier(), nil
	}
}

// Start launches the notification workers and the code sweep loop.
func (a *App) Start(ctx context.Context) {
	a.queue.Start(ctx)
	a.OTP.Start(ctx)
}

// JobServices exposes the components scheduled jobs run against.
func (a *App) JobServices() *jobs.Services {
	return &jobs.Services{
		Lifecycle:  a.Lifecycle,
		Reconciler: a.Reconciler,
		OTP:        a.OTP,
		Notifier:   a.Notifier,
	}
}

// Close is safe to call on a partially built App.
func (a *App) Close() {
	if a.OTP != nil {
		a.OTP.Stop()
	}
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("Failed to close database", "error", err)
		}
	}
}
