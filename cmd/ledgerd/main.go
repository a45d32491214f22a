// Command ledgerd runs the simulated ledger behind the JSON-RPC interface so
// the server can be exercised in rpc mode without a real network.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"rental-escrow-backend/internal/ledger"
	"rental-escrow-backend/internal/ledger/rpc"
	"rental-escrow-backend/internal/ledger/sim"
	"rental-escrow-backend/internal/logger"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8545", "Listen address")
	fundingBalance := flag.Int64("funding-balance", 1_000_000_000, "Balance credited to the funding account")
	fund := flag.String("fund", "", "Extra accounts to credit, as address=amount pairs separated by commas")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logger.Initialize(*logLevel, "text")

	l := sim.New()

	// The funding secret comes from the environment so it never shows up in process listings
	if secret := os.Getenv("LEDGER_FUNDING_SECRET"); secret != "" {
		funder, err := ledger.KeypairFromSecret(secret)
		if err != nil {
			log.Fatalf("Invalid LEDGER_FUNDING_SECRET: %v", err)
		}
		if err := l.Fund(funder.Address(), *fundingBalance); err != nil {
			log.Fatalf("Failed to fund funding account: %v", err)
		}
		logger.Info("Funding account credited", "address", funder.Address(), "balance", *fundingBalance)
	} else {
		logger.Warn("LEDGER_FUNDING_SECRET not set; escrows cannot be opened until an account is funded")
	}

	if err := fundAccounts(l, *fund); err != nil {
		log.Fatalf("Failed to fund accounts: %v", err)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           rpc.Handler(l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("Simulated ledger listening", "address", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ledger server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Ledger server shutdown failed", "error", err)
	}
	logger.Info("Simulated ledger stopped", "submissions", l.Submissions())
}

func fundAccounts(l *sim.Ledger, pairs string) error {
	if pairs == "" {
		return nil
	}
	for _, pair := range strings.Split(pairs, ",") {
		address, rawAmount, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return errors.New("expected address=amount in " + pair)
		}
		amount, err := strconv.ParseInt(rawAmount, 10, 64)
		if err != nil {
			return err
		}
		if err := l.Fund(address, amount); err != nil {
			return err
		}
		logger.Info("Account credited", "address", address, "balance", amount)
	}
	return nil
}
