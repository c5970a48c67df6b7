// Command anchor-outbox re-drives failed anchoring steps from the durable
// outbox: receipt issuance, DVN submission, or both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-credit/credit-rails/internal/anchor"
	anchorpg "github.com/agent-credit/credit-rails/internal/anchor/postgres"
	"github.com/agent-credit/credit-rails/internal/canister"
)

func main() {
	var (
		canisterURL     = flag.String("canister-url", "", "DVN canister gateway URL (required)")
		canisterTimeout = flag.Duration("canister-timeout", 10*time.Second, "canister gateway HTTP timeout")
		dvnDestChain    = flag.Uint64("dvn-dest-chain", 0, "DVN destination chain id for anchor messages")
		sender          = flag.String("sender", "anchor-outbox", "sender identity on the DVN")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (required)")

		interval    = flag.Duration("interval", 30*time.Second, "outbox sweep interval")
		batchLimit  = flag.Int("batch-limit", 64, "entries per sweep")
		maxAttempts = flag.Int("max-attempts", 10, "re-drive attempts before an entry is retired")
		callTimeout = flag.Duration("call-timeout", 15*time.Second, "per-step canister call timeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *canisterURL == "" || *postgresDSN == "" {
		fmt.Fprintln(os.Stderr, "error: --canister-url and --postgres-dsn are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := canister.New(canister.Config{
		BaseURL: *canisterURL,
		Timeout: *canisterTimeout,
	})
	if err != nil {
		log.Error("init canister client", "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	outbox, err := anchorpg.New(pool)
	if err != nil {
		log.Error("init anchor outbox", "err", err)
		os.Exit(2)
	}
	if err := outbox.EnsureSchema(ctx); err != nil {
		log.Error("ensure schema", "err", err)
		os.Exit(1)
	}

	retrier, err := anchor.NewRetrier(client, client, outbox, anchor.RetrierConfig{
		Interval:         *interval,
		BatchLimit:       *batchLimit,
		MaxAttempts:      *maxAttempts,
		DestinationChain: *dvnDestChain,
		Sender:           *sender,
		CallTimeout:      *callTimeout,
		Log:              log,
	})
	if err != nil {
		log.Error("init retrier", "err", err)
		os.Exit(2)
	}

	log.Info("sweeping", "interval", *interval, "batchLimit", *batchLimit)
	if err := retrier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("retrier error", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown", "signal", ctx.Err())
}
