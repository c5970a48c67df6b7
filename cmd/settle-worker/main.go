// Command settle-worker drains the settlement queue and submits each event
// to the DVN canister exactly once.
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
	"github.com/agent-credit/credit-rails/internal/queue"
	"github.com/agent-credit/credit-rails/internal/settleq"
	settleqpg "github.com/agent-credit/credit-rails/internal/settleq/postgres"
)

func main() {
	var (
		canisterURL     = flag.String("canister-url", "", "DVN canister gateway URL (required)")
		canisterTimeout = flag.Duration("canister-timeout", 10*time.Second, "canister gateway HTTP timeout")
		dvnDestChain    = flag.Uint64("dvn-dest-chain", 0, "DVN destination chain id for settlement messages")
		sender          = flag.String("sender", "settle-worker", "sender identity on the DVN")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "settlement queue driver: kafka or stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated Kafka brokers")
		queueGroup   = flag.String("queue-group", "settle-worker", "Kafka consumer group")
		queueTopic   = flag.String("queue-topic", "settlement.events", "settlement event topic")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (empty uses the in-memory submission store)")

		submitTimeout = flag.Duration("submit-timeout", 30*time.Second, "per-event DVN submission timeout")

		batchAnchor        = flag.Bool("batch-anchor", false, "anchor batches of settled events on the receipt canister")
		batchMaxItems      = flag.Int("batch-max-items", 64, "settled events per anchor batch")
		batchMaxAge        = flag.Duration("batch-max-age", 3*time.Minute, "maximum batch age before flushing")
		batchFlushInterval = flag.Duration("batch-flush-interval", 30*time.Second, "age-flush check interval")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *canisterURL == "" {
		fmt.Fprintln(os.Stderr, "error: --canister-url is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dvn, err := canister.New(canister.Config{
		BaseURL: *canisterURL,
		Timeout: *canisterTimeout,
	})
	if err != nil {
		log.Error("init canister client", "err", err)
		os.Exit(2)
	}

	var (
		store  settleq.SubmissionStore
		outbox anchor.Outbox
	)
	if *postgresDSN != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		pgStore, err := settleqpg.New(pool)
		if err != nil {
			log.Error("init submission store", "err", err)
			os.Exit(2)
		}
		pgOutbox, err := anchorpg.New(pool)
		if err != nil {
			log.Error("init anchor outbox", "err", err)
			os.Exit(2)
		}
		for _, ensure := range []func(context.Context) error{pgStore.EnsureSchema, pgOutbox.EnsureSchema} {
			if err := ensure(ctx); err != nil {
				log.Error("ensure schema", "err", err)
				os.Exit(1)
			}
		}
		store, outbox = pgStore, pgOutbox
	} else {
		store = settleq.NewMemorySubmissionStore()
		outbox = anchor.NewMemoryOutbox()
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Group:   *queueGroup,
		Topics:  []string{*queueTopic},
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer consumer.Close()

	workerCfg := settleq.Config{
		DestinationChain: *dvnDestChain,
		Sender:           *sender,
		SubmitTimeout:    *submitTimeout,
		Log:              log,
	}

	if *batchAnchor {
		coordinator, err := anchor.New(dvn, dvn, outbox, anchor.Config{
			DestinationChain: *dvnDestChain,
			Sender:           *sender,
			Log:              log,
		})
		if err != nil {
			log.Error("init anchor coordinator", "err", err)
			os.Exit(2)
		}
		batcher, err := anchor.NewBatchAnchorer(coordinator, anchor.BatchConfig{
			MaxItems: *batchMaxItems,
			MaxAge:   *batchMaxAge,
			Log:      log,
		})
		if err != nil {
			log.Error("init batch anchorer", "err", err)
			os.Exit(2)
		}
		go batcher.Run(ctx, *batchFlushInterval)
		workerCfg.OnSettled = batcher.Observe
	}

	worker, err := settleq.NewWorker(dvn, store, consumer, workerCfg)
	if err != nil {
		log.Error("init settle worker", "err", err)
		os.Exit(2)
	}

	log.Info("consuming", "topic", *queueTopic, "driver", *queueDriver)
	err = worker.Run(ctx)
	stats := worker.Stats()
	log.Info("worker stopped", "consumed", stats.Consumed, "submitted", stats.Submitted,
		"duplicate", stats.Duplicate, "failed", stats.Failed)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker error", "err", err)
		os.Exit(1)
	}
}
