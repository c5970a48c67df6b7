// Command settle-api serves the payment pipeline over HTTP: intent quotes,
// transfer execution, proof verification, and proof-gated resource access.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-credit/credit-rails/internal/anchor"
	anchorpg "github.com/agent-credit/credit-rails/internal/anchor/postgres"
	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/auditrows"
	"github.com/agent-credit/credit-rails/internal/canister"
	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/chain/btcrpc"
	"github.com/agent-credit/credit-rails/internal/chain/evm"
	"github.com/agent-credit/credit-rails/internal/chain/solrpc"
	"github.com/agent-credit/credit-rails/internal/executor"
	"github.com/agent-credit/credit-rails/internal/gate"
	gatepg "github.com/agent-credit/credit-rails/internal/gate/postgres"
	"github.com/agent-credit/credit-rails/internal/httpapi"
	"github.com/agent-credit/credit-rails/internal/intent"
	"github.com/agent-credit/credit-rails/internal/queue"
	"github.com/agent-credit/credit-rails/internal/secrets"
	"github.com/agent-credit/credit-rails/internal/settleq"
	"github.com/agent-credit/credit-rails/internal/verify"
	"github.com/agent-credit/credit-rails/internal/watcher"
)

func main() {
	var (
		listenAddr   = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		resourcesDir = flag.String("resources-dir", "", "directory of gated resource files (required)")

		treasuryEVM = flag.String("treasury-evm", "", "EVM treasury address receiving payments (required)")
		treasuryBTC = flag.String("treasury-btc", "", "Bitcoin deposit address (required)")
		treasurySOL = flag.String("treasury-sol", "", "Solana deposit address (required)")

		arbRPCURL  = flag.String("arb-rpc-url", "", "Arbitrum Sepolia JSON-RPC URL")
		baseRPCURL = flag.String("base-rpc-url", "", "Base Sepolia JSON-RPC URL")
		opRPCURL   = flag.String("op-rpc-url", "", "OP Sepolia JSON-RPC URL")

		btcRPCURL     = flag.String("btc-rpc-url", "", "bitcoind JSON-RPC URL")
		btcRPCUserEnv = flag.String("btc-rpc-user-env", "CREDITRAILS_BTC_RPC_USER", "env var containing bitcoind RPC username")
		btcRPCPassEnv = flag.String("btc-rpc-pass-env", "CREDITRAILS_BTC_RPC_PASS", "env var containing bitcoind RPC password")
		solRPCURL     = flag.String("sol-rpc-url", "", "Solana JSON-RPC URL")

		canisterURL  = flag.String("canister-url", "", "DVN canister gateway URL (empty disables anchoring)")
		dvnDestChain = flag.Uint64("dvn-dest-chain", 0, "DVN destination chain id for anchor messages")

		postgresDSN = flag.String("postgres-dsn", "", "Postgres DSN (empty uses in-memory stores)")

		secretsDriver = flag.String("secrets", secrets.DriverEnv, "payer key custody driver: env or aws")
		secretsPrefix = flag.String("secrets-prefix", "creditrails/signer/", "custody secret name prefix")

		manualPolicy   = flag.String("manual-policy", string(verify.PolicyOptimistic), "manual-settlement verify policy: optimistic or confirmed")
		proofTTL       = flag.Duration("proof-ttl", 15*time.Minute, "maximum accepted proof age at the gate")
		executeTimeout = flag.Duration("execute-timeout", 3*time.Minute, "per-transfer execution timeout")

		rateLimitRPS   = flag.Float64("rate-limit-rps", 20, "per-IP request rate")
		rateLimitBurst = flag.Int("rate-limit-burst", 40, "per-IP request burst")

		watch        = flag.Bool("watch", false, "run the chain watcher pool in-process")
		queueDriver  = flag.String("queue-driver", queue.DriverStdio, "settlement queue driver when --watch is set: kafka or stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated Kafka brokers")
		queueTopic   = flag.String("queue-topic", "settlement.events", "settlement event topic")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *resourcesDir == "" {
		fmt.Fprintln(os.Stderr, "error: --resources-dir is required")
		os.Exit(2)
	}
	if *treasuryEVM == "" || *treasuryBTC == "" || *treasurySOL == "" {
		fmt.Fprintln(os.Stderr, "error: --treasury-evm, --treasury-btc, and --treasury-sol are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*treasuryEVM) {
		fmt.Fprintln(os.Stderr, "error: --treasury-evm must be a valid hex address")
		os.Exit(2)
	}
	if *arbRPCURL == "" && *baseRPCURL == "" && *opRPCURL == "" && *btcRPCURL == "" && *solRPCURL == "" {
		fmt.Fprintln(os.Stderr, "error: at least one chain RPC URL is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 15*time.Second)
	defer cancelStartup()

	var provider secrets.Provider
	switch *secretsDriver {
	case secrets.DriverEnv:
		provider = secrets.NewEnv()
	case secrets.DriverAWS:
		aws, err := secrets.NewAWS(startupCtx)
		if err != nil {
			log.Error("init aws secrets provider", "err", err)
			os.Exit(1)
		}
		provider = aws
	default:
		fmt.Fprintf(os.Stderr, "error: unknown secrets driver %q\n", *secretsDriver)
		os.Exit(2)
	}
	resolver := executor.SecretsSignerResolver{Provider: provider, Prefix: *secretsPrefix}

	registry, err := asset.NewRegistry(asset.TestnetConfig(*treasuryEVM, *treasuryBTC, *treasurySOL))
	if err != nil {
		log.Error("init asset registry", "err", err)
		os.Exit(2)
	}

	var adapters []chain.Adapter
	evmChains := []struct {
		chainID uint64
		url     string
	}{
		{asset.ChainIDArbSepolia, *arbRPCURL},
		{asset.ChainIDBaseSepolia, *baseRPCURL},
		{asset.ChainIDOpSepolia, *opRPCURL},
	}
	for _, c := range evmChains {
		if c.url == "" {
			continue
		}
		client, err := ethclient.DialContext(startupCtx, c.url)
		if err != nil {
			log.Error("dial evm rpc", "chain", c.chainID, "err", err)
			os.Exit(1)
		}
		defer client.Close()

		var tokens []common.Address
		for _, a := range registry.ByChainID(c.chainID) {
			if a.TokenAddress != "" {
				tokens = append(tokens, common.HexToAddress(a.TokenAddress))
			}
		}
		adapter, err := evm.New(client, resolver, evm.Config{
			ChainID:        c.chainID,
			TokenAddresses: tokens,
		})
		if err != nil {
			log.Error("init evm adapter", "chain", c.chainID, "err", err)
			os.Exit(2)
		}
		adapters = append(adapters, adapter)
	}

	if *btcRPCURL != "" {
		user := os.Getenv(*btcRPCUserEnv)
		pass := os.Getenv(*btcRPCPassEnv)
		if user == "" || pass == "" {
			fmt.Fprintf(os.Stderr, "error: missing bitcoind RPC credentials in env %s/%s\n", *btcRPCUserEnv, *btcRPCPassEnv)
			os.Exit(2)
		}
		rpc, err := btcrpc.New(*btcRPCURL, user, pass)
		if err != nil {
			log.Error("init bitcoin rpc client", "err", err)
			os.Exit(2)
		}
		adapter, err := btcrpc.NewAdapter(rpc, btcrpc.AdapterConfig{DepositAddress: *treasuryBTC})
		if err != nil {
			log.Error("init bitcoin adapter", "err", err)
			os.Exit(2)
		}
		adapters = append(adapters, adapter)
	}

	if *solRPCURL != "" {
		rpc, err := solrpc.New(*solRPCURL)
		if err != nil {
			log.Error("init solana rpc client", "err", err)
			os.Exit(2)
		}
		adapter, err := solrpc.NewAdapter(rpc, solrpc.AdapterConfig{DepositAddress: *treasurySOL})
		if err != nil {
			log.Error("init solana adapter", "err", err)
			os.Exit(2)
		}
		adapters = append(adapters, adapter)
	}

	chains, err := chain.NewRegistry(adapters...)
	if err != nil {
		log.Error("init chain registry", "err", err)
		os.Exit(2)
	}

	intents, err := intent.NewService(registry, time.Now)
	if err != nil {
		log.Error("init intent service", "err", err)
		os.Exit(2)
	}
	exec, err := executor.New(registry, chains, executor.Config{ExecuteTimeout: *executeTimeout}, log)
	if err != nil {
		log.Error("init executor", "err", err)
		os.Exit(2)
	}
	verifier, err := verify.New(registry, chains, verify.Config{ManualPolicy: verify.Policy(*manualPolicy)})
	if err != nil {
		log.Error("init verifier", "err", err)
		os.Exit(2)
	}

	var (
		redemptions gate.RedemptionStore
		outbox      anchor.Outbox
		audit       auditrows.Sink
	)
	if *postgresDSN != "" {
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		gstore, err := gatepg.New(pool)
		if err != nil {
			log.Error("init redemption store", "err", err)
			os.Exit(2)
		}
		ostore, err := anchorpg.New(pool)
		if err != nil {
			log.Error("init anchor outbox", "err", err)
			os.Exit(2)
		}
		sink, err := auditrows.NewPostgresSink(pool)
		if err != nil {
			log.Error("init audit sink", "err", err)
			os.Exit(2)
		}
		for _, ensure := range []func(context.Context) error{
			gstore.EnsureSchema, ostore.EnsureSchema, sink.EnsureSchema,
		} {
			if err := ensure(startupCtx); err != nil {
				log.Error("ensure schema", "err", err)
				os.Exit(1)
			}
		}
		redemptions, outbox, audit = gstore, ostore, sink
	} else {
		redemptions = gate.NewMemoryStore(0, *proofTTL)
		outbox = anchor.NewMemoryOutbox()
		audit = auditrows.NewMemorySink(0)
	}

	gt, err := gate.New(redemptions, gate.DirFetcher{Root: *resourcesDir}, gate.Config{ProofTTL: *proofTTL})
	if err != nil {
		log.Error("init gate", "err", err)
		os.Exit(2)
	}

	var anchorer httpapi.Anchorer
	if *canisterURL != "" {
		cc, err := canister.New(canister.Config{BaseURL: *canisterURL})
		if err != nil {
			log.Error("init canister client", "err", err)
			os.Exit(2)
		}
		coordinator, err := anchor.New(cc, cc, outbox, anchor.Config{
			DestinationChain: *dvnDestChain,
			Sender:           "settle-api",
			Log:              log,
		})
		if err != nil {
			log.Error("init anchor coordinator", "err", err)
			os.Exit(2)
		}
		anchorer = coordinator
	}

	var watchers httpapi.WatcherPool
	if *watch {
		pool, err := watcher.NewPool(chains, watcher.Config{}, log)
		if err != nil {
			log.Error("init watcher pool", "err", err)
			os.Exit(2)
		}
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()
		publisher, err := settleq.NewPublisher(producer, *queueTopic)
		if err != nil {
			log.Error("init settlement publisher", "err", err)
			os.Exit(2)
		}
		if err := pool.Start(ctx); err != nil {
			log.Error("start watcher pool", "err", err)
			os.Exit(1)
		}
		defer pool.Stop()
		go func() {
			for ev := range pool.Events() {
				if err := publisher.PublishEvent(ctx, ev); err != nil {
					log.Error("publish settlement event", "event", ev.ID, "err", err)
				}
			}
		}()
		watchers = pool
	}

	handler, err := httpapi.NewHandler(httpapi.Config{
		Registry:  registry,
		Intents:   intents,
		Transfers: exec,
		Verifier:  verifier,
		Gate:      gt,
		Anchorer:  anchorer,
		Watchers:  watchers,
		Audit:     audit,

		RateLimitPerIPPerSecond: *rateLimitRPS,
		RateLimitBurst:          *rateLimitBurst,
	})
	if err != nil {
		log.Error("init http handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "signal", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
