// Command chain-watcher follows every configured chain, normalizes token
// activity into settlement events, and publishes them onto the settlement
// queue. Raw records are archived to object storage when a bucket is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agent-credit/credit-rails/internal/asset"
	"github.com/agent-credit/credit-rails/internal/chain"
	"github.com/agent-credit/credit-rails/internal/chain/btcrpc"
	"github.com/agent-credit/credit-rails/internal/chain/evm"
	"github.com/agent-credit/credit-rails/internal/chain/solrpc"
	"github.com/agent-credit/credit-rails/internal/queue"
	"github.com/agent-credit/credit-rails/internal/rawstore"
	"github.com/agent-credit/credit-rails/internal/settleq"
	"github.com/agent-credit/credit-rails/internal/watcher"
)

func main() {
	var (
		treasuryEVM = flag.String("treasury-evm", "", "EVM treasury address receiving payments (required)")
		treasuryBTC = flag.String("treasury-btc", "", "Bitcoin deposit address (required with --btc-rpc-url)")
		treasurySOL = flag.String("treasury-sol", "", "Solana deposit address (required with --sol-rpc-url)")

		arbRPCURL  = flag.String("arb-rpc-url", "", "Arbitrum Sepolia JSON-RPC URL")
		baseRPCURL = flag.String("base-rpc-url", "", "Base Sepolia JSON-RPC URL")
		opRPCURL   = flag.String("op-rpc-url", "", "OP Sepolia JSON-RPC URL")

		btcRPCURL     = flag.String("btc-rpc-url", "", "bitcoind JSON-RPC URL")
		btcRPCUserEnv = flag.String("btc-rpc-user-env", "CREDITRAILS_BTC_RPC_USER", "env var containing bitcoind RPC username")
		btcRPCPassEnv = flag.String("btc-rpc-pass-env", "CREDITRAILS_BTC_RPC_PASS", "env var containing bitcoind RPC password")
		solRPCURL     = flag.String("sol-rpc-url", "", "Solana JSON-RPC URL")

		startHeights = flag.String("start-heights", "", "comma-separated chainId=height cursor seeds, e.g. 421614=1000")
		maxErrors    = flag.Int("max-consecutive-errors", 5, "consecutive stream errors before a chain is parked")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "settlement queue driver: kafka or stdio")
		queueBrokers = flag.String("queue-brokers", "", "comma-separated Kafka brokers")
		queueTopic   = flag.String("queue-topic", "settlement.events", "settlement event topic")

		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for raw event archival (empty disables)")
		archivePrefix = flag.String("archive-prefix", "", "key prefix inside the archive bucket")

		statusInterval = flag.Duration("status-interval", time.Minute, "watcher status log interval")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *arbRPCURL == "" && *baseRPCURL == "" && *opRPCURL == "" && *btcRPCURL == "" && *solRPCURL == "" {
		fmt.Fprintln(os.Stderr, "error: at least one chain RPC URL is required")
		os.Exit(2)
	}
	if (*arbRPCURL != "" || *baseRPCURL != "" || *opRPCURL != "") && *treasuryEVM == "" {
		fmt.Fprintln(os.Stderr, "error: --treasury-evm is required with an EVM RPC URL")
		os.Exit(2)
	}
	if *btcRPCURL != "" && *treasuryBTC == "" {
		fmt.Fprintln(os.Stderr, "error: --treasury-btc is required with --btc-rpc-url")
		os.Exit(2)
	}
	if *solRPCURL != "" && *treasurySOL == "" {
		fmt.Fprintln(os.Stderr, "error: --treasury-sol is required with --sol-rpc-url")
		os.Exit(2)
	}
	cursors, err := parseStartHeights(*startHeights)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 15*time.Second)
	defer cancelStartup()

	// Treasury placeholders keep NewRegistry happy for chains this watcher
	// does not follow; only token and deposit addresses matter here.
	registry, err := asset.NewRegistry(asset.TestnetConfig(
		orDefault(*treasuryEVM, "0x0000000000000000000000000000000000000001"),
		orDefault(*treasuryBTC, "unused"),
		orDefault(*treasurySOL, "unused"),
	))
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
		adapter, err := evm.New(client, nil, evm.Config{
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

	pool, err := watcher.NewPool(chains, watcher.Config{
		MaxConsecutiveErrors: *maxErrors,
		StartHeights:         cursors,
	}, log)
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

	var archive *rawstore.Archive
	if *archiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(startupCtx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(1)
		}
		store, err := rawstore.New(rawstore.Config{
			Driver:   rawstore.DriverS3,
			Prefix:   *archivePrefix,
			Bucket:   *archiveBucket,
			S3Client: s3.NewFromConfig(awsCfg),
		})
		if err != nil {
			log.Error("init raw store", "err", err)
			os.Exit(2)
		}
		archive, err = rawstore.NewArchive(store)
		if err != nil {
			log.Error("init archive", "err", err)
			os.Exit(2)
		}
	}

	if err := pool.Start(ctx); err != nil {
		log.Error("start watcher pool", "err", err)
		os.Exit(1)
	}
	defer pool.Stop()

	go func() {
		ticker := time.NewTicker(*statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, st := range pool.Status() {
					log.Info("watcher status", "chain", st.ChainID, "state", st.State,
						"events", st.EventsProcessed, "lastBlock", st.LastBlock,
						"consecutiveErrors", st.ConsecutiveErrors)
				}
			}
		}
	}()

	log.Info("watching", "chains", chains.ChainIDs(), "topic", *queueTopic)
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown", "signal", ctx.Err())
			return
		case ev, ok := <-pool.Events():
			if !ok {
				return
			}
			// Archival failures never hold back settlement; the event id
			// makes a later re-archive idempotent.
			if archive != nil {
				if err := archive.ArchiveEvent(ctx, ev); err != nil {
					log.Error("archive event", "event", ev.ID, "err", err)
				}
			}
			if err := publisher.PublishEvent(ctx, ev); err != nil {
				log.Error("publish event", "event", ev.ID, "err", err)
			}
		}
	}
}

func parseStartHeights(s string) (map[uint64]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[uint64]uint64)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, height, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("start height %q is not chainId=height", pair)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("start height %q: bad chain id", pair)
		}
		h, err := strconv.ParseUint(strings.TrimSpace(height), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("start height %q: bad height", pair)
		}
		out[chainID] = h
	}
	return out, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
