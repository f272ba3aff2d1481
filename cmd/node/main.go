package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/perpdex/perpdex/params"
	"github.com/perpdex/perpdex/pkg/api"
	"github.com/perpdex/perpdex/pkg/broadcast"
	"github.com/perpdex/perpdex/pkg/crypto"
	"github.com/perpdex/perpdex/pkg/engine"
	"github.com/perpdex/perpdex/pkg/engine/nonce"
	"github.com/perpdex/perpdex/pkg/position"
	"github.com/perpdex/perpdex/pkg/risk"
	"github.com/perpdex/perpdex/pkg/settlement"
	"github.com/perpdex/perpdex/pkg/trades"
	"github.com/perpdex/perpdex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	os.MkdirAll(cfg.DataDir, 0755)

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Stores ----
	nonces, err := nonce.Open(filepath.Join(cfg.DataDir, "nonces"))
	if err != nil {
		sugar.Fatalw("nonce_ledger_open_failed", "err", err)
	}
	defer nonces.Close()

	positions, err := position.OpenStore(filepath.Join(cfg.DataDir, "positions"))
	if err != nil {
		sugar.Fatalw("position_store_open_failed", "err", err)
	}
	defer positions.Close()

	insurance, err := position.OpenInsuranceFund(filepath.Join(cfg.DataDir, "insurance"))
	if err != nil {
		sugar.Fatalw("insurance_fund_open_failed", "err", err)
	}
	defer insurance.Close()

	tradeLog, err := trades.OpenLog(filepath.Join(cfg.DataDir, "trades"))
	if err != nil {
		sugar.Fatalw("trade_log_open_failed", "err", err)
	}
	defer tradeLog.Close()

	// ---- Market data ----
	bus := broadcast.NewBus(cfg.Broadcast.SubscriberBuffer, sugar)
	go trades.RunRecorder(ctx, bus, tradeLog, logger)

	if len(cfg.Broadcast.KafkaBrokers) > 0 {
		kafkaPub := broadcast.NewKafkaPublisher(cfg.Broadcast.KafkaBrokers, cfg.Broadcast.KafkaTopic, bus, logger)
		defer kafkaPub.Close()
		go kafkaPub.Run(ctx)
		sugar.Infow("kafka_publisher_started",
			"brokers", cfg.Broadcast.KafkaBrokers, "topic", cfg.Broadcast.KafkaTopic)
	}

	// ---- Settlement queue + chain client ----
	queue, err := settlement.OpenQueue(
		filepath.Join(cfg.DataDir, "queue"),
		cfg.Settlement.SizeThreshold,
		cfg.Settlement.QueueHighWatermark,
		logger,
	)
	if err != nil {
		sugar.Fatalw("settlement_queue_open_failed", "err", err)
	}
	defer queue.Close()

	batcherKey := os.Getenv("BATCHER_KEY")
	if batcherKey == "" {
		sugar.Fatal("BATCHER_KEY is required (hex private key for settlement transactions)")
	}
	signer, err := crypto.FromPrivateKeyHex(batcherKey)
	if err != nil {
		sugar.Fatalw("batcher_key_invalid", "err", err)
	}

	var chain settlement.ChainClient
	if os.Getenv("CHAIN_FAKE") == "true" {
		// dry-run mode: settle against an in-memory contract
		chain = settlement.NewFakeChain()
		sugar.Warn("chain_fake_enabled")
	} else {
		ethChain, err := settlement.DialEthChain(
			cfg.Chain.RPCURL,
			common.HexToAddress(cfg.Chain.ContractAddress),
			signer,
			cfg.Chain.ChainID,
		)
		if err != nil {
			sugar.Fatalw("chain_dial_failed", "rpc", cfg.Chain.RPCURL, "err", err)
		}
		defer ethChain.Close()
		chain = ethChain
	}

	// ---- Matching engine ----
	verifier := crypto.NewOrderVerifier(crypto.DefaultDomain())
	registry := engine.NewInstrumentRegistry()
	for _, inst := range defaultInstruments(cfg) {
		if err := registry.Register(inst); err != nil {
			sugar.Fatalw("instrument_register_failed", "symbol", inst.Symbol, "err", err)
		}
		sugar.Infow("instrument_registered", "symbol", inst.Symbol, "token", inst.Token.Hex())
	}

	eng := engine.New(
		engine.Config{SweepInterval: cfg.Engine.SweepInterval},
		registry, nonces, verifier, queue, bus, util.RealClock{}, sugar,
	)
	defer eng.Close()
	go eng.Run(ctx)

	// ---- Settlement batcher ----
	batcher := settlement.NewBatcher(
		cfg.Settlement, cfg.Chain,
		queue, chain, nonces, positions, verifier, bus, util.RealClock{}, logger,
	)
	go batcher.Run(ctx)

	// ---- Risk engine ----
	riskEng := risk.New(cfg.Risk, positions, insurance, chain, eng, bus, util.RealClock{}, logger)
	go riskEng.TrackMarks(ctx, bus)
	go riskEng.Run(ctx)

	// ---- API ----
	server := api.NewServer(eng, registry, nonces, positions, riskEng, tradeLog, bus, logger)

	sugar.Infow("node_starting",
		"api_addr", cfg.APIAddr,
		"chain_rpc", cfg.Chain.RPCURL,
		"retry_per_pair", cfg.Settlement.RetryPerPair,
		"markets", registry.Count())

	if err := server.Run(ctx, cfg.APIAddr); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}

	// flush whatever settled while shutting down
	batcher.Flush(context.Background())
	sugar.Info("node_stopped")
}

// defaultInstruments registers the built-in markets. Additional markets
// come from MARKETS env (comma-separated token:symbol pairs).
func defaultInstruments(cfg params.Config) []*engine.Instrument {
	insts := []*engine.Instrument{
		{
			Token:                common.HexToAddress("0x0000000000000000000000000000000000000b7c"),
			Symbol:               "BTC-PERP",
			TickSize:             1,
			LotSize:              1,
			MinNotional:          100,
			MaxLeverage:          50,
			MaintenanceMarginBps: cfg.Risk.MaintenanceMarginBps,
			MinOrderSize:         1,
			MaxOrderSize:         1_000_000,
		},
	}
	for _, entry := range strings.Split(os.Getenv("MARKETS"), ",") {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || !common.IsHexAddress(parts[0]) {
			continue
		}
		insts = append(insts, &engine.Instrument{
			Token:                common.HexToAddress(parts[0]),
			Symbol:               parts[1],
			TickSize:             1,
			LotSize:              1,
			MinNotional:          100,
			MaxLeverage:          50,
			MaintenanceMarginBps: cfg.Risk.MaintenanceMarginBps,
			MinOrderSize:         1,
			MaxOrderSize:         1_000_000,
		})
	}
	return insts
}
