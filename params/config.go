package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Chain holds the settlement-contract connection parameters.
type Chain struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	// ReceiptPollInterval is how often the batcher polls for a pending
	// settlement transaction receipt.
	ReceiptPollInterval time.Duration
	// ReceiptTimeout bounds a single confirmation wait before the batch
	// is treated as transiently failed and retried.
	ReceiptTimeout time.Duration
}

// Settlement tunes the batcher.
type Settlement struct {
	// Interval fires a batch even if SizeThreshold was never reached.
	Interval time.Duration
	// SizeThreshold triggers an immediate batch when the pending queue
	// reaches this many matches.
	SizeThreshold int
	// MaxBatch caps the number of matches drained per on-chain call.
	MaxBatch int
	// RetryPerPair selects the per-pair revert policy. When false the
	// whole batch is retried atomically with backoff.
	RetryPerPair bool
	MaxAttempts  int
	BackoffBase  time.Duration
	// QueueHighWatermark logs a warning when the pending queue grows
	// past this size. Nothing is ever dropped.
	QueueHighWatermark int
}

// Risk tunes the risk engine loops.
type Risk struct {
	FundingInterval   time.Duration
	MaxFundingRateBps int64
	// MaintenanceMarginBps is the default MMR for instruments that do
	// not override it.
	MaintenanceMarginBps int64
}

// Engine tunes the matching core.
type Engine struct {
	// SweepInterval controls how often expired resting orders are
	// physically removed from the books.
	SweepInterval time.Duration
}

// Broadcast configures the market-data fan-out boundary.
type Broadcast struct {
	KafkaBrokers []string
	KafkaTopic   string
	// SubscriberBuffer is the per-subscriber event buffer; a full
	// buffer drops the event for that subscriber only.
	SubscriberBuffer int
}

type Config struct {
	APIAddr    string
	DataDir    string
	LogFile    string
	Chain      Chain
	Settlement Settlement
	Risk       Risk
	Engine     Engine
	Broadcast  Broadcast
}

func Default() Config {
	return Config{
		APIAddr: ":8080",
		DataDir: "data",
		LogFile: "data/node.log",
		Chain: Chain{
			RPCURL:              "http://localhost:8545",
			ChainID:             1337,
			ReceiptPollInterval: 500 * time.Millisecond,
			ReceiptTimeout:      30 * time.Second,
		},
		Settlement: Settlement{
			Interval:           2 * time.Second,
			SizeThreshold:      32,
			MaxBatch:           64,
			RetryPerPair:       false,
			MaxAttempts:        5,
			BackoffBase:        time.Second,
			QueueHighWatermark: 10000,
		},
		Risk: Risk{
			FundingInterval:      time.Hour,
			MaxFundingRateBps:    12, // 0.12% per interval
			MaintenanceMarginBps: 50,
		},
		Engine: Engine{
			SweepInterval: 5 * time.Second,
		},
		Broadcast: Broadcast{
			KafkaTopic:       "trades",
			SubscriberBuffer: 256,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if it exists) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.APIAddr = getEnv("API_ADDR", cfg.APIAddr)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	cfg.Chain.RPCURL = getEnv("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.ContractAddress = getEnv("SETTLEMENT_CONTRACT", cfg.Chain.ContractAddress)
	cfg.Chain.ChainID = getEnvInt64("CHAIN_ID", cfg.Chain.ChainID)
	cfg.Chain.ReceiptPollInterval = getEnvDurationMs("RECEIPT_POLL_MS", cfg.Chain.ReceiptPollInterval)
	cfg.Chain.ReceiptTimeout = getEnvDurationMs("RECEIPT_TIMEOUT_MS", cfg.Chain.ReceiptTimeout)

	cfg.Settlement.Interval = getEnvDurationMs("BATCH_INTERVAL_MS", cfg.Settlement.Interval)
	cfg.Settlement.SizeThreshold = getEnvInt("BATCH_SIZE_THRESHOLD", cfg.Settlement.SizeThreshold)
	cfg.Settlement.MaxBatch = getEnvInt("BATCH_MAX", cfg.Settlement.MaxBatch)
	cfg.Settlement.RetryPerPair = getEnv("BATCH_RETRY_PER_PAIR", "") == "true"
	cfg.Settlement.MaxAttempts = getEnvInt("BATCH_MAX_ATTEMPTS", cfg.Settlement.MaxAttempts)
	cfg.Settlement.BackoffBase = getEnvDurationMs("BATCH_BACKOFF_MS", cfg.Settlement.BackoffBase)
	cfg.Settlement.QueueHighWatermark = getEnvInt("QUEUE_HIGH_WATERMARK", cfg.Settlement.QueueHighWatermark)

	cfg.Risk.FundingInterval = getEnvDurationMs("FUNDING_INTERVAL_MS", cfg.Risk.FundingInterval)
	cfg.Risk.MaxFundingRateBps = getEnvInt64("MAX_FUNDING_RATE_BPS", cfg.Risk.MaxFundingRateBps)
	cfg.Risk.MaintenanceMarginBps = getEnvInt64("MAINTENANCE_MARGIN_BPS", cfg.Risk.MaintenanceMarginBps)

	cfg.Engine.SweepInterval = getEnvDurationMs("SWEEP_INTERVAL_MS", cfg.Engine.SweepInterval)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Broadcast.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.Broadcast.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Broadcast.KafkaTopic)
	cfg.Broadcast.SubscriberBuffer = getEnvInt("BROADCAST_BUFFER", cfg.Broadcast.SubscriberBuffer)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
