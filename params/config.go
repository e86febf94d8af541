package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Matching struct {
	Interval   time.Duration // periodic matching pass; submissions also trigger a pass
	FillPolicy string        // "midpoint" or "resting"
}

type Lifecycle struct {
	OrderTTL      time.Duration // pending/matching orders older than this are expired by the sweep
	SweepInterval time.Duration
	JournalPath   string // transition journal; empty disables it
}

type Settlement struct {
	MaxRetries      uint64
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	FeeBps          int64 // pool fee in basis points of notional
	Workers         int
	RecoverInterval time.Duration // rescan for matched-but-unsettled results
}

type Storage struct {
	Path string // Pebble directory; empty keeps everything in memory
}

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Ledger struct {
	Mode    string // "sim" or "nats"
	NATSURL string
	Subject string
	Timeout time.Duration
}

type Events struct {
	KafkaBrokers []string
	KafkaTopic   string
	P2PListen    string // libp2p multiaddr; empty disables gossip
	P2PBootstrap []string
}

type Telemetry struct {
	OTLPEndpoint string // empty disables trace export
	ServiceName  string
}

type Enclave struct {
	Seed string // devnet only: derives the sealing and attestation keys
}

type Node struct {
	LogFile  string
	LogLevel string
}

type Config struct {
	Matching   Matching
	Lifecycle  Lifecycle
	Settlement Settlement
	Storage    Storage
	API        API
	Ledger     Ledger
	Events     Events
	Telemetry  Telemetry
	Enclave    Enclave
	Node       Node
}

func Default() Config {
	return Config{
		Matching: Matching{
			Interval:   500 * time.Millisecond,
			FillPolicy: "midpoint",
		},
		Lifecycle: Lifecycle{
			OrderTTL:      10 * time.Minute,
			SweepInterval: 5 * time.Second,
		},
		Settlement: Settlement{
			MaxRetries:      3,
			InitialBackoff:  200 * time.Millisecond,
			MaxBackoff:      5 * time.Second,
			FeeBps:          30, // 0.3%
			Workers:         2,
			RecoverInterval: 30 * time.Second,
		},
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Ledger: Ledger{
			Mode:    "sim",
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "darkpool.ledger.settle",
			Timeout: 5 * time.Second,
		},
		Events: Events{
			KafkaTopic: "darkpool.events",
		},
		Telemetry: Telemetry{
			ServiceName: "darkpool-node",
		},
		Enclave: Enclave{
			Seed: "darkpool-devnet-enclave",
		},
		Node: Node{
			LogFile:  "data/node.log",
			LogLevel: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	setDuration(&cfg.Matching.Interval, "MATCH_INTERVAL_MS")
	setString(&cfg.Matching.FillPolicy, "MATCH_FILL_POLICY")

	setDuration(&cfg.Lifecycle.OrderTTL, "ORDER_TTL_MS")
	setDuration(&cfg.Lifecycle.SweepInterval, "SWEEP_INTERVAL_MS")
	setString(&cfg.Lifecycle.JournalPath, "JOURNAL_FILE")

	if v := os.Getenv("SETTLE_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Settlement.MaxRetries = n
		}
	}
	setDuration(&cfg.Settlement.InitialBackoff, "SETTLE_BACKOFF_MS")
	setDuration(&cfg.Settlement.MaxBackoff, "SETTLE_MAX_BACKOFF_MS")
	setDuration(&cfg.Settlement.RecoverInterval, "SETTLE_RECOVER_MS")
	if v := os.Getenv("POOL_FEE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Settlement.FeeBps = n
		}
	}
	if v := os.Getenv("SETTLE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Settlement.Workers = n
		}
	}

	setString(&cfg.Storage.Path, "STORE_PATH")

	setString(&cfg.API.Addr, "API_ADDR")
	setList(&cfg.API.AllowedOrigins, "CORS_ORIGINS")

	setString(&cfg.Ledger.Mode, "LEDGER_MODE")
	setString(&cfg.Ledger.NATSURL, "NATS_URL")
	setString(&cfg.Ledger.Subject, "LEDGER_SUBJECT")
	setDuration(&cfg.Ledger.Timeout, "LEDGER_TIMEOUT_MS")

	setList(&cfg.Events.KafkaBrokers, "KAFKA_BROKERS")
	setString(&cfg.Events.KafkaTopic, "KAFKA_TOPIC")
	setString(&cfg.Events.P2PListen, "LISTEN")
	setList(&cfg.Events.P2PBootstrap, "BOOTSTRAP")

	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")

	setString(&cfg.Enclave.Seed, "ENCLAVE_SEED")

	setString(&cfg.Node.LogFile, "LOG_FILE")
	setString(&cfg.Node.LogLevel, "LOG_LEVEL")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDuration reads a millisecond count.
func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

// setList reads a comma-separated list, e.g. "broker1:9092,broker2:9092".
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
