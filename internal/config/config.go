// Package config loads the broker's YAML configuration and overlays secrets
// from the environment, following the shape of the teacher's gateway
// config package (a single Config struct, yaml.v3 unmarshalling, explicit
// defaulting).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// FeatureFlags mirrors §6: a disabled flag returns 503 on its routes.
type FeatureFlags struct {
	MessagingEnabled              bool `yaml:"messagingEnabled"`
	NegotiationEnabled            bool `yaml:"negotiationEnabled"`
	CreditLedgerEnabled           bool `yaml:"creditLedgerEnabled"`
	UsefulnessAggregationEnabled  bool `yaml:"usefulnessAggregationEnabled"`
	PaymentsEnabled               bool `yaml:"paymentsEnabled"`
	Web4PoUDiscoveryEnabled       bool `yaml:"web4PoUDiscoveryEnabled"`
	GreylistBypassPaymentEnabled  bool `yaml:"greylistBypassPaymentEnabled"`
}

// DiscoveryWeights are the default combined-ranking weights from §4.5.
type DiscoveryWeights struct {
	Similarity float64 `yaml:"similarity"`
	Trust      float64 `yaml:"trust"`
	Usefulness float64 `yaml:"usefulness"`
}

// RateLimits configures the sliding-window limiter per §4.2/§4.9.
type RateLimits struct {
	RequestsPerMinute int64         `yaml:"requestsPerMinute"`
	Window            time.Duration `yaml:"window"`
}

// AntiFraudConfig configures the four anti-fraud sub-checks (§4.8).
type AntiFraudConfig struct {
	ReplayWindow        time.Duration `yaml:"replayWindow"`
	ContentDedupeWindow time.Duration `yaml:"contentDedupeWindow"`
	GreylistEnabled     bool          `yaml:"greylistEnabled"`
	GreylistRetryAfter  time.Duration `yaml:"greylistRetryAfter"`
	PostageAmount       int64         `yaml:"postageAmount"`
}

// NegotiationConfig configures negotiation defaults (§4.10).
type NegotiationConfig struct {
	DefaultMaxRounds int `yaml:"defaultMaxRounds"`
	// DefaultTTLMinutes is not applied anywhere: a create request without
	// ttl_minutes reaches negotiation.Initiate with 0.
	DefaultTTLMinutes int `yaml:"defaultTTLMinutes"`
}

// IncentiveConfig configures the incentive pool recipient (§4.12).
type IncentiveConfig struct {
	PoolDID string `yaml:"poolDid"`
}

// ReceiptConfig holds committee defaults (§4.14, §9 open question). Nothing
// reads it; reputation.CreateReceipt applies its own defaults of k=3, m=5.
type ReceiptConfig struct {
	DefaultK int `yaml:"defaultK"`
	DefaultM int `yaml:"defaultM"`
}

// Config is the broker's full runtime configuration.
type Config struct {
	ListenAddress string `yaml:"listen"`

	DatabaseDSN string `yaml:"-"` // from DATABASE_URL
	RedisAddr   string `yaml:"-"` // from REDIS_ADDR
	RedisPassword string `yaml:"-"` // from REDIS_PASSWORD

	EmbeddingBaseURL string `yaml:"embeddingBaseUrl"`
	EmbeddingAPIKey  string `yaml:"-"` // from EMBEDDING_API_KEY
	EmbeddingModel   string `yaml:"embeddingModel"`

	Flags             FeatureFlags      `yaml:"flags"`
	DiscoveryWeights  DiscoveryWeights  `yaml:"discoveryWeights"`
	DefaultRateLimit  RateLimits        `yaml:"defaultRateLimit"`
	AntiFraud         AntiFraudConfig   `yaml:"antiFraud"`
	Negotiation       NegotiationConfig `yaml:"negotiation"`
	Incentive         IncentiveConfig   `yaml:"incentive"`
	Receipts          ReceiptConfig     `yaml:"receipts"`

	DiscoveryCandidateCount int `yaml:"discoveryCandidateCount"`
	BroadcastFanout         int `yaml:"broadcastFanout"`
}

// Default returns the baseline configuration before env overlay.
func Default() Config {
	return Config{
		ListenAddress:    ":8080",
		EmbeddingModel:   "text-embedding-ainp",
		DiscoveryWeights: DiscoveryWeights{Similarity: 0.6, Trust: 0.3, Usefulness: 0.1},
		DefaultRateLimit: RateLimits{RequestsPerMinute: 100, Window: time.Minute},
		AntiFraud: AntiFraudConfig{
			ReplayWindow:        5 * time.Minute,
			ContentDedupeWindow: 24 * time.Hour,
			GreylistEnabled:     true,
			GreylistRetryAfter:  60 * time.Second,
			PostageAmount:       1000,
		},
		Negotiation: NegotiationConfig{DefaultMaxRounds: 20, DefaultTTLMinutes: 60},
		Incentive:   IncentiveConfig{PoolDID: "did:key:ainp-pool"},
		Receipts:    ReceiptConfig{DefaultK: 3, DefaultM: 5},
		DiscoveryCandidateCount: 50,
		BroadcastFanout:         5,
	}
}

// Load reads a YAML file into a Config seeded with defaults, then overlays
// secrets and connection strings from the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.overlayEnv()
	return cfg, nil
}

func (c *Config) overlayEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseDSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		c.EmbeddingAPIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		c.EmbeddingBaseURL = v
	}
	overlayBool(&c.Flags.MessagingEnabled, "MESSAGING_ENABLED")
	overlayBool(&c.Flags.NegotiationEnabled, "NEGOTIATION_ENABLED")
	overlayBool(&c.Flags.CreditLedgerEnabled, "CREDIT_LEDGER_ENABLED")
	overlayBool(&c.Flags.UsefulnessAggregationEnabled, "USEFULNESS_AGGREGATION_ENABLED")
	overlayBool(&c.Flags.PaymentsEnabled, "PAYMENTS_ENABLED")
	overlayBool(&c.Flags.Web4PoUDiscoveryEnabled, "WEB4_POU_DISCOVERY_ENABLED")
	overlayBool(&c.Flags.GreylistBypassPaymentEnabled, "GREYLIST_BYPASS_PAYMENT_ENABLED")
}

func overlayBool(dst *bool, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = parsed
}
