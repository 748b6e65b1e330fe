// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // development, staging, production
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// Database (optional, uses in-memory store if not set)
	DatabaseURL     string        `env:"DATABASE_URL"`
	AutoMigrate     bool          `env:"AUTO_MIGRATE" envDefault:"false"`
	DBMaxOpenConns  int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns  int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLife   time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	TxRetryAttempts int           `env:"TX_RETRY_ATTEMPTS" envDefault:"5"`

	// Auth
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"fiatbridge"`

	// Ledger
	PlatformUserID  string          `env:"PLATFORM_USER_ID" envDefault:"platform"`
	RatesFile       string          `env:"RATES_FILE"`
	TransferFeeRate decimal.Decimal `env:"TRANSFER_FEE_RATE" envDefault:"0.005"`
	SwapFeeRate     decimal.Decimal `env:"SWAP_FEE_RATE" envDefault:"0.01"`

	// Agents
	MinAgentDepositUSD  decimal.Decimal `env:"MIN_AGENT_DEPOSIT_USD" envDefault:"100"`
	AgentCommissionRate decimal.Decimal `env:"AGENT_COMMISSION_RATE" envDefault:"0.01"`

	// Request lifetimes
	MintPendingTTL  time.Duration `env:"MINT_PENDING_TTL" envDefault:"30m"`
	MintReviewTTL   time.Duration `env:"MINT_REVIEW_TTL" envDefault:"24h"`
	BurnTTL         time.Duration `env:"BURN_TTL" envDefault:"30m"`
	BurnFiatSentTTL time.Duration `env:"BURN_FIAT_SENT_TTL" envDefault:"30m"`

	// Background work
	EscrowSweepInterval time.Duration `env:"ESCROW_SWEEP_INTERVAL" envDefault:"30s"`
	EscrowSweepBatch    int           `env:"ESCROW_SWEEP_BATCH" envDefault:"100"`
	MintExpiryInterval  time.Duration `env:"MINT_EXPIRY_INTERVAL" envDefault:"1m"`
	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`

	// Blockchain deposit verification (optional in development)
	RPCURL         string        `env:"RPC_URL"`
	USDTContract   string        `env:"USDT_CONTRACT"`
	DepositAddress string        `env:"DEPOSIT_ADDRESS"`
	Confirmations  uint64        `env:"CONFIRMATIONS" envDefault:"3"`
	ChainTimeout   time.Duration `env:"CHAIN_TIMEOUT" envDefault:"15s"`

	// Proof uploads (S3-compatible, optional)
	S3Bucket    string `env:"S3_BUCKET"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Region    string `env:"S3_REGION" envDefault:"auto"`
	S3AccessKey string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3PublicURL string `env:"S3_PUBLIC_URL"`

	// Notifications
	NotifyWebhookURL    string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string        `env:"NOTIFY_WEBHOOK_SECRET"`
	NotifyTimeout       time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`

	// Security
	RateLimitRPM    int           `env:"RATE_LIMIT_RPM" envDefault:"120"`
	RateLimitBurst  int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:","`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"10485760"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Observability
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.TransferFeeRate.IsNegative() || c.TransferFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("TRANSFER_FEE_RATE must be in [0, 1)")
	}
	if c.SwapFeeRate.IsNegative() || c.SwapFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("SWAP_FEE_RATE must be in [0, 1)")
	}
	if c.AgentCommissionRate.IsNegative() || c.AgentCommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("AGENT_COMMISSION_RATE must be in [0, 1)")
	}
	if !c.MinAgentDepositUSD.IsPositive() {
		return fmt.Errorf("MIN_AGENT_DEPOSIT_USD must be positive")
	}
	if strings.TrimSpace(c.PlatformUserID) == "" {
		return fmt.Errorf("PLATFORM_USER_ID is required")
	}

	for name, d := range map[string]time.Duration{
		"MINT_PENDING_TTL":      c.MintPendingTTL,
		"MINT_REVIEW_TTL":       c.MintReviewTTL,
		"BURN_TTL":              c.BurnTTL,
		"BURN_FIAT_SENT_TTL":    c.BurnFiatSentTTL,
		"ESCROW_SWEEP_INTERVAL": c.EscrowSweepInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.EscrowSweepBatch <= 0 {
		return fmt.Errorf("ESCROW_SWEEP_BATCH must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MAX_BODY_BYTES must be positive")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.RPCURL == "" || c.USDTContract == "" || c.DepositAddress == "" {
			return fmt.Errorf("RPC_URL, USDT_CONTRACT and DEPOSIT_ADDRESS are required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ChainEnabled reports whether on-chain deposit verification is configured.
func (c *Config) ChainEnabled() bool {
	return c.RPCURL != "" && c.USDTContract != "" && c.DepositAddress != ""
}

// S3Enabled reports whether proof uploads go to object storage.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != ""
}
