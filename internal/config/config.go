// Package config loads service configuration from a YAML file, a .env file
// and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/fee"
	"github.com/atmx/lender-pool/internal/model"
	"github.com/atmx/lender-pool/internal/pool"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pool       PoolConfig       `yaml:"pool"`
	Randomness RandomnessConfig `yaml:"randomness"`
	Storage    StorageConfig    `yaml:"storage"`
	NATS       NATSConfig       `yaml:"nats"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Borrowers  []BorrowerConfig `yaml:"borrowers"`
	Genesis    []Allocation     `yaml:"genesis"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PoolConfig fixes the pool's identity and initial parameters. Amounts are
// ether strings ("1", "0.5") or carry a unit ("250 gwei").
type PoolConfig struct {
	Address         string        `yaml:"address"`
	Owner           string        `yaml:"owner"`
	PositionSize    string        `yaml:"position_size"`
	DepositCap      string        `yaml:"deposit_cap"`
	Fee             fee.Rate      `yaml:"fee"`
	RandomTimeout   time.Duration `yaml:"random_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
}

// RandomnessConfig selects the randomness provider.
type RandomnessConfig struct {
	Source       string        `yaml:"source"` // crypto | beacon
	BeaconURL    string        `yaml:"beacon_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver      string        `yaml:"driver"` // memory | postgres | sqlite
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// NATSConfig enables event publishing to JetStream when URL is set.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Buffer int    `yaml:"buffer"`
}

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
	Issuer     string `yaml:"issuer"`
	// AllowHeaderCaller accepts X-Caller-Address when no secret is set.
	// Development only.
	AllowHeaderCaller bool `yaml:"allow_header_caller"`
}

// RateLimitConfig bounds mutating requests per caller.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BorrowerConfig registers a borrower at startup. Without a webhook URL the
// borrower repays in-process.
type BorrowerConfig struct {
	Address    string        `yaml:"address"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Allocation is a genesis wallet balance.
type Allocation struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

// LogConfig controls the format, level and optional file sink of logging.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads path (optional), then .env, then environment overrides, and
// fills defaults. It does not validate; call Validate.
func Load(path string) (*Config, error) {
	// Load .env if present.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg, nil
}

// applyEnvOverrides replaces values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		env string
		dst *string
	}{
		{"PORT", &cfg.Server.Port},
		{"POOL_ADDRESS", &cfg.Pool.Address},
		{"POOL_OWNER", &cfg.Pool.Owner},
		{"STORAGE_DRIVER", &cfg.Storage.Driver},
		{"DATABASE_URL", &cfg.Storage.DatabaseURL},
		{"SQLITE_PATH", &cfg.Storage.SQLitePath},
		{"REDIS_URL", &cfg.Storage.RedisURL},
		{"NATS_URL", &cfg.NATS.URL},
		{"RANDOMNESS_SOURCE", &cfg.Randomness.Source},
		{"BEACON_URL", &cfg.Randomness.BeaconURL},
		{"AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
		{"LOG_FILE", &cfg.Log.File},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
	if v := os.Getenv("AUTH_ALLOW_HEADER_CALLER"); v != "" {
		cfg.Auth.AllowHeaderCaller, _ = strconv.ParseBool(v)
	}
}

// setDefaults gives every optional setting a usable value.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Pool.PositionSize == "" {
		cfg.Pool.PositionSize = "1"
	}
	if cfg.Pool.DepositCap == "" {
		cfg.Pool.DepositCap = "100"
	}
	if cfg.Pool.Fee == (fee.Rate{}) {
		cfg.Pool.Fee = fee.DefaultRate
	}
	if cfg.Pool.RandomTimeout <= 0 {
		cfg.Pool.RandomTimeout = pool.DefaultRandomTimeout
	}
	if cfg.Pool.CallbackTimeout <= 0 {
		cfg.Pool.CallbackTimeout = pool.DefaultCallbackTimeout
	}
	if cfg.Randomness.Source == "" {
		cfg.Randomness.Source = "crypto"
	}
	if cfg.Randomness.PollInterval <= 0 {
		cfg.Randomness.PollInterval = time.Second
	}
	if cfg.Storage.Driver == "" {
		switch {
		case cfg.Storage.DatabaseURL != "":
			cfg.Storage.Driver = "postgres"
		case cfg.Storage.SQLitePath != "":
			cfg.Storage.Driver = "sqlite"
		default:
			cfg.Storage.Driver = "memory"
		}
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "lender-pool"
	}
	if cfg.RateLimit.RPS <= 0 {
		cfg.RateLimit.RPS = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks everything that Load can't.
func (c *Config) Validate() error {
	if _, err := c.PoolParams(); err != nil {
		return err
	}
	if _, err := c.Allocations(); err != nil {
		return err
	}
	for _, b := range c.Borrowers {
		if !common.IsHexAddress(b.Address) {
			return fmt.Errorf("%w: borrower address %q", ErrInvalid, b.Address)
		}
	}
	switch c.Randomness.Source {
	case "crypto":
	case "beacon":
		if c.Randomness.BeaconURL == "" {
			return fmt.Errorf("%w: randomness.beacon_url is required for the beacon source", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: randomness.source %q", ErrInvalid, c.Randomness.Source)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("%w: storage.database_url is required for postgres", ErrInvalid)
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("%w: storage.sqlite_path is required for sqlite", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: storage.driver %q", ErrInvalid, c.Storage.Driver)
	}
	if c.Auth.HMACSecret == "" && !c.Auth.AllowHeaderCaller {
		return fmt.Errorf("%w: auth.hmac_secret is required unless allow_header_caller is set", ErrInvalid)
	}
	return nil
}

// PoolParams converts the pool section into a pool.Config.
func (c *Config) PoolParams() (pool.Config, error) {
	var pc pool.Config
	var err error
	if pc.PoolAddress, err = parseAddress("pool.address", c.Pool.Address); err != nil {
		return pc, err
	}
	if pc.Owner, err = parseAddress("pool.owner", c.Pool.Owner); err != nil {
		return pc, err
	}
	if pc.PoolAddress == pc.Owner {
		return pc, fmt.Errorf("%w: pool.address and pool.owner must differ", ErrInvalid)
	}
	if pc.PositionSize, err = amount.Parse(c.Pool.PositionSize); err != nil {
		return pc, fmt.Errorf("%w: pool.position_size: %w", ErrInvalid, err)
	}
	if pc.PositionSize.IsZero() {
		return pc, fmt.Errorf("%w: pool.position_size must be positive", ErrInvalid)
	}
	if pc.DepositCap, err = amount.Parse(c.Pool.DepositCap); err != nil {
		return pc, fmt.Errorf("%w: pool.deposit_cap: %w", ErrInvalid, err)
	}
	if err := c.Pool.Fee.Validate(); err != nil {
		return pc, fmt.Errorf("%w: pool.fee: %w", ErrInvalid, err)
	}
	pc.FeeRate = c.Pool.Fee
	pc.RandomTimeout = c.Pool.RandomTimeout
	pc.CallbackTimeout = c.Pool.CallbackTimeout
	return pc, nil
}

// Allocations returns the genesis wallets.
func (c *Config) Allocations() ([]model.Wallet, error) {
	out := make([]model.Wallet, 0, len(c.Genesis))
	for i, a := range c.Genesis {
		addr, err := parseAddress(fmt.Sprintf("genesis[%d].address", i), a.Address)
		if err != nil {
			return nil, err
		}
		bal, err := amount.Parse(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("%w: genesis[%d].balance: %w", ErrInvalid, i, err)
		}
		out = append(out, model.Wallet{Address: addr, Balance: bal})
	}
	return out, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not a hex address", ErrInvalid, field, s)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s is the zero address", ErrInvalid, field)
	}
	return addr, nil
}
