// Package config loads the bots' YAML configuration, applies FASSET_*
// environment overrides and resolves contract addresses.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"fassetbots/internal/actor"
)

// EnvPrefix prefixes every environment override, e.g. FASSET_RPC_NATIVE_URL.
const EnvPrefix = "FASSET"

// Bot roles that can be enabled under actors.roles.
const (
	RoleLiquidator     = "liquidator"
	RoleChallenger     = "challenger"
	RoleSystemKeeper   = "systemKeeper"
	RoleTimeKeeper     = "timeKeeper"
	RolePricePublisher = "pricePublisher"
)

var ErrInvalidConfig = errors.New("invalid config")

type RPCConfig struct {
	NativeURL         string        `yaml:"native_url" envconfig:"NATIVE_URL"`
	UnderlyingURL     string        `yaml:"underlying_url" envconfig:"UNDERLYING_URL"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" envconfig:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" envconfig:"BURST"`
}

type DatabaseConfig struct {
	// Driver is postgres or sqlite.
	Driver string `yaml:"driver" envconfig:"DRIVER"`
	DSN    string `yaml:"dsn" envconfig:"DSN"`
	// Archive enables the applied-event archive and its dedup tier.
	Archive bool `yaml:"archive" envconfig:"ARCHIVE"`
}

type NATSConfig struct {
	// URL empty disables the event mirror and the nats alert transport.
	URL          string `yaml:"url" envconfig:"URL"`
	MirrorEvents bool   `yaml:"mirror_events" envconfig:"MIRROR_EVENTS"`
}

type NotifierConfig struct {
	Console bool `yaml:"console" envconfig:"CONSOLE"`
	// APIURL is the alert backend; the API key comes from the secrets file.
	APIURL       string `yaml:"api_url" envconfig:"API_URL"`
	SlackWebhook string `yaml:"slack_webhook" envconfig:"SLACK_WEBHOOK"`
	NATSAlerts   bool   `yaml:"nats_alerts" envconfig:"NATS_ALERTS"`
	Throttle     bool   `yaml:"throttle" envconfig:"THROTTLE"`
	// RedisAddr stores throttle state in redis instead of memory.
	RedisAddr string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
}

type ReaderConfig struct {
	BatchSize           uint64        `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	FinalizationBlocks  uint64        `yaml:"finalization_blocks" envconfig:"FINALIZATION_BLOCKS"`
	LoopDelay           time.Duration `yaml:"loop_delay" envconfig:"LOOP_DELAY"`
	MaxEventHandleRetry int           `yaml:"max_event_handle_retry" envconfig:"MAX_EVENT_HANDLE_RETRY"`
	BehindWarnBlocks    uint64        `yaml:"behind_warn_blocks" envconfig:"BEHIND_WARN_BLOCKS"`
	IdempotencyCapacity int           `yaml:"idempotency_capacity" envconfig:"IDEMPOTENCY_CAPACITY"`
	LoadAgents          bool          `yaml:"load_agents" envconfig:"LOAD_AGENTS"`
}

type ActorsConfig struct {
	FAssetSymbol  string        `yaml:"fasset_symbol" envconfig:"FASSET_SYMBOL"`
	ContractsFile string        `yaml:"contracts_file" envconfig:"CONTRACTS_FILE"`
	SecretsFile   string        `yaml:"secrets_file" envconfig:"SECRETS_FILE"`
	Roles         []string      `yaml:"roles" envconfig:"ROLES"`
	LoopDelay     time.Duration `yaml:"loop_delay" envconfig:"LOOP_DELAY"`
	// UnderlyingFinalizationBlocks of the underlying chain.
	UnderlyingFinalizationBlocks uint64 `yaml:"underlying_finalization_blocks" envconfig:"UNDERLYING_FINALIZATION_BLOCKS"`
}

type LiquidatorConfig struct {
	Strategy string `yaml:"strategy" envconfig:"STRATEGY"`
	// MinProfit is a decimal wei amount of vault collateral.
	MinProfit string `yaml:"min_profit" envconfig:"MIN_PROFIT"`
}

type ChallengerConfig struct {
	FromUnderlyingBlock      uint64        `yaml:"from_underlying_block" envconfig:"FROM_UNDERLYING_BLOCK"`
	MaxNegativeBalanceReport int           `yaml:"max_negative_balance_report" envconfig:"MAX_NEGATIVE_BALANCE_REPORT"`
	ProofRetries             int           `yaml:"proof_retries" envconfig:"PROOF_RETRIES"`
	ProofPollInterval        time.Duration `yaml:"proof_poll_interval" envconfig:"PROOF_POLL_INTERVAL"`
}

type TimeKeeperConfig struct {
	UpdateInterval time.Duration `yaml:"update_interval" envconfig:"UPDATE_INTERVAL"`
}

type PricePublisherConfig struct {
	DataAccessLayerURLs []string      `yaml:"data_access_layer_urls" envconfig:"DATA_ACCESS_LAYER_URLS"`
	LoopDelay           time.Duration `yaml:"loop_delay" envconfig:"LOOP_DELAY"`
	MaxJitter           time.Duration `yaml:"max_jitter" envconfig:"MAX_JITTER"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`
}

type Config struct {
	RPC        RPCConfig        `yaml:"rpc"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Reader     ReaderConfig     `yaml:"reader"`
	Actors     ActorsConfig     `yaml:"actors"`
	Liquidator LiquidatorConfig `yaml:"liquidator"`
	Challenger ChallengerConfig `yaml:"challenger"`
	TimeKeeper TimeKeeperConfig `yaml:"timekeeper"`
	Metrics    MetricsConfig    `yaml:"metrics"`

	PricePublisher PricePublisherConfig `yaml:"price_publisher"`
}

func DefaultConfig() *Config {
	return &Config{
		RPC: RPCConfig{
			NativeURL:     "http://localhost:8545",
			UnderlyingURL: "http://localhost:8546",
			Timeout:       30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "fassetbots.db",
		},
		Notifier: NotifierConfig{
			Console:  true,
			Throttle: true,
		},
		Reader: ReaderConfig{
			BatchSize:           100,
			FinalizationBlocks:  3,
			LoopDelay:           5 * time.Second,
			MaxEventHandleRetry: 3,
			BehindWarnBlocks:    1000,
			IdempotencyCapacity: 100_000,
		},
		Actors: ActorsConfig{
			FAssetSymbol:                 "FTestXRP",
			ContractsFile:                "contracts.json",
			SecretsFile:                  "secrets.json",
			Roles:                        []string{RoleSystemKeeper},
			LoopDelay:                    actor.DefaultLoopDelay,
			UnderlyingFinalizationBlocks: 3,
		},
		Liquidator: LiquidatorConfig{
			Strategy:  actor.StrategyDex,
			MinProfit: "0",
		},
		Challenger: ChallengerConfig{
			MaxNegativeBalanceReport: actor.DefaultMaxNegativeBalanceReport,
			ProofRetries:             actor.DefaultProofRetries,
			ProofPollInterval:        actor.DefaultProofPollInterval,
		},
		TimeKeeper: TimeKeeperConfig{
			UpdateInterval: actor.DefaultUpdateInterval,
		},
		PricePublisher: PricePublisherConfig{
			LoopDelay: actor.DefaultPricePublisherLoopDelay,
			MaxJitter: actor.DefaultPublishJitter,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads path over the defaults and then applies environment overrides
// per group. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	groups := []struct {
		name   string
		target any
	}{
		{"RPC", &c.RPC},
		{"DATABASE", &c.Database},
		{"NATS", &c.NATS},
		{"NOTIFIER", &c.Notifier},
		{"READER", &c.Reader},
		{"ACTORS", &c.Actors},
		{"LIQUIDATOR", &c.Liquidator},
		{"CHALLENGER", &c.Challenger},
		{"TIMEKEEPER", &c.TimeKeeper},
		{"METRICS", &c.Metrics},
		{"PRICE_PUBLISHER", &c.PricePublisher},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.target); err != nil {
			return fmt.Errorf("env overrides for %s: %w", strings.ToLower(g.name), err)
		}
	}
	return nil
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.RPC.NativeURL == "" {
		invalid("rpc.native_url is required")
	}
	if c.RPC.RequestsPerSecond < 0 {
		invalid("rpc.requests_per_second must not be negative")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		invalid("database.driver %q is not postgres or sqlite", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		invalid("database.dsn is required")
	}
	if c.Reader.BatchSize == 0 {
		invalid("reader.batch_size must be positive")
	}
	if c.Actors.FAssetSymbol == "" {
		invalid("actors.fasset_symbol is required")
	}
	if c.Actors.ContractsFile == "" {
		invalid("actors.contracts_file is required")
	}
	for _, role := range c.Actors.Roles {
		switch role {
		case RoleLiquidator, RoleChallenger, RoleSystemKeeper, RoleTimeKeeper, RolePricePublisher:
		default:
			invalid("actors.roles: unknown role %q", role)
		}
	}
	if c.HasRole(RoleChallenger) || c.HasRole(RoleTimeKeeper) {
		if c.RPC.UnderlyingURL == "" {
			invalid("rpc.underlying_url is required by the challenger and the time keeper")
		}
	}
	if c.HasRole(RolePricePublisher) && len(c.PricePublisher.DataAccessLayerURLs) == 0 {
		invalid("price_publisher.data_access_layer_urls is required by the price publisher")
	}
	switch c.Liquidator.Strategy {
	case actor.StrategyDex, actor.StrategyDirect:
	default:
		invalid("liquidator.strategy %q is not %s or %s", c.Liquidator.Strategy, actor.StrategyDex, actor.StrategyDirect)
	}
	if _, err := c.Liquidator.MinProfitWei(); err != nil {
		errs = append(errs, err)
	}
	if c.NATS.URL == "" && (c.NATS.MirrorEvents || c.Notifier.NATSAlerts) {
		invalid("nats.url is required by nats.mirror_events and notifier.nats_alerts")
	}
	return errors.Join(errs...)
}

func (c *Config) HasRole(role string) bool {
	for _, r := range c.Actors.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (c LiquidatorConfig) MinProfitWei() (*big.Int, error) {
	if c.MinProfit == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(c.MinProfit, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: liquidator.min_profit %q is not a non-negative integer", ErrInvalidConfig, c.MinProfit)
	}
	return v, nil
}
