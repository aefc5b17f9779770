package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"saleguard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Quorum    QuorumConfig    `mapstructure:"quorum"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Owner       string `mapstructure:"owner"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the feed and monitor cadence.
type SchedulerConfig struct {
	FeedInterval    time.Duration `mapstructure:"feed_interval"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// OracleConfig bounds accepted price updates.
type OracleConfig struct {
	MaxPriceCents  int64         `mapstructure:"max_price_cents"`
	MaxChangePct   int64         `mapstructure:"max_change_pct"`
	UpdateCooldown time.Duration `mapstructure:"update_cooldown"`
	ValidityWindow time.Duration `mapstructure:"validity_window"`
}

// LimitsConfig bounds investment amounts, in USD cents. The optional
// deadlines mark the sale bonus phases; zero values disable a phase.
type LimitsConfig struct {
	MinCents        int64     `mapstructure:"min_cents"`
	MaxCents        int64     `mapstructure:"max_cents"`
	LargeCents      int64     `mapstructure:"large_cents"`
	MVPDeadline     time.Time `mapstructure:"mvp_deadline"`
	ReleaseDeadline time.Time `mapstructure:"release_deadline"`
}

// QuorumConfig describes the multi-signature signer set.
type QuorumConfig struct {
	Signers  []string      `mapstructure:"signers"`
	Required int           `mapstructure:"required"`
	Timelock time.Duration `mapstructure:"timelock"`
}

// EthereumConfig covers the on-chain transfer executor.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	TokenAddress   string        `mapstructure:"token_address"`
	PrivateKey     string        `mapstructure:"private_key"`
	ChainID        int64         `mapstructure:"chain_id"`
	TokenDecimals  int32         `mapstructure:"token_decimals"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FeedConfig captures external price source connectivity.
type FeedConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	AssetID        string        `mapstructure:"asset_id"`
	Currency       string        `mapstructure:"currency"`
	APIKey         string        `mapstructure:"api_key"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	DiscrepancyPct int64         `mapstructure:"discrepancy_pct"`
	SubmitToOracle bool          `mapstructure:"submit_to_oracle"`
}

// AnomalyConfig tunes the detection rules.
type AnomalyConfig struct {
	LargeTransferAmount   string        `mapstructure:"large_transfer_amount"`
	LargeInvestmentAmount string        `mapstructure:"large_investment_amount"`
	RapidTxCount          int           `mapstructure:"rapid_tx_count"`
	RapidTxWindow         time.Duration `mapstructure:"rapid_tx_window"`
	RepeatedPatternCount  int           `mapstructure:"repeated_pattern_count"`
	PriceChangeAlertPct   int64         `mapstructure:"price_change_alert_pct"`
	HistorySize           int           `mapstructure:"history_size"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	Channels []string      `mapstructure:"channels"`

	// Routes restricts a severity to a subset of channels. Severities
	// without an entry go to every configured channel.
	Routes map[string][]string `mapstructure:"routes"`

	FilePath string         `mapstructure:"file_path"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SALEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "saleguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.feed_interval", "5m")
	v.SetDefault("scheduler.monitor_interval", "2m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73616c65))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("oracle.max_price_cents", int64(10_000_000))
	v.SetDefault("oracle.max_change_pct", int64(50))
	v.SetDefault("oracle.update_cooldown", "1h")
	v.SetDefault("oracle.validity_window", "4h")

	v.SetDefault("limits.min_cents", int64(2_000))
	v.SetDefault("limits.max_cents", int64(100_000_000))
	v.SetDefault("limits.large_cents", int64(10_000_000))

	v.SetDefault("quorum.required", 2)
	v.SetDefault("quorum.timelock", "24h")

	v.SetDefault("ethereum.request_timeout", "30s")
	v.SetDefault("ethereum.token_decimals", 18)

	v.SetDefault("feed.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("feed.asset_id", "ethereum")
	v.SetDefault("feed.currency", "usd")
	v.SetDefault("feed.max_attempts", 3)
	v.SetDefault("feed.retry_backoff", "10s")
	v.SetDefault("feed.request_timeout", "10s")
	v.SetDefault("feed.user_agent", "saleguard/1.0")
	v.SetDefault("feed.discrepancy_pct", int64(5))
	v.SetDefault("feed.submit_to_oracle", true)

	v.SetDefault("anomaly.large_transfer_amount", "1000")
	v.SetDefault("anomaly.large_investment_amount", "100")
	v.SetDefault("anomaly.rapid_tx_count", 10)
	v.SetDefault("anomaly.rapid_tx_window", "1h")
	v.SetDefault("anomaly.repeated_pattern_count", 5)
	v.SetDefault("anomaly.price_change_alert_pct", int64(20))
	v.SetDefault("anomaly.history_size", 1000)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.cooldown", "5m")
	v.SetDefault("alerting.channels", []string{"console"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.FeedInterval <= 0 {
		return fmt.Errorf("scheduler.feed_interval must be greater than zero")
	}
	if c.Scheduler.MonitorInterval <= 0 {
		return fmt.Errorf("scheduler.monitor_interval must be greater than zero")
	}
	if c.Oracle.MaxPriceCents <= 0 {
		return fmt.Errorf("oracle.max_price_cents must be greater than zero")
	}
	if c.Oracle.MaxChangePct <= 0 || c.Oracle.MaxChangePct > 100 {
		return fmt.Errorf("oracle.max_change_pct must be within (0, 100]")
	}
	if c.Limits.MinCents <= 0 || c.Limits.MaxCents <= c.Limits.MinCents {
		return fmt.Errorf("limits bounds must satisfy 0 < min < max")
	}
	if c.Limits.LargeCents <= c.Limits.MinCents || c.Limits.LargeCents > c.Limits.MaxCents {
		return fmt.Errorf("limits.large_cents must lie between min and max")
	}
	if len(c.Quorum.Signers) > 0 && (c.Quorum.Required < 1 || c.Quorum.Required > len(c.Quorum.Signers)) {
		return fmt.Errorf("quorum.required must be within [1, len(signers)]")
	}
	if c.Feed.MaxAttempts <= 0 {
		return fmt.Errorf("feed.max_attempts must be greater than zero")
	}
	if c.Anomaly.HistorySize <= 0 {
		return fmt.Errorf("anomaly.history_size must be greater than zero")
	}
	for severity, names := range c.Alerting.Routes {
		for _, name := range names {
			if !slices.Contains(c.Alerting.Channels, name) {
				return fmt.Errorf("alerting.routes[%s] references unconfigured channel %q", severity, name)
			}
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
