package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"windowgate/internal/logging"
	"windowgate/internal/plan"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`

	plans plan.Table
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig covers the gateway listener and the metered upstream.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	UpstreamBaseURL string        `mapstructure:"upstream_base_url"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
}

// DatabaseConfig encapsulates alert and key persistence.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the shared window store. An empty URL keeps
// admission on the in-process store.
type RedisConfig struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

// AdmissionConfig sets the request window and per-plan limits.
type AdmissionConfig struct {
	DefaultWindow time.Duration    `mapstructure:"default_window"`
	Plans         map[string]int64 `mapstructure:"plans"`
}

// AlertsConfig governs the evaluation loop and alert quotas.
type AlertsConfig struct {
	PollInterval          time.Duration  `mapstructure:"poll_interval"`
	AlignToInterval       bool           `mapstructure:"align_to_interval"`
	StartupDelay          time.Duration  `mapstructure:"startup_delay"`
	AdvisoryLockKey       int64          `mapstructure:"advisory_lock_key"`
	Concurrency           int            `mapstructure:"concurrency"`
	EvaluationTimeout     time.Duration  `mapstructure:"evaluation_timeout"`
	StoreTimeout          time.Duration  `mapstructure:"store_timeout"`
	LiquidationFetchLimit int            `mapstructure:"liquidation_fetch_limit"`
	MaxPerPlan            map[string]int `mapstructure:"max_per_plan"`
}

// MarketDataConfig points at the metric source API.
type MarketDataConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Timeout          time.Duration `mapstructure:"timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	LiquidationsPath string        `mapstructure:"liquidations_path"`
	FundingPath      string        `mapstructure:"funding_path"`
	WhalesPath       string        `mapstructure:"whales_path"`
}

// NotifyConfig defines alert routing.
type NotifyConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// DiscordConfig 描述 Discord webhook 参数。
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// KafkaConfig 描述 Kafka 事件投递参数。
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// GatewayConfig lists static credentials and whether the keystore is consulted.
// Static entries are "key:plan" or "key:plan:override".
type GatewayConfig struct {
	APIKeys     []string `mapstructure:"api_keys"`
	UseKeystore bool     `mapstructure:"use_keystore"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WINDOWGATE")
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
	v.SetDefault("app.name", "windowgate")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.addr", ":8010")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.upstream_timeout", "30s")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite_path", "windowgate.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.timeout", "250ms")
	v.SetDefault("redis.retry_interval", "30s")
	v.SetDefault("redis.key_prefix", "windowgate:rl:")

	v.SetDefault("admission.default_window", "60s")
	for name, limit := range plan.DefaultLimits() {
		v.SetDefault("admission.plans."+name, limit)
	}

	v.SetDefault("alerts.poll_interval", "60s")
	v.SetDefault("alerts.align_to_interval", false)
	v.SetDefault("alerts.startup_delay", "0s")
	v.SetDefault("alerts.advisory_lock_key", int64(0x77676174))
	v.SetDefault("alerts.concurrency", 1)
	v.SetDefault("alerts.evaluation_timeout", "20s")
	v.SetDefault("alerts.store_timeout", "10s")
	v.SetDefault("alerts.liquidation_fetch_limit", 50000)
	for name, n := range plan.DefaultMaxAlerts() {
		v.SetDefault("alerts.max_per_plan."+name, n)
	}

	v.SetDefault("marketdata.base_url", "https://api.moondev.com")
	v.SetDefault("marketdata.timeout", "15s")
	v.SetDefault("marketdata.user_agent", "windowgate/1.0")
	v.SetDefault("marketdata.liquidations_path", "/liquidations")
	v.SetDefault("marketdata.funding_path", "/funding")
	v.SetDefault("marketdata.whales_path", "/whales")

	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.discord.enabled", false)
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.kafka.enabled", false)
	v.SetDefault("notify.kafka.topic", "windowgate.alerts")

	v.SetDefault("gateway.api_keys", []string{})
	v.SetDefault("gateway.use_keystore", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks and builds the plan table.
func (c *Config) Validate() error {
	if c.Alerts.PollInterval <= 0 {
		return fmt.Errorf("alerts.poll_interval must be greater than zero")
	}
	if c.Admission.DefaultWindow <= 0 {
		return fmt.Errorf("admission.default_window must be greater than zero")
	}
	if c.Alerts.Concurrency < 1 {
		return fmt.Errorf("alerts.concurrency must be at least 1")
	}
	if c.Alerts.LiquidationFetchLimit <= 0 {
		return fmt.Errorf("alerts.liquidation_fetch_limit must be greater than zero")
	}

	table, err := plan.NewTable(c.Admission.Plans, c.Alerts.MaxPerPlan)
	if err != nil {
		return fmt.Errorf("plan table: %w", err)
	}
	c.plans = table

	switch strings.ToLower(c.Database.Driver) {
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path 必须配置")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn 必须配置")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}

	if c.Notify.Discord.Enabled && c.Notify.Discord.WebhookURL == "" {
		return fmt.Errorf("notify.discord.webhook_url 必须配置")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" {
			return fmt.Errorf("notify.telegram.bot_token 必须配置")
		}
		if c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("notify.telegram.chat_id 必须配置")
		}
	}
	if c.Notify.Kafka.Enabled {
		if len(c.Notify.Kafka.Brokers) == 0 {
			return fmt.Errorf("notify.kafka.brokers 必须配置")
		}
		if c.Notify.Kafka.Topic == "" {
			return fmt.Errorf("notify.kafka.topic 必须配置")
		}
	}
	return nil
}

// Plans returns the validated plan table.
func (c *Config) Plans() plan.Table {
	return c.plans
}
