package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	envKeyName   = "COINBASE_KEY_NAME"
	envKeySecret = "COINBASE_KEY_SECRET"
	envBotToken  = "TELEGRAM_BOT_TOKEN"
)

type Config struct {
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Refresh        RefreshConfig        `yaml:"refresh"`
	Trading        TradingConfig        `yaml:"trading"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	KeyName             string `yaml:"key_name"`
	KeySecret           string `yaml:"key_secret"`
	RequestHost         string `yaml:"request_host"`
	AccountsPath        string `yaml:"accounts_path"`
	PricesPath          string `yaml:"prices_path"`
	OrdersPath          string `yaml:"orders_path"`
	WSURL               string `yaml:"ws_url"`
	WSEnabled           bool   `yaml:"ws_enabled"`
	HTTPTimeoutSec      int64  `yaml:"http_timeout_sec"`
	MaxRateLimitRetries int    `yaml:"max_rate_limit_retries"`
}

type RefreshConfig struct {
	IntervalSec  int64  `yaml:"interval_sec"`
	SpendAccount string `yaml:"spend_account"`
}

// TradingConfig carries the thresholds the (future) decision policy reads.
// The refresher itself never consults them.
type TradingConfig struct {
	TransactionFee Decimal `yaml:"transaction_fee"`
	SaleThreshold  Decimal `yaml:"sale_threshold"`
	LossLimit      Decimal `yaml:"loss_limit"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled            bool  `yaml:"enabled"`
	MaxRefreshFailures int   `yaml:"max_refresh_failures"`
	MaxStreamFailures  int   `yaml:"max_stream_failures"`
	CooldownSec        int64 `yaml:"cooldown_sec"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec int64 `yaml:"heartbeat_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Exchange.KeyName = strings.TrimSpace(c.Exchange.KeyName)
	c.Exchange.KeySecret = strings.TrimSpace(c.Exchange.KeySecret)
	c.Exchange.RequestHost = strings.TrimPrefix(strings.TrimSpace(c.Exchange.RequestHost), "https://")
	c.Exchange.RequestHost = strings.TrimSuffix(c.Exchange.RequestHost, "/")
	c.Exchange.AccountsPath = strings.TrimSpace(c.Exchange.AccountsPath)
	c.Exchange.PricesPath = strings.TrimSpace(c.Exchange.PricesPath)
	c.Exchange.OrdersPath = strings.TrimSpace(c.Exchange.OrdersPath)
	c.Exchange.WSURL = strings.TrimSpace(c.Exchange.WSURL)
	c.Refresh.SpendAccount = strings.ToUpper(strings.TrimSpace(c.Refresh.SpendAccount))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)

	// Secrets fall back to the environment so the yaml file can stay
	// credential-free. Key exports escape newlines; undo that here.
	if c.Exchange.KeyName == "" {
		c.Exchange.KeyName = strings.TrimSpace(os.Getenv(envKeyName))
	}
	if c.Exchange.KeySecret == "" {
		c.Exchange.KeySecret = strings.TrimSpace(os.Getenv(envKeySecret))
	}
	c.Exchange.KeySecret = strings.ReplaceAll(c.Exchange.KeySecret, `\n`, "\n")
	if c.Observability.Telegram.BotToken == "" {
		c.Observability.Telegram.BotToken = strings.TrimSpace(os.Getenv(envBotToken))
	}
}

func (c *Config) applyDefaults() {
	if c.Exchange.RequestHost == "" {
		c.Exchange.RequestHost = "api.coinbase.com"
	}
	if c.Exchange.AccountsPath == "" {
		c.Exchange.AccountsPath = "/api/v3/brokerage/accounts"
	}
	if c.Exchange.PricesPath == "" {
		c.Exchange.PricesPath = "/api/v3/brokerage/products/{product_id}/ticker"
	}
	if c.Exchange.OrdersPath == "" {
		c.Exchange.OrdersPath = "/api/v3/brokerage/orders"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://advanced-trade-ws.coinbase.com"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.MaxRateLimitRetries == 0 {
		c.Exchange.MaxRateLimitRetries = 5
	}
	if c.Refresh.IntervalSec == 0 {
		c.Refresh.IntervalSec = 60
	}
	if c.Refresh.SpendAccount == "" {
		c.Refresh.SpendAccount = "USD"
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxRefreshFailures == 0 {
		c.CircuitBreaker.MaxRefreshFailures = 5
	}
	if c.CircuitBreaker.MaxStreamFailures == 0 {
		c.CircuitBreaker.MaxStreamFailures = 10
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 300
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.HeartbeatSec == 0 {
		c.Observability.Runtime.HeartbeatSec = 300
	}
}

func (c Config) Validate() error {
	if c.Exchange.KeyName == "" {
		return fmt.Errorf("exchange key_name is required (or %s)", envKeyName)
	}
	if c.Exchange.KeySecret == "" {
		return fmt.Errorf("exchange key_secret is required (or %s)", envKeySecret)
	}
	if c.Exchange.RequestHost == "" || strings.Contains(c.Exchange.RequestHost, "/") {
		return fmt.Errorf("request_host must be a bare host name")
	}
	for name, path := range map[string]string{
		"accounts_path": c.Exchange.AccountsPath,
		"prices_path":   c.Exchange.PricesPath,
		"orders_path":   c.Exchange.OrdersPath,
	} {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}
	if !strings.Contains(c.Exchange.PricesPath, "{product_id}") {
		return fmt.Errorf("prices_path must contain {product_id}")
	}
	if c.Exchange.HTTPTimeoutSec < 1 {
		return fmt.Errorf("http_timeout_sec must be >= 1")
	}
	if c.Exchange.MaxRateLimitRetries < 1 {
		return fmt.Errorf("max_rate_limit_retries must be >= 1")
	}
	if c.Refresh.IntervalSec < 1 {
		return fmt.Errorf("refresh interval_sec must be >= 1")
	}
	if c.Trading.TransactionFee.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("transaction_fee must be >= 0")
	}
	if c.Trading.SaleThreshold.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("sale_threshold must be >= 0")
	}
	if c.Trading.LossLimit.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("loss_limit must be >= 0")
	}
	if c.CircuitBreaker.CooldownSec < 0 {
		return fmt.Errorf("circuit_breaker cooldown_sec must be >= 0")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot_token is required when telegram is enabled (or %s)", envBotToken)
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("telegram chat_id is required when telegram is enabled")
		}
	}
	return nil
}
