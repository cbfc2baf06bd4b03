package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	REST      RESTConfig      `yaml:"rest"`
	WS        WSConfig        `yaml:"ws"`
	Account   AccountConfig   `yaml:"account"`
	State     StateConfig     `yaml:"state"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Unwind    UnwindConfig    `yaml:"unwind"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	Simulated bool          `yaml:"simulated"`
}

type WSConfig struct {
	Enabled        *bool         `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

func (w WSConfig) EnabledValue() bool {
	return w.Enabled != nil && *w.Enabled
}

// AccountConfig labels the trading account in progress records and ledger
// entries. Credentials are read from the environment, never from YAML.
type AccountConfig struct {
	ID         string `yaml:"id"`
	APIKey     string `yaml:"-"`
	SecretKey  string `yaml:"-"`
	Passphrase string `yaml:"-"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// UnwindConfig tunes the engine loop. A zero StatsWindow falls back to
// AccelerateAfter.
type UnwindConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	Confirmations    int           `yaml:"confirmations"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
	QuoteBackoff     time.Duration `yaml:"quote_backoff"`
	MaxQuoteAge      time.Duration `yaml:"max_quote_age"`
	SpreadThreshold  float64       `yaml:"spread_threshold"`
	AccelerateAfter  time.Duration `yaml:"accelerate_after"`
	StatsWindow      time.Duration `yaml:"stats_window"`
	ReinvestMargin   *bool         `yaml:"reinvest_margin"`
}

func (u UnwindConfig) ReinvestMarginValue() bool {
	return u.ReinvestMargin != nil && *u.ReinvestMargin
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://www.okx.com"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.Enabled == nil {
		enabled := true
		cfg.WS.Enabled = &enabled
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = "wss://ws.okx.com:8443/ws/v5/public"
		if cfg.REST.Simulated {
			cfg.WS.URL = "wss://wspap.okx.com:8443/ws/v5/public?brokerId=9999"
		}
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 20 * time.Second
	}
	if cfg.Account.ID == "" {
		cfg.Account.ID = "default"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/okx-carry-unwind.db"
	}
	if cfg.Ledger.Table == "" {
		cfg.Ledger.Table = "ledger_entries"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Unwind.PollInterval == 0 {
		cfg.Unwind.PollInterval = 200 * time.Millisecond
	}
	if cfg.Unwind.Confirmations == 0 {
		cfg.Unwind.Confirmations = 3
	}
	if cfg.Unwind.ReconcileTimeout == 0 {
		cfg.Unwind.ReconcileTimeout = 2 * time.Minute
	}
	if cfg.Unwind.QuoteBackoff == 0 {
		cfg.Unwind.QuoteBackoff = time.Second
	}
	if cfg.Unwind.MaxQuoteAge == 0 {
		cfg.Unwind.MaxQuoteAge = 5 * time.Second
	}
	if cfg.Unwind.SpreadThreshold == 0 {
		cfg.Unwind.SpreadThreshold = 0.002
	}
	if cfg.Unwind.ReinvestMargin == nil {
		enabled := true
		cfg.Unwind.ReinvestMargin = &enabled
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9002"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("OKX_API_KEY")); v != "" {
		cfg.Account.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OKX_SECRET_KEY")); v != "" {
		cfg.Account.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OKX_PASSPHRASE")); v != "" {
		cfg.Account.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv("UNWIND_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("UNWIND_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("UNWIND_LEDGER_DSN")); v != "" {
		cfg.Ledger.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("UNWIND_TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
}

func validate(cfg *Config) error {
	if cfg.REST.Timeout < 0 {
		return errors.New("rest.timeout must be >= 0")
	}
	if cfg.Unwind.PollInterval < 0 {
		return errors.New("unwind.poll_interval must be >= 0")
	}
	if cfg.Unwind.Confirmations < 0 {
		return errors.New("unwind.confirmations must be >= 0")
	}
	if cfg.Unwind.ReconcileTimeout < 0 {
		return errors.New("unwind.reconcile_timeout must be >= 0")
	}
	if cfg.Unwind.QuoteBackoff < 0 || cfg.Unwind.MaxQuoteAge < 0 {
		return errors.New("unwind quote settings must be >= 0")
	}
	if cfg.Unwind.AccelerateAfter < 0 {
		return errors.New("unwind.accelerate_after must be >= 0")
	}
	if cfg.Unwind.StatsWindow < 0 {
		return errors.New("unwind.stats_window must be >= 0")
	}
	if cfg.Ledger.Enabled && strings.TrimSpace(cfg.Ledger.DSN) == "" {
		return errors.New("ledger.dsn is required when ledger is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "" {
			return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
		}
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}

// RequireCredentials is checked only by commands that trade.
func (c *Config) RequireCredentials() error {
	if c.Account.APIKey == "" || c.Account.SecretKey == "" || c.Account.Passphrase == "" {
		return errors.New("OKX_API_KEY, OKX_SECRET_KEY and OKX_PASSPHRASE are required")
	}
	return nil
}
