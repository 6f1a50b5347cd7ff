package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Feed      FeedConfig      `yaml:"feed"`
	News      NewsConfig      `yaml:"news"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Persist   PersistConfig   `yaml:"persist"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Engine    EngineConfig    `yaml:"engine"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// FeedConfig drives the market data websocket ingester.
type FeedConfig struct {
	URL               string        `yaml:"url"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// NewsConfig drives the polled external event ingester.
type NewsConfig struct {
	URLs         []string      `yaml:"urls"`
	PollInterval time.Duration `yaml:"poll_interval"`
	SeenLimit    int           `yaml:"seen_limit"`
}

type DiscoveryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	Tags      []string      `yaml:"tags"`
	PageSize  int           `yaml:"page_size"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxPages  int           `yaml:"max_pages"`
	RuleSize  float64       `yaml:"rule_size"`
	RuleBound float64       `yaml:"rule_bound"`
}

type ThresholdRuleConfig struct {
	TokenID          string        `yaml:"token_id"`
	Side             string        `yaml:"side"`
	Threshold        float64       `yaml:"threshold"`
	Comparison       string        `yaml:"comparison"`
	Size             float64       `yaml:"size"`
	Cooldown         time.Duration `yaml:"cooldown"`
	CooldownOnReject *bool         `yaml:"cooldown_on_reject"`
}

type KeywordRuleConfig struct {
	Keyword          string        `yaml:"keyword"`
	TokenID          string        `yaml:"token_id"`
	Side             string        `yaml:"side"`
	Size             float64       `yaml:"size"`
	LimitPrice       float64       `yaml:"limit_price"`
	Cooldown         time.Duration `yaml:"cooldown"`
	CooldownOnReject *bool         `yaml:"cooldown_on_reject"`
}

type StrategyConfig struct {
	ThresholdRules []ThresholdRuleConfig `yaml:"threshold_rules"`
	KeywordRules   []KeywordRuleConfig   `yaml:"keyword_rules"`
}

type RiskConfig struct {
	MaxPositions int `yaml:"max_positions"`
}

type ExecutorConfig struct {
	Mode             string  `yaml:"mode"`
	MinPrice         float64 `yaml:"min_price"`
	MaxPrice         float64 `yaml:"max_price"`
	MaxSpread        float64 `yaml:"max_spread"`
	MaxOrderNotional float64 `yaml:"max_order_notional"`
	PaperBalance     float64 `yaml:"paper_balance"`
}

type PersistConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	AuditDir   string `yaml:"audit_dir"`
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

type EngineConfig struct {
	RateLimit time.Duration `yaml:"rate_limit"`
	QueueSize int           `yaml:"queue_size"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
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
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Feed.MaxReconnects == 0 {
		cfg.Feed.MaxReconnects = 5
	}
	if cfg.Feed.InitialBackoff == 0 {
		cfg.Feed.InitialBackoff = time.Second
	}
	if cfg.Feed.MaxBackoff == 0 {
		cfg.Feed.MaxBackoff = 60 * time.Second
	}
	if cfg.Feed.HeartbeatInterval == 0 {
		cfg.Feed.HeartbeatInterval = 30 * time.Second
	}
	if cfg.News.PollInterval == 0 {
		cfg.News.PollInterval = 60 * time.Second
	}
	if cfg.News.SeenLimit == 0 {
		cfg.News.SeenLimit = 4096
	}
	if cfg.Discovery.PageSize == 0 {
		cfg.Discovery.PageSize = 100
	}
	if cfg.Discovery.Timeout == 0 {
		cfg.Discovery.Timeout = 30 * time.Second
	}
	if cfg.Discovery.MaxPages == 0 {
		cfg.Discovery.MaxPages = 10
	}
	if cfg.Discovery.RuleSize == 0 {
		cfg.Discovery.RuleSize = 10
	}
	if cfg.Discovery.RuleBound == 0 {
		cfg.Discovery.RuleBound = 0.10
	}
	if cfg.Risk.MaxPositions == 0 {
		cfg.Risk.MaxPositions = 10
	}
	if cfg.Executor.Mode == "" {
		cfg.Executor.Mode = "paper"
	}
	if cfg.Executor.MinPrice == 0 {
		cfg.Executor.MinPrice = 0.01
	}
	if cfg.Executor.MaxPrice == 0 {
		cfg.Executor.MaxPrice = 0.99
	}
	if cfg.Executor.MaxSpread == 0 {
		cfg.Executor.MaxSpread = 0.50
	}
	if cfg.Persist.SQLitePath == "" {
		cfg.Persist.SQLitePath = "data/poly-sniper.db"
	}
	if cfg.Persist.AuditDir == "" {
		cfg.Persist.AuditDir = "data"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Engine.RateLimit == 0 {
		cfg.Engine.RateLimit = 100 * time.Millisecond
	}
	if cfg.Engine.QueueSize == 0 {
		cfg.Engine.QueueSize = 1024
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	for i := range cfg.Strategy.ThresholdRules {
		if cfg.Strategy.ThresholdRules[i].Cooldown == 0 {
			cfg.Strategy.ThresholdRules[i].Cooldown = 60 * time.Second
		}
	}
	for i := range cfg.Strategy.KeywordRules {
		if cfg.Strategy.KeywordRules[i].Cooldown == 0 {
			cfg.Strategy.KeywordRules[i].Cooldown = 60 * time.Second
		}
	}
}

func validate(cfg *Config) error {
	for _, r := range cfg.Strategy.ThresholdRules {
		if r.TokenID == "" {
			return errors.New("threshold rule token_id is required")
		}
		if r.Threshold <= 0 || r.Threshold >= 1 {
			return fmt.Errorf("threshold rule for %s: threshold must be in (0,1)", r.TokenID)
		}
		if r.Comparison != "above" && r.Comparison != "below" {
			return fmt.Errorf("threshold rule for %s: comparison must be above or below", r.TokenID)
		}
		if r.Size <= 0 {
			return fmt.Errorf("threshold rule for %s: size must be > 0", r.TokenID)
		}
	}
	for _, r := range cfg.Strategy.KeywordRules {
		if r.Keyword == "" {
			return errors.New("keyword rule keyword is required")
		}
		if r.TokenID == "" {
			return fmt.Errorf("keyword rule %q: token_id is required", r.Keyword)
		}
		if r.Size <= 0 {
			return fmt.Errorf("keyword rule %q: size must be > 0", r.Keyword)
		}
	}
	if cfg.Timescale.Enabled && cfg.Timescale.DSN == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Executor.Mode != "paper" {
		return fmt.Errorf("unknown executor mode %q", cfg.Executor.Mode)
	}
	return nil
}
