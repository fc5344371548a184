package domain

import "time"

// Config holds the complete CrowdGuard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tier determines which backends are used
	Tier Tier `json:"tier" mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" mapstructure:"repository"`
	Cache      CacheConfig      `json:"cache" mapstructure:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" mapstructure:"eventbus"`

	// Engine settings
	Risk      RiskConfig      `json:"risk" mapstructure:"risk"`
	OTP       OTPConfig       `json:"otp" mapstructure:"otp"`
	Alerts    AlertConfig     `json:"alerts" mapstructure:"alerts"`
	Notify    NotifyConfig    `json:"notify" mapstructure:"notify"`
	RateLimit RateLimitConfig `json:"rateLimit" mapstructure:"ratelimit"`

	// Observability
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// RiskConfig holds scoring settings.
type RiskConfig struct {
	// Window is the trailing period reports count toward a score.
	Window time.Duration `json:"window"`

	// Expression is an optional CEL weighting expression. Empty uses the
	// built-in category weights.
	Expression string `json:"expression"`
}

// OTPConfig holds one-time code settings.
type OTPConfig struct {
	Expiry      time.Duration `json:"expiry"`
	Cooldown    time.Duration `json:"cooldown"`
	MaxAttempts int           `json:"maxAttempts"`
	CodeLength  int           `json:"codeLength"`
	HashCost    int           `json:"hashCost"` // bcrypt cost
}

// AlertConfig holds fanout settings.
type AlertConfig struct {
	// FanoutLimit bounds concurrent per-user appends within one trigger.
	FanoutLimit int `json:"fanoutLimit"`

	// Workers is the number of bus consumers for contact attempts.
	Workers int `json:"workers"`

	// AsyncIngest enables the contact-attempt worker.
	AsyncIngest bool `json:"asyncIngest"`
}

// NotifyConfig selects the secondary notification channel.
type NotifyConfig struct {
	// Type is "log" or "webhook"
	Type       string        `json:"type"`
	WebhookURL string        `json:"webhookUrl"`
	Timeout    time.Duration `json:"timeout"`
}

// RateLimitConfig bounds public endpoints per client address.
type RateLimitConfig struct {
	CheckRiskPerMinute int `json:"checkRiskPerMinute"` // 0 disables
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./crowdguard.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Risk: RiskConfig{
			Window: 30 * 24 * time.Hour,
		},
		OTP: OTPConfig{
			Expiry:      10 * time.Minute,
			Cooldown:    time.Minute,
			MaxAttempts: 5,
			CodeLength:  6,
			HashCost:    10,
		},
		Alerts: AlertConfig{
			FanoutLimit: 16,
			Workers:     4,
		},
		Notify: NotifyConfig{
			Type:    "log",
			Timeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			CheckRiskPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "crowdguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "crowdguard",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Alerts.AsyncIngest = true
	cfg.Tracing.Enabled = true
	return cfg
}
