// Package config loads CrowdGuard configuration from tier defaults, an
// optional config file and CROWDGUARD_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/opensource-finance/crowdguard/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g.
// CROWDGUARD_SERVER_PORT or CROWDGUARD_OTP_EXPIRY.
const EnvPrefix = "CROWDGUARD"

// Load builds configuration. The tier (file key or CROWDGUARD_TIER) picks
// the defaults; the file and environment override individual keys. An empty
// path looks for ./crowdguard.yaml and tolerates its absence.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("tier", string(domain.TierCommunity))

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crowdguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg *domain.Config
	switch tier := domain.Tier(strings.ToLower(v.GetString("tier"))); tier {
	case domain.TierCommunity:
		cfg = domain.DefaultConfig()
	case domain.TierPro:
		cfg = domain.ProConfig()
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	setDefaults(v, cfg)

	if err := v.Unmarshal(cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	if used := v.ConfigFileUsed(); used != "" {
		slog.Debug("config file loaded", "path", used)
	}
	return cfg, nil
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

// setDefaults registers every key with its tier value so environment
// variables can override keys absent from the file.
func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.readtimeout", c.Server.ReadTimeout)
	v.SetDefault("server.writetimeout", c.Server.WriteTimeout)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlitepath", c.Repository.SQLitePath)
	v.SetDefault("repository.postgreshost", c.Repository.PostgresHost)
	v.SetDefault("repository.postgresport", c.Repository.PostgresPort)
	v.SetDefault("repository.postgresuser", c.Repository.PostgresUser)
	v.SetDefault("repository.postgrespassword", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgresdb", c.Repository.PostgresDB)
	v.SetDefault("repository.postgressslmode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.maxopenconns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.maxidleconns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.connmaxlifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.localmaxsize", c.Cache.LocalMaxSize)
	v.SetDefault("cache.localttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redisaddr", c.Cache.RedisAddr)
	v.SetDefault("cache.redispassword", c.Cache.RedisPassword)
	v.SetDefault("cache.redisdb", c.Cache.RedisDB)
	v.SetDefault("cache.enabletwophase", c.Cache.EnableTwoPhase)

	v.SetDefault("eventbus.type", c.EventBus.Type)
	v.SetDefault("eventbus.channelbuffersize", c.EventBus.ChannelBufferSize)
	v.SetDefault("eventbus.natsurl", c.EventBus.NATSUrl)
	v.SetDefault("eventbus.natstoken", c.EventBus.NATSToken)
	v.SetDefault("eventbus.natsmaxreconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("eventbus.natsreconnectwait", c.EventBus.NATSReconnectWait)

	v.SetDefault("risk.window", c.Risk.Window)
	v.SetDefault("risk.expression", c.Risk.Expression)

	v.SetDefault("otp.expiry", c.OTP.Expiry)
	v.SetDefault("otp.cooldown", c.OTP.Cooldown)
	v.SetDefault("otp.maxattempts", c.OTP.MaxAttempts)
	v.SetDefault("otp.codelength", c.OTP.CodeLength)
	v.SetDefault("otp.hashcost", c.OTP.HashCost)

	v.SetDefault("alerts.fanoutlimit", c.Alerts.FanoutLimit)
	v.SetDefault("alerts.workers", c.Alerts.Workers)
	v.SetDefault("alerts.asyncingest", c.Alerts.AsyncIngest)

	v.SetDefault("notify.type", c.Notify.Type)
	v.SetDefault("notify.webhookurl", c.Notify.WebhookURL)
	v.SetDefault("notify.timeout", c.Notify.Timeout)

	v.SetDefault("ratelimit.checkriskperminute", c.RateLimit.CheckRiskPerMinute)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.servicename", c.Tracing.ServiceName)
	v.SetDefault("tracing.exportertype", c.Tracing.ExporterType)
	v.SetDefault("tracing.endpoint", c.Tracing.Endpoint)
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

// Validate performs basic sanity checks on the configuration values.
func Validate(c *domain.Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("repository.driver %q is not supported", c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.type %q is not supported", c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("eventbus.type %q is not supported", c.EventBus.Type)
	}
	if c.Risk.Window <= 0 {
		return fmt.Errorf("risk.window must be greater than zero")
	}
	if c.OTP.Expiry <= 0 || c.OTP.MaxAttempts <= 0 {
		return fmt.Errorf("otp.expiry and otp.maxattempts must be greater than zero")
	}
	if c.OTP.Cooldown < 0 {
		return fmt.Errorf("otp.cooldown cannot be negative")
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 10 {
		return fmt.Errorf("otp.codelength must be between 4 and 10")
	}
	if c.Alerts.FanoutLimit <= 0 {
		return fmt.Errorf("alerts.fanoutlimit must be greater than zero")
	}
	switch c.Notify.Type {
	case "log":
	case "webhook":
		if c.Notify.WebhookURL == "" {
			return fmt.Errorf("notify.webhookurl is required for webhook notifications")
		}
	default:
		return fmt.Errorf("notify.type %q is not supported", c.Notify.Type)
	}
	if c.RateLimit.CheckRiskPerMinute < 0 {
		return fmt.Errorf("ratelimit.checkriskperminute cannot be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a logging.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not supported", level)
	}
}
