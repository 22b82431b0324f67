package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the runtime configuration of the session manager service.
type Config struct {
	Port               string
	SessionsDir        string
	DefaultCountryCode string

	CreateCooldown   time.Duration
	PendingQRTimeout time.Duration
	ScanTimeout      time.Duration
	LogoutFlushDelay time.Duration
	Reconnect        ReconnectConfig

	SessionMaxAge   time.Duration
	CleanupSchedule string

	Webhook      WebhookConfig
	EventBuffer  int
	AllowOrigins []string

	Log      LogConfig
	Telegram TelegramConfig

	DeviceSeed   string
	ProxyCountry string
	Proxies      *ProxyPool
}

type ReconnectConfig struct {
	Default       time.Duration
	RateLimitBase time.Duration
	RateLimitMax  time.Duration
	Network       time.Duration
}

type WebhookConfig struct {
	Timeout time.Duration
	Workers int
}

type LogConfig struct {
	Mode string
	File string
}

type TelegramConfig struct {
	Token  string
	ChatID string
}

// Enabled reports whether operator alerts should be sent.
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != ""
}

// CronParser accepts five or six field schedules and descriptors such as "@every 1h".
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "3001")
	v.SetDefault("sessions_dir", "./sessions")
	v.SetDefault("default_country_code", "91")

	v.SetDefault("create_cooldown", 30*time.Second)
	v.SetDefault("pending_qr_timeout", 50*time.Second)
	v.SetDefault("scan_timeout", 120*time.Second)
	v.SetDefault("logout_flush_delay", 2*time.Second)

	v.SetDefault("reconnect_default", 10*time.Second)
	v.SetDefault("reconnect_rate_limit_base", 60*time.Second)
	v.SetDefault("reconnect_rate_limit_max", 15*time.Minute)
	v.SetDefault("reconnect_network", 30*time.Second)

	v.SetDefault("session_max_age", 24*time.Hour)
	v.SetDefault("cleanup_schedule", "@every 1h")

	v.SetDefault("webhook_timeout", 10*time.Second)
	v.SetDefault("webhook_workers", 32)
	v.SetDefault("event_buffer", 200)
	v.SetDefault("allow_origins", "*")

	v.SetDefault("log_mode", "development")
	v.SetDefault("device_seed", "default-seed")
	v.SetDefault("proxy_country", "US")
	v.SetDefault("proxy_type", "socks5")
}

// Load reads .env, then an optional config file, then environment variables.
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:               v.GetString("port"),
		SessionsDir:        v.GetString("sessions_dir"),
		DefaultCountryCode: strings.TrimPrefix(strings.TrimSpace(v.GetString("default_country_code")), "+"),
		CreateCooldown:     v.GetDuration("create_cooldown"),
		PendingQRTimeout:   v.GetDuration("pending_qr_timeout"),
		ScanTimeout:        v.GetDuration("scan_timeout"),
		LogoutFlushDelay:   v.GetDuration("logout_flush_delay"),
		Reconnect: ReconnectConfig{
			Default:       v.GetDuration("reconnect_default"),
			RateLimitBase: v.GetDuration("reconnect_rate_limit_base"),
			RateLimitMax:  v.GetDuration("reconnect_rate_limit_max"),
			Network:       v.GetDuration("reconnect_network"),
		},
		SessionMaxAge:   v.GetDuration("session_max_age"),
		CleanupSchedule: v.GetString("cleanup_schedule"),
		Webhook: WebhookConfig{
			Timeout: v.GetDuration("webhook_timeout"),
			Workers: v.GetInt("webhook_workers"),
		},
		EventBuffer:  v.GetInt("event_buffer"),
		AllowOrigins: splitList(v.GetString("allow_origins")),
		Log: LogConfig{
			Mode: v.GetString("log_mode"),
			File: v.GetString("log_file"),
		},
		Telegram: TelegramConfig{
			Token:  v.GetString("telegram_token"),
			ChatID: v.GetString("telegram_chat_id"),
		},
		DeviceSeed:   v.GetString("device_seed"),
		ProxyCountry: v.GetString("proxy_country"),
	}

	single := &ProxyConfig{
		Host: v.GetString("proxy_host"),
		Port: v.GetString("proxy_port"),
		User: v.GetString("proxy_user"),
		Pass: v.GetString("proxy_pass"),
		Type: v.GetString("proxy_type"),
	}
	single.Enabled = single.Host != ""
	cfg.Proxies = NewProxyPool(v.GetString("proxy_list"), single.Type, single)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.SessionsDir) == "" {
		return errors.New("config: sessions_dir is required")
	}
	if c.Port == "" {
		return errors.New("config: port is required")
	}
	for name, d := range map[string]time.Duration{
		"pending_qr_timeout":        c.PendingQRTimeout,
		"scan_timeout":              c.ScanTimeout,
		"reconnect_default":         c.Reconnect.Default,
		"reconnect_rate_limit_base": c.Reconnect.RateLimitBase,
		"reconnect_network":         c.Reconnect.Network,
		"session_max_age":           c.SessionMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.CreateCooldown < 0 || c.LogoutFlushDelay < 0 {
		return errors.New("config: create_cooldown and logout_flush_delay must not be negative")
	}
	if c.Reconnect.RateLimitMax < c.Reconnect.RateLimitBase {
		return errors.New("config: reconnect_rate_limit_max must be >= reconnect_rate_limit_base")
	}
	for _, r := range c.DefaultCountryCode {
		if r < '0' || r > '9' {
			return fmt.Errorf("config: default_country_code %q must be digits", c.DefaultCountryCode)
		}
	}
	if c.CleanupSchedule != "" {
		if _, err := CronParser.Parse(c.CleanupSchedule); err != nil {
			return fmt.Errorf("config: cleanup_schedule: %w", err)
		}
	}
	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = 32
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 200
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
