package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds Telegram bot related settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	AdminID int64  `yaml:"admin_id" envconfig:"TELEGRAM_ADMIN_ID"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	BotFile     string `yaml:"bot_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile"`
}

// AuthConfig carries credentials and limits for the external authentication service.
type AuthConfig struct {
	// ServiceURL is the base URL of the authentication sidecar.
	ServiceURL string `yaml:"service_url" envconfig:"AUTH_SERVICE_URL"`
	AppID      int    `yaml:"app_id" envconfig:"AUTH_APP_ID"`
	AppHash    string `yaml:"app_hash" envconfig:"AUTH_APP_HASH"`
	// CallTimeoutSeconds bounds every external service round trip; 0 -> default 45s.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" envconfig:"AUTH_CALL_TIMEOUT_SECONDS"`
	// CodeLength is the verification code size expected from the service.
	CodeLength int `yaml:"code_length" envconfig:"AUTH_CODE_LENGTH"`
	// ShowCodeURL is an optional link placed above the digit keypad.
	ShowCodeURL string `yaml:"show_code_url" envconfig:"AUTH_SHOW_CODE_URL"`
}

// ChannelsConfig lists operator chats that receive service notifications.
type ChannelsConfig struct {
	Admin    int64 `yaml:"admin" envconfig:"CHANNEL_ADMIN_ID"`
	PhoneLog int64 `yaml:"phone_log" envconfig:"CHANNEL_PHONE_LOG_ID"`
	Artifact int64 `yaml:"artifact" envconfig:"CHANNEL_ARTIFACT_ID"`
}

// MessagesConfig holds user-facing message templates.
type MessagesConfig struct {
	// Welcome supports a {first_name} placeholder.
	Welcome        string `yaml:"welcome"`
	ThankYou       string `yaml:"thank_you"`
	CodePrompt     string `yaml:"code_prompt"`
	PasswordPrompt string `yaml:"password_prompt"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
	// UpdateInlineQuery identifies inline query updates for rate limit exclusions.
	UpdateInlineQuery = "inline_query"
)

// RateLimitConfig holds settings for rate limiting.
// ExcludeUpdates accepts update types to bypass limiting:
// - "callback": Telegram callback button presses
// - "message": standard text messages
// - "inline_query": inline query updates
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates the service configuration.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Messages  MessagesConfig  `yaml:"messages"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs basic validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" {
		rm = RunModeLongpoll
	}
	if rm == "polling" { // accept alias
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if strings.TrimSpace(cfg.Auth.ServiceURL) == "" {
		return fmt.Errorf("auth.service_url is required")
	}
	if cfg.Auth.AppID <= 0 {
		return fmt.Errorf("auth.app_id is required")
	}
	if strings.TrimSpace(cfg.Auth.AppHash) == "" {
		return fmt.Errorf("auth.app_hash is required")
	}
	if cfg.Auth.CallTimeoutSeconds < 0 {
		return fmt.Errorf("auth.call_timeout_seconds must be >= 0")
	}
	if cfg.Auth.CallTimeoutSeconds == 0 {
		cfg.Auth.CallTimeoutSeconds = 45
	}
	if cfg.Auth.CodeLength <= 0 {
		cfg.Auth.CodeLength = 5
	}

	if cfg.Channels.Admin == 0 {
		cfg.Channels.Admin = cfg.Telegram.AdminID
	}
	if cfg.Channels.Admin == 0 {
		return fmt.Errorf("channels.admin (or telegram.admin_id) is required")
	}
	if cfg.Channels.PhoneLog == 0 {
		cfg.Channels.PhoneLog = cfg.Channels.Admin
	}
	if cfg.Channels.Artifact == 0 {
		cfg.Channels.Artifact = cfg.Channels.Admin
	}

	if strings.TrimSpace(cfg.Messages.Welcome) == "" {
		cfg.Messages.Welcome = "Hi, {first_name}! Share your phone number to sign in."
	}
	if strings.TrimSpace(cfg.Messages.ThankYou) == "" {
		cfg.Messages.ThankYou = "Thanks! Requesting a verification code..."
	}
	if strings.TrimSpace(cfg.Messages.CodePrompt) == "" {
		cfg.Messages.CodePrompt = "Enter the verification code using the keypad below."
	}
	if strings.TrimSpace(cfg.Messages.PasswordPrompt) == "" {
		cfg.Messages.PasswordPrompt = "Two-step verification is enabled. Reply with your password."
	}

	allowed := map[string]struct{}{
		UpdateCallback:    {},
		UpdateMessage:     {},
		UpdateInlineQuery: {},
	}
	for i, v := range cfg.RateLimit.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message, inline_query", v)
		}
		cfg.RateLimit.ExcludeUpdates[i] = key
	}
	return nil
}
