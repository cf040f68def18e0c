// Package server assembles the calchimed daemon: configuration, storage,
// the calendar source, the notification sink, the embedded NATS bus, the
// poll coordinator, and retention maintenance.
package server

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/calchime/calchime/internal/core"
	"github.com/calchime/calchime/internal/secrets"
)

// Config is the top-level daemon configuration.
type Config struct {
	Poll      PollConfig      `mapstructure:"poll"`
	Summary   SummaryConfig   `mapstructure:"summary"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Google    GoogleConfig    `mapstructure:"google"`
	Slack     SlackConfig     `mapstructure:"slack"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Retention RetentionConfig `mapstructure:"retention"`
	Security  SecurityConfig  `mapstructure:"security"`
}

// PollConfig holds poll loop settings.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// Offsets are the default reminder lead times (minutes) for new users.
	Offsets []int `mapstructure:"offsets"`
}

// SummaryConfig holds daily summary defaults for new users.
type SummaryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Time    string `mapstructure:"time"` // local "15:04"
	// Timezone applied to users until they configure their own.
	Timezone string `mapstructure:"timezone"`
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// GoogleConfig holds the OAuth application credentials.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// SlackConfig holds the notification sink settings.
type SlackConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

// NATSConfig holds embedded NATS settings.
type NATSConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Token string `mapstructure:"token"`
}

// RetentionConfig controls ledger and snapshot garbage collection.
type RetentionConfig struct {
	// Schedule is a cron expression for the purge job.
	Schedule string `mapstructure:"schedule"`
	// MaxAge is how long sent-notification records are kept.
	MaxAge time.Duration `mapstructure:"max_age"`
}

// SecurityConfig holds application-level security settings.
type SecurityConfig struct {
	CommandSecret string `mapstructure:"command_secret"`
}

// LoadConfig reads configuration from file and env. ENC[...] values are
// decrypted with the resolved age identity before unmarshalling.
func LoadConfig(cfgFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("poll.interval", 180*time.Second)
	v.SetDefault("poll.call_timeout", 30*time.Second)
	v.SetDefault("poll.offsets", core.DefaultOffsets)

	v.SetDefault("summary.enabled", true)
	v.SetDefault("summary.time", "07:00")
	v.SetDefault("summary.timezone", "UTC")

	v.SetDefault("retention.schedule", "0 3 * * 0")
	v.SetDefault("retention.max_age", 30*24*time.Hour)

	v.SetConfigType("toml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("calchime")
		v.AddConfigPath("/etc/calchime")
		v.AddConfigPath("$HOME/.config/calchime")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CALCHIME")
	v.AutomaticEnv()

	v.BindEnv("database.dsn", "CALCHIME_DATABASE_DSN")
	v.BindEnv("google.client_id", "CALCHIME_GOOGLE_CLIENT_ID")
	v.BindEnv("google.client_secret", "CALCHIME_GOOGLE_CLIENT_SECRET")
	v.BindEnv("slack.bot_token", "CALCHIME_SLACK_BOT_TOKEN")
	v.BindEnv("nats.token", "CALCHIME_NATS_TOKEN")
	v.BindEnv("security.command_secret", "CALCHIME_COMMAND_SECRET")

	// Config file is optional; env vars can carry everything.
	_ = v.ReadInConfig()

	identities, err := secrets.ResolveIdentity(v)
	if err != nil {
		return Config{}, fmt.Errorf("resolve age identity: %w", err)
	}
	if err := secrets.DecryptConfig(v, identities); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if _, err := core.ValidateOffsets(c.Poll.Offsets); err != nil {
		return fmt.Errorf("poll.offsets: %w", err)
	}
	if _, err := time.Parse("15:04", c.Summary.Time); err != nil {
		return fmt.Errorf("summary.time %q: %w", c.Summary.Time, err)
	}
	return nil
}
