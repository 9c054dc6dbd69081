// Package config loads server settings from config/config.<env>.yaml,
// BREAKOUT_* environment variables and command-line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	DevTokens      bool          `mapstructure:"dev_tokens"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	LogLevel       string        `mapstructure:"log_level"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	MediaBaseURL   string        `mapstructure:"media_base_url"`
	MediaTokenTTL  time.Duration `mapstructure:"media_token_ttl"`
	CallerTokenTTL time.Duration `mapstructure:"caller_token_ttl"`

	Rooms    Rooms    `mapstructure:"rooms"`
	JoinRate JoinRate `mapstructure:"join_rate"`
	Realtime Realtime `mapstructure:"realtime"`
	Quality  Quality  `mapstructure:"quality"`
	Call     Call     `mapstructure:"call"`
}

type Rooms struct {
	CountdownPeriod time.Duration `mapstructure:"countdown_period"`
	WarningMinutes  []int         `mapstructure:"warning_minutes"`
	ClosingGrace    time.Duration `mapstructure:"closing_grace"`
	RedirectGrace   time.Duration `mapstructure:"redirect_grace"`
	Retention       time.Duration `mapstructure:"retention"`
}

type JoinRate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Realtime struct {
	RetransmitPeriod time.Duration `mapstructure:"retransmit_period"`
	MaxRetransmits   int           `mapstructure:"max_retransmits"`
	SendQueue        int           `mapstructure:"send_queue"`
}

type Thresholds struct {
	PacketLoss float64       `mapstructure:"packet_loss"`
	RoundTrip  time.Duration `mapstructure:"rtt"`
	CPU        float64       `mapstructure:"cpu"`
}

type Quality struct {
	SamplePeriod time.Duration `mapstructure:"sample_period"`
	High         Thresholds    `mapstructure:"high"`
	Critical     Thresholds    `mapstructure:"critical"`
}

type Call struct {
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("dev_tokens", false)
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("ack_timeout", "15s")
	v.SetDefault("redis_addr", "")
	v.SetDefault("idempotency_ttl", "24h")
	v.SetDefault("media_base_url", "")
	v.SetDefault("media_token_ttl", "4h")
	v.SetDefault("caller_token_ttl", "12h")

	v.SetDefault("rooms.countdown_period", "1s")
	v.SetDefault("rooms.warning_minutes", []int{5, 1})
	v.SetDefault("rooms.closing_grace", "0s")
	v.SetDefault("rooms.redirect_grace", "3s")
	v.SetDefault("rooms.retention", "10m")

	v.SetDefault("join_rate.limit", 5)
	v.SetDefault("join_rate.interval", "10s")

	v.SetDefault("realtime.retransmit_period", "2s")
	v.SetDefault("realtime.max_retransmits", 5)
	v.SetDefault("realtime.send_queue", 32)

	v.SetDefault("quality.sample_period", "5s")
	v.SetDefault("quality.high.packet_loss", 0.05)
	v.SetDefault("quality.high.rtt", "300ms")
	v.SetDefault("quality.high.cpu", 0.75)
	v.SetDefault("quality.critical.packet_loss", 0.15)
	v.SetDefault("quality.critical.rtt", "800ms")
	v.SetDefault("quality.critical.cpu", 0.90)

	v.SetDefault("call.join_timeout", "15s")
}

// Load reads the config for args (usually os.Args[1:]). Precedence is
// flags, then BREAKOUT_* env, then the yaml file, then defaults.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("breakout", pflag.ContinueOnError)
	fs.Int("port", 8080, "HTTP listen port")
	fs.String("config-env", "", "config environment (config/config.<env>.yaml)")
	fs.String("log-level", "info", "log level")
	fs.String("redis-addr", "", "redis address for the idempotency store")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("BREAKOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindPFlag("port", fs.Lookup("port"))
	_ = v.BindPFlag("log_level", fs.Lookup("log-level"))
	_ = v.BindPFlag("redis_addr", fs.Lookup("redis-addr"))

	env, _ := fs.GetString("config-env")
	if env == "" {
		env = os.Getenv("CONFIG_ENV")
	}
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Bool("redis", cfg.RedisAddr != "").Msg("config ready")
	if cfg.DevTokens {
		log.Warn().Str("module", "config").Msg("dev_tokens on: /api/dev/token mints tokens without auth")
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret must not be empty")
	}
	if c.DevTokens && c.Mode != "debug" {
		return fmt.Errorf("dev_tokens requires mode debug")
	}
	for _, m := range c.Rooms.WarningMinutes {
		if m <= 0 {
			return fmt.Errorf("rooms.warning_minutes: %d is not positive", m)
		}
	}
	return nil
}
