package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "PRESENCE"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Relay    RelayConfig    `mapstructure:"relay"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
}

// RelayConfig tunes the room broadcast relay served by cmd/server.
type RelayConfig struct {
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	SendQueue  int           `mapstructure:"send_queue"`
	Echo       bool          `mapstructure:"echo"`
	Policy     string        `mapstructure:"policy"`
}

// RealtimeConfig tunes a participant session.
type RealtimeConfig struct {
	PositionRate       int           `mapstructure:"position_rate"`
	HistorySize        int           `mapstructure:"history_size"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	ProximityThreshold float64       `mapstructure:"proximity_threshold"`
	ChatHistory        int           `mapstructure:"chat_history"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	Codec              string        `mapstructure:"codec"`
	Transport          string        `mapstructure:"transport"`
	RelayURL           string        `mapstructure:"relay_url"`
	P2PPort            int           `mapstructure:"p2p_port"`
	MDNSTag            string        `mapstructure:"mdns_tag"`
}

// flagKeys maps short command line flag names onto nested config keys.
var flagKeys = map[string]string{
	"transport": "realtime.transport",
	"relay-url": "realtime.relay_url",
	"codec":     "realtime.codec",
	"p2p-port":  "realtime.p2p_port",
	"threshold": "realtime.proximity_threshold",
	"rate":      "realtime.position_rate",
	"log-level": "log_level",
	"echo":      "relay.echo",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	v.SetDefault("relay.rate_limit", 200)
	v.SetDefault("relay.rate_window", "1s")
	v.SetDefault("relay.send_queue", 256)
	v.SetDefault("relay.echo", false)
	v.SetDefault("relay.policy", "kick")

	v.SetDefault("realtime.position_rate", 15)
	v.SetDefault("realtime.history_size", 8)
	v.SetDefault("realtime.stale_after", "10s")
	v.SetDefault("realtime.sweep_interval", "2s")
	v.SetDefault("realtime.proximity_threshold", 100.0)
	v.SetDefault("realtime.chat_history", 100)
	v.SetDefault("realtime.ice_servers", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("realtime.codec", "json")
	v.SetDefault("realtime.transport", "relay")
	v.SetDefault("realtime.relay_url", "ws://localhost:8080/api/ws/relay")
	v.SetDefault("realtime.p2p_port", 0)
	v.SetDefault("realtime.mdns_tag", "presence-room")
}

// Load reads config/config.<CONFIG_ENV>.yaml, then PRESENCE_* env vars, then changed flags.
// flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("transport", cfg.Realtime.Transport).Msg("config ready")
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file on change and hands the result to fn.
// It is a no-op when no config file was loaded.
func Watch(v *viper.Viper, fn func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		fn(cfg)
	})
	v.WatchConfig()
}

// ParseLevel maps a config level onto zerolog, falling back to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// ApplyLogLevel sets the global zerolog level from cfg.
func ApplyLogLevel(cfg *Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.LogLevel))
}
