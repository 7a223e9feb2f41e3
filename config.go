package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "PICO_ANNOUNCE"
	fallbackSecret = "pico-announce-default-secret-do-not-use-in-production"
)

// Config is the full runtime configuration. Every key can come from the
// config file, a PICO_ANNOUNCE_<SECTION>__<KEY> variable or a flag.
//
//nolint:govet // Field alignment is acceptable
type Config struct {
	HTTP struct {
		Addr       string `mapstructure:"addr"`
		TrustProxy bool   `mapstructure:"trustProxy"`
	} `mapstructure:"http"`

	UDP struct {
		Port   int    `mapstructure:"port"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"udp"`

	Metrics struct {
		Addr  string            `mapstructure:"addr"`
		Users map[string]string `mapstructure:"users"`
	} `mapstructure:"metrics"`

	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Registry struct {
		Backend string `mapstructure:"backend"`
		Shards  int    `mapstructure:"shards"`
	} `mapstructure:"registry"`

	Stats struct {
		Backend string `mapstructure:"backend"`
		Workers int    `mapstructure:"workers"`
		Queue   int    `mapstructure:"queue"`
		Redis   struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"stats"`

	Rules struct {
		File string        `mapstructure:"file"`
		TTL  time.Duration `mapstructure:"ttl"`
	} `mapstructure:"rules"`

	Log struct {
		Level      string `mapstructure:"level"`
		Path       string `mapstructure:"path"`
		MaxSize    int    `mapstructure:"maxSize"`
		MaxBackups int    `mapstructure:"maxBackups"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trustProxy", false)
	v.SetDefault("udp.port", 1337)
	v.SetDefault("udp.secret", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.users", map[string]string{})
	v.SetDefault("database.path", "pico-announce.db")
	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.shards", defaultRegistryShards)
	v.SetDefault("stats.backend", "memory")
	v.SetDefault("stats.workers", 4)
	v.SetDefault("stats.queue", 1024)
	v.SetDefault("stats.redis.addr", "localhost:6379")
	v.SetDefault("stats.redis.password", "")
	v.SetDefault("stats.redis.db", 0)
	v.SetDefault("rules.file", "")
	v.SetDefault("rules.ttl", defaultRulesTTL)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.maxSize", 50)
	v.SetDefault("log.maxBackups", 3)
}

// newViper creates a viper instance with defaults and env binding.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/pico-announce")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// bindServeFlags maps serve flags onto config keys so an explicit flag wins
// over env and file values.
func bindServeFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"http":      "http.addr",
		"port":      "udp.port",
		"secret":    "udp.secret",
		"metrics":   "metrics.addr",
		"db":        "database.path",
		"registry":  "registry.backend",
		"stats":     "stats.backend",
		"redis":     "stats.redis.addr",
		"rules":     "rules.file",
		"log-level": "log.level",
		"log-path":  "log.path",
	}
	for flag, key := range bindings {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return errors.Wrapf(err, "bind flag %s", flag)
			}
		}
	}
	return nil
}

// loadConfig reads the optional config file and decodes all sources into a Config.
func loadConfig(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
		// no config file; defaults + env + flags
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.UDP.Secret == "" {
		cfg.UDP.Secret = fallbackSecret
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.UDP.Port < 0 || c.UDP.Port > 65535 {
		return errors.Errorf("udp.port %d out of range", c.UDP.Port)
	}
	switch c.Registry.Backend {
	case "memory", "sqlite":
	default:
		return errors.Errorf("registry.backend must be memory or sqlite, got %q", c.Registry.Backend)
	}
	switch c.Stats.Backend {
	case "memory", "redis", "none":
	default:
		return errors.Errorf("stats.backend must be memory, redis or none, got %q", c.Stats.Backend)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	return nil
}
