// Package config loads scriptq settings from defaults, a config file, the
// environment and runtime overrides, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. SCRIPTQ_SERVER_PORT.
const EnvPrefix = "SCRIPTQ"

// Config is the fully resolved configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Session     SessionConfig     `mapstructure:"session"`
	Interpreter InterpreterConfig `mapstructure:"interpreter"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Transcript  TranscriptConfig  `mapstructure:"transcript"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SessionConfig struct {
	// AwaitTimeout bounds every Await call. Zero waits forever.
	AwaitTimeout time.Duration `mapstructure:"await_timeout"`
	Username     string        `mapstructure:"username"`
}

type InterpreterConfig struct {
	// Kind is "expr" or "docker".
	Kind   string       `mapstructure:"kind"`
	Docker DockerConfig `mapstructure:"docker"`
}

type DockerConfig struct {
	Image    string        `mapstructure:"image"`
	Language string        `mapstructure:"language"`
	MemoryMB int64         `mapstructure:"memory_mb"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RedisConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Addr             string        `mapstructure:"addr"`
	Stream           string        `mapstructure:"stream"`
	Group            string        `mapstructure:"group"`
	Channel          string        `mapstructure:"channel"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	RecoveryMaxIdle  time.Duration `mapstructure:"recovery_max_idle"`
}

type TranscriptConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

var (
	mu       sync.RWMutex
	current  *Config
	settings map[string]any
)

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// AllSettings returns the merged settings of the most recent Load as a nested map.
func AllSettings() map[string]any {
	mu.RLock()
	defer mu.RUnlock()
	return settings
}

// Load resolves the configuration using the default search path for scriptq.yaml.
func Load(overrides ...map[string]any) (*Config, error) {
	return LoadFile("", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path searches
// the working directory and $HOME/.config/scriptq.
func LoadFile(path string, overrides ...map[string]any) (*Config, error) {
	// A missing .env is normal; the environment is used as-is.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("scriptq")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/scriptq")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	current = &cfg
	settings = v.AllSettings()
	mu.Unlock()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("session.await_timeout", "0s")
	v.SetDefault("session.username", os.Getenv("USER"))

	v.SetDefault("interpreter.kind", "expr")
	v.SetDefault("interpreter.docker.image", "python:alpine")
	v.SetDefault("interpreter.docker.language", "python")
	v.SetDefault("interpreter.docker.memory_mb", 512)
	v.SetDefault("interpreter.docker.timeout", "60s")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "scriptq:jobs")
	v.SetDefault("redis.group", "scriptq:workers")
	v.SetDefault("redis.channel", "scriptq:messages")
	v.SetDefault("redis.recovery_interval", "30s")
	v.SetDefault("redis.recovery_max_idle", "5m")

	v.SetDefault("transcript.enabled", true)
	v.SetDefault("transcript.dir", "~/.scriptq_logs")
	v.SetDefault("transcript.sqlite_path", "")

	v.SetDefault("ratelimit.rps", 0.5)
	v.SetDefault("ratelimit.burst", 5)
}

// flatten turns {"server": {"port": 1}} into {"server.port": 1}.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Validate rejects settings the rest of the program cannot act on.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}
	switch c.Interpreter.Kind {
	case "expr", "docker":
	default:
		errs = append(errs, fmt.Errorf("interpreter.kind %q must be expr or docker", c.Interpreter.Kind))
	}
	if c.Session.AwaitTimeout < 0 {
		errs = append(errs, errors.New("session.await_timeout must not be negative"))
	}
	if c.RateLimit.RPS <= 0 {
		errs = append(errs, errors.New("ratelimit.rps must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
