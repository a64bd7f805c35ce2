package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the process configuration of the courier binary.
type Config struct {
	Log     LogConfig     `mapstructure:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig `mapstructure:"metrics" envPrefix:"METRICS_"`
	Worker  WorkerConfig  `mapstructure:"worker" envPrefix:"WORKER_"`
	// DataDir is where relative pebble:// transport directories are created.
	DataDir    string                     `mapstructure:"data_dir" env:"DATA_DIR"`
	Transports map[string]TransportConfig `mapstructure:"-" env:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" env:"LEVEL"`
	Format string `mapstructure:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `mapstructure:"addr" env:"ADDR"`
}

type WorkerConfig struct {
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	IdleSleep         time.Duration `mapstructure:"idle_sleep" env:"IDLE_SLEEP"`
	MessageLimit      int           `mapstructure:"message_limit" env:"MESSAGE_LIMIT"`
}

// TransportConfig describes one named transport.
type TransportConfig struct {
	DSN     string                 `mapstructure:"dsn"`
	Options map[string]interface{} `mapstructure:"options"`
	Retry   RetryConfig            `mapstructure:"retry"`
}

// RetryConfig configures the multiplier strategy of a transport, optionally
// narrowed by a CEL expression.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Delay      time.Duration `mapstructure:"delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     float64       `mapstructure:"jitter"`
	// When is a CEL expression over error, retry_count and message_type.
	When string `mapstructure:"when"`
}

// DefaultRetry is applied to every transport before its retry block is read.
func DefaultRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, Delay: time.Second, Multiplier: 2, Jitter: 0.1}
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Log:        LogConfig{Level: "info", Format: "text"},
		Worker:     WorkerConfig{IdleSleep: time.Second},
		DataDir:    DefaultDataDir(),
		Transports: map[string]TransportConfig{},
	}
}

// Validate checks that every transport has a DSN.
func (c Config) Validate() error {
	var errs []error
	for _, name := range c.TransportNames() {
		if c.Transports[name].DSN == "" {
			errs = append(errs, fmt.Errorf("transport %q: dsn is required", name))
		}
	}
	if c.Worker.KeepaliveInterval < 0 {
		errs = append(errs, fmt.Errorf("worker keepalive_interval must not be negative: %s", c.Worker.KeepaliveInterval))
	}
	return errors.Join(errs...)
}

// TransportNames returns the configured transport names, sorted.
func (c Config) TransportNames() []string {
	names := make([]string, 0, len(c.Transports))
	for name := range c.Transports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads a yaml, json or toml file (by extension). If path is empty it
// looks for courier.{yaml,json,toml} in the working directory and
// /etc/courier, and returns defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("courier")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/courier")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	raw := v.GetStringMap("transports")
	for name, value := range raw {
		tc := TransportConfig{Retry: DefaultRetry()}
		if err := decode(value, &tc); err != nil {
			return Config{}, fmt.Errorf("decode transport %q: %w", name, err)
		}
		cfg.Transports[name] = tc
	}
	return cfg, nil
}

// decode fills out from input, leaving fields absent from input untouched.
func decode(input, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
