package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by FromEnv.
const EnvPrefix = "COURIER_"

type envOverlay struct {
	// Transports is name=dsn pairs, e.g. async=redis://localhost/jobs.
	Transports map[string]string `env:"TRANSPORTS" envKeyValSeparator:"="`
}

// FromEnv overlays COURIER_* environment variables onto cfg. DSNs given in
// COURIER_TRANSPORTS replace the DSN of a configured transport or add a new
// one with the default retry policy.
func FromEnv(cfg *Config) error {
	opts := env.Options{Prefix: EnvPrefix}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	var overlay envOverlay
	if err := env.ParseWithOptions(&overlay, opts); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if len(overlay.Transports) > 0 && cfg.Transports == nil {
		cfg.Transports = map[string]TransportConfig{}
	}
	for name, dsn := range overlay.Transports {
		tc, ok := cfg.Transports[name]
		if !ok {
			tc = TransportConfig{Retry: DefaultRetry()}
		}
		tc.DSN = dsn
		cfg.Transports[name] = tc
	}
	return nil
}
