package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/runtime"
	"github.com/rzbill/courier/pkg/log"
)

// app carries what the persistent flags resolved to.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    cfgpkg.Config
	logger log.Logger
}

// NewRoot constructs the courier root command with the consume, send and
// stats subcommands.
func NewRoot() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "courier",
		Short:         "Send and consume messages over beanstalkd, redis streams or an embedded pebble queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default courier.{yaml,json,toml} in . or /etc/courier)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: text|json (overrides config)")

	root.AddCommand(newConsumeCommand(a))
	root.AddCommand(newSendCommand(a))
	root.AddCommand(newStatsCommand(a))
	return root
}

// init loads the configuration (file, then COURIER_* env, then flags) and
// builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := cfgpkg.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	a.cfg = cfg
	a.logger = log.NewLogger(
		log.WithLevel(level),
		log.WithFormat(cfg.Log.Format),
		log.WithOutput(cmd.ErrOrStderr()),
	)
	return nil
}

// withRuntime opens the configured transports for fn and closes them after.
func (a *app) withRuntime(cmd *cobra.Command, fn func(*runtime.Runtime) error) error {
	rt, err := runtime.Open(cmd.Context(), a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			a.logger.Warn("closing transports failed", log.Err(err))
		}
	}()
	return fn(rt)
}
