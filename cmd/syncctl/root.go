package main

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/henrycorner-dev/localsync/internal/config"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/sync"
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

// remoteFactory opens the remote a config selects. The returned close
// function is never nil.
type remoteFactory func(ctx context.Context, cfg *config.Config) (sync.Remote, func() error, error)

// app holds global flags and the state shared by subcommands.
type app struct {
	configPath string
	dbPath     string
	logLevel   string

	cfg    *config.Config
	logger *logging.Logger
	out    io.Writer
	errOut io.Writer

	openRemote remoteFactory
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut, openRemote: openRemote}
}

func (a *app) close() {
	if a.logger != nil {
		a.logger.Close()
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect and synchronize a localsync database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			return a.loadConfig()
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: ./"+config.DefaultFileName+" when present)")
	flags.StringVar(&a.dbPath, "db", "", "database path, overrides database.path")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newValidateCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newConflictsCmd(a),
		newPurgeCmd(a),
		newRetryCmd(a),
		newConfigCmd(a),
		newRunCmd(a),
	)
	return root
}

// loadConfig reads configuration, applies flag overrides and sets up logging.
func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Database.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opts := cfg.LoggingOptions()
	opts.Output = a.errOut
	a.logger = logging.Configure(opts)
	a.cfg = cfg
	return nil
}
