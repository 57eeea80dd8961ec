package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/patrickspencer/qualrun/internal/config"
	"github.com/patrickspencer/qualrun/internal/executor"
	"github.com/patrickspencer/qualrun/internal/logger"
	"github.com/patrickspencer/qualrun/internal/manager"
	"github.com/patrickspencer/qualrun/internal/realtime"
	"github.com/patrickspencer/qualrun/internal/runlog"
	"github.com/patrickspencer/qualrun/internal/store"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath    string
	dbPath        string
	timeout       string
	checkInterval string
	maxRetries    string
	output        string
	logJSON       bool
	logLevel      string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "qualrun",
		Short: "Supervise qualification runs",
		Long: `qualrun watches qualification runs for stalls.

Runs that stay PENDING or PROCESSING longer than the timeout are either resumed
(partial progress, retries left) or failed (no progress, or retries exhausted).

Examples:
  qualrun serve                      # sweep periodically and serve the HTTP API
  qualrun recover --check-only       # show what recovery would do
  qualrun check-timeouts --timeout 15
  qualrun cleanup --days 30
  qualrun stats -o table`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "qualrun.yaml", "path to configuration file")
	pf.StringVar(&opts.dbPath, "db", "", "path to the SQLite database (overrides db_path)")
	pf.StringVar(&opts.timeout, "timeout", "", "minutes before an active run counts as stuck")
	pf.StringVar(&opts.checkInterval, "check-interval", "", "minutes between background sweeps")
	pf.StringVar(&opts.maxRetries, "max-retries", "", "resume attempts per run before it is failed")
	pf.StringVarP(&opts.output, "output", "o", "json", "output format: json, yaml or table")
	pf.BoolVar(&opts.logJSON, "log-json", false, "emit JSON logs")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newRecoverCmd(opts),
		newCheckTimeoutsCmd(opts),
		newCleanupCmd(opts),
		newStatsCmd(opts),
		newHealthCmd(opts),
		newFailCmd(opts),
		newRunManagerCmd(opts),
		newWatchdogCmd(),
	)
	return root
}

// app is everything a command needs, built from flags and configuration.
type app struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	store   *store.SQLiteStore
	events  *realtime.Broker
	runLogs *runlog.Archive
	mgr     *manager.Manager
}

func (a *app) Close() {
	_ = a.log.Sync()
	if a.store != nil {
		_ = a.store.Close()
	}
}

// loadConfig merges file, environment and flags. Numeric manager flags are
// parsed leniently: anything that is not a positive integer (or, for
// --max-retries, a non-negative one) means default.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	v := config.NewViper()
	if err := config.ReadFile(v, opts.configPath); err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Manager.TimeoutMinutes = config.IntOr(opts.timeout, manager.DefaultTimeoutMinutes)
	}
	if flags.Changed("check-interval") {
		cfg.Manager.CheckIntervalMinutes = config.IntOr(opts.checkInterval, manager.DefaultCheckIntervalMinutes)
	}
	if flags.Changed("max-retries") {
		cfg.Manager.MaxRetries = config.CountOr(opts.maxRetries, manager.DefaultMaxRetries)
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for key, flag := range map[string]string{
		"db_path":   "db",
		"log_json":  "log-json",
		"log_level": "log-level",
	} {
		if err := v.BindPFlag(key, cmd.Flag(flag)); err != nil {
			return errors.Wrapf(err, "bind --%s", flag)
		}
	}
	return nil
}

// newApp opens the store and builds the manager. The caller must Close it.
func newApp(cmd *cobra.Command, opts *globalOptions) (*app, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, events: realtime.NewBroker()}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create database directory for %s", cfg.DBPath)
	}
	a.store, err = store.NewSQLiteStore(cmd.Context(), cfg.DBPath)
	if err != nil {
		return nil, errors.WithHint(err, "check --db or db_path")
	}

	var maintenance func(context.Context) error
	if cfg.RunLogs.Enabled {
		a.runLogs = runlog.New(runlog.Options{
			Dir:               cfg.RunLogs.Dir,
			MaxBytesPerStream: cfg.RunLogs.MaxBytesPerStream,
			RetentionDays:     cfg.RunLogs.RetentionDays,
			MaxTotalBytes:     cfg.RunLogs.MaxTotalMB * 1024 * 1024,
			KeepPerRun:        cfg.RunLogs.KeepPerRun,
		})
		maintenance = func(ctx context.Context) error {
			res, err := a.runLogs.Prune(ctx)
			if err == nil && res.Attempts > 0 {
				log.Infow("Pruned resume logs", "attempts", res.Attempts, "runs", res.Runs)
			}
			return err
		}
	}

	ex, err := executor.FromConfig(cfg.Executor, a.runLogs, log.Named("executor"))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.mgr, err = manager.New(cfg.Manager, a.store, ex,
		manager.WithLogger(log),
		manager.WithEvents(a.events),
		manager.WithMaintenance(maintenance))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
