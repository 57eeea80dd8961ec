package main

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// withApp wraps a command body that needs the manager.
func withApp(opts *globalOptions, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, opts)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func newRecoverCmd(opts *globalOptions) *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume or fail stuck runs now",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, _ []string) error {
			return runRecover(cmd, a, opts, checkOnly)
		}),
	}
	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "report what would happen without changing anything")
	return cmd
}

func runRecover(cmd *cobra.Command, a *app, opts *globalOptions, checkOnly bool) error {
	ctx := cmd.Context()
	recoverFn := a.mgr.RecoverStuckRuns
	if checkOnly {
		recoverFn = a.mgr.Preview
	}
	out, err := recoverFn(ctx)
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), opts.output, out, outcomeTable(out))
}

func newCheckTimeoutsCmd(opts *globalOptions) *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "check-timeouts",
		Short: "Run one timeout sweep",
		Long: `Run one timeout sweep, exactly as the background timer would.

With --check-only the health of every active run is reported instead and
nothing is written.`,
		Args: cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, _ []string) error {
			return runCheckTimeouts(cmd, a, opts, checkOnly)
		}),
	}
	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "report run health without changing anything")
	return cmd
}

func runCheckTimeouts(cmd *cobra.Command, a *app, opts *globalOptions, checkOnly bool) error {
	if checkOnly {
		return runHealth(cmd, a, opts, false)
	}
	out, err := a.mgr.CheckTimeouts(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), opts.output, out, outcomeTable(out))
}

func newCleanupCmd(opts *globalOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished runs older than --days",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = a.cfg.Manager.RetentionDays
			}
			return runCleanup(cmd, a, opts, days)
		}),
	}
	cmd.Flags().IntVar(&days, "days", 0, "age in days (default: manager.retention_days)")
	return cmd
}

func runCleanup(cmd *cobra.Command, a *app, opts *globalOptions, days int) error {
	n, err := a.mgr.Cleanup(cmd.Context(), days)
	if err != nil {
		return err
	}
	res := cleanupResult{Deleted: n, OlderThanDays: days}
	return render(cmd.OutOrStdout(), opts.output, res, cleanupTable(res))
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show run counts",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, _ []string) error {
			return runStats(cmd, a, opts)
		}),
	}
}

func runStats(cmd *cobra.Command, a *app, opts *globalOptions) error {
	stats, err := a.mgr.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), opts.output, stats, statsTable(stats))
}

func newHealthCmd(opts *globalOptions) *cobra.Command {
	var summary bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show the health of every active run",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, _ []string) error {
			return runHealth(cmd, a, opts, summary)
		}),
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print only the healthy/degraded summary")
	return cmd
}

func runHealth(cmd *cobra.Command, a *app, opts *globalOptions, summary bool) error {
	if summary {
		s, err := a.mgr.Summary(cmd.Context())
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), opts.output, s, summaryTable(s))
	}
	health, err := a.mgr.RunHealthStatus(cmd.Context())
	if err != nil {
		return err
	}
	return render(cmd.OutOrStdout(), opts.output, health, healthTable(health))
}

func newFailCmd(opts *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <run-id>",
		Short: "Mark an active run FAILED",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.mgr.FailRun(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			run, err := a.store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, map[string]any{
				"run_id":         run.ID,
				"status":         run.Status,
				"failure_reason": run.FailureReason,
				"completed_at":   run.CompletedAt,
			}, nil)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the run")
	return cmd
}

// newRunManagerCmd keeps the action-style interface:
// qualrun run-manager recover|checkTimeouts|cleanup|stats|health.
func newRunManagerCmd(opts *globalOptions) *cobra.Command {
	var (
		checkOnly bool
		days      string
	)
	cmd := &cobra.Command{
		Use:       "run-manager <action>",
		Short:     "Run a manager action by name",
		ValidArgs: []string{"recover", "checkTimeouts", "cleanup", "stats", "health"},
		Args:      cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, ok := runManagerActions[args[0]]
			if !ok {
				return errors.WithHint(errors.Newf("unknown action %q", args[0]),
					"use one of recover, checkTimeouts, cleanup, stats, health")
			}
			return withApp(opts, func(cmd *cobra.Command, a *app, _ []string) error {
				return action(cmd, a, opts, runManagerFlags{checkOnly: checkOnly, days: days})
			})(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "dry run")
	cmd.Flags().StringVar(&days, "days", "", "cleanup age in days")
	return cmd
}

type runManagerFlags struct {
	checkOnly bool
	days      string
}

var runManagerActions = map[string]func(*cobra.Command, *app, *globalOptions, runManagerFlags) error{
	"recover": func(cmd *cobra.Command, a *app, opts *globalOptions, f runManagerFlags) error {
		return runRecover(cmd, a, opts, f.checkOnly)
	},
	"checkTimeouts": func(cmd *cobra.Command, a *app, opts *globalOptions, f runManagerFlags) error {
		return runCheckTimeouts(cmd, a, opts, f.checkOnly)
	},
	"cleanup": func(cmd *cobra.Command, a *app, opts *globalOptions, f runManagerFlags) error {
		days := a.cfg.Manager.RetentionDays
		if f.days != "" {
			days = parseDays(f.days, days)
		}
		return runCleanup(cmd, a, opts, days)
	},
	"stats": func(cmd *cobra.Command, a *app, opts *globalOptions, _ runManagerFlags) error {
		return runStats(cmd, a, opts)
	},
	"health": func(cmd *cobra.Command, a *app, opts *globalOptions, _ runManagerFlags) error {
		return runHealth(cmd, a, opts, false)
	},
}

// parseDays keeps negative numbers so Cleanup can reject them; only
// unparseable input falls back to def.
func parseDays(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}
