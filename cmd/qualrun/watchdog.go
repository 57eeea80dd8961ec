package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type watchdogOptions struct {
	apiURL     string
	restartCmd string
	timeout    time.Duration
}

func newWatchdogCmd() *cobra.Command {
	opts := &watchdogOptions{}
	cmd := &cobra.Command{
		Use:   "watchdog",
		Short: "Probe a running qualrun and optionally restart it",
		Long: `Probe /api/v1/health of a running qualrun server.

Exits 0 when the server answers 200. Otherwise runs --restart-cmd if given and
exits non-zero unless the restart command succeeds. Suitable for cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatchdog(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.apiURL, "api", "http://localhost:8080", "qualrun API URL")
	cmd.Flags().StringVar(&opts.restartCmd, "restart-cmd", "", "command to run if unhealthy")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "health check timeout")
	return cmd
}

func runWatchdog(ctx context.Context, opts *watchdogOptions, stderr io.Writer) error {
	url := strings.TrimRight(opts.apiURL, "/") + "/api/v1/health"
	client := &http.Client{Timeout: opts.timeout}

	probeErr := probe(ctx, client, url)
	if probeErr == nil {
		return nil
	}
	fmt.Fprintf(stderr, "health check failed: %v\n", probeErr)

	if opts.restartCmd == "" {
		return probeErr
	}

	fmt.Fprintf(stderr, "attempting restart: %s\n", opts.restartCmd)
	cmd := exec.CommandContext(ctx, "sh", "-c", opts.restartCmd)
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, "restart command failed")
	}
	return nil
}

func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request health")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
