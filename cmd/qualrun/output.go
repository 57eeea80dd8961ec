package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/patrickspencer/qualrun/internal/manager"
)

const (
	outputJSON  = "json"
	outputYAML  = "yaml"
	outputTable = "table"
)

// render writes v in the requested format. table builds the rows for the
// table format; nil falls back to YAML.
func render(w io.Writer, format string, v any, table func() pterm.TableData) error {
	switch format {
	case "", outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		return renderYAML(w, v)
	case outputTable:
		if table == nil {
			return renderYAML(w, v)
		}
		out, err := pterm.DefaultTable.WithHasHeader().WithData(table()).Srender()
		if err != nil {
			return errors.Wrap(err, "render table")
		}
		_, err = fmt.Fprintln(w, out)
		return err
	default:
		return errors.WithHint(errors.Newf("unknown output format %q", format),
			"use --output json, yaml or table")
	}
}

// renderYAML goes through JSON so YAML keys match the JSON field names.
func renderYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode output")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return errors.Wrap(err, "encode output")
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return errors.Wrap(err, "encode yaml")
	}
	return enc.Close()
}

func outcomeTable(out *manager.RecoveryOutcome) func() pterm.TableData {
	return func() pterm.TableData {
		data := pterm.TableData{{"RUN", "ACTION", "REASON"}}
		for _, d := range out.Details {
			data = append(data, []string{d.RunID, string(d.Action), d.Reason})
		}
		data = append(data, []string{
			"",
			fmt.Sprintf("resumed=%d failed=%d skipped=%d errors=%d", out.Resumed, out.Failed, out.Skipped, out.Errors),
			dryRunLabel(out.DryRun),
		})
		return data
	}
}

func dryRunLabel(dry bool) string {
	if dry {
		return "dry run, nothing written"
	}
	return ""
}

func healthTable(health []manager.HealthStatus) func() pterm.TableData {
	return func() pterm.TableData {
		data := pterm.TableData{{"RUN", "STATUS", "PROGRESS", "AGE (MIN)", "ATTEMPTS", "STUCK", "ETA (MIN)"}}
		for _, h := range health {
			eta := "-"
			if h.EstimatedMinutesRemaining != nil {
				eta = strconv.FormatFloat(*h.EstimatedMinutesRemaining, 'f', 1, 64)
			}
			data = append(data, []string{
				h.RunID,
				string(h.Status),
				fmt.Sprintf("%.1f%% (%d/%d)", h.Progress, h.Completed, h.TotalProspects),
				strconv.FormatFloat(h.AgeMinutes, 'f', 1, 64),
				strconv.Itoa(h.RecoveryAttempts),
				strconv.FormatBool(h.IsStuck),
				eta,
			})
		}
		return data
	}
}

func statsTable(s *manager.Stats) func() pterm.TableData {
	return func() pterm.TableData {
		return pterm.TableData{
			{"METRIC", "VALUE"},
			{"active runs", strconv.Itoa(s.ActiveRuns)},
			{"pending", strconv.Itoa(s.PendingRuns)},
			{"processing", strconv.Itoa(s.ProcessingRuns)},
			{"completed (24h)", strconv.Itoa(s.RecentlyCompleted)},
			{"failed (24h)", strconv.Itoa(s.RecentlyFailed)},
			{"timeout (min)", strconv.Itoa(s.Config.TimeoutMinutes)},
			{"check interval (min)", strconv.Itoa(s.Config.CheckIntervalMinutes)},
			{"max retries", strconv.Itoa(s.Config.MaxRetries)},
		}
	}
}

func summaryTable(s *manager.Summary) func() pterm.TableData {
	return func() pterm.TableData {
		last := "never"
		if s.LastSweepAt != nil {
			last = s.LastSweepAt.Format(time.RFC3339)
		}
		return pterm.TableData{
			{"STATUS", "ACTIVE", "STUCK", "LAST SWEEP"},
			{s.Status, strconv.Itoa(s.ActiveRuns), strconv.Itoa(s.StuckRuns), last},
		}
	}
}

type cleanupResult struct {
	Deleted       int `json:"deleted"`
	OlderThanDays int `json:"older_than_days"`
}

func cleanupTable(r cleanupResult) func() pterm.TableData {
	return func() pterm.TableData {
		return pterm.TableData{
			{"DELETED", "OLDER THAN (DAYS)"},
			{strconv.Itoa(r.Deleted), strconv.Itoa(r.OlderThanDays)},
		}
	}
}
