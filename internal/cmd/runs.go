package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/loraforge/pkg/runs"
	"github.com/fulmenhq/gofulmen/foundry"
)

const defaultRunsMaxAge = "168h"

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect past training runs",
	Long: `Inspect the records written for every training run.

Each run gets a directory under runs.dir holding run.json and, unless the
trainer log dir is configured elsewhere, the trainer config and logs.

Examples:
  loraforge runs list
  loraforge runs show 3f2a
  loraforge runs logs 3f2a --tail 50
  loraforge runs gc --max-age 72h --dry-run`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run_id>",
	Short: "Show one run (unique id prefixes are accepted)",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished runs older than --max-age",
	Args:  cobra.NoArgs,
	RunE:  runRunsGC,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsGCCmd)

	runsListCmd.Flags().Bool("json", false, "Output as JSON")
	runsShowCmd.Flags().Bool("json", false, "Output as JSON")
	runsGCCmd.Flags().String("max-age", defaultRunsMaxAge, "Delete finished runs that ended longer ago than this")
	runsGCCmd.Flags().Bool("dry-run", false, "Report how many runs would be deleted")
	runsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStore(cmd *cobra.Command) (*runs.Store, error) {
	cfg, err := currentConfig(commandContext(cmd))
	if err != nil {
		return nil, err
	}
	return runs.NewStore(cfg.Runs.Dir), nil
}

func runRunsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot list runs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, records)
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}
	return writeRunTable(out, records)
}

func writeRunTable(out io.Writer, records []runs.Record) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN ID\tSTATE\tSTAGE\tSTARTED\tENDED\tINPUT\tARCHIVE")
	for _, r := range records {
		input := "-"
		if r.Request != nil && r.Request.Input != "" {
			input = r.Request.Input
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortRunID(r.RunID),
			r.State,
			orDash(r.Stage),
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
			input,
			orDash(r.ArchivePath),
		)
	}
	return w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	runID, err := store.Resolve(strings.TrimSpace(args[0]))
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown run", err)
	}
	rec, err := store.Get(runID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read run", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, rec)
	}

	_, _ = fmt.Fprintf(out, "run_id=%s\n", rec.RunID)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.Stage != "" {
		_, _ = fmt.Fprintf(out, "stage=%s\n", rec.Stage)
	}
	if rec.Request != nil {
		_, _ = fmt.Fprintf(out, "input=%s\n", rec.Request.Input)
		_, _ = fmt.Fprintf(out, "steps=%d\n", rec.Request.Steps)
		if rec.Request.RepoID != "" {
			_, _ = fmt.Fprintf(out, "hf_repo_id=%s\n", rec.Request.RepoID)
		}
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	for _, s := range rec.Stages {
		_, _ = fmt.Fprintf(out, "stage.%s=%s\n", s.Stage, s.EnteredAt.UTC().Format(time.RFC3339))
	}
	if rec.ArchivePath != "" {
		_, _ = fmt.Fprintf(out, "archive_path=%s\n", rec.ArchivePath)
	}
	if rec.Shortcut {
		_, _ = fmt.Fprintln(out, "shortcut=true")
	}
	if rec.Published {
		_, _ = fmt.Fprintln(out, "published=true")
	}
	if rec.PublishError != "" {
		_, _ = fmt.Fprintf(out, "publish_error=%s\n", rec.PublishError)
	}
	if rec.ErrorCode != "" {
		_, _ = fmt.Fprintf(out, "error_code=%s\n", rec.ErrorCode)
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	if rec.LogPath != "" {
		_, _ = fmt.Fprintf(out, "log_path=%s\n", rec.LogPath)
	}
	return nil
}

type runsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runRunsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = defaultRunsMaxAge
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", fmt.Errorf("must be > 0, got %s", maxAgeStr))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	n, err := store.Prune(maxAge, time.Now().UTC(), dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot prune runs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := runsGCResult{DryRun: dryRun, MaxAge: maxAgeStr}
		if dryRun {
			res.WouldDelete = n
		} else {
			res.Deleted = n
		}
		return writeJSON(out, res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(out, "Would delete %d run(s)\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(out, "Deleted %d run(s)\n", n)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortRunID(runID string) string {
	runID = strings.TrimSpace(runID)
	if len(runID) <= 12 {
		return runID
	}
	return runID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
