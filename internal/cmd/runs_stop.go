package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/loraforge/pkg/runs"
)

var runsStopCmd = &cobra.Command{
	Use:   "stop <run_id>",
	Short: "Stop a running training run",
	Long: `Signal the loraforge process that owns a running run.

SIGTERM lets the run cancel its subprocesses and record a failed state.
With --force the process is killed outright and the run is later reported
as unknown.

Examples:
  loraforge runs stop 3f2a
  loraforge runs stop 3f2a --force`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsStop,
}

func init() {
	runsCmd.AddCommand(runsStopCmd)

	runsStopCmd.Flags().Bool("force", false, "Send SIGKILL instead of SIGTERM")
	runsStopCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the run to stop")
}

func runRunsStop(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	wait, _ := cmd.Flags().GetDuration("wait")

	store, err := runStore(cmd)
	if err != nil {
		return err
	}
	runID, err := store.Resolve(args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown run", err)
	}
	rec, err := store.Get(runID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read run", err)
	}
	if rec.State != runs.StateRunning {
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Run %s is not running (state=%s)", shortRunID(runID), rec.State), nil)
	}
	if rec.PID <= 0 || rec.PID == os.Getpid() {
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Run %s has no stoppable process", shortRunID(runID)), nil)
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return exitError(exitFailure, "Cannot find run process", err)
	}
	sig, name := syscall.SIGTERM, "term"
	if force {
		sig, name = syscall.SIGKILL, "kill"
	}
	if err := proc.Signal(sig); err != nil {
		return exitError(exitFailure, "Cannot signal run process", fmt.Errorf("signal %s: %w", name, err))
	}

	deadline := time.Now().Add(wait)
	for runs.ProcessAlive(rec.PID) {
		if time.Now().After(deadline) {
			return exitError(exitFailure, fmt.Sprintf("Run %s did not stop within %s", shortRunID(runID), wait), nil)
		}
		select {
		case <-commandContext(cmd).Done():
			return exitError(foundry.ExitSignalInt, "Interrupted", nil)
		case <-time.After(logPollInterval):
		}
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stopped run %s (sent=%s)\n", shortRunID(runID), name)
	return nil
}
