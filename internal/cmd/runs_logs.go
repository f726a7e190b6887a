package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/loraforge/pkg/runs"
)

const logPollInterval = 250 * time.Millisecond

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run_id>",
	Short: "Print the trainer or captioner logs of a run",
	Long: `Print the subprocess logs captured for a run.

Examples:
  loraforge runs logs 3f2a
  loraforge runs logs 3f2a --stream stderr --tail 50
  loraforge runs logs 3f2a --source caption --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runRunsLogs,
}

func init() {
	runsCmd.AddCommand(runsLogsCmd)

	runsLogsCmd.Flags().String("source", "train", "Which subprocess: train or caption")
	runsLogsCmd.Flags().String("stream", "stdout", "Which stream: stdout, stderr, or both")
	runsLogsCmd.Flags().Int("tail", 0, "Print only the last N lines (0 = all)")
	runsLogsCmd.Flags().BoolP("follow", "f", false, "Keep printing until the run finishes")
}

func runRunsLogs(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	source = strings.ToLower(strings.TrimSpace(source))
	if source != "train" && source != "caption" {
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Invalid --source %q (expected train or caption)", source), nil)
	}

	stream, _ := cmd.Flags().GetString("stream")
	var streams []string
	switch strings.ToLower(strings.TrimSpace(stream)) {
	case "", "stdout":
		streams = []string{"stdout"}
	case "stderr":
		streams = []string{"stderr"}
	case "both":
		streams = []string{"stdout", "stderr"}
	default:
		return exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Invalid --stream %q (expected stdout, stderr, or both)", stream), nil)
	}

	tailN, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

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

	logDir := rec.LogPath
	if logDir == "" {
		logDir = store.RunDir(rec.RunID)
	}

	out := cmd.OutOrStdout()
	for _, s := range streams {
		path := filepath.Join(logDir, source+"."+s+".log")
		if follow {
			err = followLog(commandContext(cmd), out, path, runFinished(store, rec.RunID))
		} else {
			err = printLogTail(out, path, tailN)
		}
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot read log", err)
		}
	}
	return nil
}

func printLogTail(out io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(out, f)
		return err
	}
	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(out, line)
	}
	return nil
}

// tailLines keeps a ring of the last n lines.
func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, 0, n)
	start := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) < n {
			ring = append(ring, scanner.Text())
			continue
		}
		ring[start] = scanner.Text()
		start = (start + 1) % n
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}

func runFinished(store *runs.Store, runID string) func() bool {
	return func() bool {
		rec, err := store.Get(runID)
		return err != nil || rec.State.Terminal()
	}
}

// followLog copies path to out as it grows and returns once done reports
// true and the file is drained, or ctx ends.
func followLog(ctx context.Context, out io.Writer, path string, done func() bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	for {
		if _, err := io.Copy(out, f); err != nil {
			return err
		}
		if done() {
			_, err := io.Copy(out, f)
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(logPollInterval):
		}
	}
}
