// Package cmd implements the loraforge command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/3leaps/loraforge/internal/config"
	"github.com/3leaps/loraforge/internal/observability"
	"github.com/fulmenhq/gofulmen/foundry"
)

// exitFailure is the generic failure code for errors without a more
// specific foundry code.
const exitFailure = 1

const (
	outputText  = "text"
	outputJSONL = "jsonl"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

var (
	cfgFile      string
	verbose      bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "loraforge",
	Short: "Train, package and publish FLUX LoRA adapters",
	Long: `loraforge runs a LoRA training request end to end.

A request names a zip of training images (optionally with caption files) or
the URL of an already trained adapter. loraforge resets the workspace,
fetches the base weights, captions images when asked, hands a generated
config to the trainer, packages the result as a tar archive and optionally
publishes it to a model registry.

Examples:
  loraforge train ./images.zip --trigger-word CYBRPNK
  loraforge train --request request.yaml --output jsonl
  loraforge config render ./images.zip --steps 500
  loraforge runs list`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./loraforge.yaml or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", outputText, "Result format: text or jsonl")
}

// SetVersionInfo records build metadata injected by the main package.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	outputFormat = strings.ToLower(strings.TrimSpace(outputFormat))
	switch outputFormat {
	case outputText, outputJSONL:
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --output value",
			fmt.Errorf("unsupported format %q (want text or jsonl)", outputFormat))
	}

	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(commandContext(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if verbose {
		observability.InitCLILogger(config.AppName, true)
	} else {
		observability.InitCLILoggerWithLevel(config.AppName, cfg.Logging.Level, cfg.Logging.Profile)
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// currentConfig returns the config loaded by initRuntime, loading defaults
// when a command runs without it.
func currentConfig(ctx context.Context) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}
