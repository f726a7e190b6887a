package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/loraforge/internal/config"
	"github.com/3leaps/loraforge/internal/observability"
	"github.com/3leaps/loraforge/pkg/request"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment a training run needs.

S3 credential checks run automatically when the weights bundle is an s3://
URL or the publish backend is s3.

Examples:
  loraforge doctor                # Full environment check
  loraforge doctor --provider s3  # Force S3 credential checks`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

type checkStatus int

const (
	checkOK checkStatus = iota
	checkWarn
	checkFail
)

type checkResult struct {
	Name   string
	Status checkStatus
	Detail string
	Err    error
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	cfg, err := currentConfig(ctx)
	if err != nil {
		return err
	}
	logger := observability.CLILogger

	logger.Info("=== " + config.AppName + " doctor ===")
	logger.Info("Running diagnostic checks...")

	results := []checkResult{
		checkGoVersion(runtime.Version()),
		checkCrucible(),
		checkGofulmen(),
		checkConfigDir(),
		checkWritableDir("runs directory", cfg.Runs.Dir),
		checkWritableDir("workspace", workspaceParent(cfg)),
		checkCommand("trainer command", cfg.Trainer.Command, true),
		checkCommand("captioner command", cfg.Captioner.Command, false),
		checkWeights(cfg.Weights.Dir, cfg.Weights.BundleURL),
	}
	showS3Help := false
	if doctorProvider == "s3" || needsS3(cfg) {
		r := checkS3Credentials(ctx, s3Profile(cfg))
		showS3Help = r.Status == checkFail
		results = append(results, r)
	}

	failed := reportChecks(logger, results)
	if showS3Help {
		printAWSCredentialsHelp()
	}
	if failed > 0 {
		logger.Warn("Some checks failed. Review the output above for details.")
		return exitError(exitFailure, "Doctor found problems", fmt.Errorf("%d check(s) failed", failed))
	}
	logger.Info("All checks passed.")
	return nil
}

// reportChecks logs every result and returns the number of failures.
func reportChecks(logger *zap.Logger, results []checkResult) int {
	failed := 0
	total := len(results)
	for i, r := range results {
		line := fmt.Sprintf("[%d/%d] Checking %s...", i+1, total, r.Name)
		fields := []zap.Field{zap.String("check", r.Name)}
		if r.Err != nil {
			fields = append(fields, zap.Error(r.Err))
		}
		switch r.Status {
		case checkOK:
			logger.Info(line+" ✅ "+r.Detail, fields...)
		case checkWarn:
			logger.Warn(line+" ⚠️  "+r.Detail, fields...)
		default:
			logger.Error(line+" ❌ "+r.Detail, fields...)
			failed++
		}
	}
	return failed
}

func checkGoVersion(v string) checkResult {
	if v >= "go1.23" {
		return checkResult{Name: "Go version", Status: checkOK, Detail: v}
	}
	return checkResult{Name: "Go version", Status: checkWarn, Detail: v + " (recommended: go1.23+)"}
}

func checkCrucible() checkResult {
	v := crucible.GetVersion()
	if v.Crucible == "" {
		return checkResult{Name: "Crucible access", Status: checkFail, Detail: "cannot access Crucible"}
	}
	return checkResult{Name: "Crucible access", Status: checkOK, Detail: "v" + v.Crucible}
}

func checkGofulmen() checkResult {
	v := crucible.GetVersion()
	if v.Gofulmen == "" {
		return checkResult{Name: "Gofulmen access", Status: checkFail, Detail: "cannot access Gofulmen"}
	}
	return checkResult{Name: "Gofulmen access", Status: checkOK, Detail: "v" + v.Gofulmen}
}

func checkConfigDir() checkResult {
	dir, err := os.UserConfigDir()
	if err != nil {
		return checkResult{Name: "config directory", Status: checkWarn, Detail: "cannot find config directory", Err: err}
	}
	return checkResult{Name: "config directory", Status: checkOK, Detail: filepath.Join(dir, config.AppName)}
}

// checkWritableDir creates dir if needed and writes a scratch file into it.
func checkWritableDir(name, dir string) checkResult {
	if strings.TrimSpace(dir) == "" {
		return checkResult{Name: name, Status: checkFail, Detail: "not configured"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return checkResult{Name: name, Status: checkFail, Detail: dir + " cannot be created", Err: err}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return checkResult{Name: name, Status: checkFail, Detail: dir + " is not writable", Err: err}
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return checkResult{Name: name, Status: checkOK, Detail: dir}
}

// workspaceParent is the directory that holds the input dir. Reset removes
// and recreates the staging dirs, so their parent must be writable.
func workspaceParent(cfg *config.Config) string {
	dir, err := filepath.Abs(cfg.Workspace.InputDir)
	if err != nil {
		return filepath.Dir(cfg.Workspace.InputDir)
	}
	return filepath.Dir(dir)
}

// checkCommand verifies the executable of an external helper is on PATH.
// A missing optional helper is a warning.
func checkCommand(name string, command []string, required bool) checkResult {
	missing := checkWarn
	if required {
		missing = checkFail
	}
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return checkResult{Name: name, Status: missing, Detail: "not configured"}
	}
	path, err := exec.LookPath(command[0])
	if err != nil {
		return checkResult{Name: name, Status: missing, Detail: command[0] + " not found", Err: err}
	}
	return checkResult{Name: name, Status: checkOK, Detail: path}
}

func checkWeights(dir, bundleURL string) checkResult {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) > 0 {
		return checkResult{Name: "base weights", Status: checkOK, Detail: dir}
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return checkResult{Name: "base weights", Status: checkFail, Detail: dir + " is not readable", Err: err}
	}
	if bundleURL == "" {
		return checkResult{Name: "base weights", Status: checkFail, Detail: "missing and weights.bundle_url is empty"}
	}
	return checkResult{Name: "base weights", Status: checkWarn, Detail: "missing; first run downloads " + bundleURL}
}

func needsS3(cfg *config.Config) bool {
	return strings.HasPrefix(cfg.Weights.BundleURL, "s3://") ||
		cfg.Publish.Backend == config.PublishBackendS3
}

func s3Profile(cfg *config.Config) string {
	if cfg.Publish.Backend == config.PublishBackendS3 && cfg.Publish.S3.Profile != "" {
		return cfg.Publish.S3.Profile
	}
	return cfg.Download.S3.Profile
}

func checkS3Credentials(ctx context.Context, profile string) checkResult {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return checkResult{Name: "AWS credentials", Status: checkFail, Detail: "cannot load AWS config", Err: err}
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return checkResult{Name: "AWS credentials", Status: checkFail, Detail: "cannot retrieve credentials", Err: err}
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return checkResult{
		Name:   "AWS credentials",
		Status: checkOK,
		Detail: fmt.Sprintf("%s (source: %s)", request.MaskSecret(creds.AccessKeyID), source),
	}
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	logger := observability.CLILogger
	logger.Info("To configure AWS credentials:")
	logger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	logger.Info("  2. Run 'aws configure' to set up a profile, or")
	logger.Info("  3. Use an IAM role when running on AWS infrastructure")
	logger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set download.s3.endpoint or publish.s3.endpoint.")
}
