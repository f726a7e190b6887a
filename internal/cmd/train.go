package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/loraforge/internal/observability"
	"github.com/3leaps/loraforge/pkg/output"
	"github.com/3leaps/loraforge/pkg/pipeline"
	"github.com/3leaps/loraforge/pkg/request"
	"github.com/3leaps/loraforge/pkg/runs"
	"github.com/fulmenhq/gofulmen/foundry"
)

var trainFlags requestFlags

var trainCmd = &cobra.Command{
	Use:   "train [input]",
	Short: "Run a training request",
	Long: `Run one training request to completion.

The input is a zip of training images or the URL of a pre-trained adapter
(https://huggingface.co/.../*.safetensors), which is packaged without
training. It may come from the positional argument or the request file.

Text output prints the archive path on success. JSONL output streams one
record per stage followed by a result or error record.

Examples:
  loraforge train ./images.zip
  loraforge train ./images.zip --trigger-word CYBRPNK --steps 1500
  loraforge train --request request.yaml --hf-repo-id me/my-lora
  loraforge train https://huggingface.co/me/lora/resolve/main/lora.safetensors`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	trainFlags.register(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	logger := observability.CLILogger

	req, err := trainFlags.build(cmd, args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid request file", err)
	}
	if err := req.Validate(); err != nil {
		logger.Error("Invalid training request", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid training request", err)
	}

	cfg, err := currentConfig(ctx)
	if err != nil {
		return err
	}
	runID := uuid.New().String()
	store := runs.NewStore(cfg.Runs.Dir)
	recorder := runs.NewRecorder(store, req, logger)
	recorder.SetLogPath(trainerLogDir(cfg, store.RunDir(runID)))

	observers := pipeline.Observers{recorder}
	if outputFormat == outputJSONL {
		jw := output.NewJSONLWriter(cmd.OutOrStdout(), runID)
		defer func() { _ = jw.Close() }()
		observers = append(observers, pipeline.NewJSONLObserver(jw))
	}

	p, err := newPipeline(ctx, cfg, pipelineSetup{
		Request:  req,
		RunID:    runID,
		RunDir:   store.RunDir(runID),
		Observer: observers,
		Logger:   logger.With(zap.String("run_id", runID)),
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pipeline configuration", err)
	}

	logger.Info("Starting training run",
		zap.String("run_id", runID),
		zap.String("input", req.Input),
		zap.Bool("publish", req.WantsPublish()))

	stopHeartbeat := recorder.StartHeartbeat(ctx, runs.DefaultHeartbeatInterval)
	res, err := p.Run(ctx, req)
	stopHeartbeat()
	if err != nil {
		logger.Error("Training run failed",
			zap.String("run_id", runID),
			zap.String("stage", string(pipeline.FailedStage(err))),
			zap.Error(err))
		return exitError(exitCodeFor(err), "Training run failed", err)
	}

	if res.PublishError != "" {
		logger.Warn("Run finished without publication",
			zap.String("run_id", runID),
			zap.String("reason", res.PublishError))
	}
	logger.Info("Training run finished",
		zap.String("run_id", runID),
		zap.String("archive", res.ArchivePath),
		zap.Duration("duration", res.Duration))

	if outputFormat == outputText {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.ArchivePath)
	}
	return nil
}

// exitCodeFor maps a pipeline failure to a foundry exit code.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return foundry.ExitSignalInt
	case errors.Is(err, pipeline.ErrInvalidInputFormat),
		errors.Is(err, request.ErrValidationFailed):
		return foundry.ExitInvalidArgument
	case errors.Is(err, pipeline.ErrAcquisition):
		return foundry.ExitExternalServiceUnavailable
	}
	switch pipeline.FailedStage(err) {
	case pipeline.StateInit:
		return foundry.ExitInvalidArgument
	case pipeline.StateReset, pipeline.StateExtract, pipeline.StatePackage:
		return foundry.ExitFileWriteError
	}
	return exitFailure
}
