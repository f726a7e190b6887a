package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/loraforge/internal/config"
	"github.com/3leaps/loraforge/pkg/archive"
	"github.com/3leaps/loraforge/pkg/assets"
	"github.com/3leaps/loraforge/pkg/captioner"
	"github.com/3leaps/loraforge/pkg/fetch"
	"github.com/3leaps/loraforge/pkg/packager"
	"github.com/3leaps/loraforge/pkg/pipeline"
	"github.com/3leaps/loraforge/pkg/provider/file"
	"github.com/3leaps/loraforge/pkg/provider/s3"
	"github.com/3leaps/loraforge/pkg/publish"
	"github.com/3leaps/loraforge/pkg/readme"
	"github.com/3leaps/loraforge/pkg/request"
	"github.com/3leaps/loraforge/pkg/trainer"
	"github.com/3leaps/loraforge/pkg/trainjob"
	"github.com/3leaps/loraforge/pkg/workspace"
)

const defaultPublishTimeout = 30 * time.Minute

// pipelineSetup is everything newPipeline needs beyond the config.
type pipelineSetup struct {
	Request  request.Request
	RunID    string
	RunDir   string
	Observer pipeline.Observer
	Logger   *zap.Logger
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		InputDir:           cfg.Workspace.InputDir,
		OutputDir:          cfg.Workspace.OutputDir,
		ArchivePath:        cfg.Workspace.ArchivePath,
		ShortcutHostPrefix: cfg.Shortcut.HostPrefix,
		ShortcutSuffix:     cfg.Shortcut.Suffix,
		Job: trainjob.Options{
			JobName:   cfg.Train.JobName,
			ModelPath: cfg.Weights.Dir,
			Device:    cfg.Train.Device,
		},
	}
}

// newPipeline wires concrete collaborators from cfg.
func newPipeline(ctx context.Context, cfg *config.Config, setup pipelineSetup) (*pipeline.Pipeline, error) {
	logger := setup.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ws, err := workspace.New(cfg.Workspace.InputDir, cfg.Workspace.OutputDir, logger)
	if err != nil {
		return nil, err
	}

	filter, err := archive.NewFilter(cfg.Workspace.Skip)
	if err != nil {
		return nil, fmt.Errorf("workspace.skip: %w", err)
	}

	acq := assets.New(assets.Config{
		WeightsDir:  cfg.Weights.Dir,
		BundleURL:   cfg.Weights.BundleURL,
		AdapterPath: cfg.Shortcut.AdapterPath,
	}, newFetcher(cfg, logger), logger)

	pkg := packager.New(archive.NewTarCreator(logger), logger,
		packager.WithWeightsName(cfg.Train.WeightsName),
		packager.WithOptimizerName(cfg.Train.OptimizerName))

	deps := pipeline.Deps{
		Workspace: ws,
		Assets:    acq,
		Extractor: archive.NewExtractor(filter, logger),
		Trainer:   newTrainer(cfg, setup.RunDir, logger),
		Packager:  pkg,
		Observer:  setup.Observer,
		Logger:    logger,
	}
	if c := newCaptioner(cfg, setup.RunDir, logger); c != nil {
		deps.Captioner = c
	}
	if setup.Request.WantsPublish() {
		pub, err := newPublisher(ctx, cfg, logger)
		if err != nil {
			// The run records the missing publisher as a publication error.
			logger.Warn("Publisher unavailable", zap.Error(err))
		} else {
			deps.Publisher = pub
		}
	}
	if setup.RunID != "" {
		runID := setup.RunID
		deps.NewRunID = func() string { return runID }
	}

	return pipeline.New(pipelineConfig(cfg), deps)
}

// newFetcher routes downloads by URL scheme.
func newFetcher(cfg *config.Config, logger *zap.Logger) fetch.Fetcher {
	httpCfg := fetch.DefaultHTTPConfig()
	httpCfg.Retries = cfg.Download.Retries
	httpCfg.RetryDelay = cfg.Download.RetryDelay
	httpCfg.RateLimit = cfg.Download.RateLimit
	httpCfg.Token = cfg.Download.Token
	httpCfg.UserAgent = config.AppName + "/" + versionInfo.Version

	client := &http.Client{Timeout: cfg.Download.Timeout}
	hf := fetch.NewHTTPFetcher(client, httpCfg, logger)

	return fetch.NewMux().
		Handle("http", hf).
		Handle("https", hf).
		Handle("s3", fetch.NewS3Fetcher(s3.Config{
			Region:         cfg.Download.S3.Region,
			Endpoint:       cfg.Download.S3.Endpoint,
			Profile:        cfg.Download.S3.Profile,
			ForcePathStyle: cfg.Download.S3.Endpoint != "",
		}, logger)).
		Handle("file", fetch.NewFileFetcher(logger))
}

// trainerLogDir is where trainer stdout, stderr and config land.
func trainerLogDir(cfg *config.Config, runDir string) string {
	if cfg.Trainer.LogDir != "" {
		return cfg.Trainer.LogDir
	}
	return runDir
}

func newTrainer(cfg *config.Config, runDir string, logger *zap.Logger) *trainer.Process {
	return trainer.NewProcess(trainer.ProcessConfig{
		Command: cfg.Trainer.Command,
		RunDir:  trainerLogDir(cfg, runDir),
	}, logger)
}

// newCaptioner returns nil when no captioner command is configured.
func newCaptioner(cfg *config.Config, runDir string, logger *zap.Logger) *captioner.Process {
	if len(cfg.Captioner.Command) == 0 {
		return nil
	}
	dir := cfg.Captioner.LogDir
	if dir == "" {
		dir = runDir
	}
	return captioner.NewProcess(captioner.ProcessConfig{
		Command: cfg.Captioner.Command,
		LogDir:  dir,
	}, logger)
}

// newPublisher builds the publisher for the configured backend.
func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*publish.Publisher, error) {
	tmpl, err := readme.LoadTemplate(cfg.Publish.ReadmeTemplate)
	if err != nil {
		return nil, err
	}

	var up publish.Uploader
	switch cfg.Publish.Backend {
	case config.PublishBackendS3:
		prov, err := s3.New(ctx, s3.Config{
			Bucket:         cfg.Publish.S3.Bucket,
			Region:         cfg.Publish.S3.Region,
			Endpoint:       cfg.Publish.S3.Endpoint,
			Profile:        cfg.Publish.S3.Profile,
			ForcePathStyle: cfg.Publish.S3.Endpoint != "",
		})
		if err != nil {
			return nil, fmt.Errorf("s3 publisher: %w", err)
		}
		up = publish.NewObjectUploader(prov, cfg.Publish.S3.Prefix, logger)
	case config.PublishBackendFile:
		prov, err := file.New(file.Config{BaseDir: cfg.Publish.Dir})
		if err != nil {
			return nil, fmt.Errorf("file publisher: %w", err)
		}
		up = publish.NewObjectUploader(prov, "", logger)
	default:
		up = publish.NewHubUploader(
			publish.WithEndpoint(cfg.Publish.Endpoint),
			publish.WithTimeout(config.DurationOrDefault(cfg.Publish.Timeout, defaultPublishTimeout)),
			publish.WithLogger(logger),
		)
	}
	return publish.New(up, tmpl, logger), nil
}
