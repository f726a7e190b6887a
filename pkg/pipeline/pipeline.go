// Package pipeline sequences one LoRA training run: workspace reset, asset
// acquisition, dataset preparation, captioning, training, packaging and the
// optional publication step.
//
// A Pipeline is built from explicit Config and Deps values and holds no
// package-level state, so independent instances never interfere.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/loraforge/pkg/captioner"
	"github.com/3leaps/loraforge/pkg/request"
	"github.com/3leaps/loraforge/pkg/trainer"
	"github.com/3leaps/loraforge/pkg/trainjob"
)

// State is a pipeline state. Values are persisted in run records.
type State string

const (
	StateInit             State = "init"
	StateReset            State = "reset"
	StateShortcutDownload State = "shortcut_download"
	StateAcquireWeights   State = "acquire_weights"
	StateExtract          State = "extract"
	StateCaption          State = "caption"
	StateConfigure        State = "configure"
	StateTrain            State = "train"
	StatePackage          State = "package"
	StatePublish          State = "publish"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Default shortcut recognition.
const (
	DefaultShortcutHostPrefix = "https://huggingface.co"
	DefaultShortcutSuffix     = ".safetensors"
	DefaultArchivePath        = "/tmp/trained_model.tar"
)

// Config holds the fixed locations and knobs of a pipeline.
type Config struct {
	InputDir    string
	OutputDir   string
	ArchivePath string

	ShortcutHostPrefix string
	ShortcutSuffix     string

	// Job carries the environment-fixed training options. TrainingFolder and
	// DatasetFolder default to OutputDir and InputDir.
	Job trainjob.Options
}

// Workspace resets the staging directories.
type Workspace interface {
	Reset() error
}

// Acquirer fetches base weights and pretrained adapters.
type Acquirer interface {
	EnsureBaseWeights(ctx context.Context) error
	FetchPretrainedAdapter(ctx context.Context, url string) (string, error)
	AdapterDir() string
}

// Extractor unpacks a zip training bundle.
type Extractor interface {
	CheckFormat(archivePath string) error
	Extract(archivePath, destDir string) (int, error)
}

// Packager turns a trainer output directory into the run artifact.
type Packager interface {
	Package(ctx context.Context, jobDir, archivePath string) (string, error)
	PackageDir(ctx context.Context, dir, archivePath string) (string, error)
}

// Publisher uploads a packaged directory to a model registry.
type Publisher interface {
	Publish(ctx context.Context, dir, repoID, triggerWord, token string) error
}

// Deps are the collaborators a Pipeline drives. Captioner and Publisher may
// be nil; a run that needs them then fails (captioning) or records a
// publication error (publishing).
type Deps struct {
	Workspace Workspace
	Assets    Acquirer
	Extractor Extractor
	Captioner captioner.Captioner
	Trainer   trainer.Executor
	Packager  Packager
	Publisher Publisher

	Observer Observer
	Logger   *zap.Logger

	// NewRunID defaults to a random UUID.
	NewRunID func() string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result is the outcome of a run. It is returned even when the run fails so
// callers can report the run id.
type Result struct {
	RunID       string
	ArchivePath string
	Shortcut    bool
	Published   bool

	// PublishError is set when publication was attempted and failed. The run
	// still succeeds.
	PublishError string

	// Files is the number of extracted dataset files.
	Files    int
	Duration time.Duration
}

// Pipeline runs training requests.
type Pipeline struct {
	cfg  Config
	deps Deps
}

// New validates cfg and deps and returns a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if cfg.InputDir == "" || cfg.OutputDir == "" {
		return nil, fmt.Errorf("pipeline: input and output dirs are required")
	}
	if cfg.ArchivePath == "" {
		cfg.ArchivePath = DefaultArchivePath
	}
	if cfg.ShortcutHostPrefix == "" {
		cfg.ShortcutHostPrefix = DefaultShortcutHostPrefix
	}
	if cfg.ShortcutSuffix == "" {
		cfg.ShortcutSuffix = DefaultShortcutSuffix
	}
	if cfg.Job.TrainingFolder == "" {
		cfg.Job.TrainingFolder = cfg.OutputDir
	}
	if cfg.Job.DatasetFolder == "" {
		cfg.Job.DatasetFolder = cfg.InputDir
	}

	switch {
	case deps.Workspace == nil:
		return nil, fmt.Errorf("%w: workspace", ErrMissingDependency)
	case deps.Assets == nil:
		return nil, fmt.Errorf("%w: assets", ErrMissingDependency)
	case deps.Extractor == nil:
		return nil, fmt.Errorf("%w: extractor", ErrMissingDependency)
	case deps.Trainer == nil:
		return nil, fmt.Errorf("%w: trainer", ErrMissingDependency)
	case deps.Packager == nil:
		return nil, fmt.Errorf("%w: packager", ErrMissingDependency)
	}

	if deps.Observer == nil {
		deps.Observer = Observers(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.NewRunID == nil {
		deps.NewRunID = func() string { return uuid.New().String() }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Run executes one request to completion or failure.
func (p *Pipeline) Run(ctx context.Context, req request.Request) (*Result, error) {
	now := p.deps.Now()
	r := &run{
		p:       p,
		res:     &Result{RunID: p.deps.NewRunID()},
		state:   StateInit,
		start:   now,
		entered: now,
		logger:  p.deps.Logger,
	}
	r.logger = r.logger.With(zap.String("run_id", r.res.RunID))
	r.enter(ctx, StateInit, map[string]any{"input": req.Input})

	err := r.execute(ctx, req)
	if err != nil {
		r.logger.Error("Run failed", zap.String("stage", string(r.state)), zap.Error(err))
		r.enter(ctx, StateFailed, map[string]any{"error": err.Error()})
	} else {
		r.enter(ctx, StateDone, map[string]any{"archive": r.res.ArchivePath})
	}
	r.res.Duration = p.deps.Now().Sub(r.start)

	if oerr := p.deps.Observer.RunFinished(ctx, r.res, err); oerr != nil {
		r.logger.Warn("Observer failed", zap.Error(oerr))
	}
	return r.res, err
}

// run is the mutable state of one Run call.
type run struct {
	p       *Pipeline
	res     *Result
	state   State
	start   time.Time
	entered time.Time
	logger  *zap.Logger
}

func (r *run) enter(ctx context.Context, to State, detail map[string]any) {
	now := r.p.deps.Now()
	ev := StageEvent{
		RunID:   r.res.RunID,
		From:    r.state,
		To:      to,
		At:      now,
		Elapsed: now.Sub(r.entered),
		Detail:  detail,
	}
	if to == StateInit {
		ev.From = ""
		ev.Elapsed = 0
	}
	r.state = to
	r.entered = now

	r.logger.Info("Entering stage", zap.String("stage", string(to)), zap.Duration("previous_elapsed", ev.Elapsed))
	if err := r.p.deps.Observer.StageEntered(ctx, ev); err != nil {
		r.logger.Warn("Observer failed", zap.Error(err))
	}
}

// fail wraps err with the current state.
func (r *run) fail(err error) error {
	return &StageError{Stage: r.state, Err: err}
}

func (r *run) execute(ctx context.Context, req request.Request) error {
	cfg := r.p.cfg
	deps := r.p.deps

	if err := req.Validate(); err != nil {
		return r.fail(err)
	}
	shortcut := req.IsShortcut(cfg.ShortcutHostPrefix, cfg.ShortcutSuffix)
	if !shortcut {
		if err := deps.Extractor.CheckFormat(req.Input); err != nil {
			return r.fail(err)
		}
	}

	r.enter(ctx, StateReset, nil)
	if err := deps.Workspace.Reset(); err != nil {
		return r.fail(err)
	}

	if shortcut {
		return r.shortcut(ctx, req)
	}
	return r.train(ctx, req)
}

func (r *run) shortcut(ctx context.Context, req request.Request) error {
	deps := r.p.deps
	r.res.Shortcut = true

	r.enter(ctx, StateShortcutDownload, map[string]any{"url": req.Input})
	path, err := deps.Assets.FetchPretrainedAdapter(ctx, req.Input)
	if err != nil {
		return r.fail(err)
	}
	r.logger.Info("Fetched pretrained adapter", zap.String("path", path))

	r.enter(ctx, StatePackage, nil)
	archivePath, err := deps.Packager.PackageDir(ctx, deps.Assets.AdapterDir(), r.p.cfg.ArchivePath)
	if err != nil {
		return r.fail(err)
	}
	r.res.ArchivePath = archivePath
	return nil
}

func (r *run) train(ctx context.Context, req request.Request) error {
	cfg := r.p.cfg
	deps := r.p.deps

	r.enter(ctx, StateAcquireWeights, nil)
	if err := deps.Assets.EnsureBaseWeights(ctx); err != nil {
		return r.fail(err)
	}

	r.enter(ctx, StateExtract, map[string]any{"archive": req.Input})
	n, err := deps.Extractor.Extract(req.Input, cfg.InputDir)
	if err != nil {
		return r.fail(err)
	}
	r.res.Files = n

	r.enter(ctx, StateCaption, map[string]any{"files": n, "autocaption": req.Autocaption})
	if err := r.caption(ctx, req); err != nil {
		return r.fail(err)
	}

	r.enter(ctx, StateConfigure, nil)
	job := trainjob.Build(req, cfg.Job)

	r.enter(ctx, StateTrain, map[string]any{"job": job.Config.Name, "steps": req.Steps})
	if err := deps.Trainer.Run(ctx, job); err != nil {
		if cerr := deps.Trainer.Cleanup(); cerr != nil {
			r.logger.Warn("Trainer cleanup failed", zap.Error(cerr))
		}
		if !errors.Is(err, ErrTraining) {
			err = fmt.Errorf("%w: %w", ErrTraining, err)
		}
		return r.fail(err)
	}
	if err := deps.Trainer.Cleanup(); err != nil {
		r.logger.Warn("Trainer cleanup failed", zap.Error(err))
	}

	r.enter(ctx, StatePackage, map[string]any{"dir": job.OutputDir()})
	archivePath, err := deps.Packager.Package(ctx, job.OutputDir(), cfg.ArchivePath)
	if err != nil {
		return r.fail(err)
	}
	r.res.ArchivePath = archivePath

	if req.WantsPublish() {
		r.enter(ctx, StatePublish, map[string]any{"repo": req.RepoID})
		r.publish(ctx, req, job.OutputDir())
	}
	return nil
}

// caption runs the captioner only when autocaptioning is requested and some
// image lacks a caption. A configured captioner is always released before
// returning.
func (r *run) caption(ctx context.Context, req request.Request) (err error) {
	dir := r.p.cfg.InputDir
	c := r.p.deps.Captioner

	if c != nil {
		defer func() {
			if rerr := c.Release(); rerr != nil {
				r.logger.Warn("Captioner release failed", zap.Error(rerr))
				if err == nil {
					err = fmt.Errorf("%w: release: %w", captioner.ErrCaptioning, rerr)
				}
			}
		}()
	}

	if !req.Autocaption {
		r.logger.Debug("Autocaption disabled")
		return nil
	}

	var done bool
	if c != nil {
		done, err = c.AllImagesCaptioned(dir)
	} else {
		done, err = captioner.AllImagesCaptioned(dir)
	}
	if err != nil {
		return err
	}
	if done {
		r.logger.Info("All images already captioned")
		return nil
	}
	if c == nil {
		return fmt.Errorf("%w: captioner", ErrMissingDependency)
	}

	if err := c.LoadModels(ctx); err != nil {
		return err
	}
	return c.CaptionImages(ctx, dir, req.AutocaptionPrefix, req.AutocaptionSuffix)
}

// publish never fails the run; errors land in Result.PublishError.
func (r *run) publish(ctx context.Context, req request.Request, dir string) {
	pub := r.p.deps.Publisher
	if pub == nil {
		err := fmt.Errorf("%w: %w: publisher", ErrPublication, ErrMissingDependency)
		r.res.PublishError = err.Error()
		r.logger.Warn("Publication skipped", zap.Error(err))
		return
	}
	if err := pub.Publish(ctx, dir, req.RepoID, req.TriggerWord, req.Token); err != nil {
		r.res.PublishError = err.Error()
		r.logger.Warn("Publication failed; keeping packaged artifact",
			zap.String("repo", req.RepoID),
			zap.String("archive", r.res.ArchivePath),
			zap.Error(err))
		return
	}
	r.res.Published = true
	r.logger.Info("Published adapter", zap.String("repo", req.RepoID))
}
