package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/loraforge/pkg/archive"
	"github.com/3leaps/loraforge/pkg/captioner"
	"github.com/3leaps/loraforge/pkg/packager"
	"github.com/3leaps/loraforge/pkg/request"
	"github.com/3leaps/loraforge/pkg/trainjob"
	"github.com/3leaps/loraforge/pkg/workspace"
)

type fakeAssets struct {
	adapterDir string
	calls      []string
	weightsErr error
	adapterErr error
}

func (f *fakeAssets) EnsureBaseWeights(context.Context) error {
	f.calls = append(f.calls, "EnsureBaseWeights")
	return f.weightsErr
}

func (f *fakeAssets) FetchPretrainedAdapter(_ context.Context, url string) (string, error) {
	f.calls = append(f.calls, "FetchPretrainedAdapter")
	if f.adapterErr != nil {
		return "", f.adapterErr
	}
	path := filepath.Join(f.adapterDir, "lora.safetensors")
	if err := os.MkdirAll(f.adapterDir, 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, []byte("adapter:"+url), 0o644)
}

func (f *fakeAssets) AdapterDir() string { return f.adapterDir }

type fakeCaptioner struct {
	loads, captions, releases int
	prefix, suffix            string
	err                       error
}

func (f *fakeCaptioner) AllImagesCaptioned(dir string) (bool, error) {
	return captioner.AllImagesCaptioned(dir)
}

func (f *fakeCaptioner) LoadModels(context.Context) error {
	f.loads++
	return nil
}

func (f *fakeCaptioner) CaptionImages(_ context.Context, dir, prefix, suffix string) error {
	f.captions++
	f.prefix, f.suffix = prefix, suffix
	if f.err != nil {
		return f.err
	}
	images, err := captioner.Uncaptioned(dir)
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := os.WriteFile(captioner.CaptionPath(img), []byte(prefix+"a photo"+suffix), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeCaptioner) Release() error {
	f.releases++
	return nil
}

type fakeTrainer struct {
	job               *trainjob.Job
	configYAML        []byte
	captionedAtStart  bool
	imagesAtStart     int
	captionerReleased bool
	cleanups          int
	weightsName       string
	err               error

	capt *fakeCaptioner
}

func (f *fakeTrainer) Run(_ context.Context, job *trainjob.Job) error {
	f.job = job
	f.configYAML, _ = job.YAML()

	ds := job.Primary().Datasets[0].FolderPath
	f.captionedAtStart, _ = captioner.AllImagesCaptioned(ds)
	entries, _ := os.ReadDir(ds)
	for _, e := range entries {
		if captioner.IsImage(e.Name()) {
			f.imagesAtStart++
		}
	}
	if f.capt != nil {
		f.captionerReleased = f.capt.releases > 0
	}
	if f.err != nil {
		return f.err
	}

	out := job.OutputDir()
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	name := f.weightsName
	if name == "" {
		name = job.Config.Name + ".safetensors"
	}
	if err := os.WriteFile(filepath.Join(out, name), []byte("weights"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(out, "optimizer.pt"), []byte("opt"), 0o644)
}

func (f *fakeTrainer) Cleanup() error {
	f.cleanups++
	return nil
}

type fakePublisher struct {
	calls   int
	dir     string
	repoID  string
	trigger string
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, dir, repoID, triggerWord, _ string) error {
	f.calls++
	f.dir, f.repoID, f.trigger = dir, repoID, triggerWord
	return f.err
}

type recordingObserver struct {
	mu       sync.Mutex
	states   []State
	finished *Result
	runErr   error
}

func (o *recordingObserver) StageEntered(_ context.Context, ev StageEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, ev.To)
	return nil
}

func (o *recordingObserver) RunFinished(_ context.Context, res *Result, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished, o.runErr = res, err
	return nil
}

type harness struct {
	root      string
	cfg       Config
	assets    *fakeAssets
	captioner *fakeCaptioner
	trainer   *fakeTrainer
	publisher *fakePublisher
	observer  *recordingObserver
	pipeline  *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		root: root,
		cfg: Config{
			InputDir:    filepath.Join(root, "input_images"),
			OutputDir:   filepath.Join(root, "output"),
			ArchivePath: filepath.Join(root, "trained_model.tar"),
		},
		assets:    &fakeAssets{adapterDir: filepath.Join(root, "adapter")},
		captioner: &fakeCaptioner{},
		publisher: &fakePublisher{},
		observer:  &recordingObserver{},
	}
	h.trainer = &fakeTrainer{capt: h.captioner}
	h.build(t)
	return h
}

func (h *harness) build(t *testing.T) {
	t.Helper()
	ws, err := workspace.New(h.cfg.InputDir, h.cfg.OutputDir, nil)
	require.NoError(t, err)
	filter, err := archive.NewFilter(archive.DefaultSkipPatterns)
	require.NoError(t, err)

	var capt captioner.Captioner
	if h.captioner != nil {
		capt = h.captioner
	}
	var pub Publisher
	if h.publisher != nil {
		pub = h.publisher
	}

	h.pipeline, err = New(h.cfg, Deps{
		Workspace: ws,
		Assets:    h.assets,
		Extractor: archive.NewExtractor(filter, nil),
		Captioner: capt,
		Trainer:   h.trainer,
		Packager:  packager.New(archive.NewTarCreator(nil), nil),
		Publisher: pub,
		Observer:  h.observer,
		NewRunID:  func() string { return "run-1" },
	})
	require.NoError(t, err)
}

// writeBundle returns the number of files extraction keeps.
func writeBundle(t *testing.T, path string, images int, captions bool) int {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	add := func(name, body string) {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	for i := 0; i < images; i++ {
		add(fmt.Sprintf("img%d.jpg", i), "jpeg")
		if captions {
			add(fmt.Sprintf("img%d.txt", i), "caption")
		}
	}
	add("__MACOSX/._img0.jpg", "fork")
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	if captions {
		return images * 2
	}
	return images
}

func newRequest(input string) request.Request {
	r := request.Default()
	r.Input = input
	return r
}

func TestRun_AutocaptionsBeforeTraining(t *testing.T) {
	h := newHarness(t)
	bundle := filepath.Join(h.root, "photos.zip")
	writeBundle(t, bundle, 5, false)

	req := newRequest(bundle)
	req.AutocaptionPrefix = "a photo of TOK, "
	res, err := h.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, h.cfg.ArchivePath, res.ArchivePath)
	assert.FileExists(t, res.ArchivePath)
	assert.False(t, res.Shortcut)
	assert.Equal(t, 5, res.Files)

	assert.Equal(t, 1, h.captioner.loads)
	assert.Equal(t, 1, h.captioner.captions)
	assert.Equal(t, "a photo of TOK, ", h.captioner.prefix)
	assert.True(t, h.trainer.captionerReleased)
	assert.True(t, h.trainer.captionedAtStart)
	assert.Equal(t, 5, h.trainer.imagesAtStart)
	assert.Equal(t, 1, h.trainer.cleanups)

	proc := h.trainer.job.Primary()
	assert.Equal(t, "TOK", proc.TriggerWord)
	assert.Equal(t, h.cfg.InputDir, proc.Datasets[0].FolderPath)
	assert.Equal(t, 1000, proc.Train.Steps)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(h.trainer.configYAML, &doc))
	p0 := doc["config"].(map[string]any)["process"].([]any)[0].(map[string]any)
	assert.Equal(t, "TOK", p0["trigger_word"])

	want := []State{StateInit, StateReset, StateAcquireWeights, StateExtract, StateCaption, StateConfigure, StateTrain, StatePackage, StateDone}
	if diff := cmp.Diff(want, h.observer.states); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"EnsureBaseWeights"}, h.assets.calls)
	assert.Zero(t, h.publisher.calls)
}

func TestRun_NoTriggerSkipsCaptioner(t *testing.T) {
	h := newHarness(t)
	bundle := filepath.Join(h.root, "photos.zip")
	writeBundle(t, bundle, 3, false)

	req := newRequest(bundle)
	req.TriggerWord = ""
	req.Autocaption = false
	_, err := h.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Zero(t, h.captioner.loads)
	assert.Zero(t, h.captioner.captions)
	assert.Equal(t, 1, h.captioner.releases)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(h.trainer.configYAML, &doc))
	p0 := doc["config"].(map[string]any)["process"].([]any)[0].(map[string]any)
	assert.NotContains(t, p0, "trigger_word")
}

func TestRun_AlreadyCaptionedSkipsLoad(t *testing.T) {
	h := newHarness(t)
	bundle := filepath.Join(h.root, "photos.zip")
	writeBundle(t, bundle, 2, true)

	_, err := h.pipeline.Run(context.Background(), newRequest(bundle))
	require.NoError(t, err)
	assert.Zero(t, h.captioner.loads)
	assert.True(t, h.trainer.captionedAtStart)
}

func TestRun_ShortcutSkipsTraining(t *testing.T) {
	h := newHarness(t)
	url := "https://huggingface.co/x/y/resolve/main/adapter.safetensors"

	req := newRequest(url)
	req.RepoID, req.Token = "user/my-cool-lora", "hf_x"
	res, err := h.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Shortcut)
	assert.FileExists(t, res.ArchivePath)
	assert.Equal(t, []string{"FetchPretrainedAdapter"}, h.assets.calls)
	assert.Nil(t, h.trainer.job)
	assert.Zero(t, h.captioner.loads)
	assert.Zero(t, h.captioner.releases)
	assert.Zero(t, h.publisher.calls)
	assert.NoDirExists(t, h.cfg.InputDir)

	want := []State{StateInit, StateReset, StateShortcutDownload, StatePackage, StateDone}
	if diff := cmp.Diff(want, h.observer.states); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_PublicationFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = fmt.Errorf("%w: 401 unauthorized", ErrPublication)
	bundle := filepath.Join(h.root, "photos.zip")
	writeBundle(t, bundle, 1, true)

	req := newRequest(bundle)
	req.TriggerWord = "CYBRPNK"
	req.RepoID, req.Token = "user/my-cool-lora", "hf_x"
	res, err := h.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, h.cfg.ArchivePath, res.ArchivePath)
	assert.FileExists(t, res.ArchivePath)
	assert.False(t, res.Published)
	assert.Contains(t, res.PublishError, "401 unauthorized")
	assert.Equal(t, 1, h.publisher.calls)
	assert.Equal(t, "user/my-cool-lora", h.publisher.repoID)
	assert.Equal(t, "CYBRPNK", h.publisher.trigger)
	assert.Equal(t, filepath.Join(h.cfg.OutputDir, trainjob.DefaultJobName), h.publisher.dir)
	assert.Equal(t, StateDone, h.observer.states[len(h.observer.states)-1])
	assert.Contains(t, h.observer.states, StatePublish)
}

func TestRun_PublishesWhenRequested(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		bundle := filepath.Join(h.root, "photos.zip")
		writeBundle(t, bundle, 1, true)
		req := newRequest(bundle)
		req.RepoID, req.Token = "user/repo", "hf_x"

		res, err := h.pipeline.Run(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, res.Published)
		assert.Empty(t, res.PublishError)
	})

	t.Run("token missing", func(t *testing.T) {
		h := newHarness(t)
		bundle := filepath.Join(h.root, "photos.zip")
		writeBundle(t, bundle, 1, true)
		req := newRequest(bundle)
		req.RepoID = "user/repo"

		res, err := h.pipeline.Run(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, res.Published)
		assert.Zero(t, h.publisher.calls)
		assert.NotContains(t, h.observer.states, StatePublish)
	})

	t.Run("no publisher", func(t *testing.T) {
		h := newHarness(t)
		h.publisher = nil
		h.build(t)
		bundle := filepath.Join(h.root, "photos.zip")
		writeBundle(t, bundle, 1, true)
		req := newRequest(bundle)
		req.RepoID, req.Token = "user/repo", "hf_x"

		res, err := h.pipeline.Run(context.Background(), req)
		require.NoError(t, err)
		assert.Contains(t, res.PublishError, "not configured")
	})
}

func TestRun_PackagingNormalizesWeights(t *testing.T) {
	h := newHarness(t)
	h.trainer.weightsName = "flux_train_replicate_000001000.safetensors"
	bundle := filepath.Join(h.root, "photos.zip")
	writeBundle(t, bundle, 1, true)

	_, err := h.pipeline.Run(context.Background(), newRequest(bundle))
	require.NoError(t, err)

	jobDir := filepath.Join(h.cfg.OutputDir, trainjob.DefaultJobName)
	assert.FileExists(t, filepath.Join(jobDir, packager.WeightsName))
	assert.NoFileExists(t, filepath.Join(jobDir, packager.OptimizerName))
	assert.NoFileExists(t, filepath.Join(jobDir, h.trainer.weightsName))
}

func TestRun_Failures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		setup     func(h *harness, bundle string) request.Request
		wantIs    error
		wantStage State
		wantCode  string
	}{
		{
			name: "non-zip input",
			setup: func(h *harness, _ string) request.Request {
				p := filepath.Join(h.root, "photos.tar")
				_ = os.WriteFile(p, []byte("x"), 0o644)
				return newRequest(p)
			},
			wantIs:    ErrInvalidInputFormat,
			wantStage: StateInit,
			wantCode:  "INVALID_INPUT",
		},
		{
			name: "invalid steps",
			setup: func(_ *harness, bundle string) request.Request {
				r := newRequest(bundle)
				r.Steps = 5
				return r
			},
			wantIs:    request.ErrValidationFailed,
			wantStage: StateInit,
			wantCode:  "INVALID_INPUT",
		},
		{
			name: "weights download",
			setup: func(h *harness, bundle string) request.Request {
				h.assets.weightsErr = fmt.Errorf("%w: 503", ErrAcquisition)
				return newRequest(bundle)
			},
			wantIs:    ErrAcquisition,
			wantStage: StateAcquireWeights,
			wantCode:  "ACQUISITION",
		},
		{
			name: "captioning",
			setup: func(h *harness, bundle string) request.Request {
				h.captioner.err = boom
				return newRequest(bundle)
			},
			wantIs:    boom,
			wantStage: StateCaption,
			wantCode:  "CAPTIONING",
		},
		{
			name: "training",
			setup: func(h *harness, bundle string) request.Request {
				h.trainer.err = boom
				return newRequest(bundle)
			},
			wantIs:    ErrTraining,
			wantStage: StateTrain,
			wantCode:  "TRAINING",
		},
		{
			name: "shortcut download",
			setup: func(h *harness, _ string) request.Request {
				h.assets.adapterErr = fmt.Errorf("%w: 404", ErrAcquisition)
				return newRequest("https://huggingface.co/x/y/resolve/main/a.safetensors")
			},
			wantIs:    ErrAcquisition,
			wantStage: StateShortcutDownload,
			wantCode:  "ACQUISITION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			bundle := filepath.Join(h.root, "photos.zip")
			writeBundle(t, bundle, 2, false)

			res, err := h.pipeline.Run(context.Background(), tt.setup(h, bundle))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)
			assert.Equal(t, tt.wantStage, FailedStage(err))
			assert.Equal(t, tt.wantCode, ErrorCode(err))

			require.NotNil(t, res)
			assert.Equal(t, "run-1", res.RunID)
			assert.Empty(t, res.ArchivePath)
			assert.NoFileExists(t, h.cfg.ArchivePath)
			assert.Equal(t, StateFailed, h.observer.states[len(h.observer.states)-1])
			assert.Equal(t, err, h.observer.runErr)
		})
	}
}

func TestRun_TrainingFailureStillCleansUp(t *testing.T) {
	h := newHarness(t)
	h.trainer.err = errors.New("cuda out of memory")
	bundle := filepath.Join(h.root, "photos.zip")
	writeBundle(t, bundle, 1, true)

	_, err := h.pipeline.Run(context.Background(), newRequest(bundle))
	require.Error(t, err)
	assert.Equal(t, 1, h.trainer.cleanups)
	assert.Contains(t, err.Error(), "cuda out of memory")
}

func TestRun_ResetClearsStaleState(t *testing.T) {
	h := newHarness(t)
	stale := filepath.Join(h.cfg.InputDir, "stale.jpg")
	require.NoError(t, os.MkdirAll(h.cfg.InputDir, 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	bundle := filepath.Join(h.root, "photos.zip")
	want := writeBundle(t, bundle, 1, true)
	res, err := h.pipeline.Run(context.Background(), newRequest(bundle))
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Equal(t, want, res.Files)
	assert.Equal(t, 2, res.Files)
}

func TestRun_MissingCaptioner(t *testing.T) {
	h := newHarness(t)
	h.captioner = nil
	h.trainer.capt = nil
	h.build(t)
	bundle := filepath.Join(h.root, "photos.zip")
	writeBundle(t, bundle, 1, false)

	_, err := h.pipeline.Run(context.Background(), newRequest(bundle))
	assert.ErrorIs(t, err, ErrMissingDependency)
	assert.Equal(t, StateCaption, FailedStage(err))
}

func TestRun_IndependentInstances(t *testing.T) {
	a, b := newHarness(t), newHarness(t)
	bundleA := filepath.Join(a.root, "a.zip")
	bundleB := filepath.Join(b.root, "b.zip")
	wantA := writeBundle(t, bundleA, 2, true)
	wantB := writeBundle(t, bundleB, 3, true)

	var wg sync.WaitGroup
	var resA, resB *Result
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); resA, errA = a.pipeline.Run(context.Background(), newRequest(bundleA)) }()
	go func() { defer wg.Done(); resB, errB = b.pipeline.Run(context.Background(), newRequest(bundleB)) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, wantA, resA.Files)
	assert.Equal(t, wantB, resB.Files)
	assert.NotEqual(t, resA.ArchivePath, resB.ArchivePath)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)

	_, err = New(Config{InputDir: "in", OutputDir: "out"}, Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestNew_Defaults(t *testing.T) {
	h := newHarness(t)
	cfg := h.pipeline.Config()
	assert.Equal(t, DefaultShortcutHostPrefix, cfg.ShortcutHostPrefix)
	assert.Equal(t, DefaultShortcutSuffix, cfg.ShortcutSuffix)
	assert.Equal(t, h.cfg.OutputDir, cfg.Job.TrainingFolder)
	assert.Equal(t, h.cfg.InputDir, cfg.Job.DatasetFolder)
}

func TestRun_Timings(t *testing.T) {
	h := newHarness(t)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var events []StageEvent
	obs := observerFunc(func(ev StageEvent) { events = append(events, ev) })

	ws, err := workspace.New(h.cfg.InputDir, h.cfg.OutputDir, nil)
	require.NoError(t, err)
	p, err := New(h.cfg, Deps{
		Workspace: ws,
		Assets:    h.assets,
		Extractor: archive.NewExtractor(nil, nil),
		Trainer:   h.trainer,
		Packager:  packager.New(archive.NewTarCreator(nil), nil),
		Observer:  obs,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)

	res, err := p.Run(context.Background(), newRequest("https://huggingface.co/x/y/resolve/main/a.safetensors"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Positive(t, res.Duration)

	require.NotEmpty(t, events)
	assert.Zero(t, events[0].Elapsed)
	assert.Empty(t, events[0].From)
	for _, ev := range events[1:] {
		assert.Equal(t, time.Second, ev.Elapsed, ev.To)
		assert.Equal(t, res.RunID, ev.RunID)
	}
}

type observerFunc func(StageEvent)

func (f observerFunc) StageEntered(_ context.Context, ev StageEvent) error {
	f(ev)
	return nil
}

func (f observerFunc) RunFinished(context.Context, *Result, error) error { return nil }
