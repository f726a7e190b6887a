// Package trainjob builds the training job document consumed by the
// external LoRA trainer.
//
// Build is a pure function of the request and the environment options; the
// document is rendered to YAML only when the trainer needs it on disk.
package trainjob

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/loraforge/pkg/request"
)

// Fixed training parameters. None of these are user-overridable.
const (
	JobKind         = "extension"
	ProcessType     = "sd_trainer"
	NetworkType     = "lora"
	NetworkRank     = 16
	NetworkAlpha    = 16
	SaveDType       = "float16"
	CaptionExt      = "filename"
	CaptionDropout  = 0.05
	NoiseScheduler  = "flowmatch"
	Optimizer       = "adamw8bit"
	TrainDType      = "bf16"
	EMADecay        = 0.99
	SampleSize      = 1024
	SampleSeed      = 42
	GuidanceScale   = 4
	SampleSteps     = 20
	ContentOrStyle  = "balanced"
	MetaName        = "[name]"
	MetaVersion     = "1.0"
	MaxSavesToKeep  = 1
	GradAccumulate  = 1
	DefaultJobName  = "flux_train_replicate"
	DefaultDevice   = "cuda:0"
	DefaultWeights  = "./FLUX.1-dev"
	DefaultDataset  = "input_images"
	DefaultTraining = "output"
)

// Resolutions is the dataset bucket ladder.
var Resolutions = []int{512, 768, 1024}

// Options carries the values fixed by the environment rather than the user.
type Options struct {
	JobName        string
	TrainingFolder string
	DatasetFolder  string
	ModelPath      string
	Device         string
}

// DefaultOptions returns the stock layout.
func DefaultOptions() Options {
	return Options{
		JobName:        DefaultJobName,
		TrainingFolder: DefaultTraining,
		DatasetFolder:  DefaultDataset,
		ModelPath:      DefaultWeights,
		Device:         DefaultDevice,
	}
}

// Job is the root training document.
type Job struct {
	Job    string `yaml:"job"`
	Config Config `yaml:"config"`
	Meta   Meta   `yaml:"meta"`
}

// Config names the job and lists its processes.
type Config struct {
	Name    string    `yaml:"name"`
	Process []Process `yaml:"process"`
}

// Process describes one trainer process.
type Process struct {
	Type           string    `yaml:"type"`
	TrainingFolder string    `yaml:"training_folder"`
	Device         string    `yaml:"device"`
	TriggerWord    string    `yaml:"trigger_word,omitempty"`
	Network        Network   `yaml:"network"`
	Save           Save      `yaml:"save"`
	Datasets       []Dataset `yaml:"datasets"`
	Train          Train     `yaml:"train"`
	Model          Model     `yaml:"model"`
	Sample         Sample    `yaml:"sample"`
}

// Network is the adapter shape.
type Network struct {
	Type        string `yaml:"type"`
	Linear      int    `yaml:"linear"`
	LinearAlpha int    `yaml:"linear_alpha"`
}

// Save controls checkpointing. SaveEvery is steps+1 so only the final
// weights are written.
type Save struct {
	DType              string `yaml:"dtype"`
	SaveEvery          int    `yaml:"save_every"`
	MaxStepSavesToKeep int    `yaml:"max_step_saves_to_keep"`
}

// Dataset points the trainer at the staged images.
type Dataset struct {
	FolderPath         string  `yaml:"folder_path"`
	CaptionExt         string  `yaml:"caption_ext"`
	CaptionDropoutRate float64 `yaml:"caption_dropout_rate"`
	ShuffleTokens      bool    `yaml:"shuffle_tokens"`
	CacheLatentsToDisk bool    `yaml:"cache_latents_to_disk"`
	Resolution         []int   `yaml:"resolution"`
}

// Train holds optimizer and schedule settings.
type Train struct {
	BatchSize                 int       `yaml:"batch_size"`
	Steps                     int       `yaml:"steps"`
	GradientAccumulationSteps int       `yaml:"gradient_accumulation_steps"`
	TrainUnet                 bool      `yaml:"train_unet"`
	TrainTextEncoder          bool      `yaml:"train_text_encoder"`
	ContentOrStyle            string    `yaml:"content_or_style"`
	GradientCheckpointing     bool      `yaml:"gradient_checkpointing"`
	NoiseScheduler            string    `yaml:"noise_scheduler"`
	Optimizer                 string    `yaml:"optimizer"`
	LR                        float64   `yaml:"lr"`
	EMA                       EMAConfig `yaml:"ema_config"`
	DType                     string    `yaml:"dtype"`
}

// EMAConfig controls exponential moving average of weights.
type EMAConfig struct {
	UseEMA   bool    `yaml:"use_ema"`
	EMADecay float64 `yaml:"ema_decay"`
}

// Model points at the base weights.
type Model struct {
	NameOrPath string `yaml:"name_or_path"`
	IsFlux     bool   `yaml:"is_flux"`
	Quantize   bool   `yaml:"quantize"`
}

// Sample controls preview generation. SampleEvery is steps+1 so no preview
// fires mid-run.
type Sample struct {
	Sampler       string   `yaml:"sampler"`
	SampleEvery   int      `yaml:"sample_every"`
	Width         int      `yaml:"width"`
	Height        int      `yaml:"height"`
	Prompts       []string `yaml:"prompts"`
	Neg           string   `yaml:"neg"`
	Seed          int      `yaml:"seed"`
	WalkSeed      bool     `yaml:"walk_seed"`
	GuidanceScale float64  `yaml:"guidance_scale"`
	SampleSteps   int      `yaml:"sample_steps"`
}

// Meta is copied verbatim into the trainer output.
type Meta struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Build returns the training job for req. Empty Options fields fall back to
// DefaultOptions.
func Build(req request.Request, opts Options) *Job {
	opts = opts.withDefaults()

	return &Job{
		Job: JobKind,
		Config: Config{
			Name: opts.JobName,
			Process: []Process{{
				Type:           ProcessType,
				TrainingFolder: opts.TrainingFolder,
				Device:         opts.Device,
				TriggerWord:    req.TriggerWord,
				Network: Network{
					Type:        NetworkType,
					Linear:      NetworkRank,
					LinearAlpha: NetworkAlpha,
				},
				Save: Save{
					DType:              SaveDType,
					SaveEvery:          req.Steps + 1,
					MaxStepSavesToKeep: MaxSavesToKeep,
				},
				Datasets: []Dataset{{
					FolderPath:         opts.DatasetFolder,
					CaptionExt:         CaptionExt,
					CaptionDropoutRate: CaptionDropout,
					ShuffleTokens:      false,
					CacheLatentsToDisk: true,
					Resolution:         append([]int(nil), Resolutions...),
				}},
				Train: Train{
					BatchSize:                 req.BatchSize,
					Steps:                     req.Steps,
					GradientAccumulationSteps: GradAccumulate,
					TrainUnet:                 true,
					TrainTextEncoder:          false,
					ContentOrStyle:            ContentOrStyle,
					GradientCheckpointing:     true,
					NoiseScheduler:            NoiseScheduler,
					Optimizer:                 Optimizer,
					LR:                        req.LearningRate,
					EMA:                       EMAConfig{UseEMA: true, EMADecay: EMADecay},
					DType:                     TrainDType,
				},
				Model: Model{
					NameOrPath: opts.ModelPath,
					IsFlux:     true,
					Quantize:   true,
				},
				Sample: Sample{
					Sampler:       NoiseScheduler,
					SampleEvery:   req.Steps + 1,
					Width:         SampleSize,
					Height:        SampleSize,
					Prompts:       []string{},
					Neg:           "",
					Seed:          SampleSeed,
					WalkSeed:      true,
					GuidanceScale: GuidanceScale,
					SampleSteps:   SampleSteps,
				},
			}},
		},
		Meta: Meta{Name: MetaName, Version: MetaVersion},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.JobName == "" {
		o.JobName = d.JobName
	}
	if o.TrainingFolder == "" {
		o.TrainingFolder = d.TrainingFolder
	}
	if o.DatasetFolder == "" {
		o.DatasetFolder = d.DatasetFolder
	}
	if o.ModelPath == "" {
		o.ModelPath = d.ModelPath
	}
	if o.Device == "" {
		o.Device = d.Device
	}
	return o
}

// Primary returns the single trainer process.
func (j *Job) Primary() *Process {
	if j == nil || len(j.Config.Process) == 0 {
		return nil
	}
	return &j.Config.Process[0]
}

// OutputDir is where the trainer writes this job's artifacts.
func (j *Job) OutputDir() string {
	p := j.Primary()
	if p == nil {
		return ""
	}
	return filepath.Join(p.TrainingFolder, j.Config.Name)
}

// YAML renders the job with two-space indentation.
func (j *Job) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(j); err != nil {
		return nil, fmt.Errorf("encode training job: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode training job: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile renders the job to path.
func (j *Job) WriteFile(path string) error {
	data, err := j.YAML()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
