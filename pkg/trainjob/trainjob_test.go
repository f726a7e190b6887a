package trainjob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/loraforge/pkg/request"
)

func TestBuild_Defaults(t *testing.T) {
	req := request.Default()
	req.Input = "photos.zip"

	job := Build(req, Options{})
	require.NotNil(t, job)

	assert.Equal(t, "extension", job.Job)
	assert.Equal(t, "flux_train_replicate", job.Config.Name)
	assert.Equal(t, Meta{Name: "[name]", Version: "1.0"}, job.Meta)

	p := job.Primary()
	require.NotNil(t, p)
	assert.Equal(t, "sd_trainer", p.Type)
	assert.Equal(t, "output", p.TrainingFolder)
	assert.Equal(t, "cuda:0", p.Device)
	assert.Equal(t, "TOK", p.TriggerWord)
	assert.Equal(t, Network{Type: "lora", Linear: 16, LinearAlpha: 16}, p.Network)
	assert.Equal(t, Save{DType: "float16", SaveEvery: 1001, MaxStepSavesToKeep: 1}, p.Save)

	require.Len(t, p.Datasets, 1)
	ds := p.Datasets[0]
	assert.Equal(t, "input_images", ds.FolderPath)
	assert.Equal(t, []int{512, 768, 1024}, ds.Resolution)
	assert.InDelta(t, 0.05, ds.CaptionDropoutRate, 1e-9)
	assert.True(t, ds.CacheLatentsToDisk)
	assert.False(t, ds.ShuffleTokens)

	assert.Equal(t, 1000, p.Train.Steps)
	assert.Equal(t, 1, p.Train.BatchSize)
	assert.InDelta(t, 4e-4, p.Train.LR, 1e-12)
	assert.Equal(t, EMAConfig{UseEMA: true, EMADecay: 0.99}, p.Train.EMA)
	assert.Equal(t, "adamw8bit", p.Train.Optimizer)
	assert.Equal(t, "bf16", p.Train.DType)

	assert.Equal(t, Model{NameOrPath: "./FLUX.1-dev", IsFlux: true, Quantize: true}, p.Model)
	assert.Equal(t, 1001, p.Sample.SampleEvery)
	assert.Equal(t, "flowmatch", p.Sample.Sampler)
	assert.Equal(t, 42, p.Sample.Seed)
	assert.Empty(t, p.Sample.Prompts)

	assert.Equal(t, filepath.Join("output", "flux_train_replicate"), job.OutputDir())
}

func TestBuild_PreviewAndSaveCadence(t *testing.T) {
	for _, steps := range []int{10, 999, 4000} {
		req := request.Default()
		req.Steps = steps
		p := Build(req, Options{}).Primary()
		assert.Equal(t, steps+1, p.Save.SaveEvery)
		assert.Equal(t, steps+1, p.Sample.SampleEvery)
		assert.Greater(t, p.Sample.SampleEvery, p.Train.Steps)
	}
}

func TestBuild_Options(t *testing.T) {
	job := Build(request.Default(), Options{
		JobName:        "custom",
		TrainingFolder: "/work/out",
		DatasetFolder:  "/work/in",
		ModelPath:      "/models/flux",
		Device:         "cuda:1",
	})
	p := job.Primary()
	assert.Equal(t, "custom", job.Config.Name)
	assert.Equal(t, "/work/out", p.TrainingFolder)
	assert.Equal(t, "/work/in", p.Datasets[0].FolderPath)
	assert.Equal(t, "/models/flux", p.Model.NameOrPath)
	assert.Equal(t, "cuda:1", p.Device)
	assert.Equal(t, filepath.Join("/work/out", "custom"), job.OutputDir())
}

func TestBuild_IsPure(t *testing.T) {
	req := request.Default()
	req.TriggerWord = "CYBRPNK"
	req.Steps = 1500

	a := Build(req, Options{})
	b := Build(req, Options{})
	assert.Equal(t, a, b)

	// Mutating one result must not leak into the next.
	a.Primary().Datasets[0].Resolution[0] = 1
	c := Build(req, Options{})
	assert.Equal(t, 512, c.Primary().Datasets[0].Resolution[0])
	assert.Equal(t, []int{512, 768, 1024}, Resolutions)
}

func TestYAML_TriggerWordOmission(t *testing.T) {
	tests := []struct {
		name    string
		trigger string
		present bool
	}{
		{name: "empty trigger word", trigger: "", present: false},
		{name: "default trigger word", trigger: "TOK", present: true},
		{name: "custom trigger word", trigger: "CYBRPNK", present: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request.Default()
			req.TriggerWord = tt.trigger

			data, err := Build(req, Options{}).YAML()
			require.NoError(t, err)

			var doc struct {
				Config struct {
					Process []map[string]any `yaml:"process"`
				} `yaml:"config"`
			}
			require.NoError(t, yaml.Unmarshal(data, &doc))
			require.Len(t, doc.Config.Process, 1)

			v, ok := doc.Config.Process[0]["trigger_word"]
			assert.Equal(t, tt.present, ok)
			if tt.present {
				assert.Equal(t, tt.trigger, v)
			}
		})
	}
}

func TestYAML_KeyOrder(t *testing.T) {
	data, err := Build(request.Default(), Options{}).YAML()
	require.NoError(t, err)

	var root yaml.Node
	require.NoError(t, yaml.Unmarshal(data, &root))
	top := root.Content[0]
	var keys []string
	for i := 0; i < len(top.Content); i += 2 {
		keys = append(keys, top.Content[i].Value)
	}
	assert.Equal(t, []string{"job", "config", "meta"}, keys)
	assert.Contains(t, string(data), "  name: flux_train_replicate\n")
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "job.yaml")
	require.NoError(t, Build(request.Default(), Options{}).WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "job: extension")
}
