package request

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	r := Default()
	assert.Equal(t, "TOK", r.TriggerWord)
	assert.True(t, r.Autocaption)
	assert.Equal(t, 1000, r.Steps)
	assert.Equal(t, 4e-4, r.LearningRate)
	assert.Equal(t, 1, r.BatchSize)
	assert.Empty(t, r.Input)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Input = "images.zip"

	tests := []struct {
		name      string
		mutate    func(r *Request)
		wantField string
	}{
		{name: "valid", mutate: func(r *Request) {}},
		{name: "min steps", mutate: func(r *Request) { r.Steps = 10 }},
		{name: "max steps", mutate: func(r *Request) { r.Steps = 4000 }},
		{name: "missing input", mutate: func(r *Request) { r.Input = " " }, wantField: "input"},
		{name: "too few steps", mutate: func(r *Request) { r.Steps = 9 }, wantField: "steps"},
		{name: "too many steps", mutate: func(r *Request) { r.Steps = 4001 }, wantField: "steps"},
		{name: "zero learning rate", mutate: func(r *Request) { r.LearningRate = 0 }, wantField: "learning_rate"},
		{name: "negative learning rate", mutate: func(r *Request) { r.LearningRate = -1e-4 }, wantField: "learning_rate"},
		{name: "zero batch", mutate: func(r *Request) { r.BatchSize = 0 }, wantField: "batch_size"},
		{name: "repo id", mutate: func(r *Request) { r.RepoID = "me/neon-city" }},
		{name: "repo id padded", mutate: func(r *Request) { r.RepoID = " me/neon-city " }},
		{name: "repo id without owner", mutate: func(r *Request) { r.RepoID = "neon-city" }, wantField: "hf_repo_id"},
		{name: "repo id empty owner", mutate: func(r *Request) { r.RepoID = "/neon-city" }, wantField: "hf_repo_id"},
		{name: "repo id nested", mutate: func(r *Request) { r.RepoID = "me/neon/city" }, wantField: "hf_repo_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidationFailed))
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.wantField, verrs[0].Field)
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	r := Request{}
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training request validation failed (4 problems):")
	for _, field := range []string{"input", "steps", "learning_rate", "batch_size"} {
		assert.Contains(t, err.Error(), "  - "+field)
	}
}

func TestIsShortcut(t *testing.T) {
	const host = "https://huggingface.co"
	const suffix = ".safetensors"

	tests := []struct {
		input string
		want  bool
	}{
		{"https://huggingface.co/x/y/resolve/main/adapter.safetensors", true},
		{"https://huggingface.co/x/y/resolve/main/adapter.safetensors?download=true", true},
		{"https://huggingface.co/x/y", false},
		{"https://example.com/adapter.safetensors", false},
		{"images.zip", false},
		{"/data/huggingface.co/adapter.safetensors", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, Request{Input: tt.input}.IsShortcut(host, suffix))
		})
	}

	assert.False(t, Request{Input: "https://huggingface.co/a.safetensors"}.IsShortcut("", suffix))
}

func TestWantsPublish(t *testing.T) {
	assert.False(t, Request{}.WantsPublish())
	assert.False(t, Request{RepoID: "user/repo"}.WantsPublish())
	assert.False(t, Request{Token: "hf_x"}.WantsPublish())
	assert.True(t, Request{RepoID: "user/repo", Token: "hf_x"}.WantsPublish())
}

func TestRedacted(t *testing.T) {
	r := Request{Input: "a.zip", Token: "hf_abcdefgh1234"}
	red := r.Redacted()
	assert.Equal(t, "****1234", red.Token)
	assert.Equal(t, "hf_abcdefgh1234", r.Token, "original must be untouched")

	assert.Empty(t, Request{}.Redacted().Token)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("abcd"))
	assert.Equal(t, "****bcde", MaskSecret("abcde"))
}

func TestLoadFromBytes_YAML(t *testing.T) {
	data := []byte(`
input: photos.zip
trigger_word: CYBRPNK
autocaption: false
steps: 1500
learning_rate: 0.0001
hf_repo_id: user/my-cool-lora
`)
	r, err := LoadFromBytes(data, "req.yaml")
	require.NoError(t, err)

	assert.Equal(t, "photos.zip", r.Input)
	assert.Equal(t, "CYBRPNK", r.TriggerWord)
	assert.False(t, r.Autocaption)
	assert.Equal(t, 1500, r.Steps)
	assert.Equal(t, 1e-4, r.LearningRate)
	assert.Equal(t, 1, r.BatchSize, "unset fields keep defaults")
	assert.Equal(t, "user/my-cool-lora", r.RepoID)
}

func TestLoadFromBytes_ExplicitEmptyTriggerWord(t *testing.T) {
	r, err := LoadFromBytes([]byte(`{"input": "a.zip", "trigger_word": ""}`), "req.json")
	require.NoError(t, err)
	assert.Equal(t, "", r.TriggerWord)
}

func TestLoadFromBytes_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		path    string
		wantErr string
	}{
		{name: "empty", data: "  \n", path: "r.yaml", wantErr: "empty"},
		{name: "invalid json", data: "{", path: "r.json", wantErr: "invalid JSON"},
		{name: "invalid yaml", data: "a: [", path: "r.yaml", wantErr: "invalid YAML"},
		{name: "scalar document", data: "just text", path: "r.yaml", wantErr: "mapping"},
		{name: "unknown field", data: "input: a.zip\nepochs: 3\n", path: "r.yaml"},
		{name: "steps out of range", data: "input: a.zip\nsteps: 5\n", path: "r.yaml"},
		{name: "wrong type", data: "input: a.zip\nbatch_size: two\n", path: "r.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.data), tt.path)
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "request.yml")
	require.NoError(t, os.WriteFile(path, []byte("input: in.zip\nbatch_size: 2\n"), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "in.zip", r.Input)
	assert.Equal(t, 2, r.BatchSize)
	assert.NoError(t, r.Validate())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
