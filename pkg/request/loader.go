package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk form of a request. Pointer fields distinguish
// "absent" from an explicit zero value such as an empty trigger word.
type File struct {
	Input             *string  `yaml:"input" json:"input,omitempty"`
	TriggerWord       *string  `yaml:"trigger_word" json:"trigger_word,omitempty"`
	Autocaption       *bool    `yaml:"autocaption" json:"autocaption,omitempty"`
	AutocaptionPrefix *string  `yaml:"autocaption_prefix" json:"autocaption_prefix,omitempty"`
	AutocaptionSuffix *string  `yaml:"autocaption_suffix" json:"autocaption_suffix,omitempty"`
	Steps             *int     `yaml:"steps" json:"steps,omitempty"`
	LearningRate      *float64 `yaml:"learning_rate" json:"learning_rate,omitempty"`
	BatchSize         *int     `yaml:"batch_size" json:"batch_size,omitempty"`
	RepoID            *string  `yaml:"hf_repo_id" json:"hf_repo_id,omitempty"`
	Token             *string  `yaml:"hf_token" json:"hf_token,omitempty"`
}

// ApplyTo copies every present field onto r.
func (f *File) ApplyTo(r *Request) {
	if f.Input != nil {
		r.Input = *f.Input
	}
	if f.TriggerWord != nil {
		r.TriggerWord = *f.TriggerWord
	}
	if f.Autocaption != nil {
		r.Autocaption = *f.Autocaption
	}
	if f.AutocaptionPrefix != nil {
		r.AutocaptionPrefix = *f.AutocaptionPrefix
	}
	if f.AutocaptionSuffix != nil {
		r.AutocaptionSuffix = *f.AutocaptionSuffix
	}
	if f.Steps != nil {
		r.Steps = *f.Steps
	}
	if f.LearningRate != nil {
		r.LearningRate = *f.LearningRate
	}
	if f.BatchSize != nil {
		r.BatchSize = *f.BatchSize
	}
	if f.RepoID != nil {
		r.RepoID = *f.RepoID
	}
	if f.Token != nil {
		r.Token = *f.Token
	}
}

// Load reads a request file and applies it over Default().
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for
// JSON; anything else is parsed as YAML, which also accepts JSON.
// The result is not bounds-checked; call Validate after applying any
// command-line overrides.
func Load(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("request file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading request file: %s", path)
		}
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and schema-validates a request from raw bytes.
//
// Validation runs on the raw document before decoding so that unknown
// fields are rejected rather than silently dropped.
func LoadFromBytes(data []byte, path string) (*Request, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("request file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(jsonData, &f); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	r := Default()
	f.ApplyTo(&r)
	return &r, nil
}

func toJSON(data []byte, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if !json.Valid(data) {
			return nil, fmt.Errorf("invalid JSON in request file %s", path)
		}
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid YAML in request file %s: %w", path, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fmt.Errorf("request file %s must contain a mapping", path)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request to JSON: %w", err)
	}
	return out, nil
}
