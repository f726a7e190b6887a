// Package request defines the validated set of user inputs for one training
// run.
package request

import "strings"

// Defaults applied when a field is not supplied.
const (
	DefaultTriggerWord  = "TOK"
	DefaultAutocaption  = true
	DefaultSteps        = 1000
	DefaultLearningRate = 4e-4
	DefaultBatchSize    = 1

	MinSteps = 10
	MaxSteps = 4000
)

// Request is the validated set of inputs for a single training run.
//
// A Request is treated as immutable once Validate has accepted it.
type Request struct {
	// Input is a zip archive path, or a registry URL of a pre-trained adapter.
	Input string `json:"input"`

	// TriggerWord is omitted from the training config when empty.
	TriggerWord string `json:"trigger_word"`

	Autocaption       bool   `json:"autocaption"`
	AutocaptionPrefix string `json:"autocaption_prefix,omitempty"`
	AutocaptionSuffix string `json:"autocaption_suffix,omitempty"`

	Steps        int     `json:"steps"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`

	// RepoID and Token are both required for publication.
	RepoID string `json:"hf_repo_id,omitempty"`
	Token  string `json:"hf_token,omitempty"`
}

// Default returns a Request populated with the documented defaults.
func Default() Request {
	return Request{
		TriggerWord:  DefaultTriggerWord,
		Autocaption:  DefaultAutocaption,
		Steps:        DefaultSteps,
		LearningRate: DefaultLearningRate,
		BatchSize:    DefaultBatchSize,
	}
}

// IsShortcut reports whether Input names a registry-hosted adapter that can
// be fetched instead of trained.
func (r Request) IsShortcut(hostPrefix, suffix string) bool {
	if hostPrefix == "" || suffix == "" {
		return false
	}
	return strings.HasPrefix(r.Input, hostPrefix) && strings.Contains(r.Input, suffix)
}

// WantsPublish reports whether both a repository id and a credential were supplied.
func (r Request) WantsPublish() bool {
	return strings.TrimSpace(r.RepoID) != "" && strings.TrimSpace(r.Token) != ""
}

// Redacted returns a copy that is safe to log or persist.
func (r Request) Redacted() Request {
	if r.Token != "" {
		r.Token = MaskSecret(r.Token)
	}
	return r
}

// MaskSecret masks all but the last 4 characters of a secret.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
