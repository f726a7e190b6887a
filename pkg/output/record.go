// Package output renders a pipeline run as JSONL: one self-contained
// envelope per line, each carrying a typed payload.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Envelope types, versioned as loraforge.<kind>.v<n>.
const (
	TypeStage  = "loraforge.stage.v1"
	TypeResult = "loraforge.result.v1"
	TypeError  = "loraforge.error.v1"
)

// Record is the envelope written on every line. Data decodes according
// to Type.
type Record struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	RunID string          `json:"run_id"`
	Data  json.RawMessage `json:"data"`
}

// StageRecord reports entry into a pipeline state.
type StageRecord struct {
	Stage   string         `json:"stage"`
	From    string         `json:"from,omitempty"`
	Elapsed time.Duration  `json:"elapsed_ns,omitempty"` // time spent in From
	Detail  map[string]any `json:"detail,omitempty"`
}

// ResultRecord closes a successful run.
type ResultRecord struct {
	ArchivePath   string        `json:"archive_path"`
	Shortcut      bool          `json:"shortcut"`
	Published     bool          `json:"published"`
	PublishError  string        `json:"publish_error,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// ErrorRecord reports a failure. Fatal is false for publication errors,
// which never fail a run.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Fatal   bool   `json:"fatal"`
	Details any    `json:"details,omitempty"`
}

// ErrorRecord codes.
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeAcquisition  = "ACQUISITION"
	ErrCodeCaptioning   = "CAPTIONING"
	ErrCodeTraining     = "TRAINING"
	ErrCodePublication  = "PUBLICATION"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeInternal     = "INTERNAL"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps a failed marshal or write.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return "output: " + e.Op + ": " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }
