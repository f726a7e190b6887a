// Package runs keeps an on-disk record of every training run.
package runs

import (
	"time"

	"github.com/3leaps/loraforge/pkg/request"
)

// State is the lifecycle state of a run.
//
// NOTE: These values are persisted in run.json and are part of the stable
// on-disk contract.
type State string

const (
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateUnknown State = "unknown"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateUnknown
}

// StageEntry is one pipeline state transition.
type StageEntry struct {
	Stage     string    `json:"stage"`
	EnteredAt time.Time `json:"entered_at"`
}

// Record is the persistent record written to run.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	RunID     string    `json:"run_id"`
	State     State     `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	PID       int       `json:"pid,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// Request is stored redacted.
	Request *request.Request `json:"request,omitempty"`
	Stages  []StageEntry     `json:"stages,omitempty"`

	ArchivePath  string `json:"archive_path,omitempty"`
	Shortcut     bool   `json:"shortcut,omitempty"`
	Published    bool   `json:"published,omitempty"`
	PublishError string `json:"publish_error,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`

	LogPath string `json:"log_path,omitempty"`
}
