package trainer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/loraforge/pkg/trainjob"
)

// ProcessConfig configures a Process executor.
type ProcessConfig struct {
	// Command is the trainer argv. An argument containing "{config}" has it
	// replaced by the job file path; otherwise the path is appended.
	Command []string

	// RunDir receives job.yaml and the trainer logs. Empty uses a temp
	// directory that Cleanup removes.
	RunDir string

	// Env is appended to the inherited environment.
	Env []string
}

// Process runs the trainer as a child process, capturing stdout and stderr
// to per-run log files.
type Process struct {
	cfg    ProcessConfig
	logger *zap.Logger

	mu      sync.Mutex
	runDir  string
	tempDir bool
	cmd     *exec.Cmd
}

var _ Executor = (*Process)(nil)

// NewProcess creates a Process executor.
func NewProcess(cfg ProcessConfig, logger *zap.Logger) *Process {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{cfg: cfg, logger: logger}
}

// StdoutPath is the trainer stdout log for the current run.
func (p *Process) StdoutPath() string {
	return filepath.Join(p.dir(), "train.stdout.log")
}

// StderrPath is the trainer stderr log for the current run.
func (p *Process) StderrPath() string {
	return filepath.Join(p.dir(), "train.stderr.log")
}

// ConfigPath is the job document written for the current run.
func (p *Process) ConfigPath() string {
	return filepath.Join(p.dir(), ConfigFileName)
}

func (p *Process) dir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runDir
}

// Run implements Executor.
func (p *Process) Run(ctx context.Context, job *trainjob.Job) error {
	if len(p.cfg.Command) == 0 || strings.TrimSpace(p.cfg.Command[0]) == "" {
		return fmt.Errorf("%w: trainer command is not configured", ErrTraining)
	}
	if err := CheckPreconditions(job); err != nil {
		return err
	}

	if err := p.prepareRunDir(); err != nil {
		return fmt.Errorf("%w: %v", ErrTraining, err)
	}
	configPath := p.ConfigPath()
	if err := job.WriteFile(configPath); err != nil {
		return fmt.Errorf("%w: %v", ErrTraining, err)
	}

	stdoutFile, err := os.Create(p.StdoutPath())
	if err != nil {
		return fmt.Errorf("%w: create stdout log: %v", ErrTraining, err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(p.StderrPath())
	if err != nil {
		return fmt.Errorf("%w: create stderr log: %v", ErrTraining, err)
	}
	defer func() { _ = stderrFile.Close() }()

	args := configArg(p.cfg.Command[1:], configPath)
	cmd := exec.CommandContext(ctx, p.cfg.Command[0], args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	p.logger.Info("Starting train job",
		zap.String("job", job.Config.Name),
		zap.String("config", configPath),
		zap.Int("steps", job.Primary().Train.Steps))
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start trainer: %v", ErrTraining, err)
	}
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	waitErr := cmd.Wait()

	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()

	if waitErr != nil {
		return fmt.Errorf("%w: trainer exited: %v (see %s)", ErrTraining, waitErr, p.StderrPath())
	}
	if err := CheckOutputs(job); err != nil {
		return err
	}

	p.logger.Info("Train job finished",
		zap.String("job", job.Config.Name),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Cleanup kills a trainer that is still running and removes a temp run
// directory. A configured RunDir is kept so its logs survive.
func (p *Process) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		p.cmd = nil
	}
	if p.tempDir && p.runDir != "" {
		if err := os.RemoveAll(p.runDir); err != nil {
			return fmt.Errorf("remove run dir: %w", err)
		}
		p.runDir = ""
		p.tempDir = false
	}
	return nil
}

func (p *Process) prepareRunDir() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.RunDir != "" {
		if err := os.MkdirAll(p.cfg.RunDir, 0o755); err != nil {
			return fmt.Errorf("create run dir: %w", err)
		}
		p.runDir = p.cfg.RunDir
		return nil
	}
	dir, err := os.MkdirTemp("", "loraforge-train-*")
	if err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	p.runDir = dir
	p.tempDir = true
	return nil
}
