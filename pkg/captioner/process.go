package captioner

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
)

// ProcessConfig configures a Process captioner.
type ProcessConfig struct {
	// Command is the helper argv. The helper is invoked as
	//
	//	<command...> --prefix <p> --suffix <s> <image>...
	//
	// and must write <image-base>.txt next to each image.
	Command []string

	// LogDir receives caption.stdout.log and caption.stderr.log. Empty
	// discards helper output.
	LogDir string

	// Env is appended to the inherited environment.
	Env []string
}

// Process captions images by running an external helper.
type Process struct {
	cfg    ProcessConfig
	logger *zap.Logger

	mu     sync.Mutex
	path   string
	loaded bool
	cmd    *exec.Cmd
}

var _ Captioner = (*Process)(nil)

// NewProcess creates a Process captioner.
func NewProcess(cfg ProcessConfig, logger *zap.Logger) *Process {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Process{cfg: cfg, logger: logger}
}

// AllImagesCaptioned implements Captioner.
func (p *Process) AllImagesCaptioned(dir string) (bool, error) {
	return AllImagesCaptioned(dir)
}

// LoadModels resolves the helper executable.
func (p *Process) LoadModels(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.loaded {
		return nil
	}
	if len(p.cfg.Command) == 0 || strings.TrimSpace(p.cfg.Command[0]) == "" {
		return fmt.Errorf("%w: captioner command is not configured", ErrCaptioning)
	}
	path, err := exec.LookPath(p.cfg.Command[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptioning, err)
	}
	p.path = path
	p.loaded = true
	p.logger.Info("Captioner ready", zap.String("command", path))
	return nil
}

// CaptionImages runs the helper over every uncaptioned image and checks that
// each one received a caption.
func (p *Process) CaptionImages(ctx context.Context, dir, prefix, suffix string) error {
	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return ErrNotLoaded
	}
	path := p.path
	p.mu.Unlock()

	images, err := Uncaptioned(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptioning, err)
	}
	if len(images) == 0 {
		return nil
	}

	args := append([]string{}, p.cfg.Command[1:]...)
	args = append(args, "--prefix", prefix, "--suffix", suffix)
	args = append(args, images...)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	closeLogs, err := attachLogs(cmd, p.cfg.LogDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptioning, err)
	}
	defer closeLogs()

	p.logger.Info("Captioning images", zap.Int("images", len(images)), zap.String("dir", dir))
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start helper: %v", ErrCaptioning, err)
	}
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	waitErr := cmd.Wait()

	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()

	if waitErr != nil {
		return fmt.Errorf("%w: helper exited: %v", ErrCaptioning, waitErr)
	}

	missing, err := Uncaptioned(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptioning, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %d images still lack captions (first: %s)", ErrCaptioning, len(missing), filepath.Base(missing[0]))
	}

	p.logger.Info("Captioning complete",
		zap.Int("images", len(images)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Release kills a helper that is still running and forgets the resolved
// executable. It is safe to call at any time.
func (p *Process) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	p.cmd = nil
	p.loaded = false
	p.path = ""
	return nil
}

// Loaded reports whether LoadModels has succeeded since the last Release.
func (p *Process) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func attachLogs(cmd *exec.Cmd, logDir string) (func(), error) {
	if logDir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	stdout, err := os.Create(filepath.Join(logDir, "caption.stdout.log"))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderr, err := os.Create(filepath.Join(logDir, "caption.stderr.log"))
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return func() {
		_ = stdout.Close()
		_ = stderr.Close()
	}, nil
}
