// Package workspace owns the input and output staging directories.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Manager owns the staging directories for a single run.
type Manager struct {
	InputDir  string
	OutputDir string

	logger *zap.Logger
}

// New returns a Manager for the given staging roots.
func New(inputDir, outputDir string, logger *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(inputDir) == "" || strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("workspace: input and output dirs are required")
	}
	if filepath.Clean(inputDir) == filepath.Clean(outputDir) {
		return nil, fmt.Errorf("workspace: input and output dirs must differ")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{InputDir: inputDir, OutputDir: outputDir, logger: logger}, nil
}

// Reset removes both staging directories if present.
//
// Absence is not an error, so Reset is idempotent. Any removal failure is
// returned and must abort the run.
func (m *Manager) Reset() error {
	for _, dir := range []string{m.InputDir, m.OutputDir} {
		if _, err := os.Lstat(dir); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("workspace: stat %s: %w", dir, err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("workspace: remove %s: %w", dir, err)
		}
		m.logger.Debug("Removed staging directory", zap.String("dir", dir))
	}
	return nil
}

// JobDir is the directory the trainer writes the named job's artifacts to.
func (m *Manager) JobDir(jobName string) string {
	return filepath.Join(m.OutputDir, jobName)
}
