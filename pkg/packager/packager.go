// Package packager turns a trainer output directory into the single
// transportable artifact returned by a run.
package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/loraforge/pkg/archive"
)

const (
	// WeightsName is the canonical weights file name inside the artifact.
	WeightsName = "lora.safetensors"

	// OptimizerName is the resumable optimizer checkpoint, never shipped.
	OptimizerName = "optimizer.pt"

	weightsExt = ".safetensors"
)

// ErrNoWeights indicates the job directory holds no weights file.
var ErrNoWeights = errors.New("no weights file in job directory")

// Packager normalizes and archives trainer output.
type Packager struct {
	creator       archive.Creator
	weightsName   string
	optimizerName string
	logger        *zap.Logger
}

// Option customizes a Packager.
type Option func(*Packager)

// WithWeightsName overrides the canonical weights file name.
func WithWeightsName(name string) Option {
	return func(p *Packager) {
		if name != "" {
			p.weightsName = name
		}
	}
}

// WithOptimizerName overrides the optimizer checkpoint name.
func WithOptimizerName(name string) Option {
	return func(p *Packager) {
		if name != "" {
			p.optimizerName = name
		}
	}
}

// New creates a Packager writing archives through creator.
func New(creator archive.Creator, logger *zap.Logger, opts ...Option) *Packager {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Packager{
		creator:       creator,
		weightsName:   WeightsName,
		optimizerName: OptimizerName,
		logger:        logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Package renames the job's weights file to the canonical name, drops the
// optimizer checkpoint and archives jobDir to archivePath.
func (p *Packager) Package(ctx context.Context, jobDir, archivePath string) (string, error) {
	weights, err := p.findWeights(jobDir)
	if err != nil {
		return "", err
	}

	canonical := filepath.Join(jobDir, p.weightsName)
	if weights != canonical {
		if _, err := os.Stat(canonical); err == nil {
			p.logger.Warn("Overwriting existing weights file",
				zap.String("path", canonical),
				zap.String("source", filepath.Base(weights)))
		}
		if err := os.Rename(weights, canonical); err != nil {
			return "", fmt.Errorf("rename weights: %w", err)
		}
		p.logger.Info("Renamed weights", zap.String("from", filepath.Base(weights)), zap.String("to", p.weightsName))
	}

	optimizer := filepath.Join(jobDir, p.optimizerName)
	if err := os.Remove(optimizer); err == nil {
		p.logger.Debug("Removed optimizer checkpoint", zap.String("path", optimizer))
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove optimizer checkpoint: %w", err)
	}

	return p.PackageDir(ctx, jobDir, archivePath)
}

// PackageDir archives dir as-is.
func (p *Packager) PackageDir(ctx context.Context, dir, archivePath string) (string, error) {
	if err := p.creator.Create(ctx, dir, archivePath); err != nil {
		return "", fmt.Errorf("package %s: %w", dir, err)
	}
	return archivePath, nil
}

// findWeights picks the trainer's weights file. A file named after the job
// directory wins; otherwise exactly one candidate must exist.
func (p *Packager) findWeights(jobDir string) (string, error) {
	entries, err := os.ReadDir(jobDir)
	if err != nil {
		return "", fmt.Errorf("read job dir: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), weightsExt) {
			continue
		}
		candidates = append(candidates, e.Name())
	}
	sort.Strings(candidates)

	preferred := filepath.Base(filepath.Clean(jobDir)) + weightsExt
	for _, c := range candidates {
		if c == preferred {
			return filepath.Join(jobDir, c), nil
		}
	}

	switch len(candidates) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNoWeights, jobDir)
	case 1:
		return filepath.Join(jobDir, candidates[0]), nil
	}

	// Step snapshots may sit next to an already-canonical file.
	for _, c := range candidates {
		if c == p.weightsName {
			return filepath.Join(jobDir, c), nil
		}
	}
	return "", fmt.Errorf("ambiguous weights in %s: %s", jobDir, strings.Join(candidates, ", "))
}
