// Package publish pushes a trained adapter directory, with its model card,
// to a model registry.
package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/loraforge/pkg/readme"
)

// ErrPublication wraps every publication failure. Callers treat it as
// non-fatal.
var ErrPublication = errors.New("publication failed")

// Uploader copies a local directory into a registry repository.
type Uploader interface {
	UploadFolder(ctx context.Context, repoID, dir, token string) error
}

// Publisher renders the model card and uploads the directory.
type Publisher struct {
	uploader Uploader
	template string
	logger   *zap.Logger
}

// New creates a Publisher. An empty template uses the embedded model card.
func New(uploader Uploader, template string, logger *zap.Logger) *Publisher {
	if template == "" {
		template = readme.DefaultTemplate()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{uploader: uploader, template: template, logger: logger}
}

// Publish writes dir/README.md and uploads dir to repoID.
func (p *Publisher) Publish(ctx context.Context, dir, repoID, triggerWord, token string) error {
	if p.uploader == nil {
		return fmt.Errorf("%w: no uploader configured", ErrPublication)
	}

	path, err := readme.Write(dir, p.template, repoID, triggerWord)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublication, err)
	}
	p.logger.Debug("Wrote model card", zap.String("path", path))

	p.logger.Info("Uploading to model registry", zap.String("repo", repoID))
	start := time.Now()
	if err := p.uploader.UploadFolder(ctx, repoID, dir, token); err != nil {
		return fmt.Errorf("%w: %w", ErrPublication, err)
	}
	p.logger.Info("Upload complete", zap.String("repo", repoID), zap.Duration("elapsed", time.Since(start)))
	return nil
}
