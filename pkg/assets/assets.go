// Package assets makes sure the base model weights and, for the shortcut
// path, a pretrained adapter are present on local disk.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/3leaps/loraforge/pkg/fetch"
)

// ErrAcquisition wraps every transport or storage failure.
var ErrAcquisition = errors.New("asset acquisition failed")

// Config locates the assets.
type Config struct {
	// WeightsDir is the canonical base weights directory.
	WeightsDir string

	// BundleURL is the tar bundle unpacked into the parent of WeightsDir.
	BundleURL string

	// AdapterPath is where a pretrained adapter is downloaded to.
	AdapterPath string
}

// Acquirer fetches assets through a fetch.Fetcher.
type Acquirer struct {
	cfg     Config
	fetcher fetch.Fetcher
	logger  *zap.Logger
}

// New creates an Acquirer.
func New(cfg Config, fetcher fetch.Fetcher, logger *zap.Logger) *Acquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{cfg: cfg, fetcher: fetcher, logger: logger}
}

// AdapterDir is the directory holding the pretrained adapter.
func (a *Acquirer) AdapterDir() string {
	return filepath.Dir(a.cfg.AdapterPath)
}

// EnsureBaseWeights unpacks the weight bundle when WeightsDir is missing.
// An existing directory is trusted as-is.
func (a *Acquirer) EnsureBaseWeights(ctx context.Context) error {
	st, err := os.Stat(a.cfg.WeightsDir)
	switch {
	case err == nil && st.IsDir():
		a.logger.Debug("Base weights present", zap.String("dir", a.cfg.WeightsDir))
		return nil
	case err == nil:
		return fmt.Errorf("%w: %s exists and is not a directory", ErrAcquisition, a.cfg.WeightsDir)
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: stat %s: %v", ErrAcquisition, a.cfg.WeightsDir, err)
	}

	parent := filepath.Dir(filepath.Clean(a.cfg.WeightsDir))
	a.logger.Info("Downloading base weights",
		zap.String("url", a.cfg.BundleURL),
		zap.String("dest", parent))

	if err := a.fetcher.FetchAndUnpack(ctx, a.cfg.BundleURL, parent); err != nil {
		return fmt.Errorf("%w: weights bundle: %w", ErrAcquisition, err)
	}
	if _, err := os.Stat(a.cfg.WeightsDir); err != nil {
		return fmt.Errorf("%w: bundle did not contain %s", ErrAcquisition, filepath.Base(a.cfg.WeightsDir))
	}
	return nil
}

// FetchPretrainedAdapter replaces any stale adapter at AdapterPath with the
// file at url and returns AdapterPath.
func (a *Acquirer) FetchPretrainedAdapter(ctx context.Context, url string) (string, error) {
	dest := a.cfg.AdapterPath
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: remove stale adapter: %v", ErrAcquisition, err)
	}

	a.logger.Info("Downloading pretrained adapter", zap.String("url", url), zap.String("dest", dest))
	if err := a.fetcher.Fetch(ctx, url, dest); err != nil {
		return "", fmt.Errorf("%w: adapter: %w", ErrAcquisition, err)
	}
	return dest, nil
}
