// Package archive unpacks training bundles and packs trained artifacts.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrInvalidInputFormat indicates the training bundle is not a zip archive.
var ErrInvalidInputFormat = errors.New("input must be a zip file")

// Extractor unpacks zip training bundles.
type Extractor struct {
	filter *Filter
	logger *zap.Logger
}

// NewExtractor returns an Extractor that skips entries matched by filter.
func NewExtractor(filter *Filter, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{filter: filter, logger: logger}
}

// Extract unpacks archivePath into destDir and returns the number of files
// written.
//
// A non-zip archive fails with ErrInvalidInputFormat before destDir is
// created. Entries matched by the skip filter are ignored; directory entries
// are created but not counted.
func (e *Extractor) Extract(archivePath, destDir string) (int, error) {
	zr, err := openZip(archivePath)
	if err != nil {
		return 0, err
	}
	defer func() { _ = zr.Close() }()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", destDir, err)
	}

	count := 0
	for _, f := range zr.File {
		if e.filter.Skip(f.Name) {
			e.logger.Debug("Skipping archive entry", zap.String("entry", f.Name))
			continue
		}

		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return count, err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, fmt.Errorf("create %s: %w", target, err)
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return count, err
		}
		count++
	}

	e.logger.Info("Extracted training bundle",
		zap.Int("files", count),
		zap.String("archive", archivePath),
		zap.String("dest", destDir))
	return count, nil
}

// CheckFormat reports ErrInvalidInputFormat unless archivePath is a
// readable zip archive. It writes nothing.
func (e *Extractor) CheckFormat(archivePath string) error {
	zr, err := openZip(archivePath)
	if err != nil {
		return err
	}
	return zr.Close()
}

func openZip(archivePath string) (*zip.ReadCloser, error) {
	if !strings.HasSuffix(strings.ToLower(archivePath), ".zip") {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInputFormat, archivePath)
	}
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		if errors.Is(err, zip.ErrFormat) {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInputFormat, archivePath, err)
		}
		return nil, fmt.Errorf("open %s: %w", archivePath, err)
	}
	return zr, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

// safeJoin joins an archive entry name onto root, rejecting names that
// would land outside root.
func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}
