// Package captioner is the boundary to the image captioning model.
//
// The captioning model and the trainer share one accelerator, so callers
// must Release a loaded Captioner before training starts.
package captioner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrCaptioning wraps failures of the captioning model.
	ErrCaptioning = errors.New("captioning failed")

	// ErrNotLoaded is returned by CaptionImages before LoadModels.
	ErrNotLoaded = errors.New("captioning models not loaded")
)

// CaptionExt is the extension of caption files written next to images.
const CaptionExt = ".txt"

// ImageExtensions lists the image types the trainer reads.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// Captioner writes one caption file per uncaptioned image.
type Captioner interface {
	// AllImagesCaptioned reports whether every image in dir already has a
	// caption file.
	AllImagesCaptioned(dir string) (bool, error)

	// LoadModels acquires the model. Calling it again is a no-op.
	LoadModels(ctx context.Context) error

	// CaptionImages captions every uncaptioned image in dir, wrapping the
	// generated text with prefix and suffix.
	CaptionImages(ctx context.Context, dir, prefix, suffix string) error

	// Release frees the model and any accelerator memory it holds.
	Release() error
}

// IsImage reports whether name has a supported image extension.
func IsImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// CaptionPath returns the caption file path for an image.
func CaptionPath(image string) string {
	return strings.TrimSuffix(image, filepath.Ext(image)) + CaptionExt
}

// Uncaptioned returns the images under dir without a sibling caption file,
// sorted by path.
func Uncaptioned(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsImage(d.Name()) {
			return nil
		}
		if _, err := os.Stat(CaptionPath(path)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				out = append(out, path)
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// AllImagesCaptioned is the shared implementation of
// Captioner.AllImagesCaptioned. A directory without images counts as fully
// captioned.
func AllImagesCaptioned(dir string) (bool, error) {
	missing, err := Uncaptioned(dir)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}
