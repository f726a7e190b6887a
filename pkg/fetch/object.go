package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/loraforge/pkg/archive"
	"github.com/3leaps/loraforge/pkg/provider"
	"github.com/3leaps/loraforge/pkg/provider/file"
	"github.com/3leaps/loraforge/pkg/provider/s3"
)

// Locator resolves a URL to a provider and the object key within it.
// The caller closes the returned provider.
type Locator func(ctx context.Context, rawURL string) (provider.Provider, string, error)

// ObjectFetcher downloads objects from a provider (S3 mirror or local tree).
type ObjectFetcher struct {
	locate Locator
	logger *zap.Logger
}

var _ Fetcher = (*ObjectFetcher)(nil)

// NewObjectFetcher creates an ObjectFetcher using locate to open providers.
func NewObjectFetcher(locate Locator, logger *zap.Logger) *ObjectFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectFetcher{locate: locate, logger: logger}
}

// NewS3Fetcher fetches s3://bucket/key URLs. base supplies region, endpoint
// and credentials; its Bucket is replaced per URL.
func NewS3Fetcher(base s3.Config, logger *zap.Logger) *ObjectFetcher {
	return NewObjectFetcher(S3Locator(base), logger)
}

// NewFileFetcher fetches file:// URLs and bare local paths.
func NewFileFetcher(logger *zap.Logger) *ObjectFetcher {
	return NewObjectFetcher(FileLocator, logger)
}

// Fetch implements Fetcher.
func (f *ObjectFetcher) Fetch(ctx context.Context, rawURL, dest string) error {
	p, key, err := f.locate(ctx, rawURL)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	getter, ok := p.(provider.ObjectGetter)
	if !ok {
		return errors.New("provider does not support GetObject")
	}

	body, size, err := getter.GetObject(ctx, key)
	if err != nil {
		return f.getFailed(rawURL, err)
	}
	defer func() { _ = body.Close() }()

	n, err := writeAtomic(body, dest, size, rawURL)
	if err != nil {
		return err
	}
	f.logger.Info("Downloaded", zap.String("url", rawURL), zap.String("dest", filepath.Base(dest)), zap.Int64("bytes", n))
	return nil
}

// FetchAndUnpack streams the object straight into the tar unpacker.
func (f *ObjectFetcher) FetchAndUnpack(ctx context.Context, rawURL, destDir string) error {
	p, key, err := f.locate(ctx, rawURL)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	getter, ok := p.(provider.ObjectGetter)
	if !ok {
		return errors.New("provider does not support GetObject")
	}

	body, _, err := getter.GetObject(ctx, key)
	if err != nil {
		return f.getFailed(rawURL, err)
	}
	defer func() { _ = body.Close() }()

	n, err := archive.UnpackTar(ctx, body, destDir)
	if err != nil {
		return fmt.Errorf("unpack %s: %w", rawURL, err)
	}
	f.logger.Info("Unpacked bundle", zap.String("url", rawURL), zap.String("dest", destDir), zap.Int("files", n))
	return nil
}

func (f *ObjectFetcher) getFailed(rawURL string, err error) error {
	if hint := provider.Hint(err); hint != "" {
		f.logger.Warn("Object download failed", zap.String("url", rawURL), zap.String("hint", hint), zap.Error(err))
	}
	return err
}

// S3Locator opens an S3 provider for the bucket named in an s3:// URL.
func S3Locator(base s3.Config) Locator {
	return func(ctx context.Context, rawURL string) (provider.Provider, string, error) {
		bucket, key, err := ParseS3URL(rawURL)
		if err != nil {
			return nil, "", err
		}
		p, err := s3.New(ctx, base.WithBucket(bucket))
		if err != nil {
			return nil, "", err
		}
		return p, key, nil
	}
}

// FileLocator opens the directory containing a file:// URL or local path.
func FileLocator(_ context.Context, rawURL string) (provider.Provider, string, error) {
	path := rawURL
	if strings.HasPrefix(rawURL, "file://") {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, "", fmt.Errorf("parse %q: %w", rawURL, err)
		}
		path = u.Path
	}
	if path == "" {
		return nil, "", fmt.Errorf("empty path in %q", rawURL)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	p, err := file.New(file.Config{BaseDir: filepath.Dir(abs)})
	if err != nil {
		return nil, "", err
	}
	return p, filepath.Base(abs), nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url must be s3://bucket/key, got %q", rawURL)
	}
	return u.Host, key, nil
}
