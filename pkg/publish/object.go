package publish

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/loraforge/pkg/provider"
)

// ObjectUploader publishes into an object store (S3 bucket or local tree)
// under <prefix>/<repoID>/. The token argument is ignored; the provider
// carries its own credentials.
type ObjectUploader struct {
	putter     provider.ObjectPutter
	prefix     string
	retryDelay time.Duration
	logger     *zap.Logger
}

// putAttempts bounds retries of throttled or unavailable puts.
const putAttempts = 3

var _ Uploader = (*ObjectUploader)(nil)

// NewObjectUploader creates an ObjectUploader.
func NewObjectUploader(putter provider.ObjectPutter, prefix string, logger *zap.Logger) *ObjectUploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObjectUploader{putter: putter, prefix: strings.Trim(prefix, "/"), retryDelay: time.Second, logger: logger}
}

// Key returns the object key for a file of repoID.
func (u *ObjectUploader) Key(repoID, rel string) string {
	return path.Join(u.prefix, repoID, rel)
}

// UploadFolder implements Uploader.
func (u *ObjectUploader) UploadFolder(ctx context.Context, repoID, dir, _ string) error {
	if err := ValidateRepoID(repoID); err != nil {
		return err
	}
	files, err := collectFiles(dir)
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.put(ctx, repoID, f); err != nil {
			return err
		}
	}
	u.logger.Info("Uploaded files", zap.String("repo", repoID), zap.Int("files", len(files)))
	return nil
}

func (u *ObjectUploader) put(ctx context.Context, repoID string, f localFile) error {
	key := u.Key(repoID, f.Path)
	for attempt := 1; ; attempt++ {
		err := u.putOnce(ctx, key, f)
		if err == nil {
			u.logger.Debug("Uploaded object", zap.String("key", key), zap.Int64("bytes", f.Size))
			return nil
		}
		if !provider.Transient(err) || attempt == putAttempts {
			if hint := provider.Hint(err); hint != "" {
				return fmt.Errorf("%w (%s)", err, hint)
			}
			return err
		}
		u.logger.Warn("Upload attempt failed, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))

		timer := time.NewTimer(time.Duration(attempt) * u.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (u *ObjectUploader) putOnce(ctx context.Context, key string, f localFile) error {
	fh, err := os.Open(f.Abs)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer func() { _ = fh.Close() }()
	return u.putter.PutObject(ctx, key, fh, f.Size)
}
