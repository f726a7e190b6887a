// Package file serves objects from a local directory tree. It backs file://
// weight mirrors and the "file" publication backend used on air-gapped
// hosts.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/loraforge/pkg/provider"
)

// Config roots a Provider at BaseDir.
type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("file provider: base dir is required")
	}
	return nil
}

// Provider maps object keys to slash-separated paths under a base directory.
type Provider struct {
	root string
}

var (
	_ provider.Provider     = (*Provider)(nil)
	_ provider.ObjectGetter = (*Provider)(nil)
	_ provider.ObjectPutter = (*Provider)(nil)
)

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{root: filepath.Clean(cfg.BaseDir)}, nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) Head(_ context.Context, key string) (*provider.ObjectMeta, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.fail("Head", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.fail("Head", key, err)
	}
	if st.IsDir() {
		return nil, p.fail("Head", key, provider.ErrNotFound)
	}
	return &provider.ObjectMeta{
		Key:          strings.TrimPrefix(key, "/"),
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}, nil
}

func (p *Provider) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, 0, p.fail("GetObject", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.fail("GetObject", key, err)
	}
	st, err := f.Stat()
	if err == nil && st.IsDir() {
		err = provider.ErrNotFound
	}
	if err != nil {
		_ = f.Close()
		return nil, 0, p.fail("GetObject", key, err)
	}
	return f, st.Size(), nil
}

// PutObject stages the body in a sibling temp file and renames it into
// place, so readers see either the old object or the complete new one.
// A negative contentLength skips the length check.
func (p *Provider) PutObject(_ context.Context, key string, body io.Reader, contentLength int64) error {
	full, err := p.fullPath(key)
	if err != nil {
		return p.fail("PutObject", key, err)
	}
	if err := p.stage(full, body, contentLength); err != nil {
		return p.fail("PutObject", key, err)
	}
	return nil
}

func (p *Provider) stage(full string, body io.Reader, contentLength int64) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".loraforge-put-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if contentLength >= 0 && n != contentLength {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, contentLength)
	}
	return os.Rename(tmp.Name(), full)
}

// fullPath confines key to the root: it is cleaned as an absolute slash
// path first, so ".." segments cannot climb out.
func (p *Provider) fullPath(key string) (string, error) {
	rel := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	if rel == "" {
		return "", errors.New("empty object key")
	}
	return filepath.Join(p.root, filepath.FromSlash(rel)), nil
}

func (p *Provider) fail(op, key string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = provider.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		err = provider.ErrAccessDenied
	}
	return &provider.OpError{Op: op, Provider: provider.ProviderFile, Key: key, Err: err}
}
