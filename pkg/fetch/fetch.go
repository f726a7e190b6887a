// Package fetch downloads remote assets (weight bundles, pretrained adapters)
// onto local disk.
//
// Downloads land in a ".download" sibling of the destination and are renamed
// into place only after the body has been fully written, so an interrupted
// transfer never leaves a file that looks valid.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/loraforge/pkg/archive"
)

// PartialSuffix is appended to in-flight downloads.
const PartialSuffix = ".download"

var (
	// ErrUnsupportedScheme indicates no fetcher is registered for a URL scheme.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")

	// ErrHTTPStatus indicates the server answered with a non-2xx status.
	ErrHTTPStatus = errors.New("unexpected http status")
)

// Fetcher downloads assets.
type Fetcher interface {
	// Fetch downloads url to the local file dest.
	Fetch(ctx context.Context, url, dest string) error

	// FetchAndUnpack downloads a tar bundle and unpacks it into destDir.
	FetchAndUnpack(ctx context.Context, url, destDir string) error
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Unwrap lets callers match ErrHTTPStatus.
func (e *StatusError) Unwrap() error { return ErrHTTPStatus }

// SizeMismatchError indicates the body length differs from the advertised
// content length.
type SizeMismatchError struct {
	URL      string
	Expected int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch for %s: expected=%d got=%d", e.URL, e.Expected, e.Got)
}

// Mux dispatches by URL scheme.
//
// A URL without a scheme is treated as a local path and handled by the
// "file" entry when one is registered.
type Mux struct {
	fetchers map[string]Fetcher
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{fetchers: map[string]Fetcher{}}
}

// Handle registers f for scheme (case-insensitive).
func (m *Mux) Handle(scheme string, f Fetcher) *Mux {
	m.fetchers[strings.ToLower(scheme)] = f
	return m
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, rawURL, dest string) error {
	f, err := m.lookup(rawURL)
	if err != nil {
		return err
	}
	return f.Fetch(ctx, rawURL, dest)
}

// FetchAndUnpack implements Fetcher.
func (m *Mux) FetchAndUnpack(ctx context.Context, rawURL, destDir string) error {
	f, err := m.lookup(rawURL)
	if err != nil {
		return err
	}
	return f.FetchAndUnpack(ctx, rawURL, destDir)
}

func (m *Mux) lookup(rawURL string) (Fetcher, error) {
	scheme := schemeOf(rawURL)
	f, ok := m.fetchers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return f, nil
}

func schemeOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Single-letter schemes are Windows drive letters.
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// writeAtomic streams body into dest via dest+PartialSuffix. expected < 0
// disables the length check.
func writeAtomic(body io.Reader, dest string, expected int64, source string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}

	partial := dest + PartialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", partial, err)
	}

	n, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && expected >= 0 && n != expected {
		copyErr = &SizeMismatchError{URL: source, Expected: expected, Got: n}
	}
	if copyErr != nil {
		_ = os.Remove(partial)
		return n, copyErr
	}

	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return n, fmt.Errorf("rename %s: %w", partial, err)
	}
	return n, nil
}

// unpackFile unpacks a downloaded tar bundle and removes it afterwards.
func unpackFile(ctx context.Context, bundle, destDir string) (int, error) {
	f, err := os.Open(bundle)
	if err != nil {
		return 0, fmt.Errorf("open bundle: %w", err)
	}
	defer func() { _ = f.Close() }()

	n, err := archive.UnpackTar(ctx, f, destDir)
	if err != nil {
		return n, fmt.Errorf("unpack %s: %w", bundle, err)
	}
	return n, nil
}
