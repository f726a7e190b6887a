package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPConfig configures an HTTPFetcher.
type HTTPConfig struct {
	// Retries is the total number of attempts per request.
	Retries int

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration

	// RateLimit caps download bandwidth in bytes per second (0 = unlimited).
	RateLimit int64

	// Token, when set, is sent as a bearer token.
	Token string

	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// DefaultHTTPConfig returns the defaults used by the CLI.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Retries:    3,
		RetryDelay: 2 * time.Second,
		UserAgent:  "loraforge",
	}
}

// HTTPFetcher downloads http(s) URLs.
type HTTPFetcher struct {
	client  *http.Client
	cfg     HTTPConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates an HTTPFetcher. A nil client uses a client without
// an overall timeout, since weight bundles run to tens of gigabytes.
func NewHTTPFetcher(client *http.Client, cfg HTTPConfig, logger *zap.Logger) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultHTTPConfig().UserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &HTTPFetcher{client: client, cfg: cfg, logger: logger}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst > maxChunk {
			burst = maxChunk
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, dest string) error {
	return f.withRetry(ctx, url, func() error {
		return f.fetchOnce(ctx, url, dest)
	})
}

// FetchAndUnpack downloads the bundle next to destDir and unpacks it.
func (f *HTTPFetcher) FetchAndUnpack(ctx context.Context, url, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", destDir, err)
	}
	tmp, err := os.CreateTemp(destDir, ".bundle-*.tar")
	if err != nil {
		return fmt.Errorf("create bundle file: %w", err)
	}
	bundle := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(bundle) }()

	if err := f.Fetch(ctx, url, bundle); err != nil {
		return err
	}

	n, err := unpackFile(ctx, bundle, destDir)
	if err != nil {
		return err
	}
	f.logger.Info("Unpacked bundle", zap.String("url", url), zap.String("dest", destDir), zap.Int("files", n))
	return nil
}

func (f *HTTPFetcher) withRetry(ctx context.Context, url string, op func() error) error {
	var err error
	for attempt := 1; attempt <= f.cfg.Retries; attempt++ {
		err = op()
		if err == nil || !retryable(err) || attempt == f.cfg.Retries {
			break
		}
		f.logger.Warn("Download attempt failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("delay", f.cfg.RetryDelay),
			zap.Error(err))

		if f.cfg.RetryDelay > 0 {
			timer := time.NewTimer(f.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return err
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	if f.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Token)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if f.limiter != nil {
		body = &limitedReader{ctx: ctx, r: resp.Body, limiter: f.limiter}
	}

	n, err := writeAtomic(body, dest, resp.ContentLength, url)
	if err != nil {
		return err
	}
	f.logger.Info("Downloaded",
		zap.String("url", url),
		zap.String("dest", filepath.Base(dest)),
		zap.Int64("bytes", n),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// retryable reports whether err is worth another attempt. Context
// cancellation, client errors other than 408/429, and local filesystem
// failures are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusRequestTimeout
	}
	var pe *os.PathError
	return !errors.As(err, &pe)
}

const maxChunk = 64 << 10

// limitedReader throttles reads through a token bucket counted in bytes.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if len(p) > l.limiter.Burst() {
		p = p[:l.limiter.Burst()]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
