package publish

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Hub defaults.
const (
	DefaultHubEndpoint    = "https://huggingface.co"
	DefaultHubRevision    = "main"
	DefaultHubConcurrency = 4
	DefaultHubUserAgent   = "loraforge"

	sampleSize      = 512
	lfsContentType  = "application/vnd.git-lfs+json"
	uploadModeLFS   = "lfs"
	commitSummary   = "Upload LoRA weights with loraforge"
	maxErrorMessage = 1024
)

// Hub errors.
var (
	ErrUnauthorized    = errors.New("registry rejected credentials")
	ErrRepoNotFound    = errors.New("repository not found")
	ErrRateLimited     = errors.New("registry rate limit exceeded")
	ErrInvalidRepoID   = errors.New("invalid repository id")
	ErrInvalidResponse = errors.New("invalid registry response")
)

// HubError reports a failed registry call.
type HubError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *HubError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hub %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hub %s: status %d", e.Op, e.StatusCode)
}

// Unwrap returns the classified sentinel.
func (e *HubError) Unwrap() error { return e.Err }

// HubUploader uploads folders to a Hugging Face compatible model hub.
//
// An upload creates the repository if needed, asks the hub which files go
// through LFS, pushes LFS blobs in parallel, then records every file in a
// single commit.
type HubUploader struct {
	httpClient  *http.Client
	endpoint    string
	revision    string
	userAgent   string
	concurrency int
	logger      *zap.Logger
}

var _ Uploader = (*HubUploader)(nil)

// HubOption configures a HubUploader.
type HubOption func(*HubUploader)

// WithEndpoint sets the hub base URL.
func WithEndpoint(endpoint string) HubOption {
	return func(h *HubUploader) {
		if endpoint != "" {
			h.endpoint = strings.TrimSuffix(endpoint, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HubOption {
	return func(h *HubUploader) {
		if c != nil {
			h.httpClient = c
		}
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) HubOption {
	return func(h *HubUploader) { h.httpClient.Timeout = d }
}

// WithRevision sets the target branch.
func WithRevision(rev string) HubOption {
	return func(h *HubUploader) {
		if rev != "" {
			h.revision = rev
		}
	}
}

// WithConcurrency bounds parallel LFS uploads.
func WithConcurrency(n int) HubOption {
	return func(h *HubUploader) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) HubOption {
	return func(h *HubUploader) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHubUploader creates a HubUploader.
func NewHubUploader(opts ...HubOption) *HubUploader {
	h := &HubUploader{
		httpClient:  &http.Client{Timeout: 30 * time.Minute},
		endpoint:    DefaultHubEndpoint,
		revision:    DefaultHubRevision,
		userAgent:   DefaultHubUserAgent,
		concurrency: DefaultHubConcurrency,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Endpoint returns the hub base URL.
func (h *HubUploader) Endpoint() string { return h.endpoint }

// UploadFolder implements Uploader.
func (h *HubUploader) UploadFolder(ctx context.Context, repoID, dir, token string) error {
	if err := ValidateRepoID(repoID); err != nil {
		return err
	}
	files, err := collectFiles(dir)
	if err != nil {
		return err
	}

	if err := h.createRepo(ctx, repoID, token); err != nil {
		return err
	}

	modes, err := h.preupload(ctx, repoID, token, files)
	if err != nil {
		return err
	}

	var regular, lfs []localFile
	for _, f := range files {
		if modes[f.Path] == uploadModeLFS {
			lfs = append(lfs, f)
		} else {
			regular = append(regular, f)
		}
	}

	oids, err := h.uploadLFS(ctx, repoID, token, lfs)
	if err != nil {
		return err
	}

	return h.commit(ctx, repoID, token, regular, lfs, oids)
}

// ValidateRepoID checks the owner/name shape.
func ValidateRepoID(repoID string) error {
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("%w: %q, expected owner/name", ErrInvalidRepoID, repoID)
	}
	return nil
}

type createRepoRequest struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Private      bool   `json:"private"`
}

func (h *HubUploader) createRepo(ctx context.Context, repoID, token string) error {
	owner, name, _ := strings.Cut(repoID, "/")
	body := createRepoRequest{Type: "model", Name: name, Organization: owner}

	resp, err := h.doJSON(ctx, http.MethodPost, h.endpoint+"/api/repos/create", token, "application/json", body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		h.logger.Debug("Repository already exists", zap.String("repo", repoID))
		return nil
	}
	return h.checkResponse("create_repo", resp)
}

type preuploadFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sample string `json:"sample"`
}

type preuploadRequest struct {
	Files []preuploadFile `json:"files"`
}

type preuploadResponse struct {
	Files []struct {
		Path       string `json:"path"`
		UploadMode string `json:"uploadMode"`
	} `json:"files"`
}

func (h *HubUploader) preupload(ctx context.Context, repoID, token string, files []localFile) (map[string]string, error) {
	req := preuploadRequest{Files: make([]preuploadFile, 0, len(files))}
	for _, f := range files {
		s, err := f.sample(sampleSize)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Path, err)
		}
		req.Files = append(req.Files, preuploadFile{Path: f.Path, Size: f.Size, Sample: base64.StdEncoding.EncodeToString(s)})
	}

	u := fmt.Sprintf("%s/api/models/%s/preupload/%s", h.endpoint, repoID, url.PathEscape(h.revision))
	resp, err := h.doJSON(ctx, http.MethodPost, u, token, "application/json", req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := h.checkResponse("preupload", resp); err != nil {
		return nil, err
	}

	var out preuploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: preupload: %v", ErrInvalidResponse, err)
	}
	modes := make(map[string]string, len(out.Files))
	for _, f := range out.Files {
		modes[f.Path] = f.UploadMode
	}
	return modes, nil
}

type lfsObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsBatchRequest struct {
	Operation string      `json:"operation"`
	Transfers []string    `json:"transfers"`
	Objects   []lfsObject `json:"objects"`
	HashAlgo  string      `json:"hash_algo"`
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchResponse struct {
	Objects []struct {
		OID     string               `json:"oid"`
		Size    int64                `json:"size"`
		Actions map[string]lfsAction `json:"actions"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"objects"`
}

// uploadLFS pushes LFS blobs and returns their sha256 oids keyed by path.
func (h *HubUploader) uploadLFS(ctx context.Context, repoID, token string, files []localFile) (map[string]string, error) {
	oids := make(map[string]string, len(files))
	if len(files) == 0 {
		return oids, nil
	}

	byOID := make(map[string]localFile, len(files))
	req := lfsBatchRequest{Operation: "upload", Transfers: []string{"basic"}, HashAlgo: "sha256"}
	for _, f := range files {
		oid, err := f.sha256()
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", f.Path, err)
		}
		oids[f.Path] = oid
		byOID[oid] = f
		req.Objects = append(req.Objects, lfsObject{OID: oid, Size: f.Size})
	}

	u := fmt.Sprintf("%s/%s.git/info/lfs/objects/batch", h.endpoint, repoID)
	resp, err := h.doJSON(ctx, http.MethodPost, u, token, lfsContentType, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := h.checkResponse("lfs_batch", resp); err != nil {
		return nil, err
	}

	var batch lfsBatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("%w: lfs batch: %v", ErrInvalidResponse, err)
	}

	type blobTask struct {
		file   localFile
		upload lfsAction
		verify *lfsAction
	}
	var tasks []blobTask
	for _, obj := range batch.Objects {
		if obj.Error != nil {
			return nil, &HubError{Op: "lfs_batch", StatusCode: obj.Error.Code, Message: obj.Error.Message, Err: ErrInvalidResponse}
		}
		upload, ok := obj.Actions["upload"]
		if !ok {
			// Already present on the hub.
			continue
		}
		f, ok := byOID[obj.OID]
		if !ok {
			return nil, fmt.Errorf("%w: unknown lfs oid %s", ErrInvalidResponse, obj.OID)
		}
		task := blobTask{file: f, upload: upload}
		if v, ok := obj.Actions["verify"]; ok {
			task.verify = &v
		}
		tasks = append(tasks, task)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			if err := h.putBlob(gctx, task.upload, task.file); err != nil {
				return err
			}
			if task.verify != nil {
				return h.verifyBlob(gctx, *task.verify, token, lfsObject{OID: oids[task.file.Path], Size: task.file.Size})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return oids, nil
}

func (h *HubUploader) putBlob(ctx context.Context, action lfsAction, f localFile) error {
	fh, err := os.Open(f.Abs)
	if err != nil {
		return err
	}
	defer func() { _ = fh.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, action.Href, fh)
	if err != nil {
		return err
	}
	req.ContentLength = f.Size
	req.Header.Set("User-Agent", h.userAgent)
	for k, v := range action.Header {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", f.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := h.checkResponse("lfs_upload", resp); err != nil {
		return err
	}
	h.logger.Info("Uploaded LFS object",
		zap.String("path", f.Path),
		zap.Int64("bytes", f.Size),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (h *HubUploader) verifyBlob(ctx context.Context, action lfsAction, token string, obj lfsObject) error {
	resp, err := h.doJSON(ctx, http.MethodPost, action.Href, token, lfsContentType, obj)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return h.checkResponse("lfs_verify", resp)
}

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type commitHeader struct {
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

type commitFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type commitLFSFile struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

func (h *HubUploader) commit(ctx context.Context, repoID, token string, regular, lfs []localFile, oids map[string]string) error {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	enc := json.NewEncoder(w)

	if err := enc.Encode(commitLine{Key: "header", Value: commitHeader{Summary: commitSummary}}); err != nil {
		return err
	}
	for _, f := range regular {
		data, err := os.ReadFile(f.Abs)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Path, err)
		}
		line := commitLine{Key: "file", Value: commitFile{
			Path:     f.Path,
			Content:  base64.StdEncoding.EncodeToString(data),
			Encoding: "base64",
		}}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	for _, f := range lfs {
		line := commitLine{Key: "lfsFile", Value: commitLFSFile{Path: f.Path, Algo: "sha256", OID: oids[f.Path], Size: f.Size}}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	u := fmt.Sprintf("%s/api/models/%s/commit/%s", h.endpoint, repoID, url.PathEscape(h.revision))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return err
	}
	h.setHeaders(req, token)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := h.checkResponse("commit", resp); err != nil {
		return err
	}
	h.logger.Info("Committed files",
		zap.String("repo", repoID),
		zap.Int("regular", len(regular)),
		zap.Int("lfs", len(lfs)))
	return nil
}

func (h *HubUploader) doJSON(ctx context.Context, method, u, token, contentType string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	h.setHeaders(req, token)
	req.Header.Set("Content-Type", contentType)
	if contentType == lfsContentType {
		req.Header.Set("Accept", lfsContentType)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	return resp, nil
}

func (h *HubUploader) setHeaders(req *http.Request, token string) {
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (h *HubUploader) checkResponse(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorMessage))
	herr := &HubError{Op: op, StatusCode: resp.StatusCode, Message: hubMessage(body)}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		herr.Err = ErrUnauthorized
	case http.StatusNotFound:
		herr.Err = ErrRepoNotFound
	case http.StatusTooManyRequests:
		herr.Err = ErrRateLimited
	default:
		herr.Err = ErrInvalidResponse
	}
	return herr
}

// hubMessage extracts {"error": "..."} when present.
func hubMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
