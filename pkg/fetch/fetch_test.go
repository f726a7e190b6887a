package fetch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/loraforge/pkg/provider"
)

type recordingFetcher struct {
	fetched  []string
	unpacked []string
}

func (r *recordingFetcher) Fetch(_ context.Context, url, _ string) error {
	r.fetched = append(r.fetched, url)
	return nil
}

func (r *recordingFetcher) FetchAndUnpack(_ context.Context, url, _ string) error {
	r.unpacked = append(r.unpacked, url)
	return nil
}

func TestMux_Dispatch(t *testing.T) {
	httpF := &recordingFetcher{}
	s3F := &recordingFetcher{}
	fileF := &recordingFetcher{}
	m := NewMux().Handle("https", httpF).Handle("S3", s3F).Handle("file", fileF)

	ctx := context.Background()
	require.NoError(t, m.Fetch(ctx, "https://example.com/a.safetensors", "x"))
	require.NoError(t, m.FetchAndUnpack(ctx, "s3://bucket/files.tar", "x"))
	require.NoError(t, m.Fetch(ctx, "/local/path/a.safetensors", "x"))
	require.NoError(t, m.Fetch(ctx, "file:///local/b", "x"))

	assert.Equal(t, []string{"https://example.com/a.safetensors"}, httpF.fetched)
	assert.Equal(t, []string{"s3://bucket/files.tar"}, s3F.unpacked)
	assert.Equal(t, []string{"/local/path/a.safetensors", "file:///local/b"}, fileF.fetched)

	err := m.Fetch(ctx, "ftp://host/x", "x")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in      string
		bucket  string
		key     string
		wantErr bool
	}{
		{in: "s3://weights/flux/files.tar", bucket: "weights", key: "flux/files.tar"},
		{in: "s3://weights/", wantErr: true},
		{in: "s3:///key", wantErr: true},
		{in: "https://weights/key", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, k, err := ParseS3URL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, b)
			assert.Equal(t, tt.key, k)
		})
	}
}

func TestWriteAtomic_SizeMismatchLeavesNothing(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "sub", "out.bin")
	_, err := writeAtomic(bytesReader("abc"), dest, 10, "src")

	var sm *SizeMismatchError
	require.True(t, errors.As(err, &sm))
	assert.Equal(t, int64(10), sm.Expected)
	assert.Equal(t, int64(3), sm.Got)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+PartialSuffix)
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "lora.safetensors")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0o644))

	dest := filepath.Join(dir, "out", "adapter.safetensors")
	f := NewFileFetcher(nil)
	require.NoError(t, f.Fetch(context.Background(), "file://"+src, dest))

	body, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(body))

	err = f.Fetch(context.Background(), filepath.Join(dir, "missing"), dest+"2")
	assert.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, "check the URL or key", provider.Hint(err))
	assert.NoFileExists(t, dest+"2")
}

func TestFileFetcher_FetchAndUnpack(t *testing.T) {
	dir := t.TempDir()
	bundle := filepath.Join(dir, "files.tar")
	require.NoError(t, os.WriteFile(bundle, tarBytes(t, map[string]string{"FLUX.1-dev/model.bin": "m"}), 0o644))

	dest := filepath.Join(dir, "weights")
	require.NoError(t, NewFileFetcher(nil).FetchAndUnpack(context.Background(), bundle, dest))
	assert.FileExists(t, filepath.Join(dest, "FLUX.1-dev", "model.bin"))
}
