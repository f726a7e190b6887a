package archive

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultExtractor(t *testing.T) *Extractor {
	t.Helper()
	f, err := NewFilter(DefaultSkipPatterns)
	require.NoError(t, err)
	return NewExtractor(f, nil)
}

func TestExtract_ImagesAndCaptions(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "photos.zip")
	writeZip(t, zipPath, map[string]string{
		"a.jpg":        "img-a",
		"a.txt":        "caption a",
		"b.png":        "img-b",
		"sub/":         "",
		"sub/c.webp":   "img-c",
		"__MACOSX/":    "",
		"__MACOSX/._a": "fork",
		"._b.png":      "sidecar",
	})

	dest := filepath.Join(dir, "input_images")
	n, err := newDefaultExtractor(t).Extract(zipPath, dest)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	body, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "caption a", string(body))
	assert.FileExists(t, filepath.Join(dest, "sub", "c.webp"))
	assert.NoDirExists(t, filepath.Join(dest, "__MACOSX"))
	assert.NoFileExists(t, filepath.Join(dest, "._b.png"))
}

func TestExtract_JunkOnlyArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "junk.zip")
	writeZip(t, zipPath, map[string]string{
		"__MACOSX/":            "",
		"__MACOSX/._photo.jpg": "fork",
		"__MACOSX/sub/x":       "fork",
		"._photo.jpg":          "sidecar",
		"sub/._other.jpg":      "sidecar",
	})

	dest := filepath.Join(dir, "out")
	n, err := newDefaultExtractor(t).Extract(zipPath, dest)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.DirExists(t, dest)
	var paths []string
	require.NoError(t, filepath.Walk(dest, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, p)
		}
		return nil
	}))
	assert.Empty(t, paths)
}

func TestExtract_NonZipInput(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		file  string
		write bool
	}{
		{name: "wrong extension", file: "photos.tar", write: true},
		{name: "no extension", file: "photos", write: true},
		{name: "zip extension but text content", file: "fake.zip", write: true},
		{name: "url", file: "https://example.com/photos.tar.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tt.file
			if tt.write {
				src = filepath.Join(dir, tt.file)
				require.NoError(t, os.WriteFile(src, []byte("definitely not a zip"), 0o644))
			}
			dest := filepath.Join(dir, "dest-"+tt.name)

			n, err := newDefaultExtractor(t).Extract(src, dest)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInputFormat), "got %v", err)
			assert.Zero(t, n)
			assert.NoDirExists(t, dest)
		})
	}
}

func TestExtract_MissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := newDefaultExtractor(t).Extract(filepath.Join(dir, "missing.zip"), filepath.Join(dir, "dest"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidInputFormat))
	assert.NoDirExists(t, filepath.Join(dir, "dest"))
}

func TestExtract_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	writeZip(t, zipPath, map[string]string{"../escape.txt": "x"})

	_, err := newDefaultExtractor(t).Extract(zipPath, filepath.Join(dir, "dest"))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestExtract_NilFilterKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "all.zip")
	writeZip(t, zipPath, map[string]string{"._a": "x", "b.jpg": "y"})

	n, err := NewExtractor(nil, nil).Extract(zipPath, filepath.Join(dir, "dest"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExtractor_CheckFormat(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "ok.zip")
	writeZip(t, good, map[string]string{"a.jpg": "x"})
	fake := filepath.Join(dir, "fake.zip")
	require.NoError(t, os.WriteFile(fake, []byte("nope"), 0o644))

	e := newDefaultExtractor(t)
	assert.NoError(t, e.CheckFormat(good))
	assert.ErrorIs(t, e.CheckFormat(fake), ErrInvalidInputFormat)
	assert.ErrorIs(t, e.CheckFormat("photos.tar"), ErrInvalidInputFormat)

	err := e.CheckFormat(filepath.Join(dir, "missing.zip"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidInputFormat)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
