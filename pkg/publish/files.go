package publish

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// localFile is one file scheduled for upload.
type localFile struct {
	// Path is slash-separated and relative to the upload root.
	Path string
	Abs  string
	Size int64
}

// collectFiles lists regular files under dir, sorted by path.
func collectFiles(dir string) ([]localFile, error) {
	var out []localFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, localFile{Path: filepath.ToSlash(rel), Abs: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("nothing to upload in %s", dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// sample returns up to the first n bytes of the file.
func (f localFile) sample(n int) ([]byte, error) {
	fh, err := os.Open(f.Abs)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fh.Close() }()
	buf := make([]byte, n)
	m, err := io.ReadFull(fh, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:m], nil
}

// sha256 returns the hex digest of the file contents.
func (f localFile) sha256() (string, error) {
	fh, err := os.Open(f.Abs)
	if err != nil {
		return "", err
	}
	defer func() { _ = fh.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
