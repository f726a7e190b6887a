package archive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Creator packs a directory into a single transportable archive.
type Creator interface {
	Create(ctx context.Context, srcDir, archivePath string) error
}

// TarCreator writes uncompressed tar archives.
//
// Entries are stored under the base name of srcDir, so packing
// output/flux_train_replicate yields flux_train_replicate/lora.safetensors.
// Safetensors payloads do not compress meaningfully, so no gzip layer is added.
type TarCreator struct {
	logger *zap.Logger
}

// NewTarCreator returns a TarCreator.
func NewTarCreator(logger *zap.Logger) *TarCreator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TarCreator{logger: logger}
}

var _ Creator = (*TarCreator)(nil)

// Create writes srcDir to archivePath. The archive is assembled in a temp
// file next to archivePath and renamed into place on success.
func (c *TarCreator) Create(ctx context.Context, srcDir, archivePath string) error {
	st, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("archive source %s: %w", srcDir, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("archive source %s is not a directory", srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(archivePath), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".loraforge-tar-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	bw := bufio.NewWriter(tmp)
	tw := tar.NewWriter(bw)
	root := filepath.Base(filepath.Clean(srcDir))

	entries := 0
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = root + "/" + filepath.ToSlash(rel)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			c.logger.Debug("Skipping non-regular file", zap.String("path", path))
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		entries++
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		_ = tmp.Close()
		return fmt.Errorf("archive %s: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return fmt.Errorf("rename archive: %w", err)
	}

	c.logger.Info("Packed archive",
		zap.String("src", srcDir),
		zap.String("archive", archivePath),
		zap.Int("entries", entries))
	return nil
}

// UnpackTar extracts a tar stream (optionally gzip-compressed) into destDir
// and returns the number of regular files written.
func UnpackTar(ctx context.Context, r io.Reader, destDir string) (int, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("open gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		src = gz
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", destDir, err)
	}

	tr := tar.NewReader(src)
	files := 0
	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("read tar: %w", err)
		}

		target, err := safeJoin(destDir, strings.TrimPrefix(hdr.Name, "./"))
		if err != nil {
			return files, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("create %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeTarFile(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files++
		default:
			// Links and devices never appear in weight bundles.
		}
	}
}

func writeTarFile(r io.Reader, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return f.Close()
}
