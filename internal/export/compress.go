package export

import (
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// compressArtifact produces the compressed derivative of src at dst and
// returns its size. kind is one of gzip or zip; the zip entry is named
// after the artifact so extraction yields a sensible filename.
func compressArtifact(kind, src, dst string) (int64, error) {
	switch kind {
	case "gzip":
		return gzipFile(src, dst)
	case "zip":
		return zipFile(src, dst, filepath.Base(src))
	default:
		return 0, fmt.Errorf("unsupported compression kind: %q", kind)
	}
}

func gzipFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create gzip artifact: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		return 0, fmt.Errorf("gzip artifact: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("finish gzip artifact: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func zipFile(src, dst, entryName string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create zip artifact: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	entry, err := zw.Create(entryName)
	if err != nil {
		return 0, fmt.Errorf("create zip entry: %w", err)
	}
	if _, err := io.Copy(entry, in); err != nil {
		return 0, fmt.Errorf("zip artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish zip artifact: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
