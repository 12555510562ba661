package checkpoint

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/pgzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// IsGzip reports whether the file at path starts with the gzip magic
func IsGzip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	head := make([]byte, len(gzipMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, gzipMagic), nil
}

// CompressFile gzips src into dst using parallel block compression
func CompressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := pgzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// CompressCore replaces gdb.core with gdb.core.gz
func (c *Checkpoint) CompressCore() error {
	if !fileExists(c.CorePath()) {
		if fileExists(c.CoreGzPath()) {
			return nil
		}
		return fmt.Errorf("%w in %s", ErrNoCore, c.Dir)
	}
	if err := CompressFile(c.CorePath(), c.CoreGzPath()); err != nil {
		return err
	}
	return os.Remove(c.CorePath())
}

// CompressFileInPlace gzips the file at path keeping its name
func CompressFileInPlace(path string) error {
	if gz, err := IsGzip(path); err != nil {
		return err
	} else if gz {
		return nil
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".gz.tmp")
	if err := CompressFile(path, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
