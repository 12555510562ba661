package recorder

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompressionType defines the compression algorithm to use
type CompressionType int

const (
	// NoCompression indicates no compression
	NoCompression CompressionType = iota
	// ZstdCompression indicates Zstandard compression
	ZstdCompression
)

// DefaultCompression is the default compression algorithm
var DefaultCompression = NoCompression

// ParseCompressionType parses "none" or "zstd"
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return NoCompression, nil
	case "zstd":
		return ZstdCompression, nil
	}
	return NoCompression, fmt.Errorf("unknown compression %q", s)
}

// NewCompressedWriter returns a writer that compresses data before writing
func NewCompressedWriter(w io.Writer, compressionType CompressionType) (io.Writer, error) {
	if compressionType == NoCompression {
		return w, nil
	}
	return zstd.NewWriter(w)
}

// NewCompressedReader returns a reader that decompresses data after reading.
// Concatenated zstd frames are read as one stream.
func NewCompressedReader(r io.Reader, compressionType CompressionType) (io.ReadCloser, error) {
	if compressionType == NoCompression {
		return io.NopCloser(r), nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

// FlushCompressedWriter pushes buffered compressed data to the underlying writer
func FlushCompressedWriter(w io.Writer) error {
	if zw, ok := w.(*zstd.Encoder); ok {
		return zw.Flush()
	}
	return nil
}

// CloseCompressedWriter closes the compressed writer if needed
func CloseCompressedWriter(w io.Writer) error {
	if zw, ok := w.(*zstd.Encoder); ok {
		return zw.Close()
	}
	return nil
}
