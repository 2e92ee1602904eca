package compressors

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedCompression is returned when an unsupported compression type is requested
var ErrUnsupportedCompression = errors.New("unsupported compression type")

// Compressor wraps an output stream so that archived objects are compressed
// while they are uploaded.
type Compressor interface {
	// NewWriter returns a writer that compresses into w. Close flushes the
	// trailing frame but never closes w.
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)

	// Extension returns the object key suffix for this compression (e.g., ".zst", ".lz4", ".gz")
	Extension() string

	// DefaultLevel returns the default compression level
	DefaultLevel() int
}

// Names lists the accepted compression names.
func Names() []string {
	return []string{"none", "gzip", "zstd", "lz4"}
}

// GetCompressor returns the appropriate compressor based on the compression string.
// An empty name selects no compression.
func GetCompressor(compression string) (Compressor, error) {
	switch compression {
	case "zstd":
		return NewZstdCompressor(), nil
	case "lz4":
		return NewLZ4Compressor(), nil
	case "gzip":
		return NewGzipCompressor(), nil
	case "none", "":
		return NewNoneCompressor(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, compression)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
