package archive

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names an archive compression codec
type Algorithm string

const (
	AlgorithmNone Algorithm = "none"
	AlgorithmGzip Algorithm = "gzip"
	AlgorithmLZ4  Algorithm = "lz4"
	AlgorithmZstd Algorithm = "zstd"
)

// ParseAlgorithm maps a configured name onto an Algorithm
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "":
		return AlgorithmZstd, nil
	case AlgorithmNone, AlgorithmGzip, AlgorithmLZ4, AlgorithmZstd:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", name)
	}
}

// Extension is the file suffix appended after ".tar"
func (a Algorithm) Extension() string {
	switch a {
	case AlgorithmGzip:
		return ".gz"
	case AlgorithmLZ4:
		return ".lz4"
	case AlgorithmZstd:
		return ".zst"
	default:
		return ""
	}
}

// levelRange returns the minimum, maximum and default level of a codec
func (a Algorithm) levelRange() (min, max, def int) {
	switch a {
	case AlgorithmGzip:
		return gzip.BestSpeed, gzip.BestCompression, 6
	case AlgorithmLZ4:
		return 1, 12, 1
	case AlgorithmZstd:
		return 1, 22, 3
	default:
		return 0, 0, 0
	}
}

// normalizeLevel falls back to the default for out of range levels
func (a Algorithm) normalizeLevel(level int) int {
	min, max, def := a.levelRange()
	if level < min || level > max {
		return def
	}
	return level
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewCompressWriter wraps w with the codec. Closing the returned writer
// flushes the codec but does not close w.
func NewCompressWriter(w io.Writer, a Algorithm, level int) (io.WriteCloser, error) {
	level = a.normalizeLevel(level)

	switch a {
	case AlgorithmNone:
		return nopWriteCloser{w}, nil
	case AlgorithmGzip:
		zw, err := gzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, NewCompressionError("failed to create gzip writer", err)
		}
		return zw, nil
	case AlgorithmLZ4:
		zw := lz4.NewWriter(w)
		// lz4 only distinguishes fast from high compression
		if level > 6 {
			if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
				return nil, NewCompressionError("failed to set LZ4 high compression", err)
			}
		}
		return zw, nil
	case AlgorithmZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return nil, NewCompressionError("failed to create zstd encoder", err)
		}
		return zw, nil
	default:
		return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", a), nil)
	}
}

func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 6:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// NewDecompressReader wraps r with the codec's decoder
func NewDecompressReader(r io.Reader, a Algorithm) (io.ReadCloser, error) {
	switch a {
	case AlgorithmNone:
		return io.NopCloser(r), nil
	case AlgorithmGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, NewCompressionError("failed to create gzip reader", err)
		}
		return zr, nil
	case AlgorithmLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case AlgorithmZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, NewCompressionError("failed to create zstd decoder", err)
		}
		return zstdReadCloser{zr}, nil
	default:
		return nil, NewCompressionError(fmt.Sprintf("unsupported compression algorithm: %s", a), nil)
	}
}

// CompressionError reports a codec failure
type CompressionError struct {
	Message string
	Cause   error
}

// NewCompressionError creates a CompressionError
func NewCompressionError(message string, cause error) *CompressionError {
	return &CompressionError{Message: message, Cause: cause}
}

func (e *CompressionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CompressionError) Unwrap() error { return e.Cause }
