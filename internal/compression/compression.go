// Package compression holds the codecs the archive queue cache is written with.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a supported compression format
type Algorithm string

const (
	AlgorithmGzip Algorithm = "gzip"
	AlgorithmLZ4  Algorithm = "lz4"
	AlgorithmZstd Algorithm = "zstd"
)

// Stats contains statistics about a compression operation
type Stats struct {
	OriginalSize   int64         `json:"original_size"`
	CompressedSize int64         `json:"compressed_size"`
	Ratio          float64       `json:"ratio"`
	Algorithm      Algorithm     `json:"algorithm"`
	Duration       time.Duration `json:"duration"`
}

// Codec produces streaming readers and writers for one algorithm
type Codec interface {
	NewWriter(w io.Writer, level int) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	Algorithm() Algorithm
	DefaultLevel() int
}

// Manager is a registry of codecs
type Manager struct {
	codecs map[Algorithm]Codec
}

// NewManager creates a manager with gzip, lz4 and zstd registered
func NewManager() *Manager {
	m := &Manager{codecs: make(map[Algorithm]Codec)}
	m.Register(gzipCodec{})
	m.Register(lz4Codec{})
	m.Register(zstdCodec{})
	return m
}

// Register adds or replaces a codec
func (m *Manager) Register(c Codec) {
	m.codecs[c.Algorithm()] = c
}

// Codec returns the codec for algorithm
func (m *Manager) Codec(algorithm Algorithm) (Codec, error) {
	c, ok := m.codecs[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
	return c, nil
}

// Compress compresses data in one go with c
func Compress(c Codec, data []byte) ([]byte, *Stats, error) {
	start := time.Now()
	var buf bytes.Buffer
	w, err := c.NewWriter(&buf, c.DefaultLevel())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create %s writer: %w", c.Algorithm(), err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("failed to write %s data: %w", c.Algorithm(), err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to close %s writer: %w", c.Algorithm(), err)
	}
	return buf.Bytes(), statsFor(c.Algorithm(), len(data), buf.Len(), start), nil
}

// Decompress reverses Compress
func Decompress(c Codec, data []byte) ([]byte, error) {
	r, err := c.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s reader: %w", c.Algorithm(), err)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s data: %w", c.Algorithm(), err)
	}
	return out, nil
}

// Ratio returns compressed/original, 1 for empty input
func Ratio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

func statsFor(algorithm Algorithm, original, compressed int, start time.Time) *Stats {
	return &Stats{
		OriginalSize:   int64(original),
		CompressedSize: int64(compressed),
		Ratio:          Ratio(int64(original), int64(compressed)),
		Algorithm:      algorithm,
		Duration:       time.Since(start),
	}
}

type gzipCodec struct{}

func (gzipCodec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, level)
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	// Multistream is on by default, so concatenated members read as one stream
	return gzip.NewReader(r)
}

func (gzipCodec) Algorithm() Algorithm { return AlgorithmGzip }
func (gzipCodec) DefaultLevel() int    { return gzip.DefaultCompression }

type lz4Codec struct{}

func (lz4Codec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	zw := lz4.NewWriter(w)
	if level > 6 {
		if err := zw.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, err
		}
	}
	return zw, nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}

func (lz4Codec) Algorithm() Algorithm { return AlgorithmLZ4 }
func (lz4Codec) DefaultLevel() int    { return 1 }

type zstdCodec struct{}

func (zstdCodec) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	encoderLevel := zstd.SpeedDefault
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}
	return zstd.NewWriter(w, zstd.WithEncoderLevel(encoderLevel))
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func (zstdCodec) Algorithm() Algorithm { return AlgorithmZstd }
func (zstdCodec) DefaultLevel() int    { return 3 }
