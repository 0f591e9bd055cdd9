// Package compress implements the WorkMessage payload codecs.
//
// The algorithm travels with each message in a header together with the
// original size, so the consumer side mirrors decompression without any
// negotiation beyond configuration.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names carried in message headers.
const (
	None   = "none"
	Gzip   = "gzip"
	LZ4    = "lz4"
	Snappy = "snappy"
)

// HeaderCompression and HeaderOriginalSize are the message header keys.
const (
	HeaderCompression  = "compression"
	HeaderOriginalSize = "original_size"
)

// Codec compresses and decompresses message payloads.
type Codec struct {
	algorithm string
	level     int
}

// New returns a codec for the named algorithm. Level applies to gzip and lz4;
// zero selects the library default.
func New(algorithm string, level int) (*Codec, error) {
	switch algorithm {
	case "", None:
		return &Codec{algorithm: None}, nil
	case Gzip, LZ4, Snappy:
		return &Codec{algorithm: algorithm, level: level}, nil
	default:
		return nil, fmt.Errorf("op=compress.New: unknown algorithm %q", algorithm)
	}
}

// Algorithm returns the codec's algorithm name.
func (c *Codec) Algorithm() string { return c.algorithm }

// Encode compresses b with the codec's algorithm.
func (c *Codec) Encode(b []byte) ([]byte, error) {
	return Encode(c.algorithm, c.level, b)
}

// Encode compresses b with the named algorithm.
func Encode(algorithm string, level int, b []byte) ([]byte, error) {
	switch algorithm {
	case "", None:
		return b, nil
	case Gzip:
		var buf bytes.Buffer
		lvl := level
		if lvl == 0 {
			lvl = gzip.DefaultCompression
		}
		zw, err := gzip.NewWriterLevel(&buf, lvl)
		if err != nil {
			return nil, fmt.Errorf("op=compress.encode gzip: %w", err)
		}
		if _, err := zw.Write(b); err != nil {
			return nil, fmt.Errorf("op=compress.encode gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("op=compress.encode gzip: %w", err)
		}
		return buf.Bytes(), nil
	case LZ4:
		lvl, err := lz4Level(level)
		if err != nil {
			return nil, fmt.Errorf("op=compress.encode lz4: %w", err)
		}
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if err := zw.Apply(lz4.CompressionLevelOption(lvl)); err != nil {
			return nil, fmt.Errorf("op=compress.encode lz4: %w", err)
		}
		if _, err := zw.Write(b); err != nil {
			return nil, fmt.Errorf("op=compress.encode lz4: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("op=compress.encode lz4: %w", err)
		}
		return buf.Bytes(), nil
	case Snappy:
		return snappy.Encode(nil, b), nil
	default:
		return nil, fmt.Errorf("op=compress.encode: unknown algorithm %q", algorithm)
	}
}

// lz4Level maps the configured 0-9 scale onto the library's level constants.
// The lz4 constants are not the small ints themselves, so a direct cast would
// hand Apply an invalid value. Zero selects the fast (default) path.
func lz4Level(level int) (lz4.CompressionLevel, error) {
	levels := [...]lz4.CompressionLevel{
		lz4.Fast,
		lz4.Level1, lz4.Level2, lz4.Level3,
		lz4.Level4, lz4.Level5, lz4.Level6,
		lz4.Level7, lz4.Level8, lz4.Level9,
	}
	if level < 0 || level >= len(levels) {
		return 0, fmt.Errorf("level %d out of range 0-9", level)
	}
	return levels[level], nil
}

// Decode decompresses b according to the named algorithm; it mirrors Encode.
func Decode(algorithm string, b []byte) ([]byte, error) {
	switch algorithm {
	case "", None:
		return b, nil
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("op=compress.decode gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("op=compress.decode gzip: %w", err)
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
		if err != nil {
			return nil, fmt.Errorf("op=compress.decode lz4: %w", err)
		}
		return out, nil
	case Snappy:
		out, err := snappy.Decode(nil, b)
		if err != nil {
			return nil, fmt.Errorf("op=compress.decode snappy: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("op=compress.decode: unknown algorithm %q", algorithm)
	}
}
