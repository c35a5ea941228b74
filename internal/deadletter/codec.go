package deadletter

import (
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/lakesync/pkg/errors"
)

// Codec compresses dead-letter files.
type Codec string

const (
	None Codec = "none"
	Gzip Codec = "gzip"
	Zstd Codec = "zstd"
	LZ4  Codec = "lz4"
)

// ParseCodec maps a configured name to a codec. Empty means None.
func ParseCodec(name string) (Codec, error) {
	switch c := Codec(strings.ToLower(name)); c {
	case "", None:
		return None, nil
	case Gzip, Zstd, LZ4:
		return c, nil
	}
	return "", errors.Newf(errors.ErrorTypeConfig, "unsupported dead-letter compression %q", name)
}

// Extension is the file suffix after ".ndjson".
func (c Codec) Extension() string {
	switch c {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	case LZ4:
		return ".lz4"
	}
	return ""
}

// codecFor picks the codec from a file name.
func codecFor(name string) Codec {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return Gzip
	case strings.HasSuffix(name, ".zst"):
		return Zstd
	case strings.HasSuffix(name, ".lz4"):
		return LZ4
	}
	return None
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w. Closing the result flushes the compressed stream but
// leaves w open.
func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case LZ4:
		return lz4.NewWriter(w), nil
	case None, "":
		return nopWriteCloser{w}, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported dead-letter compression %q", string(c))
}

// NewReader wraps r for decompression.
func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case Gzip:
		return gzip.NewReader(r)
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case None, "":
		return io.NopCloser(r), nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported dead-letter compression %q", string(c))
}
