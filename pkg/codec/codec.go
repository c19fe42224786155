// Package codec wraps transport streams with the compression codecs the
// proxy accepts on the wire.
package codec

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names as they appear in Content-Encoding and Accept-Encoding.
const (
	None     = "none"
	Identity = "identity"
	Gzip     = "gzip"
	Deflate  = "deflate"
	Zstd     = "zstd"
	Snappy   = "snappy"
	LZ4      = "lz4"
)

// ErrUnsupportedCodec is returned for codec names this package cannot handle.
var ErrUnsupportedCodec = errors.New("unsupported codec")

// preference orders codecs when a client accepts several with equal weight.
var preference = []string{Zstd, Gzip, Deflate, Snappy, LZ4, Identity}

// Normalize maps an empty name and "identity" to None and lowercases the rest.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == Identity {
		return None
	}
	return name
}

// Supported reports whether name is a known codec.
func Supported(name string) bool {
	switch Normalize(name) {
	case None, Gzip, Deflate, Zstd, Snappy, LZ4:
		return true
	}
	return false
}

// Names returns the supported codec names.
func Names() []string {
	return []string{None, Gzip, Deflate, Zstd, Snappy, LZ4}
}

// NewReader returns a reader that decodes r with the named codec.
func NewReader(name string, r io.Reader) (io.ReadCloser, error) {
	switch Normalize(name) {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return zr, nil
	case Deflate:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("deflate reader: %w", err)
		}
		return zr, nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case Snappy:
		return io.NopCloser(s2.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter returns a writer that encodes into w with the named codec.
// Close flushes the encoder but does not close w.
func NewWriter(name string, w io.Writer) (io.WriteCloser, error) {
	switch Normalize(name) {
	case None:
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Deflate:
		return zlib.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return enc, nil
	case Snappy:
		return s2.NewWriter(w, s2.WriterSnappyCompat()), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
	}
}

type weighted struct {
	name string
	q    float64
	rank int
}

// Negotiate picks the codec for a response from an Accept-Encoding header.
// It returns None when nothing acceptable and supported is offered.
func Negotiate(acceptEncoding string) string {
	var candidates []weighted
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = Normalize(name)
		if name == "" {
			continue
		}

		q := 1.0
		for _, p := range strings.Split(params, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(p), "=")
			if ok && strings.EqualFold(key, "q") {
				if parsed, err := strconv.ParseFloat(value, 64); err == nil {
					q = parsed
				}
			}
		}
		if q <= 0 || !Supported(name) {
			continue
		}
		candidates = append(candidates, weighted{name: name, q: q, rank: rank(name)})
	}

	if len(candidates) == 0 {
		return None
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].q != candidates[j].q {
			return candidates[i].q > candidates[j].q
		}
		return candidates[i].rank < candidates[j].rank
	})
	return candidates[0].name
}

func rank(name string) int {
	for i, p := range preference {
		if Normalize(p) == name {
			return i
		}
	}
	return len(preference)
}
