package squashfs

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// SquashComp identifies one of the six compression algorithms SquashFS's superblock can
// name. Only GZip (zlib/deflate) is built in; XZ and ZSTD are registered by optional
// build-tagged files (codec_xz.go, codec_zstd.go) through the same CompHandler registry,
// and LZMA, LZO and LZ4 have no handler. A further algorithm is a matter of adding a
// RegisterCompHandler call, not touching the decode path.
type SquashComp uint16

const (
	GZip SquashComp = 1
	LZMA SquashComp = 2
	LZO  SquashComp = 3
	XZ   SquashComp = 4
	LZ4  SquashComp = 5
	ZSTD SquashComp = 6
)

func (s SquashComp) String() string {
	switch s {
	case GZip:
		return "GZip"
	case LZMA:
		return "LZMA"
	case LZO:
		return "LZO"
	case XZ:
		return "XZ"
	case LZ4:
		return "LZ4"
	case ZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("SquashComp(%d)", s)
}

// CompHandler is a pluggable codec: Decompress turns one compressed block into its
// decompressed form (bounded by the capacity of dst), Compress does the reverse and is
// only used by the test-fixture builder in internal/sqfsbuild.
type CompHandler struct {
	Decompress func(dst, src []byte) (int, error)
	Compress   func(src []byte) ([]byte, error)
}

var (
	compHandlersMu sync.RWMutex
	compHandlers   = map[SquashComp]*CompHandler{}
)

func init() {
	RegisterCompHandler(GZip, &CompHandler{
		Decompress: zlibDecompress,
		Compress:   zlibCompress,
	})
}

// RegisterCompHandler installs (or replaces) the handler used for algo. Build-tagged
// files call this from an init() to opt a binary into xz/zstd support without forcing
// the dependency on every consumer of the package.
func RegisterCompHandler(algo SquashComp, h *CompHandler) {
	compHandlersMu.Lock()
	defer compHandlersMu.Unlock()
	compHandlers[algo] = h
}

// MakeDecompressor adapts a stdlib-style streaming decompressor (an io.Reader wrapping
// another io.Reader, never failing on construction) into a CompHandler.Decompress func.
func MakeDecompressor(newReader func(io.Reader) io.Reader) func(dst, src []byte) (int, error) {
	return MakeDecompressorErr(func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(newReader(r)), nil
	})
}

// MakeDecompressorErr adapts a streaming decompressor whose constructor can fail (eg.
// xz.NewReader, which validates the stream header) into a CompHandler.Decompress func.
func MakeDecompressorErr(newReader func(io.Reader) (io.ReadCloser, error)) func(dst, src []byte) (int, error) {
	return func(dst, src []byte) (int, error) {
		rc, err := newReader(bytes.NewReader(src))
		if err != nil {
			return 0, corruptf("codec: %s", err)
		}
		defer rc.Close()
		return decompressInto(dst, rc)
	}
}

// Decompress decompresses src into dst using algo, returning the number of bytes
// written. It never writes beyond len(dst); if the decompressed payload would not fit,
// it returns ErrBufferTooSmall. An unregistered algorithm returns ErrUnsupported.
func Decompress(algo SquashComp, dst, src []byte) (int, error) {
	compHandlersMu.RLock()
	h, ok := compHandlers[algo]
	compHandlersMu.RUnlock()
	if !ok || h.Decompress == nil {
		return 0, fmt.Errorf("%w: compression algorithm %s", ErrUnsupported, algo)
	}
	return h.Decompress(dst, src)
}

// Compress compresses src using algo's registered handler, for use by the synthetic
// test-image builder. Returns ErrUnsupported if algo has no Compress function registered.
func Compress(algo SquashComp, src []byte) ([]byte, error) {
	compHandlersMu.RLock()
	h, ok := compHandlers[algo]
	compHandlersMu.RUnlock()
	if !ok || h.Compress == nil {
		return nil, fmt.Errorf("%w: compression algorithm %s", ErrUnsupported, algo)
	}
	return h.Compress(src)
}

// limitWriter accumulates writes into a fixed-capacity buffer, failing with
// ErrBufferTooSmall the moment the total would overflow it.
type limitWriter struct {
	buf []byte
	n   int
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.n+len(p) > len(l.buf) {
		return 0, ErrBufferTooSmall
	}
	copy(l.buf[l.n:], p)
	l.n += len(p)
	return len(p), nil
}

func decompressInto(dst []byte, r io.Reader) (int, error) {
	lw := &limitWriter{buf: dst}
	_, err := io.Copy(lw, r)
	if err != nil {
		if err == ErrBufferTooSmall {
			return 0, ErrBufferTooSmall
		}
		return 0, corruptf("codec: decompression failed: %s", err)
	}
	return lw.n, nil
}

func zlibDecompress(dst, src []byte) (int, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, corruptf("zlib: %s", err)
	}
	defer zr.Close()
	return decompressInto(dst, zr)
}

func zlibCompress(src []byte) ([]byte, error) {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
