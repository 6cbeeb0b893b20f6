// Package compress provides optional per-channel LZ4 compression of
// Connection payloads before encryption. It is not part of the wire
// protocol's framing (§4.F) — a channel either always compresses its
// plaintext before encrypt and always decompresses after decrypt, or
// never does either; the choice is a per-channel configuration flag
// (§6), not something negotiated on the wire.
package compress

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrCompress   = errors.New("compress: compression failed")
	ErrDecompress = errors.New("compress: decompression failed")
)

// Level controls the LZ4 speed/ratio tradeoff.
type Level int

const (
	Fast    Level = iota // fastest, lower ratio
	Default              // balanced
	Best                 // best ratio, slower
)

// lz4Level maps a Level to the underlying library's compression-level
// option. Default and out-of-range values are not in the map and fall
// through to lz4.Level4 in levelOption; the zero value of Level is Fast.
var lz4Level = map[Level]lz4.CompressionLevel{
	Fast: lz4.Fast,
	Best: lz4.Level9,
}

func levelOption(level Level) lz4.Option {
	l, ok := lz4Level[level]
	if !ok {
		l = lz4.Level4
	}
	return lz4.CompressionLevelOption(l)
}

// codec bundles one LZ4 writer, one LZ4 reader, and the scratch buffer
// they share. Pooling the triple together (rather than a writer pool and
// a separate reader pool) means a channel that alternates compress/
// decompress calls reuses one scratch buffer's backing array instead of
// allocating a fresh bytes.Buffer per call.
type codec struct {
	w   *lz4.Writer
	r   *lz4.Reader
	buf bytes.Buffer
}

var codecPool = sync.Pool{
	New: func() any {
		return &codec{w: lz4.NewWriter(nil), r: lz4.NewReader(nil)}
	},
}

// Compress returns data run through LZ4 at the given level. Used on the
// plaintext side, before AeadCodec.Encrypt, for channels configured with
// compression enabled.
func Compress(data []byte, level Level) ([]byte, error) {
	c := codecPool.Get().(*codec)
	defer codecPool.Put(c)

	c.buf.Reset()
	c.w.Reset(&c.buf)
	_ = c.w.Apply(levelOption(level))

	if _, err := c.w.Write(data); err != nil {
		return nil, ErrCompress
	}
	if err := c.w.Close(); err != nil {
		return nil, ErrCompress
	}

	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// Decompress reverses Compress. Used on the plaintext side, after
// AeadCodec.Decrypt, for channels configured with compression enabled.
func Decompress(data []byte) ([]byte, error) {
	c := codecPool.Get().(*codec)
	defer codecPool.Put(c)

	c.r.Reset(bytes.NewReader(data))
	c.buf.Reset()
	if _, err := io.Copy(&c.buf, c.r); err != nil {
		return nil, ErrDecompress
	}

	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}
