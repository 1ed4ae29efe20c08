// Package compress provides the pluggable page compression capability.
// Two codecs are supported: a fast one for the default compression
// setting and a high-ratio one for stores written with the high flag.
package compress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrDecompression is returned when a payload cannot be expanded or
	// expands to less than its declared length.
	ErrDecompression = errors.New("compress: decompression failed")
)

// Compressor compresses and expands page payloads. Expand must produce
// at least dstLen bytes; a shorter result is a decode failure.
type Compressor interface {
	Compress(src []byte) []byte
	Expand(src []byte, dstLen int) ([]byte, error)
}

var sharedHigh = &highCodec{}

// Fast returns the fast codec (snappy).
func Fast() Compressor { return fastCodec{} }

// High returns the high-ratio codec (zstd). The returned instance is
// shared; its underlying encoder and decoder are safe for concurrent
// EncodeAll/DecodeAll use.
func High() Compressor { return sharedHigh }

type fastCodec struct{}

func (fastCodec) Compress(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (fastCodec) Expand(src []byte, dstLen int) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if len(out) < dstLen {
		return nil, fmt.Errorf("%w: got %d bytes, declared %d", ErrDecompression, len(out), dstLen)
	}
	return out, nil
}

// highCodec wraps shared zstd encoder/decoder instances. Both are
// stateless per call when used through EncodeAll/DecodeAll, but
// creation is deferred and guarded so the zero value is usable.
type highCodec struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (c *highCodec) init() {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil)
		if c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil)
	})
}

func (c *highCodec) Compress(src []byte) []byte {
	c.init()
	if c.err != nil {
		// fall back to storing uncompressed-equivalent output; callers
		// drop the compressed form when it does not win anyway
		return append([]byte(nil), src...)
	}
	return c.enc.EncodeAll(src, nil)
}

func (c *highCodec) Expand(src []byte, dstLen int) ([]byte, error) {
	c.init()
	if c.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, c.err)
	}
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	if len(out) < dstLen {
		return nil, fmt.Errorf("%w: got %d bytes, declared %d", ErrDecompression, len(out), dstLen)
	}
	return out, nil
}

// ForPageType selects the codec matching a page's compression flags:
// the high bit set means zstd, otherwise snappy.
func ForPageType(high bool) Compressor {
	if high {
		return High()
	}
	return Fast()
}
