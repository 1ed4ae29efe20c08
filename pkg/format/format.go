// Package format implements the on-disk binary layout of a lumo store
// file: fixed-size blocks, chunk headers and footers, page records and
// page positions. It performs no I/O of its own.
package format

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// BlockSize is the file alignment unit. Every structural record
	// starts at a multiple of this.
	BlockSize = 4096

	// MaxFileHeaders is the number of redundant file header blocks
	// written near the start of a file. Blocks beyond this count that
	// happen to begin with the header tag are payload, not headers.
	MaxFileHeaders = 2

	// ChunkHeaderArea is the reserved span at the start of each chunk.
	// The textual header is padded to this size so page offsets are
	// stable regardless of header field widths.
	ChunkHeaderArea = 256

	// FooterLength is the fixed size of the chunk footer trailer.
	FooterLength = 128

	// MaxChunkHeaderLength bounds how far a header decode will look for
	// the terminating newline.
	MaxChunkHeaderLength = ChunkHeaderArea
)

// Leading tag bytes for block classification.
const (
	TagFileHeader = 'H'
	TagChunk      = 'c'
)

// Page type flags.
const (
	PageTypeNode       = 1
	PageCompressed     = 2
	PageCompressedHigh = 6
)

// MetaMapID is the reserved map holding the store's own bookkeeping.
const MetaMapID = 0

// Reserved meta map key prefixes.
const (
	MetaChunkPrefix = "chunk."
	MetaNamePrefix  = "name."
	MetaMapPrefix   = "map."
	MetaRootPrefix  = "root."
	MetaLastMapID   = "lastMapId"
)

var (
	// ErrMalformedHeader is returned when a file or chunk header cannot
	// be decoded.
	ErrMalformedHeader = errors.New("format: malformed header")

	// ErrMalformedPage is returned when a page record cannot be decoded
	// within its declared bounds.
	ErrMalformedPage = errors.New("format: malformed page")

	// ErrChecksum is returned when a stored check value disagrees with
	// the recomputed one.
	ErrChecksum = errors.New("format: checksum mismatch")
)

// CheckValue computes the 16-bit check stamped on footers, headers and
// page records: the low bits of an xxhash64 over the given bytes.
func CheckValue(b []byte) uint16 {
	return uint16(xxhash.Sum64(b))
}

// Reader is a cursor over an in-memory buffer, used to decode page
// records. Decoding past the end sets a sticky error instead of
// panicking, so a truncated page surfaces as ErrMalformedPage.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader creates a cursor over buf starting at off.
func NewReader(buf []byte, off int) *Reader {
	r := &Reader{buf: buf}
	if off < 0 || off > len(buf) {
		r.err = fmt.Errorf("%w: position %d out of range", ErrMalformedPage, off)
	} else {
		r.off = off
	}
	return r
}

// Offset returns the current cursor position.
func (r *Reader) Offset() int { return r.off }

// Err returns the sticky decode error, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of undecoded bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: need %d bytes at %d, have %d", ErrMalformedPage, n, r.off, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Byte decodes one byte.
func (r *Reader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Int16 decodes a big-endian 16-bit value.
func (r *Reader) Int16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// Int32 decodes a big-endian 32-bit value.
func (r *Reader) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

// Int64 decodes a big-endian 64-bit value.
func (r *Reader) Int64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Uvarint decodes an unsigned varint.
func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("%w: bad varint at %d", ErrMalformedPage, r.off)
		return 0
	}
	r.off += n
	return v
}

// Bytes decodes n raw bytes.
func (r *Reader) Bytes(n int) []byte {
	if n < 0 {
		r.err = fmt.Errorf("%w: negative length %d", ErrMalformedPage, n)
		return nil
	}
	return r.take(n)
}

// String decodes a length-prefixed string: uvarint byte count, then
// that many bytes of UTF-8.
func (r *Reader) String() string {
	n := r.Uvarint()
	b := r.Bytes(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Writer is the encoding counterpart of Reader. It grows as needed and
// never fails.
type Writer struct {
	buf []byte
	tmp [binary.MaxVarintLen64]byte
}

// NewWriter creates an empty encoder.
func NewWriter() *Writer { return &Writer{} }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the encoded contents.
func (w *Writer) Bytes() []byte { return w.buf }

// Byte appends a single byte.
func (w *Writer) Byte(b byte) { w.buf = append(w.buf, b) }

// Int16 appends a big-endian 16-bit value.
func (w *Writer) Int16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

// Int32 appends a big-endian 32-bit value.
func (w *Writer) Int32(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

// Int64 appends a big-endian 64-bit value.
func (w *Writer) Int64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// Uvarint appends an unsigned varint.
func (w *Writer) Uvarint(v uint64) {
	n := binary.PutUvarint(w.tmp[:], v)
	w.buf = append(w.buf, w.tmp[:n]...)
}

// Raw appends raw bytes.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// String appends a length-prefixed string.
func (w *Writer) String(s string) {
	w.Uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}
