package format

import "fmt"

// PageHeader is the fixed prefix of every page record inside a chunk.
// Field order on disk: int32 length, int16 check, uvarint page number,
// uvarint map id, uvarint entry count, one type byte.
type PageHeader struct {
	Length  int32  // total serialized length of the page record
	Check   uint16 // truncated xxhash of the record with this field zeroed
	PageNo  int    // intra-chunk page index
	MapID   int    // owning map
	Entries int    // keys in a leaf, separator keys in a node
	Type    byte   // PageTypeNode / PageCompressed bits
}

// IsNode reports whether the page is an internal node.
func (p PageHeader) IsNode() bool { return p.Type&PageTypeNode != 0 }

// IsCompressed reports whether the page payload is compressed.
func (p PageHeader) IsCompressed() bool { return p.Type&PageCompressed != 0 }

// IsCompressedHigh reports whether the high-ratio codec was used.
func (p PageHeader) IsCompressedHigh() bool {
	return p.Type&PageCompressedHigh == PageCompressedHigh
}

// DecodePageHeader reads the fixed page prefix from the cursor. The
// check value is not validated here; callers that want integrity run
// VerifyPage over the whole record.
func DecodePageHeader(r *Reader) (PageHeader, error) {
	var p PageHeader
	p.Length = r.Int32()
	p.Check = r.Int16()
	p.PageNo = int(r.Uvarint())
	p.MapID = int(r.Uvarint())
	p.Entries = int(r.Uvarint())
	p.Type = r.Byte()
	if err := r.Err(); err != nil {
		return p, err
	}
	if p.Length < 0 {
		return p, fmt.Errorf("%w: negative page length %d", ErrMalformedPage, p.Length)
	}
	return p, nil
}

// EncodePageHeader appends the fixed prefix. The check field is written
// as zero; StampPage fills it in once the record is complete.
func EncodePageHeader(w *Writer, p PageHeader) {
	w.Int32(p.Length)
	w.Int16(0)
	w.Uvarint(uint64(p.PageNo))
	w.Uvarint(uint64(p.MapID))
	w.Uvarint(uint64(p.Entries))
	w.Byte(p.Type)
}

// StampPage patches the length and check fields of a finished page
// record in place. page must hold the complete record.
func StampPage(page []byte) {
	putInt32(page, int32(len(page)))
	page[4], page[5] = 0, 0
	check := CheckValue(page)
	page[4] = byte(check >> 8)
	page[5] = byte(check)
}

// VerifyPage recomputes the check value over a complete page record and
// compares it with the stored one.
func VerifyPage(page []byte) error {
	if len(page) < 6 {
		return fmt.Errorf("%w: page record too short", ErrMalformedPage)
	}
	stored := uint16(page[4])<<8 | uint16(page[5])
	cp := make([]byte, len(page))
	copy(cp, page)
	cp[4], cp[5] = 0, 0
	if CheckValue(cp) != stored {
		return fmt.Errorf("%w: page", ErrChecksum)
	}
	return nil
}

func putInt32(b []byte, v int32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// PageLarge is the decoded max length of an oversized page (length
// code 31).
const PageLarge = int64(2)<<30 - 1

// ComposePagePos packs a page reference: chunk id in the top bits, the
// intra-chunk byte offset, a 5-bit length class, and the node/leaf bit.
// References never carry absolute file offsets, which is what keeps a
// chunk relocatable by byte copy.
func ComposePagePos(chunkID int, offset int, length int, typ byte) uint64 {
	return uint64(chunkID)<<38 | uint64(uint32(offset))<<6 |
		uint64(EncodePageLength(length))<<1 | uint64(typ&PageTypeNode)
}

// PageChunkID extracts the chunk id from a page position.
func PageChunkID(pos uint64) int { return int(pos >> 38) }

// PageOffset extracts the intra-chunk byte offset.
func PageOffset(pos uint64) int { return int(uint32(pos >> 6)) }

// PageType extracts the node/leaf bit.
func PageType(pos uint64) byte { return byte(pos & 1) }

// EncodePageLength maps a byte length to its 5-bit size class. Classes
// grow in interleaved powers of two (32, 48, 64, 96, ...); class 31
// marks a page too large to classify.
func EncodePageLength(length int) int {
	for code := 0; code < 31; code++ {
		if int64(length) <= maxLengthForCode(code) {
			return code
		}
	}
	return 31
}

// PageMaxLength returns the upper byte bound of the size class encoded
// in a page position.
func PageMaxLength(pos uint64) int64 {
	code := int(pos>>1) & 31
	if code == 31 {
		return PageLarge
	}
	return maxLengthForCode(code)
}

func maxLengthForCode(code int) int64 {
	return int64(2+(code&1)) << (uint(code>>1) + 4)
}
