package format

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// FileHeader is the store-level metadata record written redundantly in
// the first blocks of the file. Immutable for the salvage layer except
// through an explicit engine-side rewrite.
type FileHeader struct {
	Copies    int    // number of redundant header blocks
	BlockSize int    // alignment unit recorded in the file
	Format    int    // layout format version
	Created   int64  // creation time, unix millis
	Version   uint64 // store version at last header rewrite
	LastChunk int    // id of the newest chunk at last rewrite
}

// String renders the header in its on-disk textual form, without the
// trailing checksum attribute.
func (h *FileHeader) String() string {
	return fmt.Sprintf("H:%x,blockSize:%x,created:%x,format:%x,chunk:%x,version:%x",
		h.Copies, h.BlockSize, h.Created, h.Format, h.LastChunk, h.Version)
}

// Encode serializes the header into a full zero-padded block.
func (h *FileHeader) Encode() []byte {
	s := h.String()
	s += fmt.Sprintf(",xxh:%x", CheckValue([]byte(s)))
	block := make([]byte, BlockSize)
	copy(block, s)
	return block
}

// DecodeFileHeader parses one header block. The block must start with
// the 'H' tag and carry a checksum that matches its attribute text.
func DecodeFileHeader(block []byte) (*FileHeader, error) {
	if len(block) == 0 || block[0] != TagFileHeader {
		return nil, fmt.Errorf("%w: missing file header tag", ErrMalformedHeader)
	}
	text := string(bytes.TrimRight(block, "\x00 \n"))
	attrs, err := parseAttrs(text)
	if err != nil {
		return nil, err
	}
	if err := verifyCheck(text, attrs); err != nil {
		return nil, err
	}
	h := &FileHeader{}
	h.Copies = int(attrs.hex("H"))
	h.BlockSize = int(attrs.hex("blockSize"))
	h.Created = int64(attrs.hex("created"))
	h.Format = int(attrs.hex("format"))
	h.LastChunk = int(attrs.hex("chunk"))
	h.Version = attrs.hex("version")
	if attrs.err != nil {
		return nil, attrs.err
	}
	if h.BlockSize != BlockSize {
		return nil, fmt.Errorf("%w: unsupported block size %d", ErrMalformedHeader, h.BlockSize)
	}
	return h, nil
}

// ChunkHeader describes one sealed chunk: identity, extent, page count,
// liveness accounting and the version it was sealed at. The same record
// appears at the chunk's first block, in its footer (abridged), and as
// a serialized layout entry in the meta map.
type ChunkHeader struct {
	ID      int    // monotonically assigned chunk id
	Block   int64  // starting block number in the file
	Len     int    // length in blocks
	Pages   int    // number of page records in the payload
	Max     int64  // sum of the max lengths of all pages ever written
	LiveMax int64  // portion of Max still reachable from the current root
	Root    uint64 // page position of the meta map root sealed with this chunk
	Time    int64  // millis since store creation when the chunk was sealed
	Unused  int64  // millis since store creation when it went fully dead, 0 if live
	Version uint64 // store version stamped at seal time
}

// String renders the header in its on-disk and layout-entry textual
// form. The leading "chunk:" keyword doubles as the 'c' block tag.
func (c *ChunkHeader) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "chunk:%x,block:%x,len:%x,liveMax:%x,max:%x,pages:%x,root:%x,time:%x",
		c.ID, c.Block, c.Len, c.LiveMax, c.Max, c.Pages, c.Root, c.Time)
	if c.Unused != 0 {
		fmt.Fprintf(&b, ",unused:%x", c.Unused)
	}
	fmt.Fprintf(&b, ",version:%x", c.Version)
	return b.String()
}

// Encode serializes the header as written at the start of a chunk: the
// attribute text, a checksum, and a terminating newline.
func (c *ChunkHeader) Encode() []byte {
	s := c.String()
	s += fmt.Sprintf(",xxh:%x\n", CheckValue([]byte(s)))
	return []byte(s)
}

// DecodeChunkHeader parses a chunk header from the start of a block.
// It requires the 'c' tag and a newline terminator within bounds.
func DecodeChunkHeader(b []byte) (*ChunkHeader, error) {
	if len(b) == 0 || b[0] != TagChunk {
		return nil, fmt.Errorf("%w: missing chunk tag", ErrMalformedHeader)
	}
	limit := len(b)
	if limit > MaxChunkHeaderLength {
		limit = MaxChunkHeaderLength
	}
	nl := bytes.IndexByte(b[:limit], '\n')
	if nl < 0 {
		return nil, fmt.Errorf("%w: unterminated chunk header", ErrMalformedHeader)
	}
	text := string(b[:nl])
	attrs, err := parseAttrs(text)
	if err != nil {
		return nil, err
	}
	if err := verifyCheck(text, attrs); err != nil {
		return nil, err
	}
	return chunkFromAttrs(attrs)
}

// ParseChunkHeader parses the serialized layout-entry form of a chunk
// header (no tag requirement, no checksum attribute).
func ParseChunkHeader(s string) (*ChunkHeader, error) {
	attrs, err := parseAttrs(s)
	if err != nil {
		return nil, err
	}
	return chunkFromAttrs(attrs)
}

func chunkFromAttrs(a *attrMap) (*ChunkHeader, error) {
	c := &ChunkHeader{}
	c.ID = int(a.hex("chunk"))
	c.Block = int64(a.hex("block"))
	c.Len = int(a.hex("len"))
	c.Pages = int(a.hex("pages"))
	c.Max = int64(a.hex("max"))
	c.LiveMax = int64(a.hex("liveMax"))
	c.Root = a.hex("root")
	c.Time = int64(a.hex("time"))
	c.Version = a.hex("version")
	if a.err != nil {
		return nil, a.err
	}
	// unused is written only for dead chunks
	if _, ok := a.m["unused"]; ok {
		c.Unused = int64(a.hex("unused"))
		if a.err != nil {
			return nil, a.err
		}
	}
	return c, nil
}

// ChunkFooter is the fixed-width trailer at the end of a chunk's block
// range, restating identity and extent for crash-time cross-checks.
type ChunkFooter struct {
	ID      int
	Block   int64
	Len     int
	Version uint64
}

// EncodeFooter serializes the footer for this chunk, space-padded to
// exactly FooterLength bytes.
func (c *ChunkHeader) EncodeFooter() []byte {
	s := fmt.Sprintf("chunk:%x,block:%x,len:%x,version:%x", c.ID, c.Block, c.Len, c.Version)
	s += fmt.Sprintf(",xxh:%x", CheckValue([]byte(s)))
	out := make([]byte, FooterLength)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}

// DecodeChunkFooter parses the last FooterLength bytes of a chunk.
func DecodeChunkFooter(b []byte) (*ChunkFooter, error) {
	if len(b) < FooterLength {
		return nil, fmt.Errorf("%w: footer needs %d bytes, have %d", ErrMalformedHeader, FooterLength, len(b))
	}
	text := strings.TrimRight(string(b[len(b)-FooterLength:]), " \x00")
	attrs, err := parseAttrs(text)
	if err != nil {
		return nil, err
	}
	if err := verifyCheck(text, attrs); err != nil {
		return nil, err
	}
	f := &ChunkFooter{}
	f.ID = int(attrs.hex("chunk"))
	f.Block = int64(attrs.hex("block"))
	f.Len = int(attrs.hex("len"))
	f.Version = attrs.hex("version")
	if attrs.err != nil {
		return nil, attrs.err
	}
	return f, nil
}

// Matches reports whether the footer restates the same identity and
// extent as the header.
func (f *ChunkFooter) Matches(c *ChunkHeader) bool {
	return f.ID == c.ID && f.Block == c.Block && f.Len == c.Len && f.Version == c.Version
}

// attrMap holds parsed key:hex attribute pairs. Lookups record the
// first failure so callers can batch field reads and check once.
type attrMap struct {
	m   map[string]string
	err error
}

func (a *attrMap) hex(key string) uint64 {
	s, ok := a.m[key]
	if !ok {
		if a.err == nil {
			a.err = fmt.Errorf("%w: missing attribute %q", ErrMalformedHeader, key)
		}
		return 0
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		if a.err == nil {
			a.err = fmt.Errorf("%w: attribute %q: %v", ErrMalformedHeader, key, err)
		}
		return 0
	}
	return v
}

func parseAttrs(text string) (*attrMap, error) {
	m := make(map[string]string)
	for _, pair := range strings.Split(text, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: bad attribute %q", ErrMalformedHeader, pair)
		}
		m[k] = v
	}
	return &attrMap{m: m}, nil
}

// verifyCheck validates the trailing xxh attribute against the text
// that precedes it.
func verifyCheck(text string, attrs *attrMap) error {
	stored := attrs.hex("xxh")
	if attrs.err != nil {
		return attrs.err
	}
	i := strings.LastIndex(text, ",xxh:")
	if i < 0 {
		return fmt.Errorf("%w: misplaced checksum", ErrMalformedHeader)
	}
	if uint16(stored) != CheckValue([]byte(text[:i])) {
		return fmt.Errorf("%w: header", ErrChecksum)
	}
	return nil
}
