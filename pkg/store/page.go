package store

import (
	"fmt"

	"github.com/lumodb/lumo/pkg/compress"
	"github.com/lumodb/lumo/pkg/format"
)

// leafSplit is the maximum number of entries serialized into one leaf
// page before the map gets an internal node above its leaves.
const leafSplit = 32

// pageSet accumulates the serialized page records of one chunk, in
// write order, and tracks the accounting the chunk header needs.
type pageSet struct {
	chunkID int
	offset  int // next intra-chunk offset, starts past the header area
	pageNo  int
	pages   [][]byte
	maxLen  int64
}

func newPageSet(chunkID int) *pageSet {
	return &pageSet{chunkID: chunkID, offset: format.ChunkHeaderArea}
}

// add appends a finished page record and returns its page position.
func (ps *pageSet) add(page []byte, typ byte) uint64 {
	format.StampPage(page)
	pos := format.ComposePagePos(ps.chunkID, ps.offset, len(page), typ)
	ps.pages = append(ps.pages, page)
	ps.offset += len(page)
	ps.pageNo++
	ps.maxLen += format.PageMaxLength(pos)
	return pos
}

// size returns the total serialized byte count of all pages.
func (ps *pageSet) size() int {
	return ps.offset - format.ChunkHeaderArea
}

// writeMap serializes all entries of m into ps and returns the map's
// new root position. Maps small enough for a single leaf get no node
// page; larger ones get one node over a run of leaves.
func (s *Store) writeMap(ps *pageSet, m *Map) uint64 {
	keys := m.Keys()

	var leafPos []uint64
	var leafCounts []int
	var separators []string
	for start := 0; ; start += leafSplit {
		end := start + leafSplit
		if end > len(keys) {
			end = len(keys)
		}
		pos := s.writeLeaf(ps, m, keys[start:end])
		leafPos = append(leafPos, pos)
		leafCounts = append(leafCounts, end-start)
		if start > 0 {
			separators = append(separators, keys[start])
		}
		if end >= len(keys) {
			break
		}
	}
	if len(leafPos) == 1 {
		return leafPos[0]
	}
	return s.writeNode(ps, m, leafPos, leafCounts, separators)
}

// writeLeaf serializes one leaf page holding the given keys of m.
func (s *Store) writeLeaf(ps *pageSet, m *Map, keys []string) uint64 {
	w := format.NewWriter()
	typ := byte(0)
	format.EncodePageHeader(w, format.PageHeader{
		PageNo:  ps.pageNo,
		MapID:   m.id,
		Entries: len(keys),
		Type:    typ,
	})
	body := format.NewWriter()
	for _, k := range keys {
		body.String(k)
		v, _ := m.Get(k)
		body.String(v)
	}
	page := s.appendBody(w, body.Bytes(), &typ, m.id)
	page[headerTypeOffset(page)] = typ
	return ps.add(page, 0)
}

// writeNode serializes the internal node over a map's leaves: child
// positions, per-child subtree counts, then the separator keys, always
// in that order. Only the key region is subject to compression.
func (s *Store) writeNode(ps *pageSet, m *Map, children []uint64, counts []int, separators []string) uint64 {
	w := format.NewWriter()
	typ := byte(format.PageTypeNode)
	format.EncodePageHeader(w, format.PageHeader{
		PageNo:  ps.pageNo,
		MapID:   m.id,
		Entries: len(separators),
		Type:    typ,
	})
	for _, c := range children {
		w.Int64(c)
	}
	for _, n := range counts {
		w.Uvarint(uint64(n))
	}
	body := format.NewWriter()
	for _, sep := range separators {
		body.String(sep)
	}
	page := s.appendBody(w, body.Bytes(), &typ, m.id)
	page[headerTypeOffset(page)] = typ
	return ps.add(page, format.PageTypeNode)
}

// appendBody attaches the compressible region of a page, applying the
// store's compression setting when it actually saves space. On a win,
// the varint expansion delta precedes the compressed bytes and typ
// gains the compression bits. Meta pages are always stored raw: Commit
// serializes them twice, with a placeholder layout entry and then the
// real one, and the rewrite relies on both passes producing identical
// page sizes — which compression of value-dependent text cannot
// guarantee.
func (s *Store) appendBody(w *format.Writer, body []byte, typ *byte, mapID int) []byte {
	if s.compressType != 0 && mapID != format.MetaMapID && len(body) > 0 {
		codec := compress.ForPageType(s.compressType == format.PageCompressedHigh)
		comp := codec.Compress(body)
		delta := format.NewWriter()
		delta.Uvarint(uint64(len(body) - len(comp)))
		if len(body) > len(comp) && len(comp)+delta.Len() < len(body) {
			*typ |= s.compressType
			w.Raw(delta.Bytes())
			w.Raw(comp)
			return w.Bytes()
		}
	}
	w.Raw(body)
	return w.Bytes()
}

// headerTypeOffset locates the type byte of a serialized page record
// so compression flags can be patched after the body is attached.
func headerTypeOffset(page []byte) int {
	r := format.NewReader(page, 0)
	r.Int32()
	r.Int16()
	r.Uvarint()
	r.Uvarint()
	r.Uvarint()
	return r.Offset()
}

// readPageRecord fetches one complete page record by position,
// validating its check value.
func (s *Store) readPageRecord(pos uint64) ([]byte, error) {
	chunkID := format.PageChunkID(pos)
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("%w: page references unknown chunk %d", format.ErrMalformedPage, chunkID)
	}
	base := c.Block*format.BlockSize + int64(format.PageOffset(pos))
	head := make([]byte, 4)
	if _, err := s.file.ReadAt(head, base); err != nil {
		return nil, fmt.Errorf("read page header at %d: %w", base, err)
	}
	length := int32(head[0])<<24 | int32(head[1])<<16 | int32(head[2])<<8 | int32(head[3])
	if length <= 0 || int64(length) > int64(c.Len)*format.BlockSize {
		return nil, fmt.Errorf("%w: page length %d at %d", format.ErrMalformedPage, length, base)
	}
	page := make([]byte, length)
	if _, err := s.file.ReadAt(page, base); err != nil {
		return nil, fmt.Errorf("read page at %d: %w", base, err)
	}
	if err := format.VerifyPage(page); err != nil {
		return nil, err
	}
	return page, nil
}

// loadEntries walks the page tree at pos, depth first and in key
// order, appending every leaf entry into dst.
func (s *Store) loadEntries(pos uint64, dst map[string]string) error {
	page, err := s.readPageRecord(pos)
	if err != nil {
		return err
	}
	r := format.NewReader(page, 0)
	h, err := format.DecodePageHeader(r)
	if err != nil {
		return err
	}
	if h.IsNode() {
		children := make([]uint64, h.Entries+1)
		for i := range children {
			children[i] = r.Int64()
		}
		for range children {
			r.Uvarint() // subtree counts, not needed for a full load
		}
		if err := r.Err(); err != nil {
			return err
		}
		for _, child := range children {
			if err := s.loadEntries(child, dst); err != nil {
				return err
			}
		}
		return nil
	}

	body := r
	if h.IsCompressed() {
		delta := int(r.Uvarint())
		comp := r.Bytes(r.Remaining())
		if err := r.Err(); err != nil {
			return err
		}
		codec := compress.ForPageType(h.IsCompressedHigh())
		raw, err := codec.Expand(comp, len(comp)+delta)
		if err != nil {
			return err
		}
		body = format.NewReader(raw, 0)
	}
	for i := 0; i < h.Entries; i++ {
		k := body.String()
		v := body.String()
		if err := body.Err(); err != nil {
			return err
		}
		dst[k] = v
	}
	return nil
}
