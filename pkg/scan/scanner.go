// Package scan walks a store file as a raw sequence of fixed-size
// blocks and recovers its structure on a best-effort basis. A block
// whose contents cannot be decoded never desynchronizes the walk: the
// scanner falls back to advancing exactly one block, so damage is
// local to the record it hit.
package scan

import (
	"fmt"
	"io"

	"github.com/lumodb/lumo/pkg/common/log"
	"github.com/lumodb/lumo/pkg/format"
)

// Kind classifies a scan result.
type Kind int

const (
	// KindFileHeader is a redundant file header block.
	KindFileHeader Kind = iota
	// KindChunk is a fully read chunk: header, page records, footer.
	KindChunk
	// KindUnreadable is a position where a full read was not possible,
	// typically the truncated tail of a crashed file.
	KindUnreadable
)

// PageInfo describes one page record located inside a chunk. Only the
// fixed header is decoded; the payload is skipped by declared length so
// damaged or compressed contents do not stop the walk.
type PageInfo struct {
	Offset int // byte offset of the record within the chunk
	Header format.PageHeader
}

// Result is one recognized structure in the file, in ascending offset
// order.
type Result struct {
	Kind Kind
	Pos  int64 // absolute byte offset of the record

	// File header results.
	Header     *format.FileHeader // nil if the block did not parse
	HeaderText string             // raw header text as stored

	// Chunk results.
	Chunk *format.ChunkHeader

	// Data holds the record's verbatim bytes: one block for a file
	// header, the full block span for a chunk.
	Data []byte
	Pages     []PageInfo
	PageErr   error // first page decode failure; later pages are lost
	Footer    *format.ChunkFooter
	FooterErr error // footer decode failure or header disagreement

	// Unreadable results.
	Err error
}

// Scanner produces Results lazily. The source is never written.
type Scanner struct {
	r           io.ReaderAt
	size        int64
	pos         int64
	headerCount int
	logger      *log.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger routes anomaly reports (footer mismatches and the like)
// to the given logger instead of the package default.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scanner) { s.logger = logger }
}

// NewScanner creates a scanner over size bytes of r, starting at
// offset zero.
func NewScanner(r io.ReaderAt, size int64, options ...Option) *Scanner {
	s := &Scanner{
		r:      r,
		size:   size,
		logger: log.Default().WithComponent("scan"),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Next returns the next recognized structure, or io.EOF once the whole
// file has been walked. Unclassified blocks are skipped silently.
func (s *Scanner) Next() (*Result, error) {
	for s.pos < s.size {
		pos := s.pos
		block := make([]byte, format.BlockSize)
		if _, err := s.r.ReadAt(block, pos); err != nil {
			// a partial block at the tail, or a bad sector: report the
			// position and move on by exactly one block
			s.pos += format.BlockSize
			return &Result{
				Kind: KindUnreadable,
				Pos:  pos,
				Err:  fmt.Errorf("read %d bytes at %d: %w", format.BlockSize, pos, err),
			}, nil
		}

		switch block[0] {
		case format.TagFileHeader:
			if s.headerCount >= format.MaxFileHeaders {
				// payload bytes can start with the tag too; past the
				// per-file maximum this is data, not a header
				s.pos += format.BlockSize
				continue
			}
			s.headerCount++
			s.pos += format.BlockSize
			res := &Result{
				Kind:       KindFileHeader,
				Pos:        pos,
				HeaderText: trimHeaderText(block),
				Data:       block,
			}
			if h, err := format.DecodeFileHeader(block); err == nil {
				res.Header = h
			}
			return res, nil

		case format.TagChunk:
			res, ok := s.readChunk(pos, block)
			if !ok {
				s.pos += format.BlockSize
				continue
			}
			return res, nil

		default:
			s.pos += format.BlockSize
		}
	}
	return nil, io.EOF
}

// readChunk attempts to interpret the block at pos as a chunk header
// and, on success, reads the whole chunk span in one I/O. ok is false
// when the block should be treated as unclassified data.
func (s *Scanner) readChunk(pos int64, block []byte) (*Result, bool) {
	c, err := format.DecodeChunkHeader(block)
	if err != nil || c.Len <= 0 {
		return nil, false
	}
	length := int64(c.Len) * format.BlockSize
	if pos+length > s.size {
		// the declared span runs past the end of the file
		s.pos += format.BlockSize
		return &Result{
			Kind: KindUnreadable,
			Pos:  pos,
			Err:  fmt.Errorf("chunk %d: %d blocks declared at %d, file ends at %d", c.ID, c.Len, pos, s.size),
		}, true
	}
	data := make([]byte, length)
	if _, err := s.r.ReadAt(data, pos); err != nil {
		s.pos += format.BlockSize
		return &Result{
			Kind: KindUnreadable,
			Pos:  pos,
			Err:  fmt.Errorf("chunk %d: read %d bytes at %d: %w", c.ID, length, pos, err),
		}, true
	}
	s.pos = pos + length

	res := &Result{
		Kind:  KindChunk,
		Pos:   pos,
		Chunk: c,
		Data:  data,
	}
	res.Pages, res.PageErr = decodePages(data, c.Pages)

	footer, err := format.DecodeChunkFooter(data)
	if err != nil {
		res.FooterErr = err
		s.logger.Warn("chunk %d at %x: %v", c.ID, pos, err)
	} else {
		res.Footer = footer
		if !footer.Matches(c) {
			res.FooterErr = fmt.Errorf("%w: footer restates chunk %d block %x len %d version %d",
				format.ErrMalformedHeader, footer.ID, footer.Block, footer.Len, footer.Version)
			s.logger.Warn("chunk %d at %x: footer disagrees with header", c.ID, pos)
		}
	}
	return res, true
}

// decodePages locates up to count page records laid back-to-back after
// the header area, advancing by each page's declared length. The first
// positioning or decode failure stops the walk for this chunk only.
func decodePages(data []byte, count int) ([]PageInfo, error) {
	var pages []PageInfo
	p := format.ChunkHeaderArea
	for remaining := count; remaining > 0; remaining-- {
		if p < 0 || p > len(data)-format.FooterLength {
			return pages, fmt.Errorf("%w: illegal position %d", format.ErrMalformedPage, p)
		}
		r := format.NewReader(data, p)
		h, err := format.DecodePageHeader(r)
		if err != nil {
			return pages, err
		}
		if h.Length <= 0 {
			return pages, fmt.Errorf("%w: page length %d at %d", format.ErrMalformedPage, h.Length, p)
		}
		pages = append(pages, PageInfo{Offset: p, Header: h})
		p += int(h.Length)
	}
	return pages, nil
}

func trimHeaderText(block []byte) string {
	end := len(block)
	for end > 0 && (block[end-1] == 0 || block[end-1] == ' ' || block[end-1] == '\n') {
		end--
	}
	return string(block[:end])
}
