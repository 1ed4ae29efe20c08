// Package store implements the live engine side of a lumo file: a
// chunked, append-only, multi-version page store holding key-ordered
// string maps. Every commit seals one immutable chunk stamped with the
// new store version; the newest chunk carries the meta map root from
// which all layout bookkeeping is reachable.
//
// The salvage layer (scan, inspect, rollback, repair) reads this
// package's on-disk output; compaction drives its open/commit/map API.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/lumodb/lumo/pkg/common/log"
	"github.com/lumodb/lumo/pkg/format"
	"github.com/lumodb/lumo/pkg/scan"
)

var (
	// ErrReadOnly is returned when a mutating operation hits a store
	// opened read-only.
	ErrReadOnly = errors.New("store: opened read-only")

	// ErrNoValidChunk is returned when no chunk with a consistent
	// header/footer pair can be located.
	ErrNoValidChunk = errors.New("store: no valid chunk found")
)

// DefaultAutoCommitDelay is the write-path commit interval before the
// caller tunes it.
const DefaultAutoCommitDelay = time.Second

// Store is an open store file.
type Store struct {
	path     string
	file     *os.File
	readOnly bool
	recovery bool

	compressType byte // 0, PageCompressed or PageCompressedHigh

	header *format.FileHeader
	size   int64

	chunks      map[int]*format.ChunkHeader
	lastChunkID int
	version     int64
	lastMapID   int

	meta     *Map
	maps     map[string]*Map
	mapsByID map[int]*Map

	autoCommitDelay time.Duration
	reuseSpace      bool
	lastCommit      time.Time
	committing      bool

	logger *log.Logger
}

// Option configures Open.
type Option func(*Store)

// ReadOnly opens the file without write access. All mutating calls
// fail with ErrReadOnly.
func ReadOnly() Option {
	return func(s *Store) { s.readOnly = true }
}

// Recovery makes Open tolerate a damaged tail: if the trailing chunk
// footer does not check out, the file is scanned for the newest chunk
// whose header and footer agree, and the store opens at that state.
func Recovery() Option {
	return func(s *Store) { s.recovery = true }
}

// Compress enables fast page compression for everything this store
// writes.
func Compress() Option {
	return func(s *Store) { s.compressType = format.PageCompressed }
}

// CompressHigh enables high-ratio page compression.
func CompressHigh() Option {
	return func(s *Store) { s.compressType = format.PageCompressedHigh }
}

// WithLogger routes the store's operational messages.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open opens or creates a store file. A missing or empty file is
// initialized as a new store unless ReadOnly is set.
func Open(path string, options ...Option) (*Store, error) {
	s := &Store{
		path:            path,
		chunks:          make(map[int]*format.ChunkHeader),
		maps:            make(map[string]*Map),
		mapsByID:        make(map[int]*Map),
		autoCommitDelay: DefaultAutoCommitDelay,
		reuseSpace:      true,
		logger:          log.Default().WithComponent("store"),
	}
	for _, option := range options {
		option(s)
	}

	var err error
	if s.readOnly {
		s.file, err = os.Open(path)
	} else {
		s.file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := s.load(); err != nil {
		s.file.Close()
		return nil, err
	}
	s.lastCommit = time.Now()
	return s, nil
}

func (s *Store) load() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("store: stat: %w", err)
	}
	s.size = info.Size()

	if s.size == 0 {
		return s.initialize()
	}
	if err := s.readFileHeader(); err != nil {
		return err
	}
	s.meta = &Map{store: s, id: format.MetaMapID, entries: make(map[string]string)}
	s.mapsByID[format.MetaMapID] = s.meta

	if s.size <= int64(format.MaxFileHeaders)*format.BlockSize {
		// headers only, no chunks sealed yet
		s.version = int64(s.header.Version)
		return nil
	}

	newest, err := s.locateNewestChunk()
	if err != nil {
		return err
	}
	// the newest chunk must be resolvable before its meta pages load
	s.chunks[newest.ID] = newest
	if err := s.loadEntries(newest.Root, s.meta.entries); err != nil {
		return fmt.Errorf("store: meta map of chunk %d: %w", newest.ID, err)
	}
	if err := s.buildChunkTable(newest); err != nil {
		return err
	}
	s.version = int64(newest.Version)
	s.lastChunkID = newest.ID
	for id := range s.chunks {
		if id > s.lastChunkID {
			s.lastChunkID = id
		}
	}
	if v, ok := s.meta.entries[format.MetaLastMapID]; ok {
		id, err := strconv.ParseInt(v, 16, 64)
		if err != nil {
			return fmt.Errorf("store: %s entry: %w", format.MetaLastMapID, err)
		}
		s.lastMapID = int(id)
	}
	return nil
}

// initialize writes the redundant header blocks of a brand-new store.
func (s *Store) initialize() error {
	if s.readOnly {
		return fmt.Errorf("store: %s is empty", s.path)
	}
	s.header = &format.FileHeader{
		Copies:    format.MaxFileHeaders,
		BlockSize: format.BlockSize,
		Format:    1,
		Created:   time.Now().UnixMilli(),
	}
	s.meta = &Map{store: s, id: format.MetaMapID, entries: make(map[string]string)}
	s.mapsByID[format.MetaMapID] = s.meta
	if err := s.writeFileHeader(); err != nil {
		return err
	}
	s.size = int64(format.MaxFileHeaders) * format.BlockSize
	return s.file.Sync()
}

// readFileHeader tries each redundant header block in turn; the first
// one whose checksum verifies wins.
func (s *Store) readFileHeader() error {
	var firstErr error
	block := make([]byte, format.BlockSize)
	for i := 0; i < format.MaxFileHeaders; i++ {
		if _, err := s.file.ReadAt(block, int64(i)*format.BlockSize); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		h, err := format.DecodeFileHeader(block)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.header = h
		return nil
	}
	return fmt.Errorf("store: no usable file header: %w", firstErr)
}

func (s *Store) writeFileHeader() error {
	block := s.header.Encode()
	for i := 0; i < format.MaxFileHeaders; i++ {
		if _, err := s.file.WriteAt(block, int64(i)*format.BlockSize); err != nil {
			return fmt.Errorf("store: write file header %d: %w", i, err)
		}
	}
	return nil
}

// locateNewestChunk finds the chunk holding the current meta root. The
// fast path trusts the footer at the physical end of the file, which
// is where a sealed store (or a rolled-back copy) keeps its newest
// chunk. In recovery mode a failed fast path falls back to a full scan
// for the highest-version chunk whose footer cross-checks.
func (s *Store) locateNewestChunk() (*format.ChunkHeader, error) {
	c, err := s.chunkAtTail()
	if err == nil {
		return c, nil
	}
	if !s.recovery {
		return nil, err
	}
	s.logger.Warn("%s: %v, scanning for newest valid chunk", s.path, err)

	scanner := scan.NewScanner(s.file, s.size, scan.WithLogger(log.Quiet()))
	var newest *format.ChunkHeader
	for {
		res, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if res.Kind != scan.KindChunk || res.Footer == nil || res.FooterErr != nil {
			continue
		}
		if newest == nil || res.Chunk.Version > newest.Version {
			newest = res.Chunk
		}
	}
	if newest == nil {
		return nil, ErrNoValidChunk
	}
	return newest, nil
}

// chunkAtTail decodes the footer occupying the last FooterLength bytes
// of the file and cross-checks it against the chunk header it points
// back to.
func (s *Store) chunkAtTail() (*format.ChunkHeader, error) {
	trailer := make([]byte, format.FooterLength)
	if _, err := s.file.ReadAt(trailer, s.size-format.FooterLength); err != nil {
		return nil, fmt.Errorf("store: read trailing footer: %w", err)
	}
	f, err := format.DecodeChunkFooter(trailer)
	if err != nil {
		return nil, fmt.Errorf("store: trailing footer: %w", err)
	}
	start := s.size - int64(f.Len)*format.BlockSize
	if f.Len <= 0 || start < 0 {
		return nil, fmt.Errorf("%w: trailing footer declares %d blocks", format.ErrMalformedHeader, f.Len)
	}
	head := make([]byte, format.ChunkHeaderArea)
	if _, err := s.file.ReadAt(head, start); err != nil {
		return nil, fmt.Errorf("store: read chunk header at %d: %w", start, err)
	}
	c, err := format.DecodeChunkHeader(head)
	if err != nil {
		return nil, err
	}
	if !f.Matches(c) {
		return nil, fmt.Errorf("%w: trailing footer disagrees with chunk %d header", format.ErrMalformedHeader, c.ID)
	}
	return c, nil
}

// buildChunkTable parses every per-chunk layout entry in the meta map
// and verifies that each referenced chunk is really present at its
// recorded block. A missing or mismatched chunk fails the open; that
// failure is the signal the repair protocol descends on.
func (s *Store) buildChunkTable(newest *format.ChunkHeader) error {
	s.chunks[newest.ID] = newest
	head := make([]byte, format.ChunkHeaderArea)
	for key, value := range s.meta.entries {
		if len(key) <= len(format.MetaChunkPrefix) || key[:len(format.MetaChunkPrefix)] != format.MetaChunkPrefix {
			continue
		}
		c, err := format.ParseChunkHeader(value)
		if err != nil {
			return fmt.Errorf("store: layout entry %s: %w", key, err)
		}
		if c.ID == newest.ID {
			// the newest chunk's own header is authoritative; the
			// layout entry mirrors it for accounting only
			continue
		}
		if _, err := s.file.ReadAt(head, c.Block*format.BlockSize); err != nil {
			return fmt.Errorf("store: chunk %d at block %d: %w", c.ID, c.Block, err)
		}
		onDisk, err := format.DecodeChunkHeader(head)
		if err != nil {
			return fmt.Errorf("store: chunk %d at block %d: %w", c.ID, c.Block, err)
		}
		if onDisk.ID != c.ID {
			return fmt.Errorf("%w: block %d holds chunk %d, layout says %d",
				format.ErrMalformedHeader, c.Block, onDisk.ID, c.ID)
		}
		s.chunks[c.ID] = c
	}
	return nil
}

// Path returns the file path this store was opened from.
func (s *Store) Path() string { return s.path }

// FileSize returns the current file length in bytes.
func (s *Store) FileSize() int64 { return s.size }

// Created returns the store creation time recorded in the file header,
// in unix millis.
func (s *Store) Created() int64 { return s.header.Created }

// CurrentVersion returns the version the next commit will supersede.
func (s *Store) CurrentVersion() int64 { return s.version }

// SetCurrentVersion moves the version counter; the next commit is
// stamped with version v+1. Used by compaction to keep the target's
// history aligned with the source.
func (s *Store) SetCurrentVersion(v int64) { s.version = v }

// LastMapID returns the highest map id ever allocated.
func (s *Store) LastMapID() int { return s.lastMapID }

// AdjustLastMapID raises the map id allocator so ids below the given
// one are never reused. Lower values are ignored.
func (s *Store) AdjustLastMapID(id int) {
	if id > s.lastMapID {
		s.lastMapID = id
	}
}

// AutoCommitDelay returns the automatic commit interval; zero means
// disabled.
func (s *Store) AutoCommitDelay() time.Duration { return s.autoCommitDelay }

// SetAutoCommitDelay sets the automatic commit interval. Zero disables
// automatic commits entirely.
func (s *Store) SetAutoCommitDelay(d time.Duration) { s.autoCommitDelay = d }

// ReuseSpace reports whether dead chunk space may be reclaimed by
// background maintenance.
func (s *Store) ReuseSpace() bool { return s.reuseSpace }

// SetReuseSpace toggles background space reclamation. Compaction turns
// it off so pages written before its final commit are never treated as
// reclaimable.
func (s *Store) SetReuseSpace(reuse bool) { s.reuseSpace = reuse }

// Meta returns the reserved bookkeeping map (id 0).
func (s *Store) Meta() *Map { return s.meta }

// Chunks returns a copy of the chunk table keyed by chunk id.
func (s *Store) Chunks() map[int]*format.ChunkHeader {
	out := make(map[int]*format.ChunkHeader, len(s.chunks))
	for id, c := range s.chunks {
		out[id] = c
	}
	return out
}

// MapNames returns the names of all registered user maps in ascending
// order.
func (s *Store) MapNames() []string {
	var names []string
	for _, key := range s.meta.Keys() {
		if len(key) > len(format.MetaNamePrefix) && key[:len(format.MetaNamePrefix)] == format.MetaNamePrefix {
			names = append(names, key[len(format.MetaNamePrefix):])
		}
	}
	return names
}

// OpenMap opens a user map by name, creating it on a writable store if
// it does not exist yet. Entries are loaded eagerly from the map's
// current root.
func (s *Store) OpenMap(name string, options ...MapOption) (*Map, error) {
	if m, ok := s.maps[name]; ok {
		return m, nil
	}
	m := &Map{store: s, name: name, entries: make(map[string]string)}
	for _, option := range options {
		option(m)
	}

	if v, ok := s.meta.entries[format.MetaNamePrefix+name]; ok {
		id, err := strconv.ParseInt(v, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("store: map %q id entry: %w", name, err)
		}
		m.id = int(id)
		if rootHex, ok := s.meta.entries[format.MetaRootPrefix+v]; ok {
			root, err := strconv.ParseUint(rootHex, 16, 64)
			if err != nil {
				return nil, fmt.Errorf("store: map %q root entry: %w", name, err)
			}
			if err := s.loadEntries(root, m.entries); err != nil {
				return nil, fmt.Errorf("store: load map %q: %w", name, err)
			}
		}
	} else {
		if s.readOnly {
			return nil, fmt.Errorf("store: map %q does not exist: %w", name, ErrReadOnly)
		}
		s.lastMapID++
		m.id = s.lastMapID
		idHex := strconv.FormatInt(int64(m.id), 16)
		s.meta.Set(format.MetaNamePrefix+name, idHex)
		s.meta.Set(format.MetaMapPrefix+idHex, name)
		m.dirty = true
	}
	s.maps[name] = m
	s.mapsByID[m.id] = m
	return m, nil
}

// maybeAutoCommit commits when the configured delay has elapsed since
// the last commit. Called from map mutation paths.
func (s *Store) maybeAutoCommit() {
	if s.committing || s.readOnly || s.autoCommitDelay <= 0 {
		return
	}
	if time.Since(s.lastCommit) < s.autoCommitDelay {
		return
	}
	if _, err := s.Commit(); err != nil {
		s.logger.Error("auto-commit: %v", err)
	}
}

// Commit seals all uncommitted changes into one new chunk appended at
// the end of the file and returns the new store version. With nothing
// dirty it returns the current version unchanged.
func (s *Store) Commit() (int64, error) {
	if s.readOnly {
		return s.version, ErrReadOnly
	}
	dirty := s.meta.dirty
	for _, m := range s.maps {
		dirty = dirty || m.dirty
	}
	if !dirty {
		return s.version, nil
	}
	s.committing = true
	defer func() { s.committing = false }()

	version := s.version + 1
	chunkID := s.lastChunkID + 1
	block := s.size / format.BlockSize
	now := time.Now().UnixMilli()

	c := &format.ChunkHeader{
		ID:      chunkID,
		Block:   block,
		Time:    now - s.header.Created,
		Version: uint64(version),
	}

	ps := newPageSet(chunkID)
	for _, name := range s.sortedDirtyMaps() {
		m := s.maps[name]
		root := s.writeMap(ps, m)
		idHex := strconv.FormatInt(int64(m.id), 16)
		s.meta.entries[format.MetaRootPrefix+idHex] = strconv.FormatUint(root, 16)
		s.meta.dirty = true
	}
	s.meta.entries[format.MetaLastMapID] = strconv.FormatInt(int64(s.lastMapID), 16)

	// The chunk's own layout entry is part of the meta map it seals.
	// Fixed-width fields keep the serialized size independent of the
	// final values, so the meta pages are laid out once with a
	// placeholder and rewritten in place with the real extent.
	s.meta.entries[format.MetaChunkPrefix+strconv.FormatInt(int64(chunkID), 16)] = layoutEntry(c)
	metaStart := len(ps.pages)
	metaOffset := ps.offset
	metaPageNo := ps.pageNo
	metaMax := ps.maxLen
	root := s.writeMap(ps, s.meta)

	c.Pages = ps.pageNo
	c.Max = ps.maxLen
	c.LiveMax = ps.maxLen
	c.Root = root
	c.Len = chunkBlocks(ps.size())

	// rewrite the meta pages with the final layout entry
	s.meta.entries[format.MetaChunkPrefix+strconv.FormatInt(int64(chunkID), 16)] = layoutEntry(c)
	ps.pages = ps.pages[:metaStart]
	ps.offset = metaOffset
	ps.pageNo = metaPageNo
	ps.maxLen = metaMax
	if again := s.writeMap(ps, s.meta); again != root {
		return s.version, fmt.Errorf("store: meta root moved between layout passes: %x != %x", again, root)
	}

	if err := s.writeChunk(c, ps); err != nil {
		return s.version, err
	}

	s.chunks[chunkID] = c
	s.lastChunkID = chunkID
	s.version = version
	s.header.Version = uint64(version)
	s.header.LastChunk = chunkID
	if err := s.writeFileHeader(); err != nil {
		return s.version, err
	}
	if err := s.file.Sync(); err != nil {
		return s.version, fmt.Errorf("store: sync: %w", err)
	}
	s.meta.dirty = false
	for _, m := range s.maps {
		m.dirty = false
	}
	s.lastCommit = time.Now()
	return version, nil
}

// writeChunk assembles header area, page records, padding and footer
// into one block-aligned span and appends it at the end of the file.
func (s *Store) writeChunk(c *format.ChunkHeader, ps *pageSet) error {
	buf := make([]byte, int64(c.Len)*format.BlockSize)
	copy(buf, c.Encode())
	off := format.ChunkHeaderArea
	for _, page := range ps.pages {
		copy(buf[off:], page)
		off += len(page)
	}
	copy(buf[len(buf)-format.FooterLength:], c.EncodeFooter())

	if _, err := s.file.WriteAt(buf, c.Block*format.BlockSize); err != nil {
		return fmt.Errorf("store: write chunk %d: %w", c.ID, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("store: sync chunk %d: %w", c.ID, err)
	}
	s.size = c.Block*format.BlockSize + int64(len(buf))
	return nil
}

// sortedDirtyMaps returns the names of dirty user maps in ascending
// order, for a deterministic page layout.
func (s *Store) sortedDirtyMaps() []string {
	var names []string
	for name, m := range s.maps {
		if m.dirty {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close commits pending changes on a writable store and releases the
// file handle.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	if !s.readOnly {
		if _, err := s.Commit(); err != nil && !errors.Is(err, ErrReadOnly) {
			s.file.Close()
			s.file = nil
			return err
		}
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// chunkBlocks returns the block count covering the header area, the
// given payload bytes and the footer.
func chunkBlocks(payload int) int {
	total := format.ChunkHeaderArea + payload + format.FooterLength
	return (total + format.BlockSize - 1) / format.BlockSize
}

// layoutEntry renders the fixed-width serialized-chunk-header string
// stored as the chunk's meta layout record.
func layoutEntry(c *format.ChunkHeader) string {
	return fmt.Sprintf(
		"chunk:%08x,block:%08x,len:%08x,liveMax:%012x,max:%012x,pages:%08x,root:%016x,time:%012x,unused:%012x,version:%016x",
		c.ID, c.Block, c.Len, c.LiveMax, c.Max, c.Pages, c.Root, c.Time, c.Unused, c.Version)
}
