// Package inspect renders read-only reports over store files: a
// structural dump built from the raw block scan, and a summary info
// report built by opening the store through the engine in read-only
// recovery mode. Neither operation ever writes to the file.
package inspect

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/lumodb/lumo/pkg/common/log"
	"github.com/lumodb/lumo/pkg/compress"
	"github.com/lumodb/lumo/pkg/format"
	"github.com/lumodb/lumo/pkg/scan"
)

// Dump walks the file block by block and prints every recognized
// structure with its key fields. With details enabled, meta map pages
// are rendered entry by entry and node pages show their child
// pointers. Errors are printed inline; the walk never aborts on a
// single bad block, chunk or page.
func Dump(path string, w io.Writer, details bool) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(w, "File not found: %s\n", path)
		return
	}
	size := info.Size()
	fmt.Fprintf(w, "File %s, %d bytes, %d MB\n", path, size, size/1024/1024)
	width := len(fmt.Sprintf("%x", size))

	file, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return
	}
	defer file.Close()

	mapSizesTotal := make(map[int]int64)
	var pageSizeTotal int64
	var pageCount int64

	scanner := scan.NewScanner(file, size, scan.WithLogger(log.Quiet()))
	for {
		res, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(w, "ERROR: %v\n", err)
			break
		}
		switch res.Kind {
		case scan.KindFileHeader:
			fmt.Fprintf(w, "%0*x fileHeader %s\n", width, res.Pos, res.HeaderText)
		case scan.KindUnreadable:
			fmt.Fprintf(w, "%0*x ERROR: %v\n", width, res.Pos, res.Err)
		case scan.KindChunk:
			dumpChunk(w, width, res, details, mapSizesTotal, &pageSizeTotal)
			pageCount += int64(len(res.Pages))
		}
	}

	fmt.Fprintf(w, "\n%0*x eof\n\n", width, size)
	if pageCount < 1 {
		pageCount = 1
	}
	fmt.Fprintf(w, "page size total: %d bytes, page count: %d, average page size: %d bytes\n",
		pageSizeTotal, pageCount, pageSizeTotal/pageCount)
	if pageSizeTotal < 1 {
		pageSizeTotal = 1
	}
	for _, mapID := range sortedMapIDs(mapSizesTotal) {
		fmt.Fprintf(w, "map %x: %d bytes, %d%%\n",
			mapID, mapSizesTotal[mapID], 100*mapSizesTotal[mapID]/pageSizeTotal)
	}
}

func dumpChunk(w io.Writer, width int, res *scan.Result, details bool,
	mapSizesTotal map[int]int64, pageSizeTotal *int64) {

	c := res.Chunk
	fmt.Fprintf(w, "\n%0*x chunkHeader %s\n", width, res.Pos, c.String())

	mapSizes := make(map[int]int64)
	var pageSizeSum int64
	for _, page := range res.Pages {
		h := page.Header
		if details {
			kind := "leaf"
			entries := h.Entries
			if h.IsNode() {
				kind = "node"
				entries++
			}
			if h.IsCompressed() {
				kind += " compressed"
			}
			fmt.Fprintf(w, "+%0*x %s, map %x, %d entries, %d bytes, maxLen %x\n",
				width, page.Offset, kind, h.MapID, entries, h.Length,
				format.PageMaxLength(format.ComposePagePos(0, 0, int(h.Length), 0)))
			dumpPageDetails(w, width, res.Data, page)
		}
		mapSizes[h.MapID] += int64(h.Length)
		mapSizesTotal[h.MapID] += int64(h.Length)
		pageSizeSum += int64(h.Length)
		*pageSizeTotal += int64(h.Length)
	}
	if res.PageErr != nil {
		fmt.Fprintf(w, "ERROR: %v\n", res.PageErr)
	}

	if pageSizeSum < 1 {
		pageSizeSum = 1
	}
	for _, mapID := range sortedMapIDs(mapSizes) {
		fmt.Fprintf(w, "map %x: %d bytes, %d%%\n", mapID, mapSizes[mapID], 100*mapSizes[mapID]/pageSizeSum)
	}

	footerPos := len(res.Data) - format.FooterLength
	if res.Footer != nil && res.FooterErr == nil {
		text := trimFooterText(res.Data[footerPos:])
		fmt.Fprintf(w, "+%0*x chunkFooter %s\n", width, footerPos, text)
	} else if res.FooterErr != nil {
		fmt.Fprintf(w, "+%0*x ERROR: %v\n", width, footerPos, res.FooterErr)
	}
}

// dumpPageDetails re-decodes one page record out of the chunk bytes
// and renders its contents: key/value pairs for meta leaves, child
// pointers with subtree counts for nodes. A page that cannot be
// decoded gets an ERROR line and the dump moves on.
func dumpPageDetails(w io.Writer, width int, data []byte, page scan.PageInfo) {
	h := page.Header
	if !h.IsNode() && h.MapID != format.MetaMapID {
		return
	}
	end := page.Offset + int(h.Length)
	if end > len(data) {
		end = len(data)
	}
	r := format.NewReader(data[:end], page.Offset)
	if _, err := format.DecodePageHeader(r); err != nil {
		fmt.Fprintf(w, "    ERROR: %v\n", err)
		return
	}

	var children []uint64
	var counts []uint64
	if h.IsNode() {
		children = make([]uint64, h.Entries+1)
		for i := range children {
			children[i] = r.Int64()
		}
		counts = make([]uint64, h.Entries+1)
		for i := range counts {
			counts[i] = r.Uvarint()
		}
		if err := r.Err(); err != nil {
			fmt.Fprintf(w, "    ERROR: %v\n", err)
			return
		}
	}
	if h.MapID != format.MetaMapID {
		// user map node: pointers only, keys are opaque
		for i, child := range children {
			fmt.Fprintf(w, "    %d children @ chunk %x +%0*x\n",
				counts[i], format.PageChunkID(child), width, format.PageOffset(child))
		}
		return
	}

	body := r
	if h.IsCompressed() {
		delta := int(r.Uvarint())
		comp := r.Bytes(r.Remaining())
		if err := r.Err(); err != nil {
			fmt.Fprintf(w, "    ERROR: %v\n", err)
			return
		}
		raw, err := compress.ForPageType(h.IsCompressedHigh()).Expand(comp, len(comp)+delta)
		if err != nil {
			fmt.Fprintf(w, "    ERROR: %v\n", err)
			return
		}
		body = format.NewReader(raw, 0)
	}

	if h.IsNode() {
		// meta map node: separator keys between children
		keys := make([]string, h.Entries)
		for i := range keys {
			keys[i] = body.String()
		}
		if err := body.Err(); err != nil {
			fmt.Fprintf(w, "    ERROR: %v\n", err)
			return
		}
		for i := 0; i < h.Entries; i++ {
			fmt.Fprintf(w, "    %d children < %s @ chunk %x +%0*x\n",
				counts[i], keys[i], format.PageChunkID(children[i]), width, format.PageOffset(children[i]))
		}
		last := children[h.Entries]
		fmt.Fprintf(w, "    %d children >= %s @ chunk %x +%0*x\n",
			counts[h.Entries], "", format.PageChunkID(last), width, format.PageOffset(last))
		return
	}

	// meta map leaf: key then value per entry
	for i := 0; i < h.Entries; i++ {
		k := body.String()
		v := body.String()
		if err := body.Err(); err != nil {
			fmt.Fprintf(w, "    ERROR: %v\n", err)
			return
		}
		fmt.Fprintf(w, "    %s = %s\n", k, v)
	}
}

func sortedMapIDs(m map[int]int64) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func trimFooterText(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}
