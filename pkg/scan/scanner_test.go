package scan_test

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/lumodb/lumo/pkg/common/log"
	"github.com/lumodb/lumo/pkg/format"
	"github.com/lumodb/lumo/pkg/scan"
	"github.com/lumodb/lumo/pkg/store"
)

// buildFixture commits the given number of chunks into a fresh store
// file and returns its path.
func buildFixture(t *testing.T, commits int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan.lumo")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SetAutoCommitDelay(0)
	m, err := s.OpenMap("data")
	if err != nil {
		t.Fatalf("open map: %v", err)
	}
	for i := 1; i <= commits; i++ {
		m.Set(fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
		if _, err := s.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func scanAll(t *testing.T, path string) []*scan.Result {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	scanner := scan.NewScanner(f, info.Size(), scan.WithLogger(log.Quiet()))
	var results []*scan.Result
	for {
		res, err := scanner.Next()
		if err == io.EOF {
			return results
		}
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		results = append(results, res)
	}
}

func TestScanWalksHeadersAndChunksInOrder(t *testing.T) {
	path := buildFixture(t, 3)
	results := scanAll(t, path)
	if len(results) != 5 {
		t.Fatalf("got %d results, expected 2 headers + 3 chunks", len(results))
	}
	for i := 0; i < format.MaxFileHeaders; i++ {
		res := results[i]
		if res.Kind != scan.KindFileHeader {
			t.Fatalf("result %d kind %v, expected file header", i, res.Kind)
		}
		if res.Pos != int64(i)*format.BlockSize {
			t.Errorf("header %d at %d", i, res.Pos)
		}
		if res.Header == nil {
			t.Errorf("header %d did not parse: %q", i, res.HeaderText)
		}
	}
	prev := int64(0)
	for i, res := range results[format.MaxFileHeaders:] {
		if res.Kind != scan.KindChunk {
			t.Fatalf("result %d kind %v, expected chunk", i, res.Kind)
		}
		if res.Pos <= prev {
			t.Errorf("chunk %d at %d is out of order", res.Chunk.ID, res.Pos)
		}
		prev = res.Pos
		if res.Chunk.Version != uint64(i+1) {
			t.Errorf("chunk at %d has version %d, expected %d", res.Pos, res.Chunk.Version, i+1)
		}
		if res.PageErr != nil {
			t.Errorf("chunk %d pages: %v", res.Chunk.ID, res.PageErr)
		}
		if len(res.Pages) != res.Chunk.Pages {
			t.Errorf("chunk %d located %d pages, header declares %d",
				res.Chunk.ID, len(res.Pages), res.Chunk.Pages)
		}
		if res.FooterErr != nil {
			t.Errorf("chunk %d footer: %v", res.Chunk.ID, res.FooterErr)
		}
		if res.Footer == nil || !res.Footer.Matches(res.Chunk) {
			t.Errorf("chunk %d footer does not restate its header", res.Chunk.ID)
		}
	}
}

func TestScanSurvivesTruncation(t *testing.T) {
	path := buildFixture(t, 3)
	results := scanAll(t, path)
	lastChunk := results[len(results)-1]

	// cut into the last chunk: once mid-block and once on a block
	// boundary inside the declared span
	for _, cut := range []int64{lastChunk.Pos + 100, lastChunk.Pos + format.BlockSize} {
		truncated := filepath.Join(t.TempDir(), "cut.lumo")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := os.WriteFile(truncated, data[:cut], 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}

		got := scanAll(t, truncated)
		var chunks, unreadable int
		for _, res := range got {
			switch res.Kind {
			case scan.KindChunk:
				chunks++
			case scan.KindUnreadable:
				unreadable++
				if res.Err == nil {
					t.Error("unreadable result without an error")
				}
			}
		}
		if chunks != 2 {
			t.Errorf("cut at %d: %d complete chunks survived, expected 2", cut, chunks)
		}
		if unreadable == 0 {
			t.Errorf("cut at %d: truncated tail was not reported", cut)
		}
	}
}

func TestScanSkipsImpostorChunkBlock(t *testing.T) {
	path := buildFixture(t, 2)
	results := scanAll(t, path)
	size := results[len(results)-1].Pos + int64(results[len(results)-1].Chunk.Len)*format.BlockSize

	// append a block whose first byte is the chunk tag but whose
	// contents are garbage; the walk must step over it
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	junk := make([]byte, format.BlockSize)
	junk[0] = format.TagChunk
	copy(junk[1:], "hunk:000000,")
	if _, err := f.WriteAt(junk, size); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	got := scanAll(t, path)
	if len(got) != len(results) {
		t.Fatalf("got %d results after appending junk, expected %d", len(got), len(results))
	}
	for i, res := range got {
		if res.Kind != results[i].Kind || res.Pos != results[i].Pos {
			t.Errorf("result %d changed: kind %v at %d", i, res.Kind, res.Pos)
		}
	}
}

func TestScanReportsExcessHeaderBlocksAsData(t *testing.T) {
	path := buildFixture(t, 1)

	// a third block starting with the header tag is payload, not a header
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	info, _ := os.Stat(path)
	extra := make([]byte, format.BlockSize)
	extra[0] = format.TagFileHeader
	if _, err := f.WriteAt(extra, info.Size()); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	var headers int
	for _, res := range scanAll(t, path) {
		if res.Kind == scan.KindFileHeader {
			headers++
		}
	}
	if headers != format.MaxFileHeaders {
		t.Errorf("classified %d header blocks, expected %d", headers, format.MaxFileHeaders)
	}
}
