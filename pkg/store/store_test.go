package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lumodb/lumo/pkg/format"
)

func openTestStore(t *testing.T, path string, options ...Option) *Store {
	t.Helper()
	s, err := Open(path, options...)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	s.SetAutoCommitDelay(0)
	return s
}

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lumo")
	s := openTestStore(t, path)
	m, err := s.OpenMap("settings")
	if err != nil {
		t.Fatalf("open map: %v", err)
	}
	m.Set("mode", "fast")
	m.Set("retention", "45000")
	version, err := s.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if version != 1 {
		t.Errorf("first commit produced version %d, expected 1", version)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openTestStore(t, path, ReadOnly())
	defer s2.Close()
	if got := s2.CurrentVersion(); got != 1 {
		t.Errorf("reopened at version %d, expected 1", got)
	}
	m2, err := s2.OpenMap("settings")
	if err != nil {
		t.Fatalf("reopen map: %v", err)
	}
	if v, ok := m2.Get("mode"); !ok || v != "fast" {
		t.Errorf("mode = %q (%v), expected \"fast\"", v, ok)
	}
	if v, ok := m2.Get("retention"); !ok || v != "45000" {
		t.Errorf("retention = %q (%v), expected \"45000\"", v, ok)
	}
}

func TestVersionsAdvancePerCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lumo")
	s := openTestStore(t, path)
	defer s.Close()
	m, err := s.OpenMap("data")
	if err != nil {
		t.Fatalf("open map: %v", err)
	}
	for i := 1; i <= 3; i++ {
		m.Set(fmt.Sprintf("k%d", i), "v")
		version, err := s.Commit()
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		if version != int64(i) {
			t.Errorf("commit %d produced version %d", i, version)
		}
	}
	chunks := s.Chunks()
	if len(chunks) != 3 {
		t.Errorf("chunk table has %d entries, expected 3", len(chunks))
	}
	for id, c := range chunks {
		if int(c.Version) != id {
			t.Errorf("chunk %d sealed at version %d", id, c.Version)
		}
	}
}

func TestCommitWithoutChangesIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lumo")
	s := openTestStore(t, path)
	defer s.Close()
	m, _ := s.OpenMap("data")
	m.Set("a", "1")
	if _, err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	size := s.FileSize()
	version, err := s.Commit()
	if err != nil {
		t.Fatalf("idle commit: %v", err)
	}
	if version != 1 {
		t.Errorf("idle commit moved the version to %d", version)
	}
	if s.FileSize() != size {
		t.Errorf("idle commit grew the file from %d to %d", size, s.FileSize())
	}
}

func TestLargeMapSplitsIntoNodePages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lumo")
	s := openTestStore(t, path)
	m, _ := s.OpenMap("big")
	for i := 0; i < 500; i++ {
		m.Set(fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%d", i))
	}
	if _, err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	s.Close()

	s2 := openTestStore(t, path, ReadOnly())
	defer s2.Close()
	m2, err := s2.OpenMap("big")
	if err != nil {
		t.Fatalf("reopen map: %v", err)
	}
	if m2.Len() != 500 {
		t.Fatalf("reloaded %d entries, expected 500", m2.Len())
	}
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("key-%04d", i)
		if v, _ := m2.Get(k); v != fmt.Sprintf("value-%d", i) {
			t.Fatalf("%s = %q", k, v)
		}
	}
}

func TestCompressedStoreRoundTrip(t *testing.T) {
	for name, option := range map[string]Option{"fast": Compress(), "high": CompressHigh()} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.lumo")
			s := openTestStore(t, path, option)
			m, _ := s.OpenMap("docs")
			for i := 0; i < 200; i++ {
				m.Set(fmt.Sprintf("doc-%03d", i), "the same compressible value every time")
			}
			if _, err := s.Commit(); err != nil {
				t.Fatalf("commit: %v", err)
			}
			s.Close()

			s2 := openTestStore(t, path, ReadOnly())
			defer s2.Close()
			m2, err := s2.OpenMap("docs")
			if err != nil {
				t.Fatalf("reopen map: %v", err)
			}
			if v, _ := m2.Get("doc-150"); v != "the same compressible value every time" {
				t.Errorf("doc-150 = %q", v)
			}
		})
	}
}

func TestCompressedStoreManyCommits(t *testing.T) {
	for name, option := range map[string]Option{"fast": Compress(), "high": CompressHigh()} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.lumo")
			s := openTestStore(t, path, option)
			m, _ := s.OpenMap("data")
			// enough commits that the meta map outgrows one leaf and its
			// layout entries span node pages
			for i := 1; i <= 40; i++ {
				m.Set(fmt.Sprintf("key-%02d", i), "the same compressible value every time")
				if _, err := s.Commit(); err != nil {
					t.Fatalf("commit %d: %v", i, err)
				}
			}
			if err := s.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			s2 := openTestStore(t, path, ReadOnly())
			defer s2.Close()
			if got := s2.CurrentVersion(); got != 40 {
				t.Errorf("reopened at version %d, expected 40", got)
			}
			if got := len(s2.Chunks()); got != 40 {
				t.Errorf("chunk table has %d entries, expected 40", got)
			}
			m2, err := s2.OpenMap("data")
			if err != nil {
				t.Fatalf("reopen map: %v", err)
			}
			if m2.Len() != 40 {
				t.Fatalf("reloaded %d entries, expected 40", m2.Len())
			}
			if v, _ := m2.Get("key-33"); v != "the same compressible value every time" {
				t.Errorf("key-33 = %q", v)
			}
		})
	}
}

func TestRecoveryModeSurvivesTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lumo")
	s := openTestStore(t, path)
	m, _ := s.OpenMap("data")
	m.Set("stable", "yes")
	if _, err := s.Commit(); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	firstSize := s.FileSize()
	m.Set("doomed", "yes")
	if _, err := s.Commit(); err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	s.Close()

	// chop half of the second chunk off, as a crash mid-write would
	if err := os.Truncate(path, firstSize+format.BlockSize/2); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := Open(path, ReadOnly()); err == nil {
		t.Fatal("normal open accepted a truncated tail")
	}

	s2, err := Open(path, ReadOnly(), Recovery())
	if err != nil {
		t.Fatalf("recovery open: %v", err)
	}
	defer s2.Close()
	if got := s2.CurrentVersion(); got != 1 {
		t.Errorf("recovered at version %d, expected 1", got)
	}
	m2, err := s2.OpenMap("data")
	if err != nil {
		t.Fatalf("reopen map: %v", err)
	}
	if _, ok := m2.Get("doomed"); ok {
		t.Error("entry from the truncated commit survived")
	}
	if v, _ := m2.Get("stable"); v != "yes" {
		t.Errorf("stable = %q", v)
	}
}

func TestMetaLayoutEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lumo")
	s := openTestStore(t, path)
	defer s.Close()
	m, _ := s.OpenMap("data")
	m.Set("a", "1")
	if _, err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	entry, ok := s.Meta().Get(format.MetaChunkPrefix + "1")
	if !ok {
		t.Fatal("no layout entry for chunk 1")
	}
	c, err := format.ParseChunkHeader(entry)
	if err != nil {
		t.Fatalf("layout entry does not parse: %v", err)
	}
	if c.ID != 1 || c.Version != 1 {
		t.Errorf("layout entry %+v", c)
	}
	onDisk := s.Chunks()[1]
	if c.Len != onDisk.Len || c.Pages != onDisk.Pages {
		t.Errorf("layout entry extent %d/%d disagrees with header %d/%d",
			c.Len, c.Pages, onDisk.Len, onDisk.Pages)
	}
}

func TestReadOnlyRejectsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lumo")
	s := openTestStore(t, path)
	m, _ := s.OpenMap("data")
	m.Set("a", "1")
	s.Commit()
	s.Close()

	s2 := openTestStore(t, path, ReadOnly())
	defer s2.Close()
	if _, err := s2.OpenMap("brand-new"); err == nil {
		t.Error("read-only store created a map")
	}
	if _, err := s2.Commit(); err == nil {
		t.Error("read-only store committed")
	}
}
