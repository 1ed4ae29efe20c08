package compact_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lumodb/lumo/pkg/compact"
	"github.com/lumodb/lumo/pkg/format"
	"github.com/lumodb/lumo/pkg/store"
)

// buildFixture creates a store with several generations of overwrites
// so the file carries dead space worth reclaiming.
func buildFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compact.lumo")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SetAutoCommitDelay(0)
	data, err := s.OpenMap("data")
	if err != nil {
		t.Fatalf("open map: %v", err)
	}
	undo, err := s.OpenMap(compact.UndoLogPrefix+".1", store.SingleWriter())
	if err != nil {
		t.Fatalf("open undo map: %v", err)
	}
	for gen := 0; gen < 4; gen++ {
		for i := 0; i < 50; i++ {
			data.Set(fmt.Sprintf("key-%02d", i), fmt.Sprintf("gen-%d-value-%d", gen, i))
		}
		undo.Set(fmt.Sprintf("op-%d", gen), "undo")
		if _, err := s.Commit(); err != nil {
			t.Fatalf("commit %d: %v", gen, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return path
}

func TestCompactPreservesLiveData(t *testing.T) {
	path := buildFixture(t)
	before, _ := os.Stat(path)

	if err := compact.CompactFile(path, false); err != nil {
		t.Fatalf("compact: %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if after.Size() >= before.Size() {
		t.Errorf("compaction grew the file: %d -> %d bytes", before.Size(), after.Size())
	}
	if _, err := os.Stat(compact.TempPath(path)); err == nil {
		t.Error("temp file left behind")
	}

	s, err := store.Open(path, store.ReadOnly())
	if err != nil {
		t.Fatalf("open compacted: %v", err)
	}
	defer s.Close()
	if got := len(s.Chunks()); got != 1 {
		t.Errorf("compacted store has %d chunks, expected 1", got)
	}
	if s.CurrentVersion() < 4 {
		t.Errorf("compacted store at version %d, source was at 4", s.CurrentVersion())
	}
	m, err := s.OpenMap("data")
	if err != nil {
		t.Fatalf("open map: %v", err)
	}
	if m.Len() != 50 {
		t.Fatalf("%d entries survived, expected 50", m.Len())
	}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%02d", i)
		want := fmt.Sprintf("gen-3-value-%d", i)
		if v, _ := m.Get(k); v != want {
			t.Fatalf("%s = %q, expected %q", k, v, want)
		}
	}
	undo, err := s.OpenMap(compact.UndoLogPrefix + ".1")
	if err != nil {
		t.Fatalf("open undo map: %v", err)
	}
	if undo.Len() != 4 {
		t.Errorf("undo map has %d entries, expected 4", undo.Len())
	}
}

func TestCompactRegeneratesLayoutMeta(t *testing.T) {
	src := buildFixture(t)
	dst := src + ".copy"
	if err := compact.CompactInto(src, dst, false); err != nil {
		t.Fatalf("compact: %v", err)
	}
	defer os.Remove(dst)

	s, err := store.Open(dst, store.ReadOnly())
	if err != nil {
		t.Fatalf("open copy: %v", err)
	}
	defer s.Close()
	var layoutEntries int
	for _, key := range s.Meta().Keys() {
		if strings.HasPrefix(key, format.MetaChunkPrefix) {
			layoutEntries++
		}
	}
	// the source accumulated four chunk entries; the copy regenerates
	// exactly one for the single chunk it wrote
	if layoutEntries != 1 {
		t.Errorf("copy has %d layout entries, expected 1", layoutEntries)
	}
}

func TestCompactCarriesUnreservedMeta(t *testing.T) {
	src := buildFixture(t)
	s, err := store.Open(src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SetAutoCommitDelay(0)
	s.Meta().Set("setting.retention", "45000")
	if _, err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	s.Close()

	dst := src + ".copy"
	if err := compact.CompactInto(src, dst, false); err != nil {
		t.Fatalf("compact: %v", err)
	}
	defer os.Remove(dst)

	s2, err := store.Open(dst, store.ReadOnly())
	if err != nil {
		t.Fatalf("open copy: %v", err)
	}
	defer s2.Close()
	if v, _ := s2.Meta().Get("setting.retention"); v != "45000" {
		t.Errorf("setting.retention = %q", v)
	}
}

func TestCompactWithCompression(t *testing.T) {
	path := buildFixture(t)
	if err := compact.CompactFile(path, true); err != nil {
		t.Fatalf("compact: %v", err)
	}
	s, err := store.Open(path, store.ReadOnly())
	if err != nil {
		t.Fatalf("open compacted: %v", err)
	}
	defer s.Close()
	m, err := s.OpenMap("data")
	if err != nil {
		t.Fatalf("open map: %v", err)
	}
	if v, _ := m.Get("key-07"); v != "gen-3-value-7" {
		t.Errorf("key-07 = %q", v)
	}
}

func TestCleanUpRemovesStaleTemp(t *testing.T) {
	path := buildFixture(t)
	temp := compact.TempPath(path)
	if err := os.WriteFile(temp, []byte("partial copy"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := compact.CleanUp(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(temp); err == nil {
		t.Error("stale temp file survived")
	}
}

func TestCleanUpResumesInterruptedSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swap.lumo")
	newName := path + compact.NewSuffix

	// destination missing: the staged copy must be promoted
	if err := os.WriteFile(newName, []byte("staged"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := compact.CleanUp(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "staged" {
		t.Fatalf("staged copy was not promoted: %v", err)
	}

	// destination present: the leftover is stale and must be dropped
	if err := os.WriteFile(newName, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := compact.CleanUp(path); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(newName); err == nil {
		t.Error("stale staged copy survived")
	}
	got, _ = os.ReadFile(path)
	if string(got) != "staged" {
		t.Errorf("destination changed to %q", got)
	}
}
