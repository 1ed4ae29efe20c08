// Package rollback materializes a version-bounded copy of a store
// file. The copy keeps every chunk at or below the target version at
// its original byte offset, untouched, and appends one duplicate of
// the newest retained chunk at the end so the physical tail marks the
// logical end of history. Page pointers are chunk-relative, never
// absolute offsets, which is what makes relocation by duplication
// safe.
package rollback

import (
	"fmt"
	"io"
	"os"

	"github.com/lumodb/lumo/pkg/common/log"
	"github.com/lumodb/lumo/pkg/format"
	"github.com/lumodb/lumo/pkg/scan"
)

// NoVersion is returned when no chunk at or below the requested
// version exists.
const NoVersion = int64(-1)

// TempPath returns the side path a rollback of the given file is
// written to.
func TempPath(path string) string { return path + ".temp" }

// Roll rolls the store at path back to targetVersion, writing the
// result to TempPath(path). The source is never modified. It returns
// the version actually rolled back to, or NoVersion when no chunk is
// eligible or the source cannot be processed. Progress and errors are
// printed to w.
func Roll(path string, targetVersion int64, w io.Writer) (int64, error) {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(w, "File not found: %s\n", path)
		return NoVersion, err
	}
	if targetVersion < 0 {
		return NoVersion, nil
	}

	src, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return NoVersion, err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return NoVersion, err
	}
	size := info.Size()

	dstPath := TempPath(path)
	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return NoVersion, err
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return NoVersion, err
	}
	defer dst.Close()

	var newest *scan.Result
	scanner := scan.NewScanner(src, size, scan.WithLogger(log.Quiet()))
	for {
		res, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(w, "ERROR: %v\n", err)
			return NoVersion, err
		}
		switch res.Kind {
		case scan.KindFileHeader:
			if _, err := dst.WriteAt(res.Data, res.Pos); err != nil {
				fmt.Fprintf(w, "ERROR: %v\n", err)
				return NoVersion, err
			}
		case scan.KindChunk:
			if res.Chunk.Version > uint64(targetVersion) {
				// postdates the requested point
				continue
			}
			if _, err := dst.WriteAt(res.Data, res.Pos); err != nil {
				fmt.Fprintf(w, "ERROR: %v\n", err)
				return NoVersion, err
			}
			if newest == nil || res.Chunk.Version > newest.Chunk.Version {
				newest = res
			}
		case scan.KindUnreadable:
			// a damaged or truncated span; nothing to retain there
		}
	}

	if newest == nil {
		return NoVersion, nil
	}

	// Duplicate the newest retained chunk past the original end of the
	// file, aligned up to a block boundary in case the source tail was
	// truncated mid-block. An engine opening the copy finds this
	// chunk's footer at EOF and recognizes the valid tail.
	appendPos := (size + format.BlockSize - 1) / format.BlockSize * format.BlockSize
	if _, err := dst.WriteAt(newest.Data, appendPos); err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return NoVersion, err
	}
	if err := dst.Sync(); err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return NoVersion, err
	}
	return int64(newest.Chunk.Version), nil
}
