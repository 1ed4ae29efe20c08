// Package repair recovers a usable store file from one whose newest
// state is damaged, with no prior knowledge of which version is last
// good. It drives the rollback engine in a monotonically shrinking
// linear search from the top: corruption is assumed to sit at the
// tail, and validity is not proven monotonic in version, so candidates
// are tried newest first, one at a time, never by bisection.
package repair

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/lumodb/lumo/pkg/inspect"
	"github.com/lumodb/lumo/pkg/rollback"
)

// BackupPath returns the sibling path the original file is moved to
// when a repair succeeds.
func BackupPath(path string) string { return path + ".back" }

// ErrNoGoodVersion is returned when every non-negative candidate
// version has been tried without producing a file that validates.
var ErrNoGoodVersion = errors.New("repair: no good version found")

// Repair searches for the newest version of the file that validates,
// printing one trial line per candidate so the search is auditable.
// On success the original is backed up to BackupPath(path) and the
// repaired copy takes its place. Every failed attempt starts over from
// the untouched original.
func Repair(path string, w io.Writer) error {
	version := int64(math.MaxInt64)
	for version >= 0 {
		if version == math.MaxInt64 {
			fmt.Fprintln(w, "Trying latest version")
		} else {
			fmt.Fprintf(w, "Trying version %d\n", version)
		}

		rolled, err := rollback.Roll(path, version, io.Discard)
		version = rolled
		if err != nil {
			fmt.Fprintf(w, "Fail: %v\n", err)
			version--
			continue
		}
		if rolled == rollback.NoVersion {
			// no chunk at or below the candidate: same treatment as a
			// failed validation, never promote the chunkless leftover
			version--
			continue
		}

		tempPath := rollback.TempPath(path)
		errText := inspect.Info(tempPath, io.Discard)
		if errText == "" {
			if err := promote(path, tempPath); err != nil {
				return err
			}
			fmt.Fprintln(w, "Success")
			return nil
		}
		fmt.Fprintf(w, "    ... failed: %s\n", errText)
		version--
	}
	fmt.Fprintln(w, "No good version found")
	return ErrNoGoodVersion
}

// promote backs up the original by rename, never by deletion, then
// moves the validated candidate into place.
func promote(path, tempPath string) error {
	if err := os.Rename(path, BackupPath(path)); err != nil {
		return fmt.Errorf("repair: back up original: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("repair: promote repaired file: %w", err)
	}
	return nil
}
