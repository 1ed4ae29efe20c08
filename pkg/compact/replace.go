package compact

import (
	"fmt"
	"os"
)

// Suffixes of the work files a compaction leaves behind while running.
const (
	// TempSuffix marks the fresh copy while it is being written.
	TempSuffix = ".tmp"
	// NewSuffix marks the copy mid-swap when the platform cannot
	// replace the destination atomically.
	NewSuffix = ".new"
)

// TempPath returns the side path a compaction of the given file writes
// to before the swap.
func TempPath(path string) string { return path + TempSuffix }

// MoveAtomicReplace renames sourceName over destinationName. When the
// platform refuses an atomic replace it falls back to a three-step
// sequence (source to ".new", drop destination, ".new" to
// destination); an interruption anywhere in that sequence is resumable
// through CleanUp.
func MoveAtomicReplace(sourceName, destinationName string) error {
	if err := os.Rename(sourceName, destinationName); err == nil {
		return nil
	}
	newName := destinationName + NewSuffix
	removeIfPresent(newName)
	if err := os.Rename(sourceName, newName); err != nil {
		return fmt.Errorf("compact: stage %s: %w", newName, err)
	}
	removeIfPresent(destinationName)
	if err := os.Rename(newName, destinationName); err != nil {
		return fmt.Errorf("compact: promote %s: %w", destinationName, err)
	}
	return nil
}

// CleanUp finishes any compaction of the given file that was
// interrupted by a crash or kill. A stale temp file is dropped; a
// stale ".new" file is promoted when the destination is missing and
// dropped when the swap had already completed. Safe to run on every
// startup.
func CleanUp(path string) error {
	tempName := TempPath(path)
	if exists(tempName) {
		if err := os.Remove(tempName); err != nil {
			return fmt.Errorf("compact: clean up %s: %w", tempName, err)
		}
	}
	newName := path + NewSuffix
	if exists(newName) {
		if exists(path) {
			// the swap already completed, the leftover is stale
			if err := os.Remove(newName); err != nil {
				return fmt.Errorf("compact: clean up %s: %w", newName, err)
			}
		} else if err := os.Rename(newName, path); err != nil {
			return fmt.Errorf("compact: resume promote of %s: %w", newName, err)
		}
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfPresent(path string) {
	if exists(path) {
		os.Remove(path)
	}
}
