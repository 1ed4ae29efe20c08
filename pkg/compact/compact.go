// Package compact copies only live, reachable data from a source
// store into a freshly created target store, then swaps the files.
// Dead chunk space is left behind; the target regenerates its own
// layout bookkeeping as it commits.
package compact

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lumodb/lumo/pkg/format"
	"github.com/lumodb/lumo/pkg/store"
)

// UndoLogPrefix names the transactional undo maps, which must be
// opened in single-writer mode on both sides of a copy.
const UndoLogPrefix = "undoLog"

// CompactFile rewrites the store at path in place: the live copy goes
// to a temp-suffixed sibling which then atomically replaces the
// original. With compressPages set the target is written with fast
// page compression.
func CompactFile(path string, compressPages bool) error {
	tempName := TempPath(path)
	removeIfPresent(tempName)
	if err := CompactInto(path, tempName, compressPages); err != nil {
		return err
	}
	return MoveAtomicReplace(tempName, path)
}

// CompactInto copies all live data from the store at srcPath into a
// fresh store at dstPath, deleting any pre-existing file there first.
func CompactInto(srcPath, dstPath string, compressPages bool) error {
	source, err := store.Open(srcPath, store.ReadOnly())
	if err != nil {
		return err
	}
	defer source.Close()

	removeIfPresent(dstPath)
	options := []store.Option{}
	if compressPages {
		options = append(options, store.Compress())
	}
	target, err := store.Open(dstPath, options...)
	if err != nil {
		return err
	}
	defer target.Close()
	return Compact(source, target)
}

// Compact copies every live map entry from source to target. For the
// duration of the copy the target's automatic commit and space
// reclamation are both disabled: the copy works through pages that are
// incomplete until the one final commit, and none of them may become
// eligible for reclamation before that. The caller's settings are
// restored afterwards.
func Compact(source, target *store.Store) error {
	target.SetCurrentVersion(source.CurrentVersion())
	target.AdjustLastMapID(source.LastMapID())
	autoCommitDelay := target.AutoCommitDelay()
	reuseSpace := target.ReuseSpace()
	defer func() {
		target.SetAutoCommitDelay(autoCommitDelay)
		target.SetReuseSpace(reuseSpace)
	}()
	target.SetReuseSpace(false)
	target.SetAutoCommitDelay(0)

	sourceMeta := source.Meta()
	targetMeta := target.Meta()
	for _, key := range sourceMeta.Keys() {
		if reservedMetaKey(key) {
			// layout and naming records are regenerated by the target
			continue
		}
		v, _ := sourceMeta.Get(key)
		targetMeta.Set(key, v)
	}

	for _, name := range source.MapNames() {
		var mapOptions []store.MapOption
		if strings.HasPrefix(name, UndoLogPrefix) {
			mapOptions = append(mapOptions, store.SingleWriter())
		}
		sourceMap, err := source.OpenMap(name, mapOptions...)
		if err != nil {
			return fmt.Errorf("compact: open source map %q: %w", name, err)
		}
		targetMap, err := target.OpenMap(name, mapOptions...)
		if err != nil {
			return fmt.Errorf("compact: open target map %q: %w", name, err)
		}
		for _, k := range sourceMap.Keys() {
			v, _ := sourceMap.Get(k)
			targetMap.Set(k, v)
		}
		// record the target's new map id against the original map's
		// stored metadata entry
		srcKey := format.MetaMapPrefix + strconv.FormatInt(int64(sourceMap.ID()), 16)
		if v, ok := sourceMeta.Get(srcKey); ok {
			dstKey := format.MetaMapPrefix + strconv.FormatInt(int64(targetMap.ID()), 16)
			targetMeta.Set(dstKey, v)
		}
	}

	if _, err := target.Commit(); err != nil {
		return fmt.Errorf("compact: final commit: %w", err)
	}
	return nil
}

func reservedMetaKey(key string) bool {
	return strings.HasPrefix(key, format.MetaChunkPrefix) ||
		strings.HasPrefix(key, format.MetaNamePrefix) ||
		strings.HasPrefix(key, format.MetaMapPrefix) ||
		strings.HasPrefix(key, format.MetaRootPrefix) ||
		key == format.MetaLastMapID
}
