package inspect

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/lumodb/lumo/pkg/common/log"
	"github.com/lumodb/lumo/pkg/format"
	"github.com/lumodb/lumo/pkg/store"
)

// Info opens the store read-only in recovery mode and writes a summary
// of its layout and space accounting. It returns the empty string on
// success and a descriptive error string otherwise; this return value
// is what the repair protocol judges a candidate file by.
func Info(path string, w io.Writer) string {
	fi, err := os.Stat(path)
	if err != nil {
		msg := fmt.Sprintf("File not found: %s", path)
		fmt.Fprintln(w, msg)
		return msg
	}
	fileLength := fi.Size()

	s, err := store.Open(path, store.ReadOnly(), store.Recovery(), store.WithLogger(log.Quiet()))
	if err != nil {
		fmt.Fprintf(w, "ERROR: %v\n", err)
		return err.Error()
	}
	defer s.Close()

	chunks := s.Chunks()
	var chunkLength, maxLength, maxLengthLive, maxLengthNotEmpty int64
	ids := make([]int, 0, len(chunks))
	for id, c := range chunks {
		ids = append(ids, id)
		chunkLength += int64(c.Len) * format.BlockSize
		maxLength += c.Max
		maxLengthLive += c.LiveMax
		if c.LiveMax > 0 {
			maxLengthNotEmpty += c.Max
		}
	}
	sort.Ints(ids)

	created := s.Created()
	fmt.Fprintf(w, "Created: %s\n", formatTimestamp(created, created))
	fmt.Fprintf(w, "Last modified: %s\n", formatTimestamp(fi.ModTime().UnixMilli(), created))
	fmt.Fprintf(w, "File length: %d\n", fileLength)
	fmt.Fprintf(w, "Chunk length: %d\n", chunkLength)
	fmt.Fprintf(w, "Chunk count: %d\n", len(chunks))
	fmt.Fprintf(w, "Used space: %d%%\n", percent(chunkLength, fileLength))
	chunkFill := 100
	if maxLength != 0 {
		chunkFill = percent(maxLengthLive, maxLength)
	}
	fmt.Fprintf(w, "Chunk fill rate: %d%%\n", chunkFill)
	fillNotEmpty := 100
	if maxLengthNotEmpty != 0 {
		fillNotEmpty = percent(maxLengthLive, maxLengthNotEmpty)
	}
	fmt.Fprintf(w, "Chunk fill rate excluding empty chunks: %d%%\n", fillNotEmpty)

	for _, id := range ids {
		c := chunks[id]
		fmt.Fprintf(w, "  Chunk %d: %s, %d%% used, %d blocks",
			c.ID, formatTimestamp(created+c.Time, created), percent(c.LiveMax, c.Max), c.Len)
		if c.LiveMax == 0 {
			fmt.Fprintf(w, ", unused: %s", formatTimestamp(created+c.Unused, created))
		}
		fmt.Fprintf(w, "\n")
	}
	fmt.Fprintf(w, "\n")
	return ""
}

// percent maps a ratio into [0,100] without ever rounding a partial
// value to the exact endpoints: only 0 reports 0 and only equality
// reports 100.
func percent(value, max int64) int {
	if value == 0 {
		return 0
	}
	if value == max {
		return 100
	}
	if max < 1 {
		max = 1
	}
	return int(1 + 98*value/max)
}

func formatTimestamp(t, start int64) string {
	return fmt.Sprintf("%s (+%d s)",
		time.UnixMilli(t).UTC().Format("2006-01-02 15:04:05"), (t-start)/1000)
}
