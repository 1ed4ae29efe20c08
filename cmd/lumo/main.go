// Command lumo is the maintenance and salvage tool for lumo store
// files: structural dumps, summary reports, compaction, version
// rollback and automatic repair.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/kong"

	"github.com/lumodb/lumo/pkg/common/log"
	"github.com/lumodb/lumo/pkg/compact"
	"github.com/lumodb/lumo/pkg/inspect"
	"github.com/lumodb/lumo/pkg/repair"
	"github.com/lumodb/lumo/pkg/rollback"
)

var cli struct {
	Debug bool `help:"Enable debug logging."`

	Dump     DumpCmd     `cmd:"" help:"Dump the file structure block by block."`
	Info     InfoCmd     `cmd:"" help:"Summarize layout and space usage."`
	Compact  CompactCmd  `cmd:"" help:"Copy live data into a fresh file and swap it in."`
	Compress CompressCmd `cmd:"" help:"Compact with page compression enabled."`
	Rollback RollbackCmd `cmd:"" help:"Roll the file back to a given version."`
	Repair   RepairCmd   `cmd:"" help:"Roll back to the newest version that validates."`
	Shell    ShellCmd    `cmd:"" help:"Browse a store file interactively."`
}

// DumpCmd prints every recognized block, chunk, page and footer.
type DumpCmd struct {
	File    string `arg:"" help:"Store file path."`
	Details bool   `default:"true" negatable:"" help:"Render page contents."`
}

func (c *DumpCmd) Run() error {
	inspect.Dump(c.File, os.Stdout, c.Details)
	return nil
}

// InfoCmd prints the summary report. The report itself carries any
// ERROR lines; the exit status stays zero so scripted probes can parse
// the output.
type InfoCmd struct {
	File string `arg:"" help:"Store file path."`
}

func (c *InfoCmd) Run() error {
	inspect.Info(c.File, os.Stdout)
	return nil
}

// CompactCmd rewrites the file keeping only live data.
type CompactCmd struct {
	File string `arg:"" help:"Store file path."`
}

func (c *CompactCmd) Run() error {
	if err := compact.CleanUp(c.File); err != nil {
		return err
	}
	return compact.CompactFile(c.File, false)
}

// CompressCmd rewrites the file with page compression on.
type CompressCmd struct {
	File string `arg:"" help:"Store file path."`
}

func (c *CompressCmd) Run() error {
	if err := compact.CleanUp(c.File); err != nil {
		return err
	}
	return compact.CompactFile(c.File, true)
}

// RollbackCmd writes a version-bounded copy next to the file.
type RollbackCmd struct {
	File    string `arg:"" help:"Store file path."`
	Version string `arg:"" help:"Target version, decimal or 0x-prefixed hex."`
}

func (c *RollbackCmd) Run() error {
	target, err := strconv.ParseInt(c.Version, 0, 64)
	if err != nil {
		return fmt.Errorf("bad version %q: %w", c.Version, err)
	}
	version, err := rollback.Roll(c.File, target, os.Stdout)
	if err != nil {
		return err
	}
	if version == rollback.NoVersion {
		fmt.Println("No eligible version")
		return nil
	}
	fmt.Printf("Rolled back to version %d, output %s\n", version, rollback.TempPath(c.File))
	return nil
}

// RepairCmd runs the descending repair search.
type RepairCmd struct {
	File string `arg:"" help:"Store file path."`
}

func (c *RepairCmd) Run() error {
	return repair.Repair(c.File, os.Stdout)
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("lumo"),
		kong.Description("Maintenance and salvage tool for lumo store files."),
		kong.UsageOnError(),
	)
	if cli.Debug {
		log.Default().SetLevel(log.LevelDebug)
	}
	ctx.FatalIfErrorf(ctx.Run())
}
