package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"

	"github.com/lumodb/lumo/pkg/inspect"
	"github.com/lumodb/lumo/pkg/store"
)

// Command completer for the interactive shell
var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("info"),
	readline.PcItem("maps"),
	readline.PcItem("chunks"),
	readline.PcItem("meta"),
	readline.PcItem("keys"),
	readline.PcItem("get"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const shellHelp = `Commands:
  help               - Show this help message
  info               - Print the summary report
  maps               - List user maps with id and entry count
  chunks             - List the chunk table
  meta [prefix]      - Print meta map entries, optionally filtered
  keys MAP           - List the keys of a map
  get MAP KEY        - Print one value
  exit, quit         - Leave the shell
`

// ShellCmd opens a store read-only and browses it interactively.
type ShellCmd struct {
	File string `arg:"" help:"Store file path."`
}

func (c *ShellCmd) Run() error {
	s, err := store.Open(c.File, store.ReadOnly(), store.Recovery())
	if err != nil {
		return err
	}
	defer s.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "lumo> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".lumo_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Printf("Browsing %s (version %d). Type 'help' for commands.\n", c.File, s.CurrentVersion())
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help":
			fmt.Print(shellHelp)
		case "info":
			inspect.Info(c.File, os.Stdout)
		case "maps":
			shellMaps(s)
		case "chunks":
			shellChunks(s)
		case "meta":
			prefix := ""
			if len(fields) > 1 {
				prefix = fields[1]
			}
			shellMeta(s, prefix)
		case "keys":
			if len(fields) != 2 {
				fmt.Println("usage: keys MAP")
				continue
			}
			shellKeys(s, fields[1])
		case "get":
			if len(fields) != 3 {
				fmt.Println("usage: get MAP KEY")
				continue
			}
			shellGet(s, fields[1], fields[2])
		case "exit", "quit":
			return nil
		default:
			fmt.Printf("unknown command %q, try 'help'\n", fields[0])
		}
	}
}

func shellMaps(s *store.Store) {
	for _, name := range s.MapNames() {
		m, err := s.OpenMap(name)
		if err != nil {
			fmt.Printf("%s: ERROR: %v\n", name, err)
			continue
		}
		fmt.Printf("%s: id %x, %d entries\n", name, m.ID(), m.Len())
	}
}

func shellChunks(s *store.Store) {
	chunks := s.Chunks()
	ids := make([]int, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		c := chunks[id]
		fmt.Printf("chunk %d: version %d, block %d, %d blocks, %d pages\n",
			c.ID, c.Version, c.Block, c.Len, c.Pages)
	}
}

func shellMeta(s *store.Store, prefix string) {
	meta := s.Meta()
	for _, k := range meta.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		v, _ := meta.Get(k)
		fmt.Printf("%s = %s\n", k, v)
	}
}

func shellKeys(s *store.Store, name string) {
	m, err := s.OpenMap(name)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	for _, k := range m.Keys() {
		fmt.Println(k)
	}
}

func shellGet(s *store.Store, name, key string) {
	m, err := s.OpenMap(name)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return
	}
	v, ok := m.Get(key)
	if !ok {
		fmt.Println("not found")
		return
	}
	fmt.Println(v)
}
