package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"statecast.dev/internal/persistence/indexdb"
	"statecast.dev/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "ticks":
			ticksCmd(os.Args[2:])
			return
		case "audits":
			auditsCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	serverID := fs.String("server", "", "server id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "servers")
	if *serverID != "" {
		base = filepath.Join(base, *serverID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

func openIndex(dataDir, serverID string) *indexdb.SQLiteIndex {
	if strings.TrimSpace(serverID) == "" {
		fmt.Fprintln(os.Stderr, "missing -server")
		os.Exit(2)
	}
	path := filepath.Join(dataDir, "servers", serverID, "index.db")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open index db:", err)
		os.Exit(1)
	}
	return idx
}

func ticksCmd(args []string) {
	fs := flag.NewFlagSet("ticks", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	serverID := fs.String("server", "", "server id")
	n := fs.Int("n", 20, "number of ticks to show")
	_ = fs.Parse(args)

	idx := openIndex(*dataDir, *serverID)
	defer idx.Close()

	rows, err := idx.LatestTicks(*n)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, r := range rows {
		fmt.Printf("tick=%d objects=%d clients=%d snapshots=%d digest=%s\n",
			r.Tick, r.Objects, r.Clients, r.Snapshots, r.Digest)
	}
}

func auditsCmd(args []string) {
	fs := flag.NewFlagSet("audits", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	serverID := fs.String("server", "", "server id")
	objectID := fs.Uint64("object", 0, "object id")
	limit := fs.Int("limit", 100, "max rows")
	_ = fs.Parse(args)

	idx := openIndex(*dataDir, *serverID)
	defer idx.Close()

	rows, err := idx.AuditsForObject(*objectID, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, raw := range rows {
		fmt.Println(raw)
	}
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	serverID := fs.String("server", "", "server id")
	snapPath := fs.String("path", "", "snapshot path (optional; defaults to latest)")
	dump := fs.Bool("dump", false, "dump objects as JSON")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*serverID) == "" {
			fmt.Fprintln(os.Stderr, "missing -server or -path")
			os.Exit(2)
		}
		path = latestSnapshot(filepath.Join(*dataDir, "servers", *serverID))
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found")
		os.Exit(2)
	}

	snap, err := snapshot.ReadState(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	fmt.Printf("snapshot=%s server=%s tick=%d classes=%d objects=%d relevancy=%d zones=%d next_object=%d\n",
		filepath.Base(path), snap.Header.ServerID, snap.Header.Tick,
		len(snap.Classes), len(snap.Objects), len(snap.Relevancy), len(snap.Zones),
		snap.Counters.NextObject)

	if *dump {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, o := range snap.Objects {
			_ = enc.Encode(o)
		}
	}
}

func latestSnapshot(serverDir string) string {
	dir := filepath.Join(serverDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
