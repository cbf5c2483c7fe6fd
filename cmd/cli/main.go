package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	coreobject "github.com/etoile/CoreObject-sub001"
	"github.com/etoile/CoreObject-sub001/internal/keyValStore"
	"github.com/etoile/CoreObject-sub001/pkg/backup"
	"github.com/etoile/CoreObject-sub001/pkg/index"
	"github.com/etoile/CoreObject-sub001/pkg/logging"
	"github.com/etoile/CoreObject-sub001/pkg/store"
)

func usage() {
	fmt.Println("Usage: coreobject-cli [-data dir] [-config file] <command> [arguments]")
	fmt.Println("Commands:")
	fmt.Println("  roots")
	fmt.Println("  branches <root>")
	fmt.Println("  log [-n count] <root>")
	fmt.Println("  show <root|revision>")
	fmt.Println("  search [-attr name] [-n count] <text>")
	fmt.Println("  compact")
	fmt.Println("  attach <file>")
	fmt.Println("  backup <file>")
	fmt.Println("  restore <file>")
}

func main() {
	dataDir := flag.String("data", "", "data directory (default ~/.coreobject/data)")
	configPath := flag.String("config", "", "YAML config file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	conf := loadConfig(*configPath, *dataDir)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// restore writes into a closed database and does not start one.
	if cmd == "restore" {
		if len(args) < 1 {
			fmt.Println("Usage: coreobject-cli restore <file>")
			os.Exit(1)
		}
		restore(ctx, conf, args[0])
		return
	}

	db, err := coreobject.New(conf)
	if err != nil {
		fail("Error initializing DB", err)
	}
	if err := db.Start(ctx); err != nil {
		fail("Error starting DB", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing DB: %v\n", err)
		}
	}()

	switch cmd {
	case "roots":
		listRoots(db.Store())
	case "branches":
		if len(args) < 1 {
			fmt.Println("Usage: coreobject-cli branches <root>")
			return
		}
		listBranches(db.Store(), parseUUID(args[0]))
	case "log":
		fs := flag.NewFlagSet("log", flag.ExitOnError)
		n := fs.Int("n", 20, "number of revisions")
		fs.Parse(args)
		if fs.NArg() < 1 {
			fmt.Println("Usage: coreobject-cli log [-n count] <root>")
			return
		}
		printLog(db.Store(), parseUUID(fs.Arg(0)), *n)
	case "show":
		if len(args) < 1 {
			fmt.Println("Usage: coreobject-cli show <root|revision>")
			return
		}
		show(db.Store(), parseUUID(args[0]))
	case "search":
		fs := flag.NewFlagSet("search", flag.ExitOnError)
		attr := fs.String("attr", "", "restrict the search to one attribute")
		n := fs.Int("n", 25, "maximum number of hits")
		fs.Parse(args)
		if fs.NArg() < 1 {
			fmt.Println("Usage: coreobject-cli search [-attr name] [-n count] <text>")
			return
		}
		search(db, *attr, fs.Arg(0), *n)
	case "compact":
		plan, err := db.Compact(ctx)
		if err != nil {
			fail("Error compacting", err)
		}
		fmt.Printf("Finalized %d roots, %d branches; trimmed %d backing stores.\n",
			len(plan.FinalizeRoots), len(plan.FinalizeBranches), len(plan.Trim))
	case "attach":
		if len(args) < 1 {
			fmt.Println("Usage: coreobject-cli attach <file>")
			return
		}
		id, err := db.Attachments().ImportFile(args[0])
		if err != nil {
			fail("Error importing attachment", err)
		}
		fmt.Printf("Stored successfully. Attachment: %s\n", id)
	case "backup":
		if len(args) < 1 {
			fmt.Println("Usage: coreobject-cli backup <file>")
			return
		}
		writeBackup(ctx, db, args[0])
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		usage()
	}
}

func loadConfig(path, dataDir string) coreobject.Config {
	var conf coreobject.Config
	if path != "" {
		var err error
		if conf, err = coreobject.LoadConfig(path); err != nil {
			fail("Error loading config", err)
		}
	}
	if dataDir != "" {
		conf.Paths = []string{dataDir}
	}
	if len(conf.Paths) == 0 {
		conf.Paths = []string{defaultDataDir()}
	}
	if conf.Logger == nil {
		conf.Logger = logging.New(logging.Options{Writer: os.Stderr})
	}
	// A one-shot command has no use for the background loop.
	conf.CompactionInterval = -1
	return conf
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".coreobject", "data")
}

func fail(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		fail("Invalid UUID", err)
	}
	return id
}

func listRoots(s *store.Store) {
	ids, err := s.PersistentRoots()
	if err != nil {
		fail("Error listing roots", err)
	}
	for _, id := range ids {
		info, err := s.PersistentRootInfo(id)
		if err != nil {
			fail("Error reading root", err)
		}
		state := ""
		if info.Deleted {
			state = " (deleted)"
		}
		fmt.Printf("%s  branches=%d  current=%s%s\n", id, len(info.Branches), info.CurrentRevision, state)
	}
}

func listBranches(s *store.Store, root uuid.UUID) {
	info, err := s.PersistentRootInfo(root)
	if err != nil {
		fail("Error reading root", err)
	}
	branches, err := s.Branches(root)
	if err != nil {
		fail("Error listing branches", err)
	}
	for _, b := range branches {
		marker := " "
		if b.UUID == info.CurrentBranch {
			marker = "*"
		}
		state := ""
		if b.Deleted {
			state = " (deleted)"
		}
		fmt.Printf("%s %s  %-16s current=%s head=%s%s\n", marker, b.UUID, b.Label(), b.CurrentRevision, b.HeadRevision, state)
	}
}

func printLog(s *store.Store, root uuid.UUID, n int) {
	info, err := s.PersistentRootInfo(root)
	if err != nil {
		fail("Error reading root", err)
	}
	revs, err := s.RevisionHistory(info.CurrentRevision, n)
	if err != nil {
		fail("Error reading history", err)
	}
	for _, r := range revs {
		fmt.Printf("revision %s  seq=%d  %s\n", r.UUID, r.Sequence, r.Date.Format(time.RFC3339))
		if r.MergeParent != uuid.Nil {
			fmt.Printf("  merge %s %s\n", r.Parent, r.MergeParent)
		}
		if d := r.Metadata[store.MetaDescription]; d != "" {
			fmt.Printf("  %s\n", d)
		}
	}
}

// show prints the current graph of a root, or the graph of a revision.
func show(s *store.Store, id uuid.UUID) {
	g, err := s.CurrentItemGraph(id)
	if errors.Is(err, store.ErrNotFound) {
		g, err = s.ItemGraphForRevision(id)
	}
	if err != nil {
		fail("Error loading item graph", err)
	}
	live := g.Reachable()
	for _, id := range g.UUIDs() {
		if _, ok := live[id]; !ok {
			continue
		}
		it, _ := g.Item(id)
		fmt.Printf("%s", id)
		if id == g.Root() {
			fmt.Print(" (root)")
		}
		fmt.Println()
		for _, attr := range it.Attributes() {
			v, _ := it.Value(attr)
			fmt.Printf("  %s = %s\n", attr, v)
		}
	}
}

func search(db *coreobject.DB, attr, text string, n int) {
	idx := db.Index()
	if idx == nil {
		fmt.Fprintln(os.Stderr, "Search index is disabled")
		os.Exit(1)
	}
	var (
		hits []index.Hit
		err  error
	)
	if attr != "" {
		hits, err = idx.SearchAttribute(attr, text, n)
	} else {
		hits, err = idx.Search(text, n)
	}
	if err != nil {
		fail("Error searching", err)
	}
	for _, h := range hits {
		fmt.Printf("%.3f  root=%s  item=%s\n", h.Score, h.Root, h.Item)
	}
}

func writeBackup(ctx context.Context, db *coreobject.DB, path string) {
	f, err := os.Create(path)
	if err != nil {
		fail("Error creating backup file", err)
	}
	defer f.Close()
	st, err := db.Backup(ctx, f)
	if err != nil {
		fail("Error writing backup", err)
	}
	fmt.Printf("Backup written: %d bytes (version %d)\n", st.LastBackupSize, st.LastVersion)
}

func restore(ctx context.Context, conf coreobject.Config, path string) {
	f, err := os.Open(path)
	if err != nil {
		fail("Error opening backup", err)
	}
	defer f.Close()

	dir := filepath.Join(conf.Paths[0], "kv")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fail("Error creating data directory", err)
	}
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{dir},
		Logger: conf.Logger,
	})
	if err != nil {
		fail("Error opening object store", err)
	}
	defer kv.Close()
	if err := backup.NewManager(kv, conf.Logger).RestoreData(ctx, f); err != nil {
		fail("Error restoring backup", err)
	}
	fmt.Println("Restored successfully.")
}
