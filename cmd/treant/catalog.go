package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/datreant/treant/internal/catalog"
	"github.com/datreant/treant/internal/daemon"
)

var catalogCmd = &cobra.Command{
	Use:     "catalog",
	GroupID: "sync",
	Short:   "Manage the coordinator database",
	Long: `Manage the coordinator database.

The coordinator is a local SQLite database indexing the units found on
disk, so tag, category, and name queries don't have to walk the tree.
State files remain the source of truth; the catalog is rebuilt from
them by sync or the daemon.`,
}

// openCatalog opens the configured coordinator database with its
// schema in place.
func openCatalog() *catalog.Catalog {
	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening catalog: %v\n", err)
		os.Exit(1)
	}
	if err := cat.InitSchema(); err != nil {
		_ = cat.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return cat
}

var catalogSyncCmd = &cobra.Command{
	Use:   "sync [root]",
	Short: "Full sync from state files to the catalog",
	Long: `Sync every state file under root to the coordinator database.

This performs a full sync:
  1. Walks the tree for state files
  2. Upserts each unit's identity, tags, and categories
  3. Prunes cataloged units whose files have vanished`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}

		cat := openCatalog()
		defer cat.Close()

		fmt.Printf("Syncing from %s...\n", root)
		start := time.Now()

		syncer := catalog.NewSyncer(cat, nil)
		if err := syncer.SyncTree(root); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		count, _ := cat.Count()
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Units: %d\n", count)
		fmt.Printf("   Catalog: %s\n", cat.Path())
	},
}

// statCatalog stats the catalog database file, separating absence from
// other stat failures so callers never touch a nil FileInfo.
func statCatalog(path string) (info os.FileInfo, exists bool, err error) {
	info, err = os.Stat(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

var catalogStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog status",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		info, exists, err := statCatalog(cfg.Catalog.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading catalog file: %v\n", err)
			os.Exit(1)
		}
		if !exists {
			fmt.Printf("Catalog does not exist: %s\n", cfg.Catalog.Path)
			fmt.Println("Run 'treant catalog sync' to create it")
			return
		}

		cat := openCatalog()
		defer cat.Close()

		count, err := cat.Count()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading catalog: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Catalog: %s\n", cat.Path())
		fmt.Printf("Units: %d\n", count)
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
	},
}

var (
	findTag      string
	findCategory string
	findName     string
)

var catalogFindCmd = &cobra.Command{
	Use:   "find",
	Short: "Query the catalog by tag, category, or name",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cat := openCatalog()
		defer cat.Close()

		var (
			recs []*catalog.Record
			err  error
		)
		switch {
		case findTag != "":
			recs, err = cat.FindByTag(findTag)
		case findCategory != "":
			key, value, _ := strings.Cut(findCategory, "=")
			recs, err = cat.FindByCategory(key, value)
		case findName != "":
			recs, err = cat.FindByName(findName)
		default:
			recs, err = cat.All()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error querying catalog: %v\n", err)
			os.Exit(1)
		}

		for _, rec := range recs {
			fmt.Printf("%s\t%s\t%s\t%s\n", rec.UUID, rec.TreantType, rec.Name, rec.Path)
		}
		fmt.Fprintf(os.Stderr, "%d units\n", len(recs))
	},
}

var catalogDaemonCmd = &cobra.Command{
	Use:   "daemon [root]",
	Short: "Start the catalog sync daemon (foreground)",
	Long: `Start the catalog sync daemon in foreground mode.

The daemon will:
  1. Perform a full sync of the tree
  2. Watch every directory for state file changes
  3. Sync changes to the coordinator database
  4. Periodically rescan the whole tree`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}

		cat := openCatalog()
		defer cat.Close()

		syncer := catalog.NewSyncer(cat, nil)
		d, err := daemon.New(syncer, root, &daemon.Config{
			RescanInterval:   cfg.Daemon.RescanInterval,
			DebounceInterval: cfg.Daemon.DebounceInterval,
			LogFile:          cfg.Daemon.LogFile,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Starting catalog daemon...\n")
		fmt.Printf("   Root: %s\n", root)
		fmt.Printf("   Catalog: %s\n", cat.Path())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	catalogFindCmd.Flags().StringVar(&findTag, "tag", "", "find units carrying a tag")
	catalogFindCmd.Flags().StringVar(&findCategory, "category", "", "find units by category (key or key=value)")
	catalogFindCmd.Flags().StringVar(&findName, "name", "", "find units by name")

	catalogCmd.AddCommand(catalogSyncCmd)
	catalogCmd.AddCommand(catalogStatusCmd)
	catalogCmd.AddCommand(catalogFindCmd)
	catalogCmd.AddCommand(catalogDaemonCmd)
	rootCmd.AddCommand(catalogCmd)
}
