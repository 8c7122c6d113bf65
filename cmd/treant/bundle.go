package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datreant/treant/internal/bundle"
)

var bundleCmd = &cobra.Command{
	Use:     "bundle",
	GroupID: "bundles",
	Short:   "Collect and query groups of work units",
}

var bundleDiscoverCmd = &cobra.Command{
	Use:   "discover [root]",
	Short: "Find every work unit under a directory tree",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := "."
		if len(args) == 1 {
			root = args[0]
		}

		b, err := bundle.Discover(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error discovering units: %v\n", err)
			os.Exit(1)
		}

		names, err := b.Names()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading units: %v\n", err)
			os.Exit(1)
		}
		uuids := b.UUIDs()
		types := b.Types()
		paths := b.AbsPaths()

		for i := range uuids {
			fmt.Printf("%s\t%s\t%s\t%s\n", uuids[i], types[i], names[i], paths[i])
		}
		fmt.Fprintf(os.Stderr, "%d units found under %s\n", b.Len(), root)
	},
}

var bundleResolveCmd = &cobra.Command{
	Use:   "resolve <state-file>...",
	Short: "Resolve units by state file path, relocating moved ones",
	Long: `Resolve units by their last-known state file paths.

Units whose directories have moved are searched for by uuid, walking
outward from the last-known location. The search is bounded by the
configured search time.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		b, err := bundle.FromPaths(args...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading bundle: %v\n", err)
			os.Exit(1)
		}
		b.SetSearchTime(cfg.SearchTime)

		uuids := b.UUIDs()
		found := 0
		for i, unit := range b.Members() {
			if unit == nil {
				fmt.Printf("%s\tMISSING\n", uuids[i])
				continue
			}
			fmt.Printf("%s\t%s\n", uuids[i], unit.Path())
			found++
		}

		if found < b.Len() {
			fmt.Fprintf(os.Stderr, "%d of %d units could not be located\n", b.Len()-found, b.Len())
			os.Exit(1)
		}
	},
}

func init() {
	bundleCmd.AddCommand(bundleDiscoverCmd)
	bundleCmd.AddCommand(bundleResolveCmd)
	rootCmd.AddCommand(bundleCmd)
}
