// Command treant manages filesystem-resident scientific work units.
//
// Each unit is a directory carrying a JSON state file that records its
// identity, tags, and categories. The CLI creates and inspects units,
// collects them into bundles, and keeps the coordinator database in
// sync with the tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datreant/treant/internal/config"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "treant",
	Short: "Manage filesystem-resident scientific work units",
	Long: `treant turns ordinary directories into tagged, queryable work units.

A unit is a directory with a JSON state file holding its uuid, name,
type, tags, and categories. Units can be bundled, searched by tag or
category, and relocated automatically when their directories move.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default is "+config.DefaultPath()+")")

	rootCmd.AddGroup(
		&cobra.Group{ID: "units", Title: "Unit commands:"},
		&cobra.Group{ID: "bundles", Title: "Bundle commands:"},
		&cobra.Group{ID: "sync", Title: "Catalog commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
