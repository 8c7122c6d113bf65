package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/datreant/treant/internal/state"
	"github.com/datreant/treant/internal/treant"
)

var unitCmd = &cobra.Command{
	Use:     "unit",
	GroupID: "units",
	Short:   "Create and inspect work units",
	Long: `Create and inspect individual work units.

A unit is a directory with a JSON state file recording its identity.
Reopening a unit directory attaches to the existing state file, so
"unit init" is safe to repeat.`,
}

var (
	initType       string
	initName       string
	initTags       []string
	initCategories []string
	initForceNew   bool
)

var unitInitCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a work unit, or attach to an existing one",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}

		categories, err := parseCategories(initCategories)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		unit, err := treant.New(dir, &treant.Options{
			TreantType: initType,
			Name:       initName,
			Tags:       initTags,
			Categories: categories,
			ForceNew:   initForceNew,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating unit: %v\n", err)
			os.Exit(1)
		}

		name, err := unit.Name()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading unit: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %q (%s) at %s\n", unit.Type(), name, unit.UUID(), unit.Path())
	},
}

var unitShowCmd = &cobra.Command{
	Use:   "show [dir]",
	Short: "Show a unit's identity, tags, and categories",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}

		unit, err := treant.Open(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening unit: %v\n", err)
			os.Exit(1)
		}

		if err := printUnit(unit); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading unit: %v\n", err)
			os.Exit(1)
		}
	},
}

var unitRenameCmd = &cobra.Command{
	Use:   "rename <name> [dir]",
	Short: "Rename a unit",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		dir := "."
		if len(args) == 2 {
			dir = args[1]
		}

		unit, err := treant.Open(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening unit: %v\n", err)
			os.Exit(1)
		}
		if err := unit.SetName(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error renaming unit: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Renamed %s to %q\n", unit.UUID(), args[0])
	},
}

var tagDir string

var tagCmd = &cobra.Command{
	Use:     "tag",
	GroupID: "units",
	Short:   "Manage a unit's tags",
}

var tagAddCmd = &cobra.Command{
	Use:   "add <tag>...",
	Short: "Add tags to a unit",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		unit := mustOpen(tagDir)
		if err := unit.AddTags(args...); err != nil {
			fmt.Fprintf(os.Stderr, "Error adding tags: %v\n", err)
			os.Exit(1)
		}
		printTags(unit)
	},
}

var tagRemoveCmd = &cobra.Command{
	Use:   "remove <tag>...",
	Short: "Remove tags from a unit",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		unit := mustOpen(tagDir)
		if err := unit.DelTags(args...); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing tags: %v\n", err)
			os.Exit(1)
		}
		printTags(unit)
	},
}

var tagListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a unit's tags",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printTags(mustOpen(tagDir))
	},
}

var categoryDir string

var categoryCmd = &cobra.Command{
	Use:     "category",
	GroupID: "units",
	Short:   "Manage a unit's categories",
	Long: `Manage a unit's categories.

Categories are key-value pairs. Setting an existing key overwrites its
value.`,
}

var categorySetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Set categories on a unit",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		categories, err := parseCategories(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		unit := mustOpen(categoryDir)
		if err := unit.AddCategories(categories); err != nil {
			fmt.Fprintf(os.Stderr, "Error setting categories: %v\n", err)
			os.Exit(1)
		}
		printCategories(unit)
	},
}

var categoryUnsetCmd = &cobra.Command{
	Use:   "unset <key>...",
	Short: "Remove categories from a unit",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		unit := mustOpen(categoryDir)
		if err := unit.DelCategories(args...); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing categories: %v\n", err)
			os.Exit(1)
		}
		printCategories(unit)
	},
}

var categoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a unit's categories",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printCategories(mustOpen(categoryDir))
	},
}

// unitView is the YAML shape printed by "unit show".
type unitView struct {
	UUID       string            `yaml:"uuid"`
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	Location   string            `yaml:"location"`
	Tags       []string          `yaml:"tags,omitempty"`
	Categories map[string]string `yaml:"categories,omitempty"`
}

func printUnit(unit *treant.Treant) error {
	name, err := unit.Name()
	if err != nil {
		return err
	}
	location, err := unit.Location()
	if err != nil {
		return err
	}
	tags, err := unit.Tags()
	if err != nil {
		return err
	}
	categories, err := unit.Categories()
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(&unitView{
		UUID:       unit.UUID(),
		Name:       name,
		Type:       unit.Type(),
		Location:   location,
		Tags:       tags,
		Categories: categories,
	})
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func mustOpen(dir string) *treant.Treant {
	unit, err := treant.Open(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening unit: %v\n", err)
		os.Exit(1)
	}
	return unit
}

func printTags(unit *treant.Treant) {
	tags, err := unit.Tags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading tags: %v\n", err)
		os.Exit(1)
	}
	for _, tag := range tags {
		fmt.Println(tag)
	}
}

func printCategories(unit *treant.Treant) {
	categories, err := unit.Categories()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading categories: %v\n", err)
		os.Exit(1)
	}
	keys := make([]string, 0, len(categories))
	for key := range categories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("%s=%s\n", key, categories[key])
	}
}

// parseCategories turns key=value arguments into a category map.
func parseCategories(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	categories := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid category %q (want key=value)", pair)
		}
		categories[key] = value
	}
	return categories, nil
}

func init() {
	unitInitCmd.Flags().StringVar(&initType, "type", state.TypeTreant, "unit type ("+strings.Join(state.KnownTypes(), ", ")+")")
	unitInitCmd.Flags().StringVar(&initName, "name", "", "unit name (defaults to the unit type)")
	unitInitCmd.Flags().StringSliceVar(&initTags, "tag", nil, "initial tags")
	unitInitCmd.Flags().StringSliceVar(&initCategories, "category", nil, "initial categories as key=value")
	unitInitCmd.Flags().BoolVar(&initForceNew, "force-new", false, "create a new unit even if the directory already holds one")

	unitCmd.AddCommand(unitInitCmd)
	unitCmd.AddCommand(unitShowCmd)
	unitCmd.AddCommand(unitRenameCmd)
	rootCmd.AddCommand(unitCmd)

	tagCmd.PersistentFlags().StringVarP(&tagDir, "dir", "d", ".", "unit directory")
	tagCmd.AddCommand(tagAddCmd)
	tagCmd.AddCommand(tagRemoveCmd)
	tagCmd.AddCommand(tagListCmd)
	rootCmd.AddCommand(tagCmd)

	categoryCmd.PersistentFlags().StringVarP(&categoryDir, "dir", "d", ".", "unit directory")
	categoryCmd.AddCommand(categorySetCmd)
	categoryCmd.AddCommand(categoryUnsetCmd)
	categoryCmd.AddCommand(categoryListCmd)
	rootCmd.AddCommand(categoryCmd)
}
