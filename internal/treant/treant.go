// Package treant provides the unit object of the catalog: a filesystem
// directory plus its state file.
//
// A treant is recognized by the presence of a state file named
// {type}.{uuid}.json in its directory. Opening a directory that has no
// state file creates one with a fresh uuid; the uuid is the only
// identity that survives moves and renames.
package treant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/datreant/treant/internal/state"
)

// Errors surfaced when locating treants on disk.
var (
	// ErrAmbiguousTreant is returned when a directory holds more than
	// one state file matching the requested type.
	ErrAmbiguousTreant = errors.New("multiple treant state files found")

	// ErrNoTreant is returned when a directory holds no state file.
	ErrNoTreant = errors.New("no treant state file found")
)

// Options configures treant creation and opening.
type Options struct {
	// TreantType of the unit; defaults to state.TypeTreant. When
	// opening an existing directory, only state files of this type are
	// considered.
	TreantType string

	// Name of the unit; applies only when a new state file is created.
	Name string

	// Tags seeds the tag set on creation.
	Tags []string

	// Categories seeds the category map on creation.
	Categories map[string]string

	// Coordinator is the catalog path recorded on creation.
	Coordinator string

	// ForceNew creates a new, distinct unit (fresh uuid) even when the
	// directory already holds state files of the requested type.
	ForceNew bool
}

// Treant is a handle on one cataloged unit. The uuid and type are cached
// at open time since both are immutable in practice; everything else is
// read from the state file on demand, so the state file stays
// authoritative.
type Treant struct {
	dir        string
	uuid       string
	treantType string
	state      *state.TreantFile
}

// New opens the treant in dir, creating directory and state file as
// needed.
//
// If dir holds no state file of the requested type, a new unit with a
// fresh uuid is created. If it holds exactly one, that unit is opened
// and its stored location self-heals to the current directory. If it
// holds several, New fails with ErrAmbiguousTreant unless
// opts.ForceNew is set, in which case another distinct unit is created
// alongside them.
func New(dir string, opts *Options) (*Treant, error) {
	if opts == nil {
		opts = &Options{}
	}
	treantType := opts.TreantType
	if treantType == "" {
		treantType = state.TypeTreant
	}
	if !state.KnownType(treantType) {
		return nil, fmt.Errorf("%w: %q", state.ErrInvalidTreantType, treantType)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve treant directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create treant directory: %w", err)
	}

	existing, err := stateFiles(abs, treantType)
	if err != nil {
		return nil, err
	}

	switch {
	case len(existing) == 0 || opts.ForceNew:
		return create(abs, treantType, opts)
	case len(existing) == 1:
		return FromStateFile(existing[0])
	default:
		return nil, fmt.Errorf("%w: %d state files of type %q in %s",
			ErrAmbiguousTreant, len(existing), treantType, abs)
	}
}

// Open opens an existing treant directory without creating anything.
// State files of every registered type are considered.
func Open(dir string) (*Treant, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve treant directory: %w", err)
	}

	existing, err := stateFiles(abs, "")
	if err != nil {
		return nil, err
	}
	switch len(existing) {
	case 0:
		return nil, fmt.Errorf("%w in %s", ErrNoTreant, abs)
	case 1:
		return FromStateFile(existing[0])
	default:
		return nil, fmt.Errorf("%w: %d state files in %s", ErrAmbiguousTreant, len(existing), abs)
	}
}

// FromStateFile opens a treant directly from the path of its state
// file. The stored location self-heals to the file's current directory.
func FromStateFile(path string) (*Treant, error) {
	tf, err := state.OpenTreantFile(path)
	if err != nil {
		return nil, err
	}
	if err := tf.UpdateLocation(); err != nil {
		return nil, fmt.Errorf("failed to refresh treant location: %w", err)
	}
	meta, err := tf.Identity()
	if err != nil {
		return nil, err
	}
	return &Treant{
		dir:        meta.Location,
		uuid:       meta.UUID,
		treantType: meta.TreantType,
		state:      tf,
	}, nil
}

func create(dir, treantType string, opts *Options) (*Treant, error) {
	// The filename carries the uuid, so generate it here and hand it to
	// the store rather than letting the store pick its own.
	id := uuid.New().String()
	tf, err := state.NewTreantFile(
		filepath.Join(dir, state.Filename(treantType, id)),
		treantType,
		&state.CreateOptions{
			UUID:        id,
			Name:        opts.Name,
			Coordinator: opts.Coordinator,
			Tags:        opts.Tags,
			Categories:  opts.Categories,
		},
	)
	if err != nil {
		return nil, err
	}
	meta, err := tf.Identity()
	if err != nil {
		return nil, err
	}
	return &Treant{
		dir:        meta.Location,
		uuid:       meta.UUID,
		treantType: meta.TreantType,
		state:      tf,
	}, nil
}

// stateFiles lists the state files in dir, restricted to treantType when
// non-empty, sorted for deterministic ambiguity reporting.
func stateFiles(dir, treantType string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan treant directory: %w", err)
	}

	var found []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parsedType, _, ok := state.ParseFilename(entry.Name())
		if !ok {
			continue
		}
		if treantType != "" && parsedType != treantType {
			continue
		}
		found = append(found, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(found)
	return found, nil
}

// IsTreantDir reports whether dir directly contains at least one state
// file, i.e. whether it is a unit root.
func IsTreantDir(dir string) bool {
	found, err := stateFiles(dir, "")
	return err == nil && len(found) > 0
}

// UUID returns the unit's immutable uuid.
func (t *Treant) UUID() string {
	return t.uuid
}

// Type returns the unit's treant type.
func (t *Treant) Type() string {
	return t.treantType
}

// Path returns the absolute path of the unit's directory as of open
// time.
func (t *Treant) Path() string {
	return t.dir
}

// StateFilePath returns the absolute path of the unit's state file.
func (t *Treant) StateFilePath() string {
	return t.state.Path()
}

// StateFile exposes the underlying synchronized store.
func (t *Treant) StateFile() *state.TreantFile {
	return t.state
}

// Name reads the unit's current name from the state file.
func (t *Treant) Name() (string, error) {
	return t.state.Name()
}

// SetName renames the unit.
func (t *Treant) SetName(name string) error {
	return t.state.SetName(name)
}

// Location reads the unit's stored directory path. The value is
// authoritative as of the last open or UpdateLocation.
func (t *Treant) Location() (string, error) {
	return t.state.Location()
}

// Coordinator reads the catalog path this unit belongs to.
func (t *Treant) Coordinator() (string, error) {
	return t.state.Coordinator()
}

// SetCoordinator records the catalog this unit belongs to.
func (t *Treant) SetCoordinator(path string) error {
	return t.state.SetCoordinator(path)
}

// Tags reads the unit's tag set.
func (t *Treant) Tags() ([]string, error) {
	return t.state.Tags()
}

// AddTags adds tags to the unit.
func (t *Treant) AddTags(tags ...string) error {
	return t.state.AddTags(tags...)
}

// DelTags removes tags from the unit.
func (t *Treant) DelTags(tags ...string) error {
	return t.state.DelTags(tags...)
}

// Categories reads the unit's category map.
func (t *Treant) Categories() (map[string]string, error) {
	return t.state.Categories()
}

// AddCategories merges key/value pairs into the unit's categories.
func (t *Treant) AddCategories(categories map[string]string) error {
	return t.state.AddCategories(categories)
}

// DelCategories removes category keys from the unit.
func (t *Treant) DelCategories(keys ...string) error {
	return t.state.DelCategories(keys...)
}

// Data returns the payload store rooted at the unit's directory.
func (t *Treant) Data() *LocalDataStore {
	return NewLocalDataStore(t.dir)
}

// String renders the unit for logs: type, name when readable, uuid.
func (t *Treant) String() string {
	name, err := t.Name()
	if err != nil {
		name = "?"
	}
	return fmt.Sprintf("<%s %q (%s)>", t.treantType, name, t.uuid)
}
