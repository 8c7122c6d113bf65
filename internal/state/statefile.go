package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
)

// Errors surfaced by state file operations.
var (
	// ErrInvalidTreantType is returned when a type outside the accepted
	// set is given to Create or SetType.
	ErrInvalidTreantType = errors.New("invalid treant type")

	// ErrNoIdentity is returned when a state file exists but holds no
	// identity record. This indicates a corrupt or foreign file.
	ErrNoIdentity = errors.New("state file has no identity record")
)

// Identity is the persistent header of a treant's state file.
//
// UUID is generated once at creation and never changes; it is the only
// field guaranteed stable across moves and renames. Location is
// recomputed from the file's on-disk directory on every update, making
// it self-correcting after an external move.
type Identity struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	TreantType string `json:"treanttype"`
	Location   string `json:"location"`
	Version    string `json:"version"`
}

// coordinatorTable holds the absolute path of an external catalog file.
// It is kept separate from the identity header so a catalog can stack
// these records without storing its own path redundantly.
type coordinatorTable struct {
	AbsPath string `json:"abspath"`
}

// record is the full on-disk document. Absent tables are nil and are
// lazily created by the setter that first needs them.
type record struct {
	Meta        *Identity         `json:"meta,omitempty"`
	Coordinator *coordinatorTable `json:"coordinator,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Categories  map[string]string `json:"categories,omitempty"`
}

// CreateOptions configures the identity record seeded by NewTreantFile
// when the state file does not exist yet.
type CreateOptions struct {
	// UUID to assign; a fresh v4 uuid is generated when empty.
	UUID string

	// Name of the treant; defaults to the treant type.
	Name string

	// Coordinator is the absolute path of the catalog this treant
	// belongs to; empty means no catalog.
	Coordinator string

	// Tags seeds the tag set.
	Tags []string

	// Categories seeds the category map.
	Categories map[string]string
}

// TreantFile provides typed, idempotent access to the identity record,
// tag set, and category map of a single treant state file.
//
// Every accessor runs as a scoped locked operation: reads under a shared
// lock, writes under an exclusive lock, with the file opened and closed
// around each call. Within one process, writes to one state file are
// totally ordered by the sequence of exclusive-lock acquisitions; across
// processes, the last exclusive writer wins at field granularity.
type TreantFile struct {
	file *LockedFile
}

// NewTreantFile opens the state file at filename, creating it with a
// fresh identity record when it does not exist.
//
// treantType must be in the accepted set (see KnownTypes). opts may be
// nil, in which case defaults apply.
func NewTreantFile(filename, treantType string, opts *CreateOptions) (*TreantFile, error) {
	if !KnownType(treantType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTreantType, treantType)
	}

	t := &TreantFile{file: NewLockedFile(filename)}

	if !t.file.Exists() {
		if err := t.create(treantType, opts); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// OpenTreantFile opens an existing state file without creating it.
func OpenTreantFile(filename string) (*TreantFile, error) {
	t := &TreantFile{file: NewLockedFile(filename)}
	if !t.file.Exists() {
		return nil, fmt.Errorf("state file does not exist: %s", filename)
	}
	return t, nil
}

// Path returns the absolute path of the underlying state file.
func (t *TreantFile) Path() string {
	abs, err := filepath.Abs(t.file.Path())
	if err != nil {
		return t.file.Path()
	}
	return abs
}

// create seeds the identity record, coordinator table, tags, and
// categories in one exclusive-locked transaction.
func (t *TreantFile) create(treantType string, opts *CreateOptions) error {
	if opts == nil {
		opts = &CreateOptions{}
	}

	id := opts.UUID
	if id == "" {
		id = uuid.New().String()
	} else if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid uuid %q: %w", id, err)
	}

	name := opts.Name
	if name == "" {
		name = treantType
	}
	if err := validateName(name); err != nil {
		return err
	}
	if err := validateTags(opts.Tags); err != nil {
		return err
	}
	if err := validateCategories(opts.Categories); err != nil {
		return err
	}

	location, err := filepath.Abs(filepath.Dir(t.file.Path()))
	if err != nil {
		return fmt.Errorf("failed to resolve treant location: %w", err)
	}
	if len(location) > MaxLocationLen {
		return fmt.Errorf("location exceeds %d characters: %s", MaxLocationLen, location)
	}

	coordinator := opts.Coordinator
	if coordinator != "" {
		if coordinator, err = filepath.Abs(coordinator); err != nil {
			return fmt.Errorf("failed to resolve coordinator path: %w", err)
		}
	}

	return t.write(func(rec *record) error {
		rec.Meta = &Identity{
			UUID:       id,
			Name:       name,
			TreantType: treantType,
			Location:   location,
			Version:    Version,
		}
		rec.Coordinator = &coordinatorTable{AbsPath: coordinator}
		rec.Tags = dedupeTags(nil, opts.Tags)
		if len(opts.Categories) > 0 {
			rec.Categories = make(map[string]string, len(opts.Categories))
			for k, v := range opts.Categories {
				rec.Categories[k] = v
			}
		}
		return nil
	})
}

// read decodes the full record under a shared lock.
func (t *TreantFile) read() (*record, error) {
	rec := &record{}
	err := t.file.WithRead(func(handle *os.File) error {
		return decodeRecord(handle, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// write runs mutate on the decoded record and rewrites the file, all
// inside one exclusive-locked critical section. The read-modify-write
// shape prevents lost updates from concurrent writers of disjoint
// fields.
func (t *TreantFile) write(mutate func(*record) error) error {
	return t.file.WithWrite(func(handle *os.File) error {
		rec := &record{}
		if err := decodeRecord(handle, rec); err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		return rewriteRecord(handle, rec)
	})
}

func decodeRecord(handle *os.File, rec *record) error {
	raw, err := io.ReadAll(handle)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return fmt.Errorf("failed to decode state file %s: %w", handle.Name(), err)
	}
	return nil
}

func rewriteRecord(handle *os.File, rec *record) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state file: %w", err)
	}
	if err := handle.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate state file: %w", err)
	}
	if _, err := handle.WriteAt(raw, 0); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return handle.Sync()
}

// Identity fetches the whole identity header in a single shared-lock
// read. The resolver uses this to compare uuids without holding the
// lock longer than one decode.
func (t *TreantFile) Identity() (Identity, error) {
	rec, err := t.read()
	if err != nil {
		return Identity{}, err
	}
	if rec.Meta == nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrNoIdentity, t.file.Path())
	}
	return *rec.Meta, nil
}

// ReadIdentity reads the identity header of the state file at path.
// Convenience for callers that do not hold a TreantFile.
func ReadIdentity(path string) (Identity, error) {
	t, err := OpenTreantFile(path)
	if err != nil {
		return Identity{}, err
	}
	return t.Identity()
}

// UUID returns the treant's immutable uuid.
func (t *TreantFile) UUID() (string, error) {
	meta, err := t.Identity()
	if err != nil {
		return "", err
	}
	return meta.UUID, nil
}

// Name returns the treant's user-given name.
func (t *TreantFile) Name() (string, error) {
	meta, err := t.Identity()
	if err != nil {
		return "", err
	}
	return meta.Name, nil
}

// TreantType returns the treant's type.
func (t *TreantFile) TreantType() (string, error) {
	meta, err := t.Identity()
	if err != nil {
		return "", err
	}
	return meta.TreantType, nil
}

// Location returns the stored absolute path of the treant directory.
// The stored value may be stale after an external move until the next
// UpdateLocation.
func (t *TreantFile) Location() (string, error) {
	meta, err := t.Identity()
	if err != nil {
		return "", err
	}
	return meta.Location, nil
}

// SchemaVersion returns the state file format version tag.
func (t *TreantFile) SchemaVersion() (string, error) {
	meta, err := t.Identity()
	if err != nil {
		return "", err
	}
	return meta.Version, nil
}

// Coordinator returns the absolute path of the catalog this treant
// belongs to, or "" when it belongs to none.
func (t *TreantFile) Coordinator() (string, error) {
	rec, err := t.read()
	if err != nil {
		return "", err
	}
	if rec.Coordinator == nil {
		return "", nil
	}
	return rec.Coordinator.AbsPath, nil
}

// ensureMeta lazily recreates a missing identity header so setters can
// repair structural inconsistencies locally instead of failing.
func ensureMeta(rec *record) *Identity {
	if rec.Meta == nil {
		rec.Meta = &Identity{UUID: uuid.New().String(), Version: Version}
	}
	return rec.Meta
}

// SetName renames the treant.
func (t *TreantFile) SetName(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return t.write(func(rec *record) error {
		ensureMeta(rec).Name = name
		return nil
	})
}

// SetType updates the treant type. Values outside the accepted set fail
// with ErrInvalidTreantType.
func (t *TreantFile) SetType(treantType string) error {
	if !KnownType(treantType) {
		return fmt.Errorf("%w: %q (accepted: %v)", ErrInvalidTreantType, treantType, KnownTypes())
	}
	return t.write(func(rec *record) error {
		ensureMeta(rec).TreantType = treantType
		return nil
	})
}

// UpdateLocation recomputes the stored location from the file's current
// on-disk directory. Called on every open of a treant so the record
// self-heals after an external move.
func (t *TreantFile) UpdateLocation() error {
	location, err := filepath.Abs(filepath.Dir(t.file.Path()))
	if err != nil {
		return fmt.Errorf("failed to resolve treant location: %w", err)
	}
	return t.write(func(rec *record) error {
		ensureMeta(rec).Location = location
		return nil
	})
}

// SetCoordinator records the absolute path of the catalog this treant
// belongs to. An empty path detaches the treant from any catalog.
func (t *TreantFile) SetCoordinator(path string) error {
	abspath := ""
	if path != "" {
		var err error
		if abspath, err = filepath.Abs(path); err != nil {
			return fmt.Errorf("failed to resolve coordinator path: %w", err)
		}
	}
	return t.write(func(rec *record) error {
		rec.Coordinator = &coordinatorTable{AbsPath: abspath}
		return nil
	})
}

// Tags returns the tag set as a sorted slice. A missing tags table reads
// as empty.
func (t *TreantFile) Tags() ([]string, error) {
	rec, err := t.read()
	if err != nil {
		return nil, err
	}
	tags := make([]string, len(rec.Tags))
	copy(tags, rec.Tags)
	sort.Strings(tags)
	return tags, nil
}

// AddTags adds any number of tags, deduplicating against tags already
// present. Only genuinely new tags are appended. The read-diff-append
// runs in one exclusive section, so concurrent writers of disjoint tags
// cannot lose each other's updates.
func (t *TreantFile) AddTags(tags ...string) error {
	if err := validateTags(tags); err != nil {
		return err
	}
	return t.write(func(rec *record) error {
		rec.Tags = dedupeTags(rec.Tags, tags)
		return nil
	})
}

// DelTags removes the given tags. Removing a tag that is not present is
// a no-op.
func (t *TreantFile) DelTags(tags ...string) error {
	drop := make(map[string]bool, len(tags))
	for _, tag := range tags {
		drop[tag] = true
	}
	return t.write(func(rec *record) error {
		kept := rec.Tags[:0]
		for _, tag := range rec.Tags {
			if !drop[tag] {
				kept = append(kept, tag)
			}
		}
		rec.Tags = kept
		return nil
	})
}

// DelAllTags truncates the tag set, recreating it empty.
func (t *TreantFile) DelAllTags() error {
	return t.write(func(rec *record) error {
		rec.Tags = nil
		return nil
	})
}

// Categories returns the category map. A missing categories table reads
// as empty.
func (t *TreantFile) Categories() (map[string]string, error) {
	rec, err := t.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rec.Categories))
	for k, v := range rec.Categories {
		out[k] = v
	}
	return out, nil
}

// AddCategories merges the given key/value pairs into the category map.
// Existing keys have their values overwritten (last write wins); new
// keys are appended. Runs in one exclusive section.
func (t *TreantFile) AddCategories(categories map[string]string) error {
	if err := validateCategories(categories); err != nil {
		return err
	}
	return t.write(func(rec *record) error {
		if rec.Categories == nil {
			rec.Categories = make(map[string]string, len(categories))
		}
		for k, v := range categories {
			rec.Categories[k] = v
		}
		return nil
	})
}

// DelCategories removes the given keys. Removing a key that is not
// present is a no-op.
func (t *TreantFile) DelCategories(keys ...string) error {
	return t.write(func(rec *record) error {
		for _, k := range keys {
			delete(rec.Categories, k)
		}
		return nil
	})
}

// DelAllCategories truncates the category map, recreating it empty.
func (t *TreantFile) DelAllCategories() error {
	return t.write(func(rec *record) error {
		rec.Categories = nil
		return nil
	})
}

func dedupeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, tag := range existing {
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	for _, tag := range incoming {
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

func validateName(name string) error {
	if len(name) > MaxNameLen {
		return fmt.Errorf("name must be %d characters or less (got %d)", MaxNameLen, len(name))
	}
	return nil
}

func validateTags(tags []string) error {
	for _, tag := range tags {
		if tag == "" {
			return fmt.Errorf("tags cannot be empty strings")
		}
		if len(tag) > MaxTagLen {
			return fmt.Errorf("tag %q exceeds %d characters", tag, MaxTagLen)
		}
	}
	return nil
}

func validateCategories(categories map[string]string) error {
	for k, v := range categories {
		if k == "" {
			return fmt.Errorf("category keys cannot be empty strings")
		}
		if len(k) > MaxCategoryLen {
			return fmt.Errorf("category key %q exceeds %d characters", k, MaxCategoryLen)
		}
		if len(v) > MaxCategoryLen {
			return fmt.Errorf("category value %q exceeds %d characters", v, MaxCategoryLen)
		}
	}
	return nil
}
