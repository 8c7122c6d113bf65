// Package bundle provides the in-memory, order-preserving collection of
// treants with set algebra, lazy resolution, and discovery.
//
// A bundle holds member records (uuid, type, last-known path), never the
// units themselves: the authoritative value for each member is whatever
// its own state file currently says. Members whose last-known path has
// gone stale are relocated through the foxhound resolver under the
// bundle's search budget; members that cannot be relocated appear as nil
// markers and only become hard failures when indexed directly.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datreant/treant/internal/foxhound"
	"github.com/datreant/treant/internal/state"
	"github.com/datreant/treant/internal/treant"
)

// Errors surfaced by bundle operations.
var (
	// ErrNoMatch is returned by Lookup when a string matches neither a
	// member name nor a member uuid.
	ErrNoMatch = errors.New("no member with matching name or uuid")

	// ErrUnresolved is returned when an operation needs a member that
	// could not be located within the search budget.
	ErrUnresolved = errors.New("member could not be resolved")
)

// DefaultSearchTime bounds the foxhound walk when resolving missing
// members, unless overridden per bundle.
const DefaultSearchTime = 10 * time.Second

// member mirrors the subset of a unit's identity record the bundle
// tracks. uuids are unique within a bundle; re-adding a known uuid
// replaces its record (a location refresh), never duplicates it.
type member struct {
	uuid       string
	treantType string
	abspath    string
}

// Bundle is an ordered, duplicate-free, lazily-resolved view over a
// collection of treants. It is view state only and is not safe for
// concurrent mutation.
type Bundle struct {
	members    []member
	cache      *resolveCache
	searchTime time.Duration
	logger     *log.Logger
}

// New creates a bundle holding the given units.
func New(treants ...*treant.Treant) *Bundle {
	b := &Bundle{
		cache:      newResolveCache(defaultCacheSize),
		searchTime: DefaultSearchTime,
		logger:     log.New(os.Stderr, "[bundle] ", log.LstdFlags),
	}
	b.Add(treants...)
	return b
}

// FromPaths creates a bundle from existing filesystem paths. Each path
// may be a treant directory (every state file it holds is added) or a
// state file itself. Paths that do not exist are errors.
func FromPaths(paths ...string) (*Bundle, error) {
	b := New()
	if err := b.AddPaths(paths...); err != nil {
		return nil, err
	}
	return b, nil
}

// FromGlob creates a bundle from every treant found under paths matching
// the given filesystem glob pattern. Matched paths that are not treants
// are skipped silently.
func FromGlob(pattern string) (*Bundle, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad glob pattern %q: %w", pattern, err)
	}
	b := New()
	for _, path := range matches {
		if err := b.addPath(path, false); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// SetLogger replaces the logger used for resolution activity.
func (b *Bundle) SetLogger(logger *log.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SearchTime returns the wall-clock budget for locating missing members.
func (b *Bundle) SearchTime() time.Duration {
	return b.searchTime
}

// SetSearchTime sets the wall-clock budget for locating missing
// members. Zero means unbounded; use with caution since resolution can
// then block indefinitely.
func (b *Bundle) SetSearchTime(d time.Duration) {
	b.searchTime = d
}

// Add inserts units into the bundle. A unit whose uuid is already a
// member has its record replaced (refreshing the last-known path) and
// its cache entry refreshed; order is otherwise preserved.
func (b *Bundle) Add(treants ...*treant.Treant) {
	for _, tr := range treants {
		if tr == nil {
			continue
		}
		b.addMember(tr.UUID(), tr.Type(), tr.Path())
		b.cache.put(tr.UUID(), tr)
	}
}

// AddBundle merges the member records of other bundles into this one,
// without resolving them.
func (b *Bundle) AddBundle(others ...*Bundle) {
	for _, other := range others {
		if other == nil {
			continue
		}
		for _, m := range other.members {
			b.addMember(m.uuid, m.treantType, m.abspath)
		}
	}
}

// AddPaths adds every treant found at the given existing paths. Each
// path may be a unit directory or a state file; relative paths are
// normalized to absolute.
func (b *Bundle) AddPaths(paths ...string) error {
	for _, path := range paths {
		if err := b.addPath(path, true); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bundle) addPath(path string, strict bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path %q: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if strict {
			return fmt.Errorf("path does not exist: %s", abs)
		}
		return nil
	}

	var statefiles []string
	if info.IsDir() {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", abs, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if _, _, ok := state.ParseFilename(entry.Name()); ok {
				statefiles = append(statefiles, filepath.Join(abs, entry.Name()))
			}
		}
		if strict && len(statefiles) == 0 {
			return fmt.Errorf("%w in %s", treant.ErrNoTreant, abs)
		}
	} else {
		if _, _, ok := state.ParseFilename(filepath.Base(abs)); ok {
			statefiles = append(statefiles, abs)
		} else if strict {
			return fmt.Errorf("%s is not a treant state file", abs)
		}
	}

	for _, sf := range statefiles {
		tr, err := treant.FromStateFile(sf)
		if err != nil {
			return fmt.Errorf("failed to open treant at %s: %w", sf, err)
		}
		b.Add(tr)
	}
	return nil
}

// addMember inserts or replaces one member record. Replacement with a
// changed path invalidates that uuid's cache entry, since the cached
// handle points at the old location.
func (b *Bundle) addMember(uuid, treantType, abspath string) {
	abspath = filepath.Clean(abspath)
	for i, m := range b.members {
		if m.uuid == uuid {
			if m.abspath != abspath {
				b.cache.invalidate(uuid)
			}
			b.members[i] = member{uuid: uuid, treantType: treantType, abspath: abspath}
			return
		}
	}
	b.members = append(b.members, member{uuid: uuid, treantType: treantType, abspath: abspath})
}

// Remove deletes the members named by the given selectors. Selectors
// are resolved against the pre-removal state, so removing by index and
// by name in one call sees a consistent view.
func (b *Bundle) Remove(selectors ...Selector) error {
	drop := make(map[string]bool)
	for _, sel := range selectors {
		uuids, err := sel.uuids(b)
		if err != nil {
			return err
		}
		for _, id := range uuids {
			drop[id] = true
		}
	}

	kept := b.members[:0]
	for _, m := range b.members {
		if drop[m.uuid] {
			b.cache.invalidate(m.uuid)
			continue
		}
		kept = append(kept, m)
	}
	b.members = kept
	return nil
}

// Clear removes all members.
func (b *Bundle) Clear() {
	b.members = nil
	b.cache.clear()
}

// Len returns the number of members.
func (b *Bundle) Len() int {
	return len(b.members)
}

// UUIDs lists member uuids in member order.
func (b *Bundle) UUIDs() []string {
	out := make([]string, len(b.members))
	for i, m := range b.members {
		out[i] = m.uuid
	}
	return out
}

// Types lists member treant types in member order.
func (b *Bundle) Types() []string {
	out := make([]string, len(b.members))
	for i, m := range b.members {
		out[i] = m.treantType
	}
	return out
}

// AbsPaths lists the last-known member directory paths in member order.
// The values may be stale until the next resolution refreshes them.
func (b *Bundle) AbsPaths() []string {
	out := make([]string, len(b.members))
	for i, m := range b.members {
		out[i] = m.abspath
	}
	return out
}

// Names lists member names in member order. Members that cannot be
// resolved have an empty name.
func (b *Bundle) Names() ([]string, error) {
	resolved := b.resolve()
	names := make([]string, len(resolved))
	for i, tr := range resolved {
		if tr == nil {
			continue
		}
		name, err := tr.Name()
		if err != nil {
			return nil, fmt.Errorf("failed to read name of %s: %w", tr.UUID(), err)
		}
		names[i] = name
	}
	return names, nil
}

// Members returns the resolved units in member order. Members that
// could not be located within the search budget appear as nil markers;
// they only become errors when indexed directly through Get.
func (b *Bundle) Members() []*treant.Treant {
	return b.resolve()
}

// Get returns the resolved member at index i. An unresolvable member is
// a hard failure here, unlike in Members.
func (b *Bundle) Get(i int) (*treant.Treant, error) {
	if i < 0 || i >= len(b.members) {
		return nil, fmt.Errorf("member index %d out of range [0, %d)", i, len(b.members))
	}
	resolved := b.resolve()
	if resolved[i] == nil {
		return nil, fmt.Errorf("%w: member %d (uuid %s); re-add or remove it",
			ErrUnresolved, i, b.members[i].uuid)
	}
	return resolved[i], nil
}

// Lookup selects members by string: members whose name equals s are
// returned as a bundle (zero-or-many names may match); when no name
// matches, a member whose uuid equals s is returned as a single-member
// bundle; when neither matches, ErrNoMatch.
func (b *Bundle) Lookup(s string) (*Bundle, error) {
	names, err := b.Names()
	if err != nil {
		return nil, err
	}

	out := New()
	out.searchTime = b.searchTime
	for i, name := range names {
		if name == s {
			m := b.members[i]
			out.addMember(m.uuid, m.treantType, m.abspath)
		}
	}
	if out.Len() > 0 {
		return out, nil
	}

	for _, m := range b.members {
		if m.uuid == s {
			out.addMember(m.uuid, m.treantType, m.abspath)
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoMatch, s)
}

// Select returns a new bundle with the members at the given indices, in
// the given order.
func (b *Bundle) Select(indices ...int) (*Bundle, error) {
	out := New()
	out.searchTime = b.searchTime
	for _, i := range indices {
		if i < 0 || i >= len(b.members) {
			return nil, fmt.Errorf("member index %d out of range [0, %d)", i, len(b.members))
		}
		m := b.members[i]
		out.addMember(m.uuid, m.treantType, m.abspath)
	}
	return out, nil
}

// SelectUUIDs returns a new bundle with the members carrying the given
// uuids, in the given order. Unknown uuids are ErrNoMatch.
func (b *Bundle) SelectUUIDs(uuids ...string) (*Bundle, error) {
	byUUID := make(map[string]member, len(b.members))
	for _, m := range b.members {
		byUUID[m.uuid] = m
	}

	out := New()
	out.searchTime = b.searchTime
	for _, id := range uuids {
		m, ok := byUUID[id]
		if !ok {
			return nil, fmt.Errorf("%w: uuid %q", ErrNoMatch, id)
		}
		out.addMember(m.uuid, m.treantType, m.abspath)
	}
	return out, nil
}

// SelectNames returns a new bundle with every member whose name equals
// one of the given names, in the order the names are given. Names need
// not be unique, so one name may select several members; those follow
// member order within their name. A name matching no member is
// ErrNoMatch.
func (b *Bundle) SelectNames(names ...string) (*Bundle, error) {
	resolved, err := b.Names()
	if err != nil {
		return nil, err
	}

	out := New()
	out.searchTime = b.searchTime
	for _, name := range names {
		matched := false
		for i, got := range resolved {
			if got != name {
				continue
			}
			matched = true
			m := b.members[i]
			out.addMember(m.uuid, m.treantType, m.abspath)
		}
		if !matched {
			return nil, fmt.Errorf("%w: name %q", ErrNoMatch, name)
		}
	}
	return out, nil
}

// Slice returns a new bundle with members in [lo, hi).
func (b *Bundle) Slice(lo, hi int) (*Bundle, error) {
	if lo < 0 || hi > len(b.members) || lo > hi {
		return nil, fmt.Errorf("slice [%d:%d] out of range [0, %d]", lo, hi, len(b.members))
	}
	indices := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		indices = append(indices, i)
	}
	return b.Select(indices...)
}

// Mask returns a new bundle with the members whose mask entry is true.
// The mask must have one entry per member.
func (b *Bundle) Mask(mask []bool) (*Bundle, error) {
	if len(mask) != len(b.members) {
		return nil, fmt.Errorf("mask has %d entries for %d members", len(mask), len(b.members))
	}
	var indices []int
	for i, keep := range mask {
		if keep {
			indices = append(indices, i)
		}
	}
	return b.Select(indices...)
}

// resolve returns the member units in order, serving cached handles,
// then direct hits at the last-known paths, then delegating the
// remainder to the foxhound under the search budget. Found units
// refresh their member paths and cache entries; misses are nil.
func (b *Bundle) resolve() []*treant.Treant {
	out := make([]*treant.Treant, len(b.members))
	var missing []foxhound.Request

	for i, m := range b.members {
		if tr, ok := b.cache.get(m.uuid); ok {
			out[i] = tr
			continue
		}
		if tr := b.tryDirect(m); tr != nil {
			out[i] = tr
			b.cache.put(m.uuid, tr)
			continue
		}
		missing = append(missing, foxhound.Request{
			UUID:       m.uuid,
			TreantType: m.treantType,
			LastSeen:   m.abspath,
		})
	}

	if len(missing) == 0 {
		return out
	}

	hound := foxhound.New(&foxhound.Config{Budget: b.searchTime, Logger: b.logger})
	result := hound.Fetch(context.Background(), missing)

	for i, m := range b.members {
		if out[i] != nil {
			continue
		}
		tr := result.Treants[m.uuid]
		if tr == nil {
			b.logger.Printf("member %s (%s) unresolved: %s", m.uuid, m.treantType, result.Status[m.uuid])
			continue
		}
		out[i] = tr
		b.addMember(tr.UUID(), tr.Type(), tr.Path())
		b.cache.put(m.uuid, tr)
	}
	return out
}

// tryDirect opens the member at its last-known path, verifying the uuid
// still matches before trusting it.
func (b *Bundle) tryDirect(m member) *treant.Treant {
	statefile := filepath.Join(m.abspath, state.Filename(m.treantType, m.uuid))
	if _, err := os.Stat(statefile); err != nil {
		return nil
	}
	tr, err := treant.FromStateFile(statefile)
	if err != nil || tr.UUID() != m.uuid {
		return nil
	}
	return tr
}

// resolvedByUUID resolves every member, failing with ErrUnresolved when
// any member is missing. Set operations require both operands fully
// resolved so that a stale membership cannot silently skew the result.
func (b *Bundle) resolvedByUUID() (map[string]*treant.Treant, error) {
	resolved := b.resolve()
	out := make(map[string]*treant.Treant, len(resolved))
	for i, tr := range resolved {
		if tr == nil {
			return nil, fmt.Errorf("%w: uuid %s", ErrUnresolved, b.members[i].uuid)
		}
		out[tr.UUID()] = tr
	}
	return out, nil
}

// Union returns a bundle with the members of both operands.
func (b *Bundle) Union(other *Bundle) (*Bundle, error) {
	as, err := b.resolvedByUUID()
	if err != nil {
		return nil, err
	}
	bs, err := other.resolvedByUUID()
	if err != nil {
		return nil, err
	}
	out := New()
	out.searchTime = b.searchTime
	for _, m := range b.members {
		out.Add(as[m.uuid])
	}
	for _, m := range other.members {
		out.Add(bs[m.uuid])
	}
	return out, nil
}

// Intersection returns a bundle with the members present in both
// operands.
func (b *Bundle) Intersection(other *Bundle) (*Bundle, error) {
	as, err := b.resolvedByUUID()
	if err != nil {
		return nil, err
	}
	bs, err := other.resolvedByUUID()
	if err != nil {
		return nil, err
	}
	out := New()
	out.searchTime = b.searchTime
	for _, m := range b.members {
		if _, ok := bs[m.uuid]; ok {
			out.Add(as[m.uuid])
		}
	}
	return out, nil
}

// Difference returns a bundle with the members of b not in other.
func (b *Bundle) Difference(other *Bundle) (*Bundle, error) {
	as, err := b.resolvedByUUID()
	if err != nil {
		return nil, err
	}
	bs, err := other.resolvedByUUID()
	if err != nil {
		return nil, err
	}
	out := New()
	out.searchTime = b.searchTime
	for _, m := range b.members {
		if _, ok := bs[m.uuid]; !ok {
			out.Add(as[m.uuid])
		}
	}
	return out, nil
}

// SymmetricDifference returns a bundle with the members in exactly one
// of the operands.
func (b *Bundle) SymmetricDifference(other *Bundle) (*Bundle, error) {
	as, err := b.resolvedByUUID()
	if err != nil {
		return nil, err
	}
	bs, err := other.resolvedByUUID()
	if err != nil {
		return nil, err
	}
	out := New()
	out.searchTime = b.searchTime
	for _, m := range b.members {
		if _, ok := bs[m.uuid]; !ok {
			out.Add(as[m.uuid])
		}
	}
	for _, m := range other.members {
		if _, ok := as[m.uuid]; !ok {
			out.Add(bs[m.uuid])
		}
	}
	return out, nil
}

// Equal reports whether both bundles hold the same member uuids,
// regardless of insertion order.
func (b *Bundle) Equal(other *Bundle) (bool, error) {
	as, err := b.resolvedByUUID()
	if err != nil {
		return false, err
	}
	bs, err := other.resolvedByUUID()
	if err != nil {
		return false, err
	}
	if len(as) != len(bs) {
		return false, nil
	}
	for id := range as {
		if _, ok := bs[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// Subset reports whether every member of b is a member of other.
func (b *Bundle) Subset(other *Bundle) (bool, error) {
	as, err := b.resolvedByUUID()
	if err != nil {
		return false, err
	}
	bs, err := other.resolvedByUUID()
	if err != nil {
		return false, err
	}
	for id := range as {
		if _, ok := bs[id]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// StrictSubset reports whether b is a subset of other and not equal to
// it.
func (b *Bundle) StrictSubset(other *Bundle) (bool, error) {
	subset, err := b.Subset(other)
	if err != nil || !subset {
		return false, err
	}
	return len(dedupeUUIDs(b.members)) < len(dedupeUUIDs(other.members)), nil
}

// Superset reports whether every member of other is a member of b.
func (b *Bundle) Superset(other *Bundle) (bool, error) {
	return other.Subset(b)
}

// StrictSuperset reports whether b is a superset of other and not equal
// to it.
func (b *Bundle) StrictSuperset(other *Bundle) (bool, error) {
	return other.StrictSubset(b)
}

func dedupeUUIDs(members []member) map[string]bool {
	out := make(map[string]bool, len(members))
	for _, m := range members {
		out[m.uuid] = true
	}
	return out
}

// Map applies fn to each resolved member. With workers <= 1 the
// function runs sequentially in member order; otherwise a pool of the
// given size processes members, dispatching in member order and
// delivering results re-ordered to member order regardless of
// completion order. An unresolved member fails the whole call. When
// every result is nil, Map returns nil instead of a slice of nils.
func (b *Bundle) Map(fn func(*treant.Treant) (any, error), workers int) ([]any, error) {
	resolved := b.resolve()
	for i, tr := range resolved {
		if tr == nil {
			return nil, fmt.Errorf("%w: uuid %s", ErrUnresolved, b.members[i].uuid)
		}
	}

	results := make([]any, len(resolved))
	if workers <= 1 {
		for i, tr := range resolved {
			out, err := fn(tr)
			if err != nil {
				return nil, fmt.Errorf("map failed on member %d (%s): %w", i, tr.UUID(), err)
			}
			results[i] = out
		}
	} else {
		g := new(errgroup.Group)
		g.SetLimit(workers)
		for i, tr := range resolved {
			g.Go(func() error {
				out, err := fn(tr)
				if err != nil {
					return fmt.Errorf("map failed on member %d (%s): %w", i, tr.UUID(), err)
				}
				results[i] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	for _, r := range results {
		if r != nil {
			return results, nil
		}
	}
	return nil, nil
}

// Discover recursively walks the directory tree under root and returns
// a bundle of every treant found. Directories without read permission
// are skipped rather than failing the walk.
func Discover(root string) (*Bundle, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve discovery root: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("discovery root unavailable: %w", err)
	}

	b := New()
	walkErr := filepath.WalkDir(abs, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if _, _, ok := state.ParseFilename(entry.Name()); !ok {
			return nil
		}
		tr, terr := treant.FromStateFile(path)
		if terr != nil {
			b.logger.Printf("skipping unreadable treant at %s: %v", path, terr)
			return nil
		}
		b.Add(tr)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("discovery walk failed: %w", walkErr)
	}
	return b, nil
}
