package bundle

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datreant/treant/internal/state"
	"github.com/datreant/treant/internal/treant"
)

func quiet(b *Bundle) *Bundle {
	b.SetLogger(log.New(io.Discard, "", 0))
	return b
}

func makeTreant(t *testing.T, base, name string) *treant.Treant {
	t.Helper()
	tr, err := treant.New(filepath.Join(base, name), &treant.Options{Name: name})
	if err != nil {
		t.Fatalf("treant.New(%q) failed: %v", name, err)
	}
	return tr
}

// TestBundle_AddDeduplicates verifies that re-adding a known uuid
// replaces its record instead of duplicating it, refreshing the path.
func TestBundle_AddDeduplicates(t *testing.T) {
	base := t.TempDir()
	tr := makeTreant(t, base, "a")

	b := quiet(New(tr))
	b.Add(tr)
	if b.Len() != 1 {
		t.Fatalf("Len() = %d after duplicate add, want 1", b.Len())
	}

	// Move the unit and re-add through the relocated handle.
	moved := filepath.Join(base, "a-moved")
	if err := os.Rename(tr.Path(), moved); err != nil {
		t.Fatalf("failed to move unit: %v", err)
	}
	relocated, err := treant.Open(moved)
	if err != nil {
		t.Fatalf("treant.Open() failed: %v", err)
	}
	b.Add(relocated)

	if b.Len() != 1 {
		t.Fatalf("Len() = %d after refreshing add, want 1", b.Len())
	}
	if got := b.AbsPaths()[0]; got != moved {
		t.Errorf("AbsPaths()[0] = %q, want refreshed %q", got, moved)
	}
}

// TestBundle_FromPaths verifies construction from directories and state
// file paths, with relative paths normalized to absolute.
func TestBundle_FromPaths(t *testing.T) {
	base := t.TempDir()
	a := makeTreant(t, base, "a")
	bTr := makeTreant(t, base, "b")

	got, err := FromPaths(a.Path(), bTr.StateFilePath())
	if err != nil {
		t.Fatalf("FromPaths() failed: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", got.Len())
	}

	if _, err := FromPaths(filepath.Join(base, "missing")); err == nil {
		t.Error("FromPaths() with nonexistent path should fail")
	}
	if _, err := FromPaths(base); err == nil {
		t.Error("FromPaths() with a non-treant directory should fail")
	}
}

// TestBundle_FromGlob verifies glob construction skips non-treant
// matches.
func TestBundle_FromGlob(t *testing.T) {
	base := t.TempDir()
	makeTreant(t, base, "sim1")
	makeTreant(t, base, "sim2")
	if err := os.MkdirAll(filepath.Join(base, "simnot"), 0755); err != nil {
		t.Fatalf("failed to create decoy dir: %v", err)
	}

	b, err := FromGlob(filepath.Join(base, "sim*"))
	if err != nil {
		t.Fatalf("FromGlob() failed: %v", err)
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (decoy must be skipped)", b.Len())
	}
}

// TestBundle_EqualityIgnoresInsertionOrder verifies that two bundles
// over the same uuids compare equal regardless of insertion order, and
// that strict subset ordering works.
func TestBundle_EqualityIgnoresInsertionOrder(t *testing.T) {
	base := t.TempDir()
	x := makeTreant(t, base, "x")
	y := makeTreant(t, base, "y")
	z := makeTreant(t, base, "z")

	a := quiet(New(x, y, z))
	b := quiet(New(z, x, y))

	equal, err := a.Equal(b)
	if err != nil {
		t.Fatalf("Equal() failed: %v", err)
	}
	if !equal {
		t.Error("bundles with identical uuids should be equal regardless of order")
	}

	smaller := quiet(New(x, y))
	strict, err := smaller.StrictSubset(a)
	if err != nil {
		t.Fatalf("StrictSubset() failed: %v", err)
	}
	if !strict {
		t.Error("smaller should be a strict subset of a")
	}
	strict, err = a.StrictSubset(b)
	if err != nil {
		t.Fatalf("StrictSubset() failed: %v", err)
	}
	if strict {
		t.Error("equal bundles must not be strict subsets of each other")
	}
}

// TestBundle_SetAlgebra verifies union, intersection, difference, and
// symmetric difference over member uuids.
func TestBundle_SetAlgebra(t *testing.T) {
	base := t.TempDir()
	x := makeTreant(t, base, "x")
	y := makeTreant(t, base, "y")
	z := makeTreant(t, base, "z")

	a := quiet(New(x, y))
	b := quiet(New(y, z))

	union, err := a.Union(b)
	if err != nil {
		t.Fatalf("Union() failed: %v", err)
	}
	if union.Len() != 3 {
		t.Errorf("Union().Len() = %d, want 3", union.Len())
	}

	inter, err := a.Intersection(b)
	if err != nil {
		t.Fatalf("Intersection() failed: %v", err)
	}
	if inter.Len() != 1 || inter.UUIDs()[0] != y.UUID() {
		t.Errorf("Intersection() = %v, want [%s]", inter.UUIDs(), y.UUID())
	}

	diff, err := a.Difference(b)
	if err != nil {
		t.Fatalf("Difference() failed: %v", err)
	}
	if diff.Len() != 1 || diff.UUIDs()[0] != x.UUID() {
		t.Errorf("Difference() = %v, want [%s]", diff.UUIDs(), x.UUID())
	}

	symdiff, err := a.SymmetricDifference(b)
	if err != nil {
		t.Fatalf("SymmetricDifference() failed: %v", err)
	}
	if symdiff.Len() != 2 {
		t.Errorf("SymmetricDifference().Len() = %d, want 2", symdiff.Len())
	}
}

// TestBundle_RemoveEquivalence verifies that removing a member by uuid,
// by index, and by exact-name glob all produce the same resulting set
// from an equivalent pre-state.
func TestBundle_RemoveEquivalence(t *testing.T) {
	base := t.TempDir()
	x := makeTreant(t, base, "x")
	y := makeTreant(t, base, "y")
	z := makeTreant(t, base, "z")

	build := func() *Bundle { return quiet(New(x, y, z)) }

	byUUID := build()
	if err := byUUID.Remove(ByUUID(y.UUID())); err != nil {
		t.Fatalf("Remove(ByUUID) failed: %v", err)
	}

	byIndex := build()
	if err := byIndex.Remove(ByIndex(1)); err != nil {
		t.Fatalf("Remove(ByIndex) failed: %v", err)
	}

	byName := build()
	if err := byName.Remove(ByName("y")); err != nil {
		t.Fatalf("Remove(ByName) failed: %v", err)
	}

	byTreant := build()
	if err := byTreant.Remove(ByTreant(y)); err != nil {
		t.Fatalf("Remove(ByTreant) failed: %v", err)
	}

	want := []string{x.UUID(), z.UUID()}
	for label, b := range map[string]*Bundle{
		"uuid": byUUID, "index": byIndex, "name": byName, "treant": byTreant,
	} {
		got := b.UUIDs()
		if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("remove by %s: UUIDs() = %v, want %v", label, got, want)
		}
	}
}

// TestBundle_RemoveBadSelector verifies that a zero-value selector is a
// typed failure.
func TestBundle_RemoveBadSelector(t *testing.T) {
	b := quiet(New())
	if err := b.Remove(Selector{}); !errors.Is(err, ErrBadSelector) {
		t.Fatalf("expected ErrBadSelector, got %v", err)
	}
}

// TestBundle_Lookup verifies name-first lookup with a uuid fallback and
// ErrNoMatch when neither matches.
func TestBundle_Lookup(t *testing.T) {
	base := t.TempDir()
	a1 := makeTreant(t, base, "apple1")
	a2 := makeTreant(t, base, "apple2")
	if err := a2.SetName("apple1"); err != nil {
		t.Fatalf("SetName() failed: %v", err)
	}
	other := makeTreant(t, base, "pear")

	b := quiet(New(a1, a2, other))

	// Ambiguous name match returns every match.
	matches, err := b.Lookup("apple1")
	if err != nil {
		t.Fatalf("Lookup(name) failed: %v", err)
	}
	if matches.Len() != 2 {
		t.Errorf("Lookup(apple1).Len() = %d, want 2", matches.Len())
	}

	// No name match falls back to exact uuid.
	matches, err = b.Lookup(other.UUID())
	if err != nil {
		t.Fatalf("Lookup(uuid) failed: %v", err)
	}
	if matches.Len() != 1 || matches.UUIDs()[0] != other.UUID() {
		t.Errorf("Lookup(uuid) = %v, want [%s]", matches.UUIDs(), other.UUID())
	}

	if _, err := b.Lookup("nothing-here"); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("expected ErrNoMatch, got %v", err)
	}
}

// TestBundle_SelectSliceMask verifies index-based derivation of new
// bundles.
func TestBundle_SelectSliceMask(t *testing.T) {
	base := t.TempDir()
	x := makeTreant(t, base, "x")
	y := makeTreant(t, base, "y")
	z := makeTreant(t, base, "z")
	b := quiet(New(x, y, z))

	sel, err := b.Select(2, 0)
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if got := sel.UUIDs(); len(got) != 2 || got[0] != z.UUID() || got[1] != x.UUID() {
		t.Errorf("Select(2,0) = %v, want [z x] order preserved", got)
	}

	sl, err := b.Slice(1, 3)
	if err != nil {
		t.Fatalf("Slice() failed: %v", err)
	}
	if got := sl.UUIDs(); len(got) != 2 || got[0] != y.UUID() {
		t.Errorf("Slice(1,3) = %v, want [y z]", got)
	}

	masked, err := b.Mask([]bool{true, false, true})
	if err != nil {
		t.Fatalf("Mask() failed: %v", err)
	}
	if got := masked.UUIDs(); len(got) != 2 || got[1] != z.UUID() {
		t.Errorf("Mask() = %v, want [x z]", got)
	}

	if _, err := b.Mask([]bool{true}); err == nil {
		t.Error("Mask() with wrong length should fail")
	}
}

// TestBundle_SelectByUUIDAndName verifies uuid- and name-based
// derivation of new bundles, including non-unique names.
func TestBundle_SelectByUUIDAndName(t *testing.T) {
	base := t.TempDir()
	x := makeTreant(t, base, "x")
	y := makeTreant(t, base, "y")
	z := makeTreant(t, base, "z")
	b := quiet(New(x, y, z))

	byUUID, err := b.SelectUUIDs(z.UUID(), x.UUID())
	if err != nil {
		t.Fatalf("SelectUUIDs() failed: %v", err)
	}
	if got := byUUID.UUIDs(); len(got) != 2 || got[0] != z.UUID() || got[1] != x.UUID() {
		t.Errorf("SelectUUIDs() = %v, want [z x] order preserved", got)
	}

	if _, err := b.SelectUUIDs("no-such-uuid"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("SelectUUIDs(unknown) error = %v, want ErrNoMatch", err)
	}

	// Results follow the order the names are given, not member order.
	byName, err := b.SelectNames("z", "x")
	if err != nil {
		t.Fatalf("SelectNames() failed: %v", err)
	}
	if got := byName.UUIDs(); len(got) != 2 || got[0] != z.UUID() || got[1] != x.UUID() {
		t.Errorf("SelectNames(z, x) = %v, want [z x] order preserved", got)
	}

	// Names are not unique; one name may select several members.
	twin := makeTreant(t, filepath.Join(base, "twin-home"), "twin")
	if err := twin.SetName("y"); err != nil {
		t.Fatalf("SetName() failed: %v", err)
	}
	b.Add(twin)

	byName, err = b.SelectNames("y")
	if err != nil {
		t.Fatalf("SelectNames() failed: %v", err)
	}
	if byName.Len() != 2 {
		t.Errorf("SelectNames(y) = %d members, want 2", byName.Len())
	}

	if _, err := b.SelectNames("nobody"); !errors.Is(err, ErrNoMatch) {
		t.Errorf("SelectNames(unknown) error = %v, want ErrNoMatch", err)
	}
}

// TestBundle_GetUnresolvedMember verifies that Members() marks a
// permanently missing member with nil while Get() fails hard on it.
func TestBundle_GetUnresolvedMember(t *testing.T) {
	base := t.TempDir()
	x := makeTreant(t, base, "x")
	gone := makeTreant(t, base, "gone")

	b := quiet(New(x, gone))
	b.SetSearchTime(200 * time.Millisecond)

	if err := os.RemoveAll(gone.Path()); err != nil {
		t.Fatalf("failed to delete unit: %v", err)
	}
	// Drop cached handles so resolution has to hit the filesystem.
	b.cache.clear()

	members := b.Members()
	if members[0] == nil {
		t.Error("Members()[0] should resolve")
	}
	if members[1] != nil {
		t.Error("Members()[1] should be the nil absence marker")
	}

	if _, err := b.Get(0); err != nil {
		t.Errorf("Get(0) failed: %v", err)
	}
	if _, err := b.Get(1); !errors.Is(err, ErrUnresolved) {
		t.Errorf("Get(1) = %v, want ErrUnresolved", err)
	}
}

// TestBundle_ResolveRelocatesMovedMember verifies the end-to-end cache
// scenario: a member whose recorded path went stale is relocated and its
// record refreshed.
func TestBundle_ResolveRelocatesMovedMember(t *testing.T) {
	base := t.TempDir()
	tr := makeTreant(t, filepath.Join(base, "old"), "wanderer")

	b := quiet(New(tr))
	b.SetSearchTime(10 * time.Second)
	b.cache.clear()

	newDir := filepath.Join(base, "new", "wanderer")
	if err := os.MkdirAll(filepath.Dir(newDir), 0755); err != nil {
		t.Fatalf("failed to create target parent: %v", err)
	}
	if err := os.Rename(tr.Path(), newDir); err != nil {
		t.Fatalf("failed to move unit: %v", err)
	}

	members := b.Members()
	if members[0] == nil {
		t.Fatal("moved member should have been relocated")
	}
	if members[0].Path() != newDir {
		t.Errorf("resolved path = %q, want %q", members[0].Path(), newDir)
	}
	if got := b.AbsPaths()[0]; got != newDir {
		t.Errorf("member record path = %q, want refreshed %q", got, newDir)
	}

	location, err := members[0].Location()
	if err != nil {
		t.Fatalf("Location() failed: %v", err)
	}
	if location != newDir {
		t.Errorf("Location() = %q, want self-healed %q", location, newDir)
	}
}

// TestBundle_MapSequentialAndParallel verifies result ordering at both
// concurrency levels and the all-nil collapse.
func TestBundle_MapSequentialAndParallel(t *testing.T) {
	base := t.TempDir()
	names := []string{"m0", "m1", "m2", "m3", "m4"}
	treants := make([]*treant.Treant, len(names))
	for i, name := range names {
		treants[i] = makeTreant(t, base, name)
	}
	b := quiet(New(treants...))

	nameOf := func(tr *treant.Treant) (any, error) {
		return tr.Name()
	}

	for _, workers := range []int{1, 3} {
		results, err := b.Map(nameOf, workers)
		if err != nil {
			t.Fatalf("Map(workers=%d) failed: %v", workers, err)
		}
		if len(results) != len(names) {
			t.Fatalf("Map(workers=%d) returned %d results, want %d", workers, len(results), len(names))
		}
		for i, r := range results {
			if r != names[i] {
				t.Errorf("Map(workers=%d) results[%d] = %v, want %q (member order)", workers, i, r, names[i])
			}
		}
	}

	// All-nil results collapse to nil.
	var calls atomic.Int64
	results, err := b.Map(func(*treant.Treant) (any, error) {
		calls.Add(1)
		return nil, nil
	}, 3)
	if err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	if results != nil {
		t.Errorf("all-nil Map() = %v, want nil", results)
	}
	if calls.Load() != int64(len(names)) {
		t.Errorf("Map() applied fn %d times, want %d", calls.Load(), len(names))
	}

	// Errors from fn surface.
	if _, err := b.Map(func(*treant.Treant) (any, error) {
		return nil, fmt.Errorf("boom")
	}, 2); err == nil {
		t.Error("Map() should propagate fn errors")
	}
}

// TestDiscover verifies the recursive walk finds nested units and only
// units.
func TestDiscover(t *testing.T) {
	base := t.TempDir()
	makeTreant(t, base, "top")
	makeTreant(t, filepath.Join(base, "nested", "deep"), "leaf")
	if err := os.MkdirAll(filepath.Join(base, "empty"), 0755); err != nil {
		t.Fatalf("failed to create decoy: %v", err)
	}
	if err := os.WriteFile(filepath.Join(base, "notes.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("failed to create decoy file: %v", err)
	}

	b, err := Discover(base)
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	if b.Len() != 2 {
		t.Errorf("Discover() found %d units, want 2: %v", b.Len(), b.AbsPaths())
	}

	if _, err := Discover(filepath.Join(base, "missing")); err == nil {
		t.Error("Discover() on a missing root should fail")
	}
}

// TestBundle_TypesAndUUIDs smoke-tests the record accessors.
func TestBundle_TypesAndUUIDs(t *testing.T) {
	base := t.TempDir()
	sim, err := treant.New(filepath.Join(base, "s"), &treant.Options{TreantType: state.TypeSim})
	if err != nil {
		t.Fatalf("treant.New() failed: %v", err)
	}
	b := quiet(New(sim))

	if got := b.Types(); len(got) != 1 || got[0] != state.TypeSim {
		t.Errorf("Types() = %v, want [sim]", got)
	}
	if got := b.UUIDs(); len(got) != 1 || got[0] != sim.UUID() {
		t.Errorf("UUIDs() = %v, want [%s]", got, sim.UUID())
	}

	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len() after Clear() = %d, want 0", b.Len())
	}
}
