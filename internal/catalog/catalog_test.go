package catalog

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/datreant/treant/internal/state"
)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "coordinator.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return c
}

func TestUpsertAndGet(t *testing.T) {
	c := openCatalog(t)

	rec := &Record{
		UUID:       uuid.New().String(),
		Name:       "sprout",
		TreantType: state.TypeTreant,
		Path:       "/data/sprout",
		Tags:       []string{"elm", "oak"},
		Categories: map[string]string{"state": "grown", "height": "tall"},
	}
	if err := c.Upsert(rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := c.Get(rec.UUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil for known uuid")
	}
	if got.Name != "sprout" || got.TreantType != state.TypeTreant || got.Path != "/data/sprout" {
		t.Errorf("Get() = %+v, want identity fields preserved", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "elm" || got.Tags[1] != "oak" {
		t.Errorf("Tags = %v, want [elm oak]", got.Tags)
	}
	if got.Categories["state"] != "grown" || got.Categories["height"] != "tall" {
		t.Errorf("Categories = %v", got.Categories)
	}
	if got.SyncedAt.IsZero() {
		t.Error("SyncedAt not recorded")
	}
}

func TestGetUnknownReturnsNil(t *testing.T) {
	c := openCatalog(t)

	got, err := c.Get(uuid.New().String())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil for unknown uuid", got)
	}
}

func TestUpsertReplacesTagsAndCategories(t *testing.T) {
	c := openCatalog(t)

	rec := &Record{
		UUID:       uuid.New().String(),
		Name:       "sprout",
		TreantType: state.TypeTreant,
		Path:       "/data/sprout",
		Tags:       []string{"elm", "oak"},
		Categories: map[string]string{"state": "grown"},
	}
	if err := c.Upsert(rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	rec.Name = "grown-sprout"
	rec.Tags = []string{"pine"}
	rec.Categories = map[string]string{"age": "young"}
	if err := c.Upsert(rec); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	got, err := c.Get(rec.UUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "grown-sprout" {
		t.Errorf("Name = %q, want grown-sprout", got.Name)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "pine" {
		t.Errorf("Tags = %v, want [pine]", got.Tags)
	}
	if _, stale := got.Categories["state"]; stale {
		t.Error("stale category survived upsert")
	}
	if got.Categories["age"] != "young" {
		t.Errorf("Categories = %v, want age=young", got.Categories)
	}

	n, err := c.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1 after double upsert", n)
	}
}

func TestUpsertRequiresUUID(t *testing.T) {
	c := openCatalog(t)

	if err := c.Upsert(&Record{Name: "nameless"}); err == nil {
		t.Fatal("Upsert() with empty uuid should fail")
	}
}

func TestDelete(t *testing.T) {
	c := openCatalog(t)

	rec := &Record{
		UUID:       uuid.New().String(),
		Name:       "doomed",
		TreantType: state.TypeTreant,
		Path:       "/data/doomed",
		Tags:       []string{"elm"},
	}
	if err := c.Upsert(rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := c.Delete(rec.UUID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := c.Get(rec.UUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Error("record survived Delete()")
	}

	// Tag rows cascade away with the treant.
	recs, err := c.FindByTag("elm")
	if err != nil {
		t.Fatalf("FindByTag() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("FindByTag() after delete = %d records, want 0", len(recs))
	}

	// Deleting an unknown uuid is not an error.
	if err := c.Delete(uuid.New().String()); err != nil {
		t.Errorf("Delete() of unknown uuid error = %v", err)
	}
}

func TestFindQueries(t *testing.T) {
	c := openCatalog(t)

	seed := []*Record{
		{UUID: uuid.New().String(), Name: "maple", TreantType: state.TypeSim, Path: "/a",
			Tags: []string{"deciduous"}, Categories: map[string]string{"zone": "north"}},
		{UUID: uuid.New().String(), Name: "pine", TreantType: state.TypeTreant, Path: "/b",
			Tags: []string{"evergreen"}, Categories: map[string]string{"zone": "north"}},
		{UUID: uuid.New().String(), Name: "pine", TreantType: state.TypeTreant, Path: "/c",
			Tags: []string{"evergreen", "deciduous"}, Categories: map[string]string{"zone": "south"}},
	}
	for _, rec := range seed {
		if err := c.Upsert(rec); err != nil {
			t.Fatalf("Upsert(%s) error = %v", rec.Name, err)
		}
	}

	recs, err := c.FindByTag("deciduous")
	if err != nil {
		t.Fatalf("FindByTag() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("FindByTag(deciduous) = %d records, want 2", len(recs))
	}

	recs, err = c.FindByCategory("zone", "north")
	if err != nil {
		t.Fatalf("FindByCategory() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("FindByCategory(zone, north) = %d records, want 2", len(recs))
	}

	// Empty value matches any value for the key.
	recs, err = c.FindByCategory("zone", "")
	if err != nil {
		t.Fatalf("FindByCategory() error = %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("FindByCategory(zone, any) = %d records, want 3", len(recs))
	}

	recs, err = c.FindByName("pine")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("FindByName(pine) = %d records, want 2", len(recs))
	}

	all, err := c.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("All() = %d records, want 3", len(all))
	}
	// Ordered by name.
	if all[0].Name != "maple" {
		t.Errorf("All() first record = %q, want maple", all[0].Name)
	}
}

func quietSyncer(c *Catalog) *Syncer {
	return NewSyncer(c, log.New(io.Discard, "", 0))
}

func makeStateFile(t *testing.T, dir, name string, tags []string) string {
	t.Helper()
	id := uuid.New().String()
	path := filepath.Join(dir, state.Filename(state.TypeTreant, id))
	_, err := state.NewTreantFile(path, state.TypeTreant, &state.CreateOptions{
		UUID: id,
		Name: name,
		Tags: tags,
	})
	if err != nil {
		t.Fatalf("NewTreantFile(%s) error = %v", name, err)
	}
	return path
}

func TestSyncStateFile(t *testing.T) {
	c := openCatalog(t)
	s := quietSyncer(c)

	dir := t.TempDir()
	path := makeStateFile(t, dir, "maple", []string{"deciduous"})

	if err := s.SyncStateFile(path); err != nil {
		t.Fatalf("SyncStateFile() error = %v", err)
	}

	recs, err := c.FindByName("maple")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("FindByName(maple) = %d records, want 1", len(recs))
	}
	if len(recs[0].Tags) != 1 || recs[0].Tags[0] != "deciduous" {
		t.Errorf("Tags = %v, want [deciduous]", recs[0].Tags)
	}
	absDir, _ := filepath.Abs(dir)
	if recs[0].Path != absDir {
		t.Errorf("Path = %q, want %q", recs[0].Path, absDir)
	}
}

func TestSyncStateFileRejectsForeignFiles(t *testing.T) {
	c := openCatalog(t)
	s := quietSyncer(c)

	path := filepath.Join(t.TempDir(), "notes.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.SyncStateFile(path); err == nil {
		t.Fatal("SyncStateFile() accepted a non-state file")
	}
}

func TestSyncTreePrunesVanished(t *testing.T) {
	c := openCatalog(t)
	s := quietSyncer(c)

	root := t.TempDir()
	keepDir := filepath.Join(root, "keep")
	goneDir := filepath.Join(root, "gone")
	for _, d := range []string{keepDir, goneDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	makeStateFile(t, keepDir, "keeper", nil)
	gonePath := makeStateFile(t, goneDir, "goner", nil)

	if err := s.SyncTree(root); err != nil {
		t.Fatalf("SyncTree() error = %v", err)
	}
	n, err := c.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Count() after first sync = %d, want 2", n)
	}

	if err := os.Remove(gonePath); err != nil {
		t.Fatal(err)
	}
	if err := s.SyncTree(root); err != nil {
		t.Fatalf("second SyncTree() error = %v", err)
	}

	n, err = c.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count() after prune = %d, want 1", n)
	}
	recs, err := c.FindByName("keeper")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("keeper missing after prune")
	}
}

func TestSyncTreeKeepsRowsForFailedFiles(t *testing.T) {
	c := openCatalog(t)
	s := quietSyncer(c)

	root := t.TempDir()
	path := makeStateFile(t, root, "flaky", []string{"elm"})
	if err := s.SyncTree(root); err != nil {
		t.Fatalf("SyncTree() error = %v", err)
	}

	// A file that fails to sync is still on disk; its row must not be
	// pruned as vanished.
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.SyncTree(root); err != nil {
		t.Fatalf("second SyncTree() error = %v", err)
	}

	_, id, ok := state.ParseFilename(filepath.Base(path))
	if !ok {
		t.Fatalf("not a state file name: %s", path)
	}
	rec, err := c.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec == nil {
		t.Fatal("row pruned although the state file still exists on disk")
	}
	if len(rec.Tags) != 1 || rec.Tags[0] != "elm" {
		t.Errorf("Tags = %v, want the last good sync preserved", rec.Tags)
	}
}

func TestSyncTreeErrorsOnMissingRoot(t *testing.T) {
	c := openCatalog(t)
	s := quietSyncer(c)

	if err := s.SyncTree(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("SyncTree() on an unreadable root should fail")
	}
}

func TestSyncTreeLeavesOutsideRowsAlone(t *testing.T) {
	c := openCatalog(t)
	s := quietSyncer(c)

	elsewhere := t.TempDir()
	other := makeStateFile(t, elsewhere, "outsider", nil)
	if err := s.SyncStateFile(other); err != nil {
		t.Fatalf("SyncStateFile() error = %v", err)
	}

	root := t.TempDir()
	makeStateFile(t, root, "insider", nil)
	if err := s.SyncTree(root); err != nil {
		t.Fatalf("SyncTree() error = %v", err)
	}

	n, err := c.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Count() = %d, want 2 (outsider must not be pruned)", n)
	}
}
