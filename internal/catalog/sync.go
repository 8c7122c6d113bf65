package catalog

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datreant/treant/internal/state"
)

// Syncer keeps the catalog consistent with the state files on disk.
// State files are authoritative; sync reads them under shared locks and
// replaces the cataloged rows.
type Syncer struct {
	catalog *Catalog
	logger  *log.Logger
}

// NewSyncer creates a syncer backed by the given catalog.
//
// The catalog must be open and have its schema initialized before
// passing it here. If logger is nil, a default logger writing to
// stderr is used.
func NewSyncer(catalog *Catalog, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{
		catalog: catalog,
		logger:  logger,
	}
}

// SyncStateFile reads one treant state file and upserts its record.
// The filename must follow the {type}.{uuid}.json convention.
func (s *Syncer) SyncStateFile(path string) error {
	if _, _, ok := state.ParseFilename(filepath.Base(path)); !ok {
		return fmt.Errorf("not a treant state file: %s", path)
	}

	rec, err := readRecord(path)
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if err := s.catalog.Upsert(rec); err != nil {
		return fmt.Errorf("failed to sync treant to catalog: %w", err)
	}

	s.logger.Printf("Synced treant: %s (%s)", rec.UUID, rec.Name)
	return nil
}

// RemoveStateFile drops the catalog row for a state file that no
// longer exists on disk. The uuid is recovered from the filename.
func (s *Syncer) RemoveStateFile(path string) error {
	_, id, ok := state.ParseFilename(filepath.Base(path))
	if !ok {
		return fmt.Errorf("not a treant state file: %s", path)
	}

	if err := s.catalog.Delete(id); err != nil {
		return fmt.Errorf("failed to remove treant from catalog: %w", err)
	}

	s.logger.Printf("Removed treant: %s", id)
	return nil
}

// SyncTree walks root, syncs every state file found, and prunes
// cataloged rows whose files have vanished. Individual file failures
// are logged but don't stop the sync.
func (s *Syncer) SyncTree(root string) error {
	s.logger.Printf("Starting full sync from %s", root)
	start := time.Now()

	var synced, failed int
	seen := make(map[string]bool)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// An unreadable root means the whole sync has nothing to
			// look at; failing loudly beats reporting an empty sync.
			if path == root {
				return err
			}
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() {
				s.logger.Printf("WARNING: skipping unreadable directory %s: %v", path, err)
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		_, id, ok := state.ParseFilename(d.Name())
		if !ok {
			return nil
		}
		// The file exists on disk either way; a failed sync must not
		// expose its row to the prune below.
		seen[id] = true
		if err := s.SyncStateFile(path); err != nil {
			s.logger.Printf("WARNING: failed to sync %s: %v", d.Name(), err)
			failed++
			return nil
		}
		synced++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", root, err)
	}

	pruned, err := s.prune(root, seen)
	if err != nil {
		return err
	}

	s.logger.Printf("Full sync complete: synced=%d (failed=%d), pruned=%d in %v",
		synced, failed, pruned, time.Since(start).Round(time.Millisecond))
	return nil
}

// prune deletes cataloged rows under root whose state files were not
// seen during the walk. Rows located outside root are left alone.
func (s *Syncer) prune(root string, seen map[string]bool) (int, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve root: %w", err)
	}

	recs, err := s.catalog.All()
	if err != nil {
		return 0, fmt.Errorf("failed to list catalog: %w", err)
	}

	pruned := 0
	for _, rec := range recs {
		if seen[rec.UUID] {
			continue
		}
		rel, err := filepath.Rel(absRoot, rec.Path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if err := s.catalog.Delete(rec.UUID); err != nil {
			return pruned, fmt.Errorf("failed to prune treant %s: %w", rec.UUID, err)
		}
		s.logger.Printf("Pruned vanished treant: %s (%s)", rec.UUID, rec.Name)
		pruned++
	}
	return pruned, nil
}

// readRecord loads identity, tags, and categories from a state file
// under shared locks and builds the catalog record.
func readRecord(path string) (*Record, error) {
	tf, err := state.OpenTreantFile(path)
	if err != nil {
		return nil, err
	}

	ident, err := tf.Identity()
	if err != nil {
		return nil, err
	}
	tags, err := tf.Tags()
	if err != nil {
		return nil, err
	}
	categories, err := tf.Categories()
	if err != nil {
		return nil, err
	}

	abspath, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}

	return &Record{
		UUID:       ident.UUID,
		Name:       ident.Name,
		TreantType: ident.TreantType,
		Path:       abspath,
		Tags:       tags,
		Categories: categories,
		SyncedAt:   time.Now().UTC(),
	}, nil
}
