package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStatCatalog(t *testing.T) {
	dir := t.TempDir()

	// Missing file: reported as absent, not as an error.
	info, exists, err := statCatalog(filepath.Join(dir, "missing.db"))
	if err != nil {
		t.Fatalf("statCatalog(missing) error = %v", err)
	}
	if exists || info != nil {
		t.Errorf("statCatalog(missing) = (%v, %v), want absent", info, exists)
	}

	// A stat failure that is not absence must surface as an error, not
	// fall through with a nil FileInfo. Statting below a regular file
	// fails with ENOTDIR, which os.IsNotExist does not cover.
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	info, exists, err = statCatalog(filepath.Join(blocker, "catalog.db"))
	if err == nil {
		t.Fatal("statCatalog() below a regular file should fail")
	}
	if exists || info != nil {
		t.Errorf("statCatalog() = (%v, %v) alongside error, want nil/false", info, exists)
	}

	// An existing file yields its info.
	existing := filepath.Join(dir, "catalog.db")
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	info, exists, err = statCatalog(existing)
	if err != nil {
		t.Fatalf("statCatalog(existing) error = %v", err)
	}
	if !exists || info == nil {
		t.Fatal("statCatalog(existing) did not report the file")
	}
}
