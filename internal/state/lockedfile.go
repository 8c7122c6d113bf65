// Package state implements synchronized access to treant state files.
//
// A state file is the single JSON side-car file that holds a treant's
// identity record, tag set, and category map. Many OS processes may read
// and mutate the same state file concurrently; this package mediates that
// with advisory flock(2) locks so readers never observe a half-written
// file and writers never interleave.
package state

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// LockedFile wraps a single on-disk file with advisory shared/exclusive
// locking and scoped open/close around read and write operations.
//
// Lock acquisition is blocking and has no timeout: a crashed process
// holding an exclusive lock stalls all others until the OS reaps it.
// Exclusive locks are requested directly with a single LOCK_EX call
// rather than escalating from a shared lock, so the kernel's flock
// fairness is the only ordering policy in play.
type LockedFile struct {
	path string
}

// NewLockedFile creates a LockedFile for the given path.
//
// The path need not exist yet; write operations create it. Read
// operations on a missing path fail, so callers intending read-only use
// must check existence first.
func NewLockedFile(path string) *LockedFile {
	return &LockedFile{path: path}
}

// Path returns the file path this LockedFile guards.
func (f *LockedFile) Path() string {
	return f.path
}

// Exists reports whether the underlying file currently exists.
func (f *LockedFile) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// WithRead opens the file read-only, takes a shared lock, runs fn, and
// always closes the file (releasing the lock) before returning, even
// when fn fails. Multiple shared holders may run concurrently; an
// exclusive holder excludes all of them.
func (f *LockedFile) WithRead(fn func(*os.File) error) error {
	handle, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open state file for reading: %w", err)
	}
	defer handle.Close()

	if err := unix.Flock(int(handle.Fd()), unix.LOCK_SH); err != nil {
		return fmt.Errorf("failed to acquire shared lock on %s: %w", f.path, err)
	}
	defer unix.Flock(int(handle.Fd()), unix.LOCK_UN) //nolint:errcheck // lock dies with the descriptor anyway

	return fn(handle)
}

// WithWrite opens the file read-write (creating it if absent), takes an
// exclusive lock, runs fn, and always closes the file (releasing the
// lock) before returning. fn runs inside a single critical section, so
// read-modify-write sequences inside it cannot lose updates to
// concurrent writers.
func (f *LockedFile) WithWrite(fn func(*os.File) error) error {
	handle, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open state file for writing: %w", err)
	}
	defer handle.Close()

	if err := unix.Flock(int(handle.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock on %s: %w", f.path, err)
	}
	defer unix.Flock(int(handle.Fd()), unix.LOCK_UN) //nolint:errcheck

	return fn(handle)
}
