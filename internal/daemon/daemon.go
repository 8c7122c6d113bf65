// Package daemon provides the catalog daemon that keeps the coordinator
// database consistent with the state files on disk.
//
// The daemon:
// 1. Watches a directory tree for state file changes
// 2. Syncs affected files to the catalog database
// 3. Periodically performs a full rescan to catch missed events
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/datreant/treant/internal/catalog"
	"github.com/datreant/treant/internal/state"
)

// Config holds configuration for the daemon.
type Config struct {
	// RescanInterval is how often to perform a full tree rescan.
	// Rescans catch events lost while a subtree had no watch yet.
	RescanInterval time.Duration

	// DebounceInterval is how long to wait before processing file
	// changes. This batches rapid updates together.
	DebounceInterval time.Duration

	// LogFile, when set, routes daemon logs to a rotating file
	// instead of stderr.
	LogFile string

	// Logger for daemon activity. Overrides LogFile when set.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RescanInterval:   5 * time.Minute,
		DebounceInterval: 100 * time.Millisecond,
	}
}

// Daemon orchestrates file watching and catalog synchronization.
type Daemon struct {
	syncer *catalog.Syncer
	root   string
	config *Config
	logger *log.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance watching the tree rooted at root.
//
// The syncer's catalog must be open with its schema initialized.
// Use Start() to begin watching and syncing.
func New(syncer *catalog.Syncer, root string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if root == "" {
		return nil, fmt.Errorf("root cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	logger := config.Logger
	if logger == nil {
		if config.LogFile != "" {
			logger = log.New(&lumberjack.Logger{
				Filename:   config.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			}, "[daemon] ", log.LstdFlags)
		} else {
			logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:      syncer,
		root:        root,
		config:      config,
		logger:      logger,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Perform a full sync from state files to the catalog
// 2. Start watching every directory under the root
// 3. Process file changes with debouncing
// 4. Periodically rescan the whole tree
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting daemon")

	// Perform initial full sync
	if err := d.syncer.SyncTree(d.root); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	// fsnotify watches are not recursive, so every directory in the
	// tree gets its own watch. New subdirectories are added as Create
	// events arrive.
	if err := d.watchTree(d.root); err != nil {
		return fmt.Errorf("failed to watch tree: %w", err)
	}

	d.logger.Printf("Watching: %s", d.root)

	// Start background goroutines
	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.periodicRescan()

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.logger.Println("Stopping daemon")

	// Signal shutdown
	d.cancel()

	// Close watcher
	if err := d.watcher.Close(); err != nil {
		d.logger.Printf("Error closing watcher: %v", err)
	}

	// Wait for goroutines to finish
	d.wg.Wait()

	d.logger.Println("Daemon stopped")
	return nil
}

// watchTree adds a watch for dir and every directory beneath it.
func (d *Daemon) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry != nil && entry.IsDir() {
				d.logger.Printf("Warning: skipping unreadable directory %s: %v", path, err)
				return fs.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if err := d.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// New directories need their own watch before events
			// inside them can be seen.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.watchTree(event.Name); err != nil {
						d.logger.Printf("Warning: failed to watch new directory %s: %v", event.Name, err)
					}
					continue
				}
			}

			// Only care about Create, Write, Remove, Rename
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// Only process state files
			if _, _, ok := state.ParseFilename(filepath.Base(event.Name)); !ok {
				continue
			}

			d.logger.Printf("File event: %s %s", event.Op, event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files that have been queued for long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()

	for path, queuedAt := range d.changeQueue {
		// Only process if enough time has passed (debouncing)
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}

		d.logger.Printf("Processing change: %s", path)

		if err := d.syncStateFile(path); err != nil {
			d.logger.Printf("Error syncing %s: %v", path, err)
		}

		delete(d.changeQueue, path)
	}
}

// syncStateFile syncs a single state file to the catalog. Deleted
// files are removed from the catalog instead.
func (d *Daemon) syncStateFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return d.syncer.RemoveStateFile(path)
	}
	return d.syncer.SyncStateFile(path)
}

// periodicRescan performs a full tree rescan on a timer.
func (d *Daemon) periodicRescan() {
	defer d.wg.Done()

	if d.config.RescanInterval <= 0 {
		return
	}

	ticker := time.NewTicker(d.config.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if err := d.syncer.SyncTree(d.root); err != nil {
				d.logger.Printf("Error during rescan: %v", err)
			}
		}
	}
}
