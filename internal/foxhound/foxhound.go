// Package foxhound relocates treants whose last-known path has gone
// stale, within a bounded wall-clock budget.
//
// Given a set of uuids and the paths they were last seen at, the
// resolver walks the filesystem breadth-first outward from each stale
// path and its ancestors (moved units tend to be relocated nearby),
// reading candidate identity records under a shared lock only long
// enough to compare uuids. Units not found when the budget expires are
// reported as definitive misses, never as errors; the caller decides
// whether an individual miss is fatal.
package foxhound

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/datreant/treant/internal/state"
	"github.com/datreant/treant/internal/treant"
)

// Status tracks the per-uuid resolution state machine:
// PENDING → SEARCHING → {FOUND, TIMED_OUT}.
type Status int

const (
	// StatusPending means the uuid has not been searched for yet.
	StatusPending Status = iota
	// StatusSearching means the walk is still looking for the uuid.
	StatusSearching
	// StatusFound means the uuid was located and verified.
	StatusFound
	// StatusTimedOut means the budget expired before the uuid was found.
	StatusTimedOut
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSearching:
		return "searching"
	case StatusFound:
		return "found"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Request identifies one unit to relocate.
type Request struct {
	// UUID of the unit to find.
	UUID string

	// TreantType the caller expects. A candidate whose uuid matches but
	// whose type differs is rejected as a collision. Empty accepts any
	// type.
	TreantType string

	// LastSeen is the absolute directory path the unit was last known
	// to live at. The search starts here and walks outward.
	LastSeen string
}

// Result maps each requested uuid to its resolved unit, or to nil for a
// definitive miss, alongside the final per-uuid status.
type Result struct {
	Treants map[string]*treant.Treant
	Status  map[string]Status
}

// Config configures a Foxhound.
type Config struct {
	// Budget bounds the wall-clock time of one Fetch across all
	// requested uuids. Zero means unbounded, which can block
	// indefinitely; use with caution. The budget bounds the search
	// only, not lock waits encountered while reading candidates.
	Budget time.Duration

	// Logger for search activity. Defaults to stderr.
	Logger *log.Logger
}

// Foxhound performs bounded-time filesystem searches for moved units.
type Foxhound struct {
	budget time.Duration
	logger *log.Logger
}

// New creates a Foxhound. config may be nil, which means an unbounded
// budget and a default logger.
func New(config *Config) *Foxhound {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[foxhound] ", log.LstdFlags)
	}
	return &Foxhound{budget: config.Budget, logger: logger}
}

// Fetch resolves the given requests, returning a Result that has an
// entry for every requested uuid. Misses are nil entries with
// StatusTimedOut, not errors. Fetch returns early when ctx is
// cancelled; already-resolved uuids stay valid in the Result.
func (f *Foxhound) Fetch(ctx context.Context, requests []Request) *Result {
	result := &Result{
		Treants: make(map[string]*treant.Treant, len(requests)),
		Status:  make(map[string]Status, len(requests)),
	}
	pending := make(map[string]Request, len(requests))
	for _, req := range requests {
		result.Treants[req.UUID] = nil
		result.Status[req.UUID] = StatusPending
		pending[req.UUID] = req
	}
	if len(pending) == 0 {
		return result
	}

	if f.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.budget)
		defer cancel()
	}

	for id := range pending {
		result.Status[id] = StatusSearching
	}

	walk := newWalk(pending, result, f.logger)
	walk.run(ctx)

	for id := range pending {
		if result.Status[id] == StatusSearching {
			result.Status[id] = StatusTimedOut
		}
	}
	return result
}

// walk is the state of one breadth-first search shared by all pending
// uuids of a Fetch invocation.
type walk struct {
	pending map[string]Request
	result  *Result
	logger  *log.Logger

	queue   []string
	visited map[string]bool

	// ancestors holds, per request, the chain of directories above the
	// last-known path. One level is released into the queue each time
	// the frontier drains with uuids still pending.
	ancestors [][]string
}

func newWalk(pending map[string]Request, result *Result, logger *log.Logger) *walk {
	w := &walk{
		pending: pending,
		result:  result,
		logger:  logger,
		visited: make(map[string]bool),
	}
	for _, req := range pending {
		start := filepath.Clean(req.LastSeen)
		w.enqueue(start)
		w.ancestors = append(w.ancestors, ancestorChain(start))
	}
	return w
}

// ancestorChain lists the directories above dir, nearest first, up to
// the filesystem root.
func ancestorChain(dir string) []string {
	var chain []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return chain
		}
		chain = append(chain, parent)
		dir = parent
	}
}

func (w *walk) enqueue(dir string) {
	if !w.visited[dir] {
		w.visited[dir] = true
		w.queue = append(w.queue, dir)
	}
}

// widen releases the next ancestor level of every request into the
// queue. It reports whether any new directory was added.
func (w *walk) widen() bool {
	added := false
	for i, chain := range w.ancestors {
		if len(chain) == 0 {
			continue
		}
		next := chain[0]
		w.ancestors[i] = chain[1:]
		if !w.visited[next] {
			w.enqueue(next)
			added = true
		}
	}
	return added
}

func (w *walk) run(ctx context.Context) {
	for len(w.pending) > 0 {
		if len(w.queue) == 0 && !w.widen() {
			return // nowhere left to look
		}
		for len(w.queue) > 0 && len(w.pending) > 0 {
			if ctx.Err() != nil {
				return
			}
			dir := w.queue[0]
			w.queue = w.queue[1:]
			w.visit(dir)
		}
	}
}

// visit scans one directory: candidate state files are checked against
// every pending uuid, and subdirectories are pushed onto the frontier.
// Directories without read permission are skipped, not fatal.
func (w *walk) visit(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsPermission(err) {
			w.logger.Printf("skipping unreadable directory %s", dir)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			w.enqueue(filepath.Join(dir, entry.Name()))
			continue
		}
		_, id, ok := state.ParseFilename(entry.Name())
		if !ok {
			continue
		}
		req, wanted := w.pending[id]
		if !wanted {
			continue
		}
		w.confirm(req, filepath.Join(dir, entry.Name()))
	}
}

// confirm opens the candidate's identity record under a shared lock
// just long enough to compare uuids and types, then builds the resolved
// unit on a match.
func (w *walk) confirm(req Request, statefile string) {
	meta, err := state.ReadIdentity(statefile)
	if err != nil {
		w.logger.Printf("unreadable candidate %s: %v", statefile, err)
		return
	}
	if meta.UUID != req.UUID {
		return
	}
	if req.TreantType != "" && meta.TreantType != req.TreantType {
		// Same uuid, different type: a collision, not a match.
		w.logger.Printf("rejecting %s: uuid %s has type %q, expected %q",
			statefile, meta.UUID, meta.TreantType, req.TreantType)
		return
	}

	tr, err := treant.FromStateFile(statefile)
	if err != nil {
		w.logger.Printf("failed to open matched unit %s: %v", statefile, err)
		return
	}
	w.result.Treants[req.UUID] = tr
	w.result.Status[req.UUID] = StatusFound
	delete(w.pending, req.UUID)
}
