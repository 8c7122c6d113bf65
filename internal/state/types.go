package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Version is the state file schema version written into every identity
// record. Readers use it to future-proof old files; there is no further
// schema versioning.
const Version = "1"

// Field length limits, mirroring the fixed-width columns of the original
// tabular layout. Setters validate against these before writing.
const (
	MaxUUIDLen     = 36
	MaxNameLen     = 128
	MaxTypeLen     = 36
	MaxLocationLen = 256
	MaxTagLen      = 36
	MaxCategoryLen = 36
)

// Built-in treant types. The set is closed but extensible through
// RegisterType.
const (
	TypeTreant = "treant"
	TypeSim    = "sim"
	TypeGroup  = "group"
)

var (
	typesMu     sync.RWMutex
	treantTypes = map[string]bool{
		TypeTreant: true,
		TypeSim:    true,
		TypeGroup:  true,
	}
)

// RegisterType adds a treant type to the accepted set. Registering an
// already-known type is a no-op.
func RegisterType(treantType string) error {
	if treantType == "" {
		return fmt.Errorf("treant type cannot be empty")
	}
	if len(treantType) > MaxTypeLen {
		return fmt.Errorf("treant type must be %d characters or less (got %d)", MaxTypeLen, len(treantType))
	}
	if strings.ContainsAny(treantType, "./\\") {
		return fmt.Errorf("treant type %q contains path characters", treantType)
	}
	typesMu.Lock()
	defer typesMu.Unlock()
	treantTypes[treantType] = true
	return nil
}

// KnownType reports whether treantType is in the accepted set.
func KnownType(treantType string) bool {
	typesMu.RLock()
	defer typesMu.RUnlock()
	return treantTypes[treantType]
}

// KnownTypes returns the accepted treant types in sorted order.
func KnownTypes() []string {
	typesMu.RLock()
	defer typesMu.RUnlock()
	out := make([]string, 0, len(treantTypes))
	for t := range treantTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Filename returns the canonical state file name for a treant:
// {type}.{uuid}.json. The pattern is what Discover and the resolver use
// to recognize treant directories during a walk.
func Filename(treantType, id string) string {
	return fmt.Sprintf("%s.%s.json", treantType, id)
}

// ParseFilename splits a state file name into its treant type and uuid.
// It returns ok=false for names that do not follow the {type}.{uuid}.json
// convention or whose type is not registered.
func ParseFilename(name string) (treantType, id string, ok bool) {
	if !strings.HasSuffix(name, ".json") {
		return "", "", false
	}
	stem := strings.TrimSuffix(name, ".json")
	i := strings.Index(stem, ".")
	if i <= 0 {
		return "", "", false
	}
	treantType, id = stem[:i], stem[i+1:]
	if !KnownType(treantType) {
		return "", "", false
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", "", false
	}
	return treantType, id, true
}
