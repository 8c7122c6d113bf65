package bundle

import (
	"errors"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/datreant/treant/internal/treant"
)

// ErrBadSelector is returned when a zero-value or malformed selector is
// given to Remove.
var ErrBadSelector = errors.New("invalid member selector")

type selectorKind int

const (
	selectorNone selectorKind = iota
	selectorIndex
	selectorUUID
	selectorNameGlob
	selectorTreant
)

// Selector identifies members to remove. The closed set of constructors
// (ByIndex, ByUUID, ByName, ByTreant) replaces dispatch on runtime
// argument shape: the input kind is resolved once at the boundary.
type Selector struct {
	kind  selectorKind
	index int
	str   string
	tr    *treant.Treant
}

// ByIndex selects the member at the given position.
func ByIndex(i int) Selector {
	return Selector{kind: selectorIndex, index: i}
}

// ByUUID selects the member with the given uuid.
func ByUUID(id string) Selector {
	return Selector{kind: selectorUUID, str: id}
}

// ByName selects every member whose name matches the given
// case-sensitive glob pattern. Matching requires resolving members,
// since names live in the state files.
func ByName(pattern string) Selector {
	return Selector{kind: selectorNameGlob, str: pattern}
}

// ByTreant selects the member with the given unit's uuid.
func ByTreant(t *treant.Treant) Selector {
	return Selector{kind: selectorTreant, tr: t}
}

// uuids resolves the selector to the uuids it names within b.
func (s Selector) uuids(b *Bundle) ([]string, error) {
	switch s.kind {
	case selectorIndex:
		if s.index < 0 || s.index >= len(b.members) {
			return nil, fmt.Errorf("member index %d out of range [0, %d)", s.index, len(b.members))
		}
		return []string{b.members[s.index].uuid}, nil

	case selectorUUID:
		return []string{s.str}, nil

	case selectorTreant:
		if s.tr == nil {
			return nil, fmt.Errorf("%w: nil treant", ErrBadSelector)
		}
		return []string{s.tr.UUID()}, nil

	case selectorNameGlob:
		matcher, err := glob.Compile(s.str)
		if err != nil {
			return nil, fmt.Errorf("%w: bad name pattern %q: %v", ErrBadSelector, s.str, err)
		}
		names, err := b.Names()
		if err != nil {
			return nil, err
		}
		var out []string
		for i, name := range names {
			if name != "" && matcher.Match(name) {
				out = append(out, b.members[i].uuid)
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: selector has no kind", ErrBadSelector)
	}
}
