// Package fields parses field specifications and decides which dotted paths of
// a record survive a transform.
//
// A specification is a set of dotted paths such as "metric.tenant". An entry
// prefixed with "-" excludes that path instead of selecting it. When any path
// is selected, the selection acts as a whitelist at every depth: a nested
// path only survives if each of its ancestors is selected too.
package fields

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ExcludePrefix marks an entry as an exclusion.
const ExcludePrefix = "-"

// Separator joins parent and child keys into a dotted path.
const Separator = "."

// ErrInvalidSpec is returned for malformed field specifications.
var ErrInvalidSpec = errors.New("invalid field spec")

// Spec is a parsed field specification. Select and Exclude never share a path.
type Spec struct {
	Select  map[string]struct{}
	Exclude map[string]struct{}
}

// Parse splits entries into selected and excluded paths. Exactly one leading
// "-" is stripped from exclusions; no other normalization happens.
func Parse(entries []string) (Spec, error) {
	var spec Spec
	for _, entry := range entries {
		if entry == "" {
			return Spec{}, fmt.Errorf("%w: empty entry", ErrInvalidSpec)
		}
		if path, ok := strings.CutPrefix(entry, ExcludePrefix); ok {
			if path == "" {
				return Spec{}, fmt.Errorf("%w: %q has no path", ErrInvalidSpec, entry)
			}
			if spec.Exclude == nil {
				spec.Exclude = make(map[string]struct{})
			}
			spec.Exclude[path] = struct{}{}
			continue
		}
		if spec.Select == nil {
			spec.Select = make(map[string]struct{})
		}
		spec.Select[entry] = struct{}{}
	}

	for path := range spec.Exclude {
		if _, ok := spec.Select[path]; ok {
			return Spec{}, fmt.Errorf("%w: %q is both selected and excluded", ErrInvalidSpec, path)
		}
	}
	return spec, nil
}

// MustParse is like Parse but panics on error.
func MustParse(entries ...string) Spec {
	spec, err := Parse(entries)
	if err != nil {
		panic(err)
	}
	return spec
}

// Keep reports whether the node at path survives. Selection is checked first;
// exclusion only applies to paths the selection did not already drop.
func (s Spec) Keep(path string) bool {
	if len(s.Select) > 0 {
		if _, ok := s.Select[path]; !ok {
			return false
		}
	}
	if len(s.Exclude) > 0 {
		if _, ok := s.Exclude[path]; ok {
			return false
		}
	}
	return true
}

// IsZero reports whether the spec keeps every path.
func (s Spec) IsZero() bool {
	return len(s.Select) == 0 && len(s.Exclude) == 0
}

// Selected returns the selected paths, sorted.
func (s Spec) Selected() []string { return sortedKeys(s.Select) }

// Excluded returns the excluded paths, sorted.
func (s Spec) Excluded() []string { return sortedKeys(s.Exclude) }

// Join appends key to parent. The key must be the original, unsanitized key.
func Join(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + Separator + key
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
