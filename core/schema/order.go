package schema

import (
	"fmt"
	"sort"
	"strings"
)

// ImportOrder sorts defs so that every type comes after the types its cross references
// target. Self references and targets for which exists returns true do not count as
// dependencies. A set that cannot be fully ordered is rejected with ErrUnorderable
// and nothing is returned.
func ImportOrder(defs []*ContentTypeDefinition, exists func(name string) bool) ([]*ContentTypeDefinition, error) {
	byName := make(map[string]*ContentTypeDefinition, len(defs))
	for _, d := range defs {
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("%w: type %q appears more than once", ErrUnorderable, d.Name)
		}
		byName[d.Name] = d
	}

	pending := make(map[string]map[string]bool, len(defs))
	for _, d := range defs {
		deps := make(map[string]bool)
		for _, target := range d.References() {
			if _, inSet := byName[target]; inSet {
				deps[target] = true
				continue
			}
			if exists == nil || !exists(target) {
				return nil, fmt.Errorf("%w: %q references unknown type %q", ErrUnorderable, d.Name, target)
			}
		}
		pending[d.Name] = deps
	}

	ordered := make([]*ContentTypeDefinition, 0, len(defs))
	for len(ordered) < len(defs) {
		progressed := false
		for _, d := range defs {
			deps, waiting := pending[d.Name]
			if !waiting || len(deps) > 0 {
				continue
			}
			ordered = append(ordered, d)
			delete(pending, d.Name)
			for _, other := range pending {
				delete(other, d.Name)
			}
			progressed = true
		}
		if !progressed {
			stuck := make([]string, 0, len(pending))
			for name := range pending {
				stuck = append(stuck, name)
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("%w: cyclic references among %s", ErrUnorderable, strings.Join(stuck, ", "))
		}
	}
	return ordered, nil
}
