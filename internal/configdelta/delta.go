// Package configdelta computes the configuration tree a component ends
// up with after a deployment: RESET paths are removed, the component's
// declared defaults are laid underneath whatever survives, and the
// MERGE patch is applied on top. The functions are pure; callers read
// current state from the store and write results back, so the engine
// itself never holds configuration locks.
package configdelta

import (
	"fmt"
	"sort"
	"strings"

	"github.com/edgeforge/deployd/internal/errs"
	"github.com/edgeforge/deployd/pkg/deployment"
)

// Input is one component's delta computation input.
type Input struct {
	// Current is the component's live configuration, nil when the
	// component is not installed yet.
	Current map[string]any
	// Defaults is the recipe's declared default configuration.
	Defaults map[string]any
	// Update is the document's directive for this component, nil for
	// no directive.
	Update *deployment.ConfigUpdate
}

// Outcome is the per-component result of a deployment's delta pass.
// Components in Failed keep their previous configuration and are
// excluded from the apply set; everything else proceeds.
type Outcome struct {
	Configs map[string]map[string]any
	Failed  map[string]error
}

// Plan runs Apply for every component. With failFast set, the first
// failing component (in name order, for determinism) fails the whole
// pass instead of being recorded and skipped.
func Plan(inputs map[string]Input, failFast bool) (*Outcome, error) {
	out := &Outcome{
		Configs: make(map[string]map[string]any, len(inputs)),
		Failed:  make(map[string]error),
	}
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		in := inputs[name]
		cfg, err := Apply(in.Current, in.Defaults, in.Update)
		if err != nil {
			scoped := errs.ConfigPatch(name, err, "configuration update could not be applied")
			if failFast {
				return nil, scoped
			}
			out.Failed[name] = scoped
			continue
		}
		out.Configs[name] = cfg
	}
	return out, nil
}

// Apply computes one component's final configuration tree. The result
// never aliases any input; current and defaults are left untouched.
func Apply(current, defaults map[string]any, update *deployment.ConfigUpdate) (map[string]any, error) {
	result := copyMap(current)

	if update != nil {
		for _, path := range update.Reset {
			if path == "" {
				// Whole-document reset: everything falls back to the
				// declared defaults.
				result = map[string]any{}
				continue
			}
			elements, err := splitPointer(path)
			if err != nil {
				return nil, err
			}
			removed, err := removeAtPath(result, elements)
			if err != nil {
				return nil, err
			}
			if !removed && !existsAtPath(defaults, elements) {
				return nil, fmt.Errorf("reset path %q exists neither in the configuration nor in the defaults", path)
			}
		}
	}

	mergeUnder(result, defaults)

	if update != nil && update.Merge != nil {
		mergeOver(result, update.Merge)
	}
	return result, nil
}

// splitPointer breaks a JSON-Pointer-like path into its elements,
// unescaping ~1 to "/" and ~0 to "~".
func splitPointer(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("reset path %q must start with /", path)
	}
	parts := strings.Split(path[1:], "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return parts, nil
}

// removeAtPath deletes the node at the path. It reports whether a node
// was removed; descending into a list is an error because list elements
// have no stable path.
func removeAtPath(m map[string]any, elements []string) (bool, error) {
	cur := m
	for i, el := range elements {
		v, ok := cur[el]
		if !ok {
			return false, nil
		}
		if i == len(elements)-1 {
			delete(cur, el)
			return true, nil
		}
		switch next := v.(type) {
		case map[string]any:
			cur = next
		case []any:
			return false, fmt.Errorf("reset path element %q addresses into a list", el)
		default:
			return false, nil
		}
	}
	return false, nil
}

func existsAtPath(m map[string]any, elements []string) bool {
	cur := m
	for i, el := range elements {
		v, ok := cur[el]
		if !ok {
			return false
		}
		if i == len(elements)-1 {
			return true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

// mergeUnder fills in defaults without overwriting anything that
// survived the reset step.
func mergeUnder(dst, defaults map[string]any) {
	for k, dv := range defaults {
		existing, ok := dst[k]
		if !ok {
			dst[k] = copyValue(dv)
			continue
		}
		em, eok := existing.(map[string]any)
		dm, dok := dv.(map[string]any)
		if eok && dok {
			mergeUnder(em, dm)
		}
	}
}

// mergeOver applies the patch: scalars replace, lists replace
// wholesale, maps recurse.
func mergeOver(dst, patch map[string]any) {
	for k, pv := range patch {
		if pm, ok := pv.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeOver(dm, pm)
				continue
			}
			fresh := map[string]any{}
			mergeOver(fresh, pm)
			dst[k] = fresh
			continue
		}
		dst[k] = copyValue(pv)
	}
}

// Equal compares two configuration trees structurally. Numeric leaves
// compare by value so a tree that went through JSON and one built in
// code agree.
func Equal(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !equalValue(av, bv) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && Equal(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		if an, aok := asFloat(a); aok {
			bn, bok := asFloat(b)
			return bok && an == bn
		}
		return a == b
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return copyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = copyValue(e)
		}
		return out
	default:
		return tv
	}
}
