package task

import (
	"fmt"
	"strings"
)

// Mask selects upstream tasks by name.
type Mask struct {
	Pattern string
	Exact   bool
}

// Contains matches names containing pattern. An empty pattern matches all.
func Contains(pattern string) Mask { return Mask{Pattern: pattern} }

// Exactly matches one name.
func Exactly(name string) Mask { return Mask{Pattern: name, Exact: true} }

// Match applies the mask to name.
func (m Mask) Match(name string) bool {
	if m.Exact {
		return name == m.Pattern
	}
	return m.Pattern == "" || strings.Contains(name, m.Pattern)
}

func (m Mask) String() string {
	if m.Exact {
		return fmt.Sprintf("=%q", m.Pattern)
	}
	return fmt.Sprintf("~%q", m.Pattern)
}

// OfKind filters tasks by kind tag, keeping order.
func OfKind(tasks []Task, kind Kind) []Task {
	var out []Task
	for _, t := range tasks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Select returns the prior tasks of concrete type T whose names match every
// mask, in construction order.
func Select[T Task](prior []Task, masks ...Mask) []T {
	var out []T
	for _, t := range prior {
		typed, ok := t.(T)
		if !ok {
			continue
		}
		matched := true
		for _, m := range masks {
			if !m.Match(t.Name()) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, typed)
		}
	}
	return out
}

// Deps returns t's direct dependencies of type T in construction order.
func Deps[T Task](t Task) []T {
	return Select[T](t.base().deps)
}

// Dep returns the single dependency of type T. None or several is a
// configuration error.
func Dep[T Task](t Task) (T, error) {
	var zero T
	found := Deps[T](t)
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return zero, Configf(string(t.Kind()), t.Name(), "requires a %T dependency, found none", zero)
	default:
		names := make([]string, len(found))
		for i, f := range found {
			names[i] = f.Name()
		}
		return zero, Configf(string(t.Kind()), t.Name(), "requires exactly one %T dependency, found %d: %s", zero, len(found), strings.Join(names, ", "))
	}
}

// Ancestors walks up to maxDepth hops above t and returns every ancestor of
// type T once, in breadth-first discovery order. maxDepth <= 0 walks the
// whole graph.
func Ancestors[T Task](t Task, maxDepth int) []T {
	seen := map[Task]struct{}{t: {}}
	frontier := t.base().deps
	var out []T
	for depth := 1; len(frontier) > 0 && (maxDepth <= 0 || depth <= maxDepth); depth++ {
		var next []Task
		for _, dep := range frontier {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			if typed, ok := dep.(T); ok {
				out = append(out, typed)
			}
			next = append(next, dep.base().deps...)
		}
		frontier = next
	}
	return out
}
