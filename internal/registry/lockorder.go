package registry

import "sort"

// LockOrder returns ids sorted ascending with blanks and duplicates removed.
// Every operation that locks more than one wallet acquires the locks in this
// order, so two transfers over the same pair can never wait on each other in
// a cycle.
func LockOrder(ids ...string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
