// Package access resolves per-user permission and feature maps from an
// ordered list of group inputs plus a single user input, honoring the
// wildcard ("*" grants everything) and explicit-deny ("false always wins")
// semantics groups and users rely on elsewhere in the server.
package access

// Input is one layer of a resolution: either an explicit K->bool map, or
// the wildcard sentinel meaning "grant every key not otherwise overridden".
type Input struct {
	Wildcard bool
	Values   map[string]bool
}

// Wildcard returns an Input asserting the "*" sentinel.
func Wildcard() Input { return Input{Wildcard: true} }

// Explicit returns an Input carrying the given explicit key->bool values.
func Explicit(values map[string]bool) Input { return Input{Values: values} }

// merged tracks, per key, whether an explicit value was ever seen (and
// what it was), plus whether a wildcard was asserted anywhere in the chain.
type merged struct {
	wildcard bool
	seen     map[string]bool // key -> last explicit value
	falsed   map[string]bool // key -> true if an explicit false was ever recorded for it
}

func newMerged() *merged {
	return &merged{seen: make(map[string]bool), falsed: make(map[string]bool)}
}

func (m *merged) apply(in Input) {
	if in.Wildcard {
		m.wildcard = true
	}
	for k, v := range in.Values {
		m.seen[k] = v
		if !v {
			m.falsed[k] = true
		}
	}
}

// Resolve computes the total K->bool map for the closed key set keys, given
// an ordered list of group inputs (merged left-to-right, later overwrites
// earlier, except that an explicit false is never overturned; see rule 1),
// a single user input applied last, and a defaults map used only
// when neither an explicit value nor a wildcard applies.
//
// Rule order (per key):
//  1. If an explicit false was recorded anywhere in the merge for this key,
//     the result is false — this always wins, even over a wildcard asserted
//     by a later layer.
//  2. Else if an explicit value (necessarily true, since false is handled
//     above) was recorded, use it.
//  3. Else if a wildcard was asserted anywhere, use true.
//  4. Else use defaults[k] (false if absent).
func Resolve(keys []string, groups []Input, user Input, defaults map[string]bool) map[string]bool {
	m := newMerged()
	for _, g := range groups {
		m.apply(g)
	}
	m.apply(user)

	result := make(map[string]bool, len(keys))
	for _, k := range keys {
		switch {
		case m.falsed[k]:
			result[k] = false
		case m.seen[k]:
			result[k] = true
		case m.wildcard:
			result[k] = true
		default:
			result[k] = defaults[k]
		}
	}
	return result
}
