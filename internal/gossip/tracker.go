package gossip

import (
	"maps"
	"slices"
)

// Tracker records, per neighbor, which values that neighbor is known to hold.
//
// By default an observation replaces the neighbor's entry: the tracker holds
// the neighbor's latest report, not everything it ever reported. With merge
// enabled observations are unioned instead, so acknowledgement never regresses.
type Tracker struct {
	seen  map[string]map[int]struct{}
	merge bool
}

// NewTracker creates a tracker. merge selects union semantics.
func NewTracker(merge bool) *Tracker {
	return &Tracker{
		seen:  make(map[string]map[int]struct{}),
		merge: merge,
	}
}

// Observe records that neighbor reported holding values.
func (t *Tracker) Observe(neighbor string, values []int) {
	set := t.seen[neighbor]
	if set == nil || !t.merge {
		set = make(map[int]struct{}, len(values))
		t.seen[neighbor] = set
	}
	for _, v := range values {
		set[v] = struct{}{}
	}
}

// Seen reports whether neighbor is known to hold v.
func (t *Tracker) Seen(neighbor string, v int) bool {
	_, ok := t.seen[neighbor][v]
	return ok
}

// Known returns the sorted values recorded for neighbor, or nil if the
// neighbor never reported.
func (t *Tracker) Known(neighbor string) []int {
	set, ok := t.seen[neighbor]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(set))
}

// Snapshot returns every neighbor's recorded values.
func (t *Tracker) Snapshot() map[string][]int {
	out := make(map[string][]int, len(t.seen))
	for neighbor, set := range t.seen {
		out[neighbor] = slices.Sorted(maps.Keys(set))
	}
	return out
}
