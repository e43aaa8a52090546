package gossip

import "slices"

// Topology maps node ids to the neighbors they gossip with.
type Topology struct {
	adj map[string][]string
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{adj: make(map[string][]string)}
}

// Replace swaps in a copy of adj, dropping whatever was there before.
func (t *Topology) Replace(adj map[string][]string) {
	next := make(map[string][]string, len(adj))
	for id, neighbors := range adj {
		next[id] = slices.Clone(neighbors)
	}
	t.adj = next
}

// Neighbors returns the neighbors of id in the order they were given,
// without duplicates and without id itself. ok is false if id has no entry.
func (t *Topology) Neighbors(id string) (neighbors []string, ok bool) {
	listed, ok := t.adj[id]
	if !ok {
		return nil, false
	}

	seen := make(map[string]struct{}, len(listed))
	neighbors = make([]string, 0, len(listed))
	for _, n := range listed {
		if n == id {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		neighbors = append(neighbors, n)
	}
	return neighbors, true
}

// Snapshot returns a deep copy of the table.
func (t *Topology) Snapshot() map[string][]string {
	out := make(map[string][]string, len(t.adj))
	for id, neighbors := range t.adj {
		out[id] = slices.Clone(neighbors)
	}
	return out
}
