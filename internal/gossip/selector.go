package gossip

import (
	"math"
	"math/rand/v2"
	"slices"

	"gossipnode/internal/proto"
	"gossipnode/internal/storage"
	"gossipnode/internal/telemetry"
)

// Selection is what one gossip push to a neighbor carries.
type Selection struct {
	// Unacked are values the neighbor has not reported holding.
	Unacked []int
	// Resent is the random sample of values the neighbor already reported.
	Resent []int
}

// Empty reports whether there is nothing to push.
func (s Selection) Empty() bool {
	return len(s.Unacked) == 0 && len(s.Resent) == 0
}

// Values returns Unacked and Resent combined, in ascending order.
func (s Selection) Values() []int {
	out := make([]int, 0, len(s.Unacked)+len(s.Resent))
	out = append(out, s.Unacked...)
	out = append(out, s.Resent...)
	slices.Sort(out)
	return out
}

// Selector computes outgoing gossip from the value store, the topology and
// the neighbor tracker. It only reads them.
type Selector struct {
	store    storage.Store
	topology *Topology
	tracker  *Tracker
	fraction float64
	rng      *rand.Rand
}

// NewSelector creates a selector that resends round(acked * fraction) already
// acknowledged values per push, drawn from rng.
func NewSelector(store storage.Store, topology *Topology, tracker *Tracker, fraction float64, rng *rand.Rand) *Selector {
	return &Selector{
		store:    store,
		topology: topology,
		tracker:  tracker,
		fraction: fraction,
		rng:      rng,
	}
}

// SelectForNeighbor partitions the value set by what neighbor has reported
// and samples the acknowledged part without replacement.
func (s *Selector) SelectForNeighbor(neighbor string) Selection {
	var sel Selection
	var acked []int
	for _, v := range s.store.Snapshot() {
		if s.tracker.Seen(neighbor, v) {
			acked = append(acked, v)
		} else {
			sel.Unacked = append(sel.Unacked, v)
		}
	}

	k := int(math.Round(float64(len(acked)) * s.fraction))
	if k > len(acked) {
		k = len(acked)
	}
	// Partial Fisher-Yates: the first k slots end up a uniform sample.
	for i := 0; i < k; i++ {
		j := i + s.rng.IntN(len(acked)-i)
		acked[i], acked[j] = acked[j], acked[i]
	}
	if k > 0 {
		sel.Resent = slices.Clone(acked[:k])
		slices.Sort(sel.Resent)
	}
	return sel
}

// Tick builds one gossip envelope per neighbor of self that has something to
// receive. It returns nil if self is unknown or has no topology entry.
func (s *Selector) Tick(self string) []proto.Envelope {
	if self == "" {
		return nil
	}
	neighbors, ok := s.topology.Neighbors(self)
	if !ok {
		return nil
	}

	var out []proto.Envelope
	for _, neighbor := range neighbors {
		sel := s.SelectForNeighbor(neighbor)
		if sel.Empty() {
			telemetry.GossipSuppressed.Inc()
			continue
		}

		telemetry.GossipValues.WithLabelValues("unacked").Add(float64(len(sel.Unacked)))
		telemetry.GossipValues.WithLabelValues("resent").Add(float64(len(sel.Resent)))
		out = append(out, proto.Envelope{
			Src:  self,
			Dest: neighbor,
			Body: proto.Body{Payload: &proto.Gossip{HasSeen: sel.Values()}},
		})
	}
	return out
}
