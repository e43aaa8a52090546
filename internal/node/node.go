package node

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gossipnode/internal/config"
	"gossipnode/internal/gossip"
	"gossipnode/internal/storage"
)

var (
	// ErrNotInitialized is returned when an operation needs the identity
	// assigned by init before init has been received.
	ErrNotInitialized = errors.New("node identity not assigned")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("node event loop already started")
	// ErrNotRunning is returned by Snapshot outside of Run.
	ErrNotRunning = errors.New("node event loop not running")
)

// State is the lifecycle of the event loop.
type State int32

const (
	Idle State = iota
	Running
	Terminated
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Running:
		return "RUNNING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Identity is this node's id and the cluster membership, fixed by init.
type Identity struct {
	NodeID  string
	NodeIDs []string
}

// Node represents a single node in the cluster.
type Node struct {
	cfg *config.Config
	log *zap.Logger

	// Owned by the event loop goroutine.
	identity  *Identity
	lastMsgID uint64
	store     *storage.InMemoryStore
	topology  *gossip.Topology
	tracker   *gossip.Tracker
	selector  *gossip.Selector
	newToken  func() (string, error)

	state     atomic.Int32
	snapshots chan snapshotRequest
	done      chan struct{}
}

// NewNode creates a node in the Idle state. A nil logger discards output.
func NewNode(cfg *config.Config, log *zap.Logger) *Node {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}

	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	store := storage.NewInMemoryStore()
	topology := gossip.NewTopology()
	tracker := gossip.NewTracker(cfg.MergeAcks)

	return &Node{
		cfg:       cfg,
		log:       log,
		store:     store,
		topology:  topology,
		tracker:   tracker,
		selector:  gossip.NewSelector(store, topology, tracker, cfg.ResendFraction, rng),
		newToken:  newUUIDv7,
		snapshots: make(chan snapshotRequest),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state. Safe from any goroutine.
func (n *Node) State() State {
	return State(n.state.Load())
}

// Snapshot is a consistent copy of the node state.
type Snapshot struct {
	NodeID    string
	NodeIDs   []string
	State     State
	Values    []int
	Neighbors []string
	// Topology is the full table from the last topology message.
	Topology  map[string][]string
	Seen      map[string][]int
}

type snapshotRequest struct {
	reply chan Snapshot
}

// Snapshot asks the running event loop for a copy of the node state.
// Safe from any goroutine.
func (n *Node) Snapshot(ctx context.Context) (Snapshot, error) {
	if n.State() != Running {
		return Snapshot{}, ErrNotRunning
	}

	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	select {
	case n.snapshots <- req:
	case <-n.done:
		return Snapshot{}, ErrNotRunning
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case s := <-req.reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// snapshot must be called from the event loop goroutine.
func (n *Node) snapshot() Snapshot {
	s := Snapshot{
		State:    n.State(),
		Values:   n.store.Snapshot(),
		Topology: n.topology.Snapshot(),
		Seen:     n.tracker.Snapshot(),
	}
	if n.identity != nil {
		s.NodeID = n.identity.NodeID
		s.NodeIDs = slices.Clone(n.identity.NodeIDs)
		s.Neighbors, _ = n.topology.Neighbors(n.identity.NodeID)
	}
	return s
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
