package it

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gossipnode/internal/config"
	"gossipnode/internal/node"
	"gossipnode/internal/proto"
)

const (
	clientID  = "c1"
	inboxSize = 4096
)

// Options tune a test cluster.
type Options struct {
	GossipInterval time.Duration
	// DropRate is the probability that a node-to-node message is lost.
	DropRate float64
	Seed     uint64
	Logger   *zap.Logger
}

// Cluster runs nodes in-process, each over its own stdin/stdout pipes, and
// routes their output: node-to-node messages go through fault injection,
// replies to the client are matched to pending requests.
type Cluster struct {
	nodes map[string]*Node
	group *errgroup.Group
	log   *zap.Logger

	mu        sync.Mutex
	closed    bool
	rng       *rand.Rand
	dropRate  float64
	blocked   map[[2]string]bool
	pending   map[uint64]chan proto.Envelope
	nextMsgID uint64
}

// Node represents a single node in the test cluster.
type Node struct {
	ID    string
	node  *node.Node
	inbox chan []byte
}

// NewCluster starts len(ids) nodes and completes the init handshake on each.
func NewCluster(ctx context.Context, ids []string, opts Options) (*Cluster, error) {
	if opts.GossipInterval <= 0 {
		opts.GossipInterval = 20 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Cluster{
		nodes:    make(map[string]*Node, len(ids)),
		group:    new(errgroup.Group),
		log:      opts.Logger,
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed+1)),
		dropRate: opts.DropRate,
		blocked:  make(map[[2]string]bool),
		pending:  make(map[uint64]chan proto.Envelope),
	}

	for i, id := range ids {
		cfg := config.Default()
		cfg.GossipInterval = opts.GossipInterval
		cfg.Seed = int64(opts.Seed) + int64(i) + 1
		c.start(id, node.NewNode(cfg, opts.Logger.With(zap.String("it_node", id))))
	}

	for _, id := range ids {
		reply, err := c.Request(ctx, id, &proto.Init{NodeID: id, NodeIDs: slices.Clone(ids)})
		if err != nil {
			_ = c.Stop()
			return nil, fmt.Errorf("init %s: %w", id, err)
		}
		if reply.Body.Payload.Type() != proto.TypeInitOk {
			_ = c.Stop()
			return nil, fmt.Errorf("init %s: unexpected reply %s", id, reply.Body.Payload.Type())
		}
	}
	return c, nil
}

func (c *Cluster) start(id string, n *node.Node) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	tn := &Node{ID: id, node: n, inbox: make(chan []byte, inboxSize)}
	c.nodes[id] = tn

	c.group.Go(func() error {
		err := n.Run(context.Background(), stdinR, stdoutW)
		stdoutW.Close()
		stdinR.Close()
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		return nil
	})

	// Feed the inbox to stdin until the cluster stops.
	c.group.Go(func() error {
		defer stdinW.Close()
		for line := range tn.inbox {
			if _, err := stdinW.Write(append(line, '\n')); err != nil {
				return nil
			}
		}
		return nil
	})

	c.group.Go(func() error {
		sc := bufio.NewScanner(stdoutR)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			env, err := proto.Decode(sc.Bytes())
			if err != nil {
				return fmt.Errorf("node %s wrote an invalid line: %w", id, err)
			}
			c.route(env)
		}
		return nil
	})
}

func (c *Cluster) route(env proto.Envelope) {
	if env.Dest == clientID {
		c.mu.Lock()
		ch, ok := c.pending[derefID(env.Body.InReplyTo)]
		delete(c.pending, derefID(env.Body.InReplyTo))
		c.mu.Unlock()
		if ok {
			ch <- env
		}
		return
	}

	c.mu.Lock()
	drop := c.blocked[[2]string{env.Src, env.Dest}] || c.rng.Float64() < c.dropRate
	c.mu.Unlock()
	if drop {
		c.log.Debug("dropping message", zap.String("src", env.Src), zap.String("dest", env.Dest))
		return
	}
	if err := c.deliver(env); err != nil {
		c.log.Debug("undeliverable message", zap.String("dest", env.Dest), zap.Error(err))
	}
}

func (c *Cluster) deliver(env proto.Envelope) error {
	line, err := proto.Encode(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("cluster stopped")
	}
	tn, ok := c.nodes[env.Dest]
	if !ok {
		return fmt.Errorf("unknown node %s", env.Dest)
	}
	select {
	case tn.inbox <- line:
		return nil
	default:
		return fmt.Errorf("inbox of %s is full", env.Dest)
	}
}

// Request sends payload from the test client to nodeID and waits for the reply.
func (c *Cluster) Request(ctx context.Context, nodeID string, payload proto.Payload) (proto.Envelope, error) {
	ch := make(chan proto.Envelope, 1)

	c.mu.Lock()
	c.nextMsgID++
	id := c.nextMsgID
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.deliver(proto.Envelope{
		Src:  clientID,
		Dest: nodeID,
		Body: proto.Body{MsgID: proto.Uint64(id), Payload: payload},
	})
	if err != nil {
		c.forget(id)
		return proto.Envelope{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		c.forget(id)
		return proto.Envelope{}, ctx.Err()
	}
}

func (c *Cluster) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// SetTopology sends the same topology to every node.
func (c *Cluster) SetTopology(ctx context.Context, topology map[string][]string) error {
	for id := range c.nodes {
		if _, err := c.Request(ctx, id, &proto.Topology{Topology: topology}); err != nil {
			return fmt.Errorf("topology %s: %w", id, err)
		}
	}
	return nil
}

// Broadcast asks nodeID to broadcast value.
func (c *Cluster) Broadcast(ctx context.Context, nodeID string, value int) error {
	reply, err := c.Request(ctx, nodeID, &proto.Broadcast{Message: value})
	if err != nil {
		return err
	}
	if reply.Body.Payload.Type() != proto.TypeBroadcastOk {
		return fmt.Errorf("broadcast to %s: unexpected reply %s", nodeID, reply.Body.Payload.Type())
	}
	return nil
}

// Read returns nodeID's value set.
func (c *Cluster) Read(ctx context.Context, nodeID string) ([]int, error) {
	reply, err := c.Request(ctx, nodeID, &proto.Read{})
	if err != nil {
		return nil, err
	}
	read, ok := reply.Body.Payload.(*proto.ReadOk)
	if !ok {
		return nil, fmt.Errorf("read from %s: unexpected reply %s", nodeID, reply.Body.Payload.Type())
	}
	return read.Messages, nil
}

// WaitForValues polls every node until each one reads all of want.
func (c *Cluster) WaitForValues(ctx context.Context, want []int) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		converged := true
		for id := range c.nodes {
			got, err := c.Read(ctx, id)
			if err != nil {
				return err
			}
			if !containsAll(got, want) {
				converged = false
				break
			}
		}
		if converged {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("cluster did not converge on %v: %w", want, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Partition blocks node-to-node traffic between the given groups.
func (c *Cluster) Partition(groups ...[]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, a := range groups {
		for j, b := range groups {
			if i == j {
				continue
			}
			for _, src := range a {
				for _, dst := range b {
					c.blocked[[2]string{src, dst}] = true
				}
			}
		}
	}
}

// Heal removes every partition.
func (c *Cluster) Heal() {
	c.mu.Lock()
	c.blocked = make(map[[2]string]bool)
	c.mu.Unlock()
}

// Snapshot returns the internal state of nodeID.
func (c *Cluster) Snapshot(ctx context.Context, nodeID string) (node.Snapshot, error) {
	tn, ok := c.nodes[nodeID]
	if !ok {
		return node.Snapshot{}, fmt.Errorf("unknown node %s", nodeID)
	}
	return tn.node.Snapshot(ctx)
}

// Stop closes every node's input and waits for all of them to exit.
func (c *Cluster) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, tn := range c.nodes {
		close(tn.inbox)
	}
	c.mu.Unlock()

	return c.group.Wait()
}

func derefID(p *uint64) uint64 {
	if p == nil {
		return 0
	}
	return *p
}

func containsAll(got, want []int) bool {
	for _, v := range want {
		if !slices.Contains(got, v) {
			return false
		}
	}
	return true
}
