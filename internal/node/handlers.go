package node

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"gossipnode/internal/proto"
	"gossipnode/internal/telemetry"
)

// Handle applies one inbound envelope to the node state and returns the
// replies to send, in order. A non-nil error is fatal for the node.
// Handle must be called from a single goroutine.
func (n *Node) Handle(env proto.Envelope) ([]proto.Envelope, error) {
	if env.Body.Payload == nil {
		return nil, fmt.Errorf("%w: body payload", proto.ErrMissingField)
	}
	telemetry.MessagesReceived.WithLabelValues(string(env.Body.Payload.Type())).Inc()

	var (
		reply proto.Payload
		err   error
	)
	switch p := env.Body.Payload.(type) {
	case *proto.Init:
		reply, err = n.handleInit(p)
	case *proto.Echo:
		reply = &proto.EchoOk{Echo: slices.Clone(p.Echo)}
	case *proto.Generate:
		reply, err = n.handleGenerate()
	case *proto.Topology:
		reply = n.handleTopology(p)
	case *proto.Broadcast:
		reply = n.handleBroadcast(p)
	case *proto.Read:
		reply = &proto.ReadOk{Messages: n.store.Snapshot()}
	case *proto.Gossip:
		n.handleGossip(env.Src, p)
	case *proto.InitOk, *proto.EchoOk, *proto.GenerateOk, *proto.TopologyOk, *proto.BroadcastOk, *proto.ReadOk:
		// Only seen when acting as a client of another node; nothing to do.
		n.log.Debug("ignoring reply", zap.String("from", env.Src), zap.String("type", string(p.Type())))
	default:
		return nil, fmt.Errorf("%w: %s", proto.ErrUnknownType, p.Type())
	}
	if err != nil {
		return nil, fmt.Errorf("handle %s from %s: %w", env.Body.Payload.Type(), env.Src, err)
	}
	if reply == nil {
		return nil, nil
	}
	return []proto.Envelope{n.reply(env, reply)}, nil
}

// reply addresses payload back to the sender of req.
func (n *Node) reply(req proto.Envelope, payload proto.Payload) proto.Envelope {
	n.lastMsgID++

	var inReplyTo *uint64
	if req.Body.MsgID != nil {
		inReplyTo = proto.Uint64(*req.Body.MsgID)
	}
	return proto.Envelope{
		Src:  req.Dest,
		Dest: req.Src,
		Body: proto.Body{
			MsgID:     proto.Uint64(n.lastMsgID),
			InReplyTo: inReplyTo,
			Payload:   payload,
		},
	}
}

func (n *Node) handleInit(p *proto.Init) (proto.Payload, error) {
	if n.identity != nil {
		n.log.Warn("ignoring repeated init",
			zap.String("node_id", n.identity.NodeID),
			zap.String("requested_id", p.NodeID))
		return &proto.InitOk{}, nil
	}
	if p.NodeID == "" {
		return nil, errors.New("init carries an empty node_id")
	}

	n.identity = &Identity{
		NodeID:  p.NodeID,
		NodeIDs: slices.Clone(p.NodeIDs),
	}
	n.log = n.log.With(zap.String("node_id", p.NodeID))
	n.log.Info("node initialized", zap.Strings("node_ids", p.NodeIDs))
	return &proto.InitOk{}, nil
}

func (n *Node) handleGenerate() (proto.Payload, error) {
	if n.identity == nil {
		return nil, ErrNotInitialized
	}
	token, err := n.newToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return &proto.GenerateOk{ID: n.identity.NodeID + "-" + token}, nil
}

func (n *Node) handleTopology(p *proto.Topology) proto.Payload {
	n.topology.Replace(p.Topology)
	if n.identity != nil {
		neighbors, _ := n.topology.Neighbors(n.identity.NodeID)
		n.log.Info("topology updated", zap.Strings("neighbors", neighbors))
	} else {
		n.log.Info("topology updated before init", zap.Int("entries", len(p.Topology)))
	}
	return &proto.TopologyOk{}
}

func (n *Node) handleBroadcast(p *proto.Broadcast) proto.Payload {
	if n.store.Add(p.Message) {
		telemetry.StoredValues.Set(float64(n.store.Len()))
		n.log.Debug("stored broadcast value", zap.Int("value", p.Message))
	}
	return &proto.BroadcastOk{}
}

// handleGossip unions the pushed values and records them as the sender's
// latest has-seen report. Gossip is never answered.
func (n *Node) handleGossip(from string, p *proto.Gossip) {
	added := n.store.Merge(p.HasSeen)
	n.tracker.Observe(from, p.HasSeen)
	if added > 0 {
		telemetry.StoredValues.Set(float64(n.store.Len()))
		n.log.Debug("learned values from gossip", zap.String("from", from), zap.Int("added", added))
	}
}

// Tick computes the gossip pushes for one timer period.
func (n *Node) Tick() []proto.Envelope {
	telemetry.GossipTicks.Inc()
	if n.identity == nil {
		return nil
	}
	return n.selector.Tick(n.identity.NodeID)
}
