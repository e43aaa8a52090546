package proto

import "encoding/json"

// Type is the payload tag carried in body.type.
type Type string

const (
	TypeInit        Type = "init"
	TypeInitOk      Type = "init_ok"
	TypeEcho        Type = "echo"
	TypeEchoOk      Type = "echo_ok"
	TypeGenerate    Type = "generate"
	TypeGenerateOk  Type = "generate_ok"
	TypeTopology    Type = "topology"
	TypeTopologyOk  Type = "topology_ok"
	TypeBroadcast   Type = "broadcast"
	TypeBroadcastOk Type = "broadcast_ok"
	TypeRead        Type = "read"
	TypeReadOk      Type = "read_ok"
	TypeGossip      Type = "gossip"
)

// Payload is implemented by pointers to every message type below.
type Payload interface {
	Type() Type
}

// Init assigns the receiving node its id and the cluster membership.
type Init struct {
	NodeID  string   `json:"node_id"`
	NodeIDs []string `json:"node_ids"`
}

type InitOk struct{}

// Echo carries an arbitrary JSON value that must be returned untouched.
type Echo struct {
	Echo json.RawMessage `json:"echo"`
}

type EchoOk struct {
	Echo json.RawMessage `json:"echo"`
}

type Generate struct{}

type GenerateOk struct {
	ID string `json:"id"`
}

// Topology maps every node id to the neighbors it should gossip with.
type Topology struct {
	Topology map[string][]string `json:"topology"`
}

type TopologyOk struct{}

type Broadcast struct {
	Message int `json:"message"`
}

type BroadcastOk struct{}

type Read struct{}

type ReadOk struct {
	Messages []int `json:"messages"`
}

// Gossip is a one-way anti-entropy push. HasSeen is the sender's selection of
// values for the receiver; the receiver also treats it as the set the sender
// is known to hold.
type Gossip struct {
	HasSeen []int `json:"has_seen"`
}

func (*Init) Type() Type        { return TypeInit }
func (*InitOk) Type() Type      { return TypeInitOk }
func (*Echo) Type() Type        { return TypeEcho }
func (*EchoOk) Type() Type      { return TypeEchoOk }
func (*Generate) Type() Type    { return TypeGenerate }
func (*GenerateOk) Type() Type  { return TypeGenerateOk }
func (*Topology) Type() Type    { return TypeTopology }
func (*TopologyOk) Type() Type  { return TypeTopologyOk }
func (*Broadcast) Type() Type   { return TypeBroadcast }
func (*BroadcastOk) Type() Type { return TypeBroadcastOk }
func (*Read) Type() Type        { return TypeRead }
func (*ReadOk) Type() Type      { return TypeReadOk }
func (*Gossip) Type() Type      { return TypeGossip }

// registry lists every accepted tag with a constructor and the payload fields
// that must be present on the wire.
var registry = map[Type]struct {
	new      func() Payload
	required []string
}{
	TypeInit:        {func() Payload { return &Init{} }, []string{"node_id", "node_ids"}},
	TypeInitOk:      {func() Payload { return &InitOk{} }, nil},
	TypeEcho:        {func() Payload { return &Echo{} }, []string{"echo"}},
	TypeEchoOk:      {func() Payload { return &EchoOk{} }, []string{"echo"}},
	TypeGenerate:    {func() Payload { return &Generate{} }, nil},
	TypeGenerateOk:  {func() Payload { return &GenerateOk{} }, []string{"id"}},
	TypeTopology:    {func() Payload { return &Topology{} }, []string{"topology"}},
	TypeTopologyOk:  {func() Payload { return &TopologyOk{} }, nil},
	TypeBroadcast:   {func() Payload { return &Broadcast{} }, []string{"message"}},
	TypeBroadcastOk: {func() Payload { return &BroadcastOk{} }, nil},
	TypeRead:        {func() Payload { return &Read{} }, nil},
	TypeReadOk:      {func() Payload { return &ReadOk{} }, []string{"messages"}},
	TypeGossip:      {func() Payload { return &Gossip{} }, []string{"has_seen"}},
}

// Body is the message body. MsgID is nil for fire-and-forget messages and
// InReplyTo is only set on replies.
type Body struct {
	MsgID     *uint64
	InReplyTo *uint64
	Payload   Payload
}

// Envelope is one line on the wire.
type Envelope struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
	Body Body   `json:"body"`
}

// Uint64 returns a pointer to v, for filling MsgID and InReplyTo.
func Uint64(v uint64) *uint64 {
	return &v
}
