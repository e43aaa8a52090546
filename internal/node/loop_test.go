package node

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gossipnode/internal/config"
	"gossipnode/internal/proto"
	"gossipnode/internal/telemetry"
)

// pipeNode runs a Node over in-memory pipes.
type pipeNode struct {
	node *Node
	in   *io.PipeWriter
	out  chan proto.Envelope

	once sync.Once
	errc chan error
	err  error
}

func startPipeNode(t *testing.T, interval time.Duration) *pipeNode {
	t.Helper()

	cfg := config.Default()
	cfg.Seed = 1
	cfg.GossipInterval = interval
	n := NewNode(cfg, zaptest.NewLogger(t))

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &pipeNode{
		node: n,
		in:   inW,
		out:  make(chan proto.Envelope, 1024),
		errc: make(chan error, 1),
	}

	go func() {
		err := n.Run(context.Background(), inR, outW)
		outW.Close()
		inR.Close()
		p.errc <- err
	}()
	go func() {
		defer close(p.out)
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			env, err := proto.Decode(sc.Bytes())
			if err != nil {
				return
			}
			p.out <- env
		}
	}()

	t.Cleanup(func() {
		p.in.Close()
		p.wait()
	})
	return p
}

func (p *pipeNode) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(p.in, line+"\n")
	require.NoError(t, err)
}

func (p *pipeNode) wait() error {
	p.once.Do(func() {
		select {
		case p.err = <-p.errc:
		case <-time.After(5 * time.Second):
			p.err = errors.New("node did not stop")
		}
	})
	return p.err
}

// next returns the next envelope that is not gossip.
func (p *pipeNode) next(t *testing.T) proto.Envelope {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-p.out:
			require.True(t, ok, "output closed")
			if env.Body.Payload.Type() == proto.TypeGossip {
				continue
			}
			return env
		case <-timeout:
			t.Fatal("timed out waiting for reply")
		}
	}
}

func TestRun_RepliesInOrder(t *testing.T) {
	p := startPipeNode(t, time.Hour)

	p.send(t, `{"src":"c0","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1"]}}`)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"echo","msg_id":2,"echo":"hello"}}`)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"broadcast","msg_id":3,"message":8}}`)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":4}}`)

	wantTypes := []proto.Type{proto.TypeInitOk, proto.TypeEchoOk, proto.TypeBroadcastOk, proto.TypeReadOk}
	for i, want := range wantTypes {
		env := p.next(t)
		assert.Equal(t, want, env.Body.Payload.Type())
		require.NotNil(t, env.Body.InReplyTo)
		assert.Equal(t, uint64(i+1), *env.Body.InReplyTo)
		assert.Equal(t, "n1", env.Src)
	}
	assert.Equal(t, Running, p.node.State())
}

func TestRun_EndOfInput(t *testing.T) {
	p := startPipeNode(t, time.Hour)
	p.send(t, `{"src":"c0","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1"]}}`)
	p.next(t)

	require.NoError(t, p.in.Close())
	assert.NoError(t, p.wait())
	assert.Equal(t, Terminated, p.node.State())
}

func TestRun_BlankLineIsFatal(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"whitespace", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startPipeNode(t, time.Hour)
			p.send(t, tt.line)

			err := p.wait()
			assert.True(t, errors.Is(err, proto.ErrMalformed), "got %v", err)
			assert.Equal(t, Terminated, p.node.State())
		})
	}
}

func TestReadLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"blank lines kept", "a\n\n  \nb\n", []string{"a", "", "  ", "b"}},
		{"unterminated tail", "a\nb", []string{"a", "b"}},
		{"crlf", "a\r\n", []string{"a"}},
		{"empty input", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := make(chan []byte, len(tt.want)+1)
			errc := make(chan error, 1)
			readLines(context.Background(), strings.NewReader(tt.input), lines, errc)

			var got []string
			for line := range lines {
				got = append(got, string(line))
			}
			assert.Equal(t, tt.want, got)
			assert.NoError(t, <-errc)
		})
	}
}

func TestRun_MalformedLineIsFatal(t *testing.T) {
	p := startPipeNode(t, time.Hour)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"cas","msg_id":1}}`)

	err := p.wait()
	assert.True(t, errors.Is(err, proto.ErrUnknownType), "got %v", err)
	assert.Equal(t, Terminated, p.node.State())
}

func TestRun_GenerateBeforeInitIsFatal(t *testing.T) {
	p := startPipeNode(t, time.Hour)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"generate","msg_id":1}}`)

	err := p.wait()
	assert.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
}

func TestRun_GossipOnTimer(t *testing.T) {
	p := startPipeNode(t, 10*time.Millisecond)
	p.send(t, `{"src":"c0","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2"]}}`)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"topology","msg_id":2,"topology":{"n1":["n2"],"n2":["n1"]}}}`)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"broadcast","msg_id":3,"message":42}}`)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case env := <-p.out:
			g, ok := env.Body.Payload.(*proto.Gossip)
			if !ok {
				continue
			}
			assert.Equal(t, "n1", env.Src)
			assert.Equal(t, "n2", env.Dest)
			assert.Nil(t, env.Body.MsgID)
			assert.Equal(t, []int{42}, g.HasSeen)
			return
		case <-timeout:
			t.Fatal("no gossip emitted")
		}
	}
}

// stallWriter blocks its first Write, standing in for a slow reader of stdout.
type stallWriter struct {
	once  sync.Once
	stall time.Duration
}

func (w *stallWriter) Write(b []byte) (int, error) {
	w.once.Do(func() { time.Sleep(w.stall) })
	return len(b), nil
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRun_LateTicksFireIndividually(t *testing.T) {
	const interval = 10 * time.Millisecond

	cfg := config.Default()
	cfg.Seed = 1
	cfg.GossipInterval = interval
	n := NewNode(cfg, zaptest.NewLogger(t))

	inR, inW := io.Pipe()
	before := counterValue(t, telemetry.GossipTicks)
	start := time.Now()

	errc := make(chan error, 1)
	go func() { errc <- n.Run(context.Background(), inR, &stallWriter{stall: 500 * time.Millisecond}) }()

	// The init_ok reply hits the stalled writer and holds the loop for 500ms.
	_, err := io.WriteString(inW, `{"src":"c0","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1"]}}`+"\n")
	require.NoError(t, err)

	time.Sleep(700 * time.Millisecond)
	periods := int(time.Since(start) / interval)

	require.NoError(t, inW.Close())
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}

	ticks := int(counterValue(t, telemetry.GossipTicks) - before)
	assert.GreaterOrEqual(t, ticks, periods*8/10,
		"%d periods elapsed but only %d ticks fired", periods, ticks)
}

func TestRun_Twice(t *testing.T) {
	p := startPipeNode(t, time.Hour)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":1}}`)
	p.next(t)

	err := p.node.Run(context.Background(), nil, io.Discard)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
}

func TestRun_ContextCancel(t *testing.T) {
	cfg := config.Default()
	n := NewNode(cfg, zaptest.NewLogger(t))
	inR, inW := io.Pipe()
	defer inW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- n.Run(ctx, inR, io.Discard) }()

	cancel()
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

func TestSnapshot(t *testing.T) {
	p := startPipeNode(t, time.Hour)

	_, err := NewNode(nil, nil).Snapshot(context.Background())
	assert.True(t, errors.Is(err, ErrNotRunning))

	p.send(t, `{"src":"c0","dest":"n1","body":{"type":"init","msg_id":1,"node_id":"n1","node_ids":["n1","n2"]}}`)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"topology","msg_id":2,"topology":{"n1":["n2"]}}}`)
	p.send(t, `{"src":"n2","dest":"n1","body":{"type":"gossip","has_seen":[3,4]}}`)
	p.send(t, `{"src":"c1","dest":"n1","body":{"type":"read","msg_id":3}}`)
	p.next(t)
	p.next(t)
	p.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := p.node.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "n1", snap.NodeID)
	assert.Equal(t, []string{"n1", "n2"}, snap.NodeIDs)
	assert.Equal(t, Running, snap.State)
	assert.Equal(t, []int{3, 4}, snap.Values)
	assert.Equal(t, []string{"n2"}, snap.Neighbors)
	assert.Equal(t, map[string][]string{"n1": {"n2"}}, snap.Topology)
	assert.Equal(t, map[string][]int{"n2": {3, 4}}, snap.Seen)

	require.NoError(t, p.in.Close())
	require.NoError(t, p.wait())
	_, err = p.node.Snapshot(ctx)
	assert.True(t, errors.Is(err, ErrNotRunning))
}
