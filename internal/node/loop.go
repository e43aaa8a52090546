package node

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"gossipnode/internal/proto"
	"gossipnode/internal/telemetry"
)

// Run drives the node until in is exhausted, a fatal error occurs or ctx is
// cancelled. Inbound lines and gossip ticks are produced by their own
// goroutines and consumed here one at a time; every reply or push is written
// to out and flushed before the next event is taken.
//
// Run returns nil at end of input. Run may only be called once.
func (n *Node) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	if !n.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyRunning
	}
	defer func() {
		n.state.Store(int32(Terminated))
		close(n.done)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go readLines(ctx, in, lines, readErr)

	ticks := make(chan time.Time)
	go n.runTimer(ctx, ticks)

	w := proto.NewWriter(out)
	n.log.Info("event loop started",
		zap.Duration("gossip_interval", n.cfg.GossipInterval),
		zap.Float64("resend_fraction", n.cfg.ResendFraction))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				n.log.Info("input closed, event loop stopping")
				return nil
			}
			env, err := proto.Decode(line)
			if err != nil {
				return fmt.Errorf("decode input: %w", err)
			}
			replies, err := n.Handle(env)
			if err != nil {
				return err
			}
			if err := n.emit(w, replies); err != nil {
				return err
			}

		case <-ticks:
			if err := n.emit(w, n.Tick()); err != nil {
				return err
			}

		case req := <-n.snapshots:
			req.reply <- n.snapshot()
		}
	}
}

func (n *Node) emit(w *proto.Writer, envs []proto.Envelope) error {
	for _, env := range envs {
		if err := w.Write(env); err != nil {
			return err
		}
		telemetry.MessagesSent.WithLabelValues(string(env.Body.Payload.Type())).Inc()
	}
	return nil
}

// runTimer delivers one tick per elapsed gossip period. Periods that pass
// while the consumer is busy are counted and handed over one by one once it
// catches up, so a late tick still fires on its own.
func (n *Node) runTimer(ctx context.Context, ticks chan<- time.Time) {
	interval := n.cfg.GossipInterval
	next := time.Now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	pending := 0
	for {
		// A nil channel disables the send case while nothing is due.
		var out chan<- time.Time
		if pending > 0 {
			out = ticks
		}

		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			for !next.After(now) {
				pending++
				next = next.Add(interval)
			}
			timer.Reset(next.Sub(now))
		case out <- time.Now():
			pending--
		}
	}
}

// readLines sends every line of r, blank ones included, and closes lines
// when r is exhausted. Only an empty unterminated tail at end of input is
// skipped. The terminating error, nil for end of input, is written to errc
// before lines is closed.
func readLines(ctx context.Context, r io.Reader, lines chan<- []byte, errc chan<- error) {
	defer close(lines)

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err == nil || len(line) > 0 {
			select {
			case lines <- bytes.TrimRight(line, "\r\n"):
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			errc <- err
			return
		}
	}
}
