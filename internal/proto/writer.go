package proto

import (
	"bufio"
	"fmt"
	"io"
)

// Writer emits one envelope per line and flushes after each one, so the order
// seen by the reader matches the order of Write calls. It is not safe for
// concurrent use.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// Write encodes env, terminates it with a newline and flushes.
func (w *Writer) Write(env Envelope) error {
	line, err := Encode(env)
	if err != nil {
		return err
	}
	if _, err := w.bw.Write(line); err != nil {
		return fmt.Errorf("write %s to %s: %w", env.Body.Payload.Type(), env.Dest, err)
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
