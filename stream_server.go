// Copyright (C) 2025 the streamhttp authors. All rights reserved.
//
// streamhttp is licensed under the Apache License Version 2.0.

package streamhttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

const defaultStreamInboxSize = 10

// StreamServerTransport is the sessionless duplex transport: line-delimited
// JSON-RPC over a byte reader and writer, typically a child process's
// standard streams. There are no sessions, no SSE framing and no
// resumability; the consumer pumps the input with Serve and drains messages
// with Receive.
type StreamServerTransport struct {
	logger Logger

	in  io.Reader
	out io.Writer

	inboxSize int
	inbox     chan *InboundMessage

	// sendMu serializes writes so concurrent sends never interleave lines.
	sendMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// StreamOption configures a StreamServerTransport.
type StreamOption func(*StreamServerTransport)

// WithStreamLogger sets the transport logger.
func WithStreamLogger(logger Logger) StreamOption {
	return func(t *StreamServerTransport) {
		t.logger = logger
	}
}

// WithStreamInboxSize sets the inbound message buffer.
func WithStreamInboxSize(n int) StreamOption {
	return func(t *StreamServerTransport) {
		t.inboxSize = n
	}
}

// NewStreamServerTransport builds a transport over in and out.
func NewStreamServerTransport(in io.Reader, out io.Writer, opts ...StreamOption) *StreamServerTransport {
	t := &StreamServerTransport{
		logger:    GetDefaultLogger(),
		in:        in,
		out:       out,
		inboxSize: defaultStreamInboxSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.inboxSize < 1 {
		t.inboxSize = 1
	}
	t.inbox = make(chan *InboundMessage, t.inboxSize)
	return t
}

// Serve pumps the input stream into the inbox. It returns nil once the
// input reaches EOF or the transport is closed, and the context error on
// cancellation. Malformed lines are logged and skipped.
func (t *StreamServerTransport) Serve(ctx context.Context) error {
	reader := bufio.NewReader(t.in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := t.readLine(ctx, reader)
		if err != nil {
			if err == io.EOF {
				t.Close()
				return nil
			}
			return err
		}
		if err := t.dispatchLine(ctx, line); err != nil {
			return err
		}
	}
}

type lineResult struct {
	line string
	err  error
}

// readLine reads one newline-terminated line, abandoning the blocked read on
// cancellation. A final unterminated line before EOF still counts; the
// subsequent read reports the EOF.
func (t *StreamServerTransport) readLine(ctx context.Context, reader *bufio.Reader) (string, error) {
	resultCh := make(chan lineResult, 1)
	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- lineResult{line: line, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			if res.err == io.EOF && strings.TrimSpace(res.line) != "" {
				return res.line, nil
			}
			return "", res.err
		}
		return res.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
		return "", io.EOF
	}
}

// dispatchLine parses one input line and queues it for Receive.
func (t *StreamServerTransport) dispatchLine(ctx context.Context, line string) error {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}

	msg, _, err := parseJSONRPCMessage([]byte(line))
	if err != nil {
		t.logger.Debugf("skipping malformed line: %v", err)
		return nil
	}

	im := &InboundMessage{
		Message: msg,
		Context: &MessageContext{transport: t},
	}
	select {
	case t.inbox <- im:
		return nil
	default:
		t.logger.Warnf("%v: pausing input until the consumer drains", ErrInboxFull)
	}
	select {
	case t.inbox <- im:
		return nil
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes one message as a single JSON line followed by a newline.
func (t *StreamServerTransport) Send(ctx context.Context, message JSONRPCMessage) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := marshalMessage(message)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if flusher, ok := t.out.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			return fmt.Errorf("failed to flush message: %w", err)
		}
	}
	return nil
}

// Receive returns the next inbound message. Messages queued before Close
// still drain; after that it reports io.EOF.
func (t *StreamServerTransport) Receive(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the transport and closes the underlying endpoints when they
// support it. Idempotent.
func (t *StreamServerTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if closer, ok := t.in.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				t.logger.Debugf("failed to close input: %v", err)
			}
		}
		if closer, ok := t.out.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				t.logger.Debugf("failed to close output: %v", err)
			}
		}
	})
	return nil
}
