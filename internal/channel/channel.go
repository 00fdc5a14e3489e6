// Package channel carries framed protocol messages between the two nodes.
//
// Every exchange uses its own connection: the requester dials, sends exactly
// one message, receives exactly one message and closes. The listening side
// serves one connection at a time.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"gosuda.org/dsm/internal/protocol"
	"gosuda.org/dsm/internal/trace"
)

var (
	ErrPayloadTooLarge = errors.New("channel: payload exceeds limit")
	ErrUnreachable     = errors.New("channel: peer network unreachable")
	ErrDialAttempts    = errors.New("channel: peer did not accept within the allowed attempts")
)

// Send writes m as one frame, retrying short writes until every byte is out.
func Send(w io.Writer, m protocol.Message) error {
	buf := m.AppendTo(make([]byte, 0, m.Len()))
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return fmt.Errorf("channel: send %v: %w", m.Kind, err)
		}
		if n == 0 {
			return fmt.Errorf("channel: send %v: %w", m.Kind, io.ErrShortWrite)
		}
		buf = buf[n:]
	}
	return nil
}

// Receive reads exactly one frame from r. The header is read in full first,
// then exactly PayloadLen more bytes; partial reads are accumulated.
func Receive(r io.Reader, maxPayload int) (protocol.Message, error) {
	var hdr [protocol.HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return protocol.Message{}, fmt.Errorf("channel: receive header: %w", err)
	}

	h, err := protocol.ParseHeader(hdr[:])
	if err != nil {
		return protocol.Message{}, err
	}
	if int64(h.PayloadLen) > int64(maxPayload) {
		return protocol.Message{}, fmt.Errorf("%w: %v with %d bytes (limit %d)", ErrPayloadTooLarge, h.Kind, h.PayloadLen, maxPayload)
	}

	m := protocol.Message{Kind: h.Kind}
	if h.PayloadLen > 0 {
		m.Payload = make([]byte, h.PayloadLen)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return protocol.Message{}, fmt.Errorf("channel: receive %v payload: %w", h.Kind, err)
		}
	}
	return m, nil
}

// Conn is one exchange's connection.
type Conn struct {
	net.Conn
	maxPayload int
}

// NewConn wraps c, rejecting inbound payloads above maxPayload.
func NewConn(c net.Conn, maxPayload int) *Conn {
	return &Conn{Conn: c, maxPayload: maxPayload}
}

func (c *Conn) Send(m protocol.Message) error {
	return Send(c.Conn, m)
}

func (c *Conn) Receive() (protocol.Message, error) {
	return Receive(c.Conn, c.maxPayload)
}

// Dialer opens outbound exchange connections to the peer.
type Dialer struct {
	Addr       string
	MaxPayload int

	// Backoff is the pause between connection attempts.
	Backoff time.Duration
	// Attempts bounds connection attempts; 0 retries until ctx ends.
	Attempts int
}

// Dial connects to the peer, retrying until its listener is up.
// If ctx carries a deadline it is applied to the returned connection.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	var nd net.Dialer
	for attempt := 1; ; attempt++ {
		c, err := nd.DialContext(ctx, "tcp", d.Addr)
		if err == nil {
			if deadline, ok := ctx.Deadline(); ok {
				c.SetDeadline(deadline)
			}
			return NewConn(c, d.MaxPayload), nil
		}

		switch {
		case errors.Is(err, syscall.ENETUNREACH):
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, d.Addr, err)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("channel: dial %s: %w", d.Addr, ctx.Err())
		case d.Attempts > 0 && attempt >= d.Attempts:
			return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrDialAttempts, d.Addr, attempt, err)
		}

		trace.Debugf("dial %s attempt %d failed: %v", d.Addr, attempt, err)
		t := time.NewTimer(d.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("channel: dial %s: %w", d.Addr, ctx.Err())
		case <-t.C:
		}
	}
}

// Exchange sends m on a fresh connection and returns the single reply.
func (d *Dialer) Exchange(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	c, err := d.Dial(ctx)
	if err != nil {
		return protocol.Message{}, err
	}
	defer c.Close()

	if err := c.Send(m); err != nil {
		return protocol.Message{}, err
	}
	return c.Receive()
}
