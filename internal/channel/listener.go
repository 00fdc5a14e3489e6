package channel

import (
	"errors"
	"net"
	"sync"
	"time"

	"gosuda.org/dsm/internal/protocol"
	"gosuda.org/dsm/internal/trace"
)

// Handler serves one inbound message. It may reply on c; c is closed after
// the handler returns.
type Handler interface {
	ServeMessage(c *Conn, m protocol.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(c *Conn, m protocol.Message)

func (f HandlerFunc) ServeMessage(c *Conn, m protocol.Message) { f(c, m) }

// Listener accepts exchange connections and dispatches them one at a time.
// A second request arriving while one is being served waits in the
// kernel's accept backlog.
type Listener struct {
	ln         net.Listener
	maxPayload int

	// ReadTimeout bounds the wait for a connection's single message; 0 disables it.
	ReadTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen opens a TCP listener on addr.
func Listen(addr string, maxPayload int) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, maxPayload), nil
}

// NewListener wraps an already-open listener.
func NewListener(ln net.Listener, maxPayload int) *Listener {
	return &Listener{ln: ln, maxPayload: maxPayload, closed: make(chan struct{})}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve runs the accept loop on the calling goroutine until Close.
// It returns nil after Close and the accept error otherwise.
func (l *Listener) Serve(h Handler) error {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		l.serveConn(NewConn(c, l.maxPayload), h)
	}
}

func (l *Listener) serveConn(c *Conn, h Handler) {
	defer c.Close()

	if l.ReadTimeout > 0 {
		c.SetReadDeadline(time.Now().Add(l.ReadTimeout))
	}
	m, err := c.Receive()
	if err != nil {
		trace.Warnf("dropping connection from %v: %v", c.RemoteAddr(), err)
		return
	}
	c.SetReadDeadline(time.Time{})

	trace.Debugf("received %v (%d bytes) from %v", m.Kind, len(m.Payload), c.RemoteAddr())
	h.ServeMessage(c, m)
}

// Close stops Serve. Connections already accepted finish normally.
func (l *Listener) Close() error {
	err := net.ErrClosed
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
	})
	return err
}
