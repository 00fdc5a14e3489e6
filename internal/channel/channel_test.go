package channel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"gosuda.org/dsm/internal/protocol"
)

const pageSize = 4096

func testPage() []byte {
	page := make([]byte, pageSize)
	for i := range page {
		page[i] = byte(i*7 + 3)
	}
	return page
}

// oneByteWriter accepts at most one byte per Write call.
type oneByteWriter struct {
	w io.Writer
}

func (o oneByteWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.w.Write(p[:1])
}

// TestFramingOneByteReads verifies that a PageRsp delivered one byte per read
// is reassembled identically to one delivered in a single read
func TestFramingOneByteReads(t *testing.T) {
	page := testPage()
	var wire bytes.Buffer
	if err := Send(&wire, protocol.NewPageRsp(3, page)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	encoded := wire.Bytes()

	whole, err := Receive(bytes.NewReader(encoded), protocol.MaxPayload(pageSize))
	if err != nil {
		t.Fatalf("Receive (single read) failed: %v", err)
	}
	split, err := Receive(iotest.OneByteReader(bytes.NewReader(encoded)), protocol.MaxPayload(pageSize))
	if err != nil {
		t.Fatalf("Receive (one-byte reads) failed: %v", err)
	}

	_, wholePage, _ := whole.PageRsp()
	idx, splitPage, err := split.PageRsp()
	if err != nil {
		t.Fatalf("PageRsp decode failed: %v", err)
	}
	if idx != 3 {
		t.Errorf("Expected index 3, got %d", idx)
	}
	want := sha256.Sum256(page)
	if sha256.Sum256(wholePage) != want || sha256.Sum256(splitPage) != want {
		t.Error("Reassembled page hash differs from the original")
	}
}

func TestSendShortWrites(t *testing.T) {
	page := testPage()
	var wire bytes.Buffer
	if err := Send(oneByteWriter{&wire}, protocol.NewPageRsp(1, page)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if wire.Len() != protocol.HeaderLen+protocol.MaxPayload(pageSize) {
		t.Errorf("Expected %d bytes on the wire, got %d", protocol.HeaderLen+protocol.MaxPayload(pageSize), wire.Len())
	}
}

func TestReceiveErrors(t *testing.T) {
	var wire bytes.Buffer
	Send(&wire, protocol.NewPageRsp(0, testPage()))

	if _, err := Receive(bytes.NewReader(wire.Bytes()), 16); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}

	truncated := wire.Bytes()[:protocol.HeaderLen+10]
	if _, err := Receive(bytes.NewReader(truncated), protocol.MaxPayload(pageSize)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Expected ErrUnexpectedEOF, got %v", err)
	}

	if _, err := Receive(bytes.NewReader(nil), protocol.MaxPayload(pageSize)); !errors.Is(err, io.EOF) {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestEmptyPayload(t *testing.T) {
	var wire bytes.Buffer
	Send(&wire, protocol.NewInitRegionReq())
	m, err := Receive(&wire, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if m.Kind != protocol.KindInitRegionReq || len(m.Payload) != 0 {
		t.Errorf("Unexpected message %v with %d payload bytes", m.Kind, len(m.Payload))
	}
}

// TestListenerSerial verifies that inbound exchanges are served one at a time
// and that each gets exactly one reply
func TestListenerSerial(t *testing.T) {
	l, err := Listen("127.0.0.1:0", protocol.MaxPayload(pageSize))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	var active, peak atomic.Int32
	served := make(chan error, 1)
	go func() {
		served <- l.Serve(HandlerFunc(func(c *Conn, m protocol.Message) {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			idx, _ := m.PageReq()
			c.Send(protocol.NewPageRsp(idx, bytes.Repeat([]byte{byte(idx)}, pageSize)))
			active.Add(-1)
		}))
	}()

	d := &Dialer{Addr: l.Addr().String(), MaxPayload: protocol.MaxPayload(pageSize), Backoff: time.Millisecond}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i uint32) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rsp, err := d.Exchange(ctx, protocol.NewPageReq(i))
			if err != nil {
				t.Errorf("Exchange %d failed: %v", i, err)
				return
			}
			idx, page, err := rsp.PageRsp()
			if err != nil || idx != i || page[0] != byte(i) {
				t.Errorf("Exchange %d: bad reply idx=%d err=%v", i, idx, err)
			}
		}(uint32(i))
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("Expected at most one request in service, saw %d", peak.Load())
	}

	l.Close()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v after Close", err)
		}
	case <-time.After(time.Second):
		t.Error("Serve did not return after Close")
	}
}

// TestDialRetry verifies that the dialer keeps trying until the listener comes up
func TestDialRetry(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := probe.Addr().String()
	probe.Close()

	d := &Dialer{Addr: addr, MaxPayload: 0, Backoff: 5 * time.Millisecond}
	dialed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := d.Dial(ctx)
		if err == nil {
			c.Close()
		}
		dialed <- err
	}()

	time.Sleep(30 * time.Millisecond)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	defer l.Close()
	go func() {
		if c, err := l.Accept(); err == nil {
			c.Close()
		}
	}()

	if err := <-dialed; err != nil {
		t.Errorf("Dial should succeed once the listener is up, got %v", err)
	}
}

func TestDialAttempts(t *testing.T) {
	probe, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := probe.Addr().String()
	probe.Close()

	d := &Dialer{Addr: addr, Backoff: time.Millisecond, Attempts: 3}
	if _, err := d.Dial(context.Background()); !errors.Is(err, ErrDialAttempts) {
		t.Errorf("Expected ErrDialAttempts, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Attempts = 0
	if _, err := d.Dial(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

// TestListenerDropsGarbage verifies that a malformed frame does not stop the loop
func TestListenerDropsGarbage(t *testing.T) {
	l, err := Listen("127.0.0.1:0", protocol.MaxPayload(pageSize))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer l.Close()
	l.ReadTimeout = time.Second

	got := make(chan protocol.Kind, 1)
	go l.Serve(HandlerFunc(func(c *Conn, m protocol.Message) { got <- m.Kind }))

	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	c.Write([]byte{1, 2, 3})
	c.Close()

	d := &Dialer{Addr: l.Addr().String(), MaxPayload: protocol.MaxPayload(pageSize)}
	c2, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c2.Close()
	if err := c2.Send(protocol.NewInitRegionReq()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case k := <-got:
		if k != protocol.KindInitRegionReq {
			t.Errorf("Expected InitRegionReq, got %v", k)
		}
	case <-time.After(2 * time.Second):
		t.Error("Listener did not serve the well-formed request")
	}
}
