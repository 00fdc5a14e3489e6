package protocol

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

//go:generate go tool stringer -type=Kind -trimprefix=Kind
type Kind uint32

const (
	// InitRegionReq: empty payload
	KindInitRegionReq Kind = 0x00

	// InitRegionRsp: 0:BaseAddress (pointer width)
	KindInitRegionRsp Kind = 0x01

	// PageReq: 0:PageIndex (uint32)
	KindPageReq Kind = 0x02

	// PageRsp: 0:PageIndex (uint32), 1:PageBytes
	KindPageRsp Kind = 0x03

	// 0x04-0xFF: Reserved
)

// Valid reports whether k is a kind the protocol knows how to dispatch.
func (k Kind) Valid() bool {
	return k <= KindPageRsp
}

const (
	// HeaderLen is the fixed size of every message header: kind + payload length.
	HeaderLen = 8

	// IndexLen is the size of an encoded page index.
	IndexLen = 4

	// AddrLen is the size of an encoded base address (native pointer width).
	AddrLen = int(unsafe.Sizeof(uintptr(0)))
)

// Integers travel in host byte order. Both nodes must share endianness.
var order = binary.NativeEndian

var (
	ErrShortPayload = errors.New("protocol: payload too short")
	ErrKindMismatch = errors.New("protocol: unexpected message kind")
	ErrShortHeader  = errors.New("protocol: header too short")
)

// MaxPayload returns the largest payload a peer may send for the given page size.
func MaxPayload(pageSize int) int {
	return IndexLen + pageSize
}

// Header is the fixed-size prefix of every message.
type Header struct {
	Kind       Kind
	PayloadLen uint32
}

// ParseHeader decodes a header from the first HeaderLen bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Kind:       Kind(order.Uint32(b[0:4])),
		PayloadLen: order.Uint32(b[4:8]),
	}, nil
}

// Put encodes h into the first HeaderLen bytes of b.
func (h Header) Put(b []byte) {
	order.PutUint32(b[0:4], uint32(h.Kind))
	order.PutUint32(b[4:8], h.PayloadLen)
}

// Message is one framed unit on the wire.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Header returns the header describing m.
func (m Message) Header() Header {
	return Header{Kind: m.Kind, PayloadLen: uint32(len(m.Payload))}
}

// Len returns the encoded size of m including its header.
func (m Message) Len() int {
	return HeaderLen + len(m.Payload)
}

// AppendTo appends the encoded form of m to b.
func (m Message) AppendTo(b []byte) []byte {
	var hdr [HeaderLen]byte
	m.Header().Put(hdr[:])
	b = append(b, hdr[:]...)
	return append(b, m.Payload...)
}

func NewInitRegionReq() Message {
	return Message{Kind: KindInitRegionReq}
}

func NewInitRegionRsp(base uintptr) Message {
	p := make([]byte, AddrLen)
	putAddr(p, base)
	return Message{Kind: KindInitRegionRsp, Payload: p}
}

func NewPageReq(index uint32) Message {
	p := make([]byte, IndexLen)
	order.PutUint32(p, index)
	return Message{Kind: KindPageReq, Payload: p}
}

// NewPageRsp copies page into a fresh payload behind the index.
func NewPageRsp(index uint32, page []byte) Message {
	p := make([]byte, IndexLen+len(page))
	order.PutUint32(p, index)
	copy(p[IndexLen:], page)
	return Message{Kind: KindPageRsp, Payload: p}
}

// InitRegionRsp decodes the base address carried by an InitRegionRsp.
func (m Message) InitRegionRsp() (uintptr, error) {
	if m.Kind != KindInitRegionRsp {
		return 0, ErrKindMismatch
	}
	if len(m.Payload) < AddrLen {
		return 0, ErrShortPayload
	}
	return addr(m.Payload), nil
}

// PageReq decodes the page index carried by a PageReq.
func (m Message) PageReq() (uint32, error) {
	if m.Kind != KindPageReq {
		return 0, ErrKindMismatch
	}
	if len(m.Payload) < IndexLen {
		return 0, ErrShortPayload
	}
	return order.Uint32(m.Payload), nil
}

// PageRsp decodes a PageRsp. The returned page aliases m.Payload.
func (m Message) PageRsp() (uint32, []byte, error) {
	if m.Kind != KindPageRsp {
		return 0, nil, ErrKindMismatch
	}
	if len(m.Payload) < IndexLen {
		return 0, nil, ErrShortPayload
	}
	return order.Uint32(m.Payload), m.Payload[IndexLen:], nil
}

func putAddr(b []byte, v uintptr) {
	if AddrLen == 8 {
		order.PutUint64(b, uint64(v))
		return
	}
	order.PutUint32(b, uint32(v))
}

func addr(b []byte) uintptr {
	if AddrLen == 8 {
		return uintptr(order.Uint64(b))
	}
	return uintptr(order.Uint32(b))
}
