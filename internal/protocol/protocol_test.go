package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderLayout(t *testing.T) {
	m := NewPageReq(7)
	b := m.AppendTo(nil)
	if len(b) != HeaderLen+IndexLen {
		t.Fatalf("Expected %d encoded bytes, got %d", HeaderLen+IndexLen, len(b))
	}

	h, err := ParseHeader(b)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if h.Kind != KindPageReq {
		t.Errorf("Expected kind %v, got %v", KindPageReq, h.Kind)
	}
	if h.PayloadLen != IndexLen {
		t.Errorf("Expected payload length %d, got %d", IndexLen, h.PayloadLen)
	}

	if _, err := ParseHeader(b[:HeaderLen-1]); err != ErrShortHeader {
		t.Errorf("Expected ErrShortHeader, got %v", err)
	}
}

func TestInitRegionRsp(t *testing.T) {
	const base = uintptr(0x7f00deadb000)
	got, err := NewInitRegionRsp(base).InitRegionRsp()
	if err != nil {
		t.Fatalf("InitRegionRsp failed: %v", err)
	}
	if got != base {
		t.Errorf("Expected base %#x, got %#x", base, got)
	}

	if _, err := NewInitRegionReq().InitRegionRsp(); err != ErrKindMismatch {
		t.Errorf("Expected ErrKindMismatch, got %v", err)
	}
	if _, err := (Message{Kind: KindInitRegionRsp, Payload: []byte{1}}).InitRegionRsp(); err != ErrShortPayload {
		t.Errorf("Expected ErrShortPayload, got %v", err)
	}
}

func TestPageRsp(t *testing.T) {
	page := bytes.Repeat([]byte{0xab}, 4096)
	m := NewPageRsp(42, page)
	page[0] = 0

	if m.Len() != HeaderLen+MaxPayload(4096) {
		t.Errorf("Expected encoded length %d, got %d", HeaderLen+MaxPayload(4096), m.Len())
	}

	idx, got, err := m.PageRsp()
	if err != nil {
		t.Fatalf("PageRsp failed: %v", err)
	}
	if idx != 42 {
		t.Errorf("Expected index 42, got %d", idx)
	}
	if got[0] != 0xab {
		t.Error("PageRsp payload should not alias the source page")
	}
	if len(got) != 4096 {
		t.Errorf("Expected 4096 page bytes, got %d", len(got))
	}

	if _, err := m.PageReq(); err != ErrKindMismatch {
		t.Errorf("Expected ErrKindMismatch, got %v", err)
	}
}

func TestKindString(t *testing.T) {
	if KindPageRsp.String() != "PageRsp" {
		t.Errorf("Expected PageRsp, got %s", KindPageRsp)
	}
	if Kind(9).String() != "Kind(9)" {
		t.Errorf("Expected Kind(9), got %s", Kind(9))
	}
	if Kind(9).Valid() {
		t.Error("Kind(9) should not be valid")
	}
	if !KindInitRegionReq.Valid() {
		t.Error("KindInitRegionReq should be valid")
	}
}
