package chunkhdr

import (
	"testing"
	"unsafe"
)

func newChunk(payloadSize int) []byte {
	buf := make([]byte, int(Size)+payloadSize)
	return buf
}

func TestInitSetsRefcountToOne(t *testing.T) {
	buf := newChunk(256)
	h := At(unsafe.Pointer(&buf[0]))
	h.Init(0x1000, 256, 0, 1, 42)

	if h.Refcount() != 1 {
		t.Errorf("expected refcount 1 after Init, got %d", h.Refcount())
	}
	if h.PayloadSize() != 256 {
		t.Errorf("expected payload size 256, got %d", h.PayloadSize())
	}
	if h.PublisherID() != 42 {
		t.Errorf("expected publisher id 42, got %d", h.PublisherID())
	}
	if h.Sequence() != 1 {
		t.Errorf("expected sequence 1, got %d", h.Sequence())
	}
}

func TestAcquireRelease(t *testing.T) {
	buf := newChunk(64)
	h := At(unsafe.Pointer(&buf[0]))
	h.Init(0, 64, 0, 1, 1)

	h.Acquire() // refcount 2, e.g. enqueued to a subscriber queue
	h.Acquire() // refcount 3, duplicated into history

	if last, err := h.Release(); err != nil || last {
		t.Errorf("first release should not be last, got last=%v err=%v", last, err)
	}
	if last, err := h.Release(); err != nil || last {
		t.Errorf("second release should not be last, got last=%v err=%v", last, err)
	}
	last, err := h.Release()
	if err != nil {
		t.Fatalf("third release returned error: %v", err)
	}
	if !last {
		t.Error("third release should have been the last one")
	}
	if h.Refcount() != 0 {
		t.Errorf("expected refcount 0, got %d", h.Refcount())
	}
}

func TestReleaseUnderflow(t *testing.T) {
	buf := newChunk(8)
	h := At(unsafe.Pointer(&buf[0]))
	h.Init(0, 8, 0, 1, 1)

	if _, err := h.Release(); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if _, err := h.Release(); err != ErrRefcountUnderflow {
		t.Errorf("expected ErrRefcountUnderflow on double release, got %v", err)
	}
}

func TestPayloadView(t *testing.T) {
	buf := newChunk(4)
	h := At(unsafe.Pointer(&buf[0]))
	h.Init(0, 4, 0, 1, 1)

	p := h.Payload()
	if len(p) != 4 {
		t.Fatalf("expected payload length 4, got %d", len(p))
	}
	for i := range p {
		p[i] = 0xAA
	}
	for i := range p {
		if buf[int(Size)+i] != 0xAA {
			t.Errorf("payload write did not land in the backing buffer at index %d", i)
		}
	}
}
