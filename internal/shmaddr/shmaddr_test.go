package shmaddr

import (
	"testing"
	"unsafe"
)

func TestAttachDerefRoundTrip(t *testing.T) {
	buf := make([]byte, 4096)
	table := NewTable()
	id := table.Attach(unsafe.Pointer(&buf[0]), uintptr(len(buf)))

	p := Pointer{Segment: id, Offset: 128}
	raw, err := table.Deref(p)
	if err != nil {
		t.Fatalf("Deref failed: %v", err)
	}

	got, err := table.OffsetOf(raw)
	if err != nil {
		t.Fatalf("OffsetOf failed: %v", err)
	}
	if got != p {
		t.Errorf("round trip mismatch: got %v, want %v", got, p)
	}
}

func TestDerefOutOfSegment(t *testing.T) {
	buf := make([]byte, 64)
	table := NewTable()
	id := table.Attach(unsafe.Pointer(&buf[0]), uintptr(len(buf)))

	if _, err := table.Deref(Pointer{Segment: id, Offset: 64}); err != ErrOutOfSegment {
		t.Errorf("expected ErrOutOfSegment, got %v", err)
	}
	if _, err := table.Deref(Pointer{Segment: id, Offset: 1000}); err != ErrOutOfSegment {
		t.Errorf("expected ErrOutOfSegment, got %v", err)
	}
}

func TestDerefUnknownSegment(t *testing.T) {
	table := NewTable()
	if _, err := table.Deref(Pointer{Segment: 7, Offset: 0}); err != ErrUnknownSegment {
		t.Errorf("expected ErrUnknownSegment, got %v", err)
	}
}

func TestDetachInvalidatesSegment(t *testing.T) {
	buf := make([]byte, 64)
	table := NewTable()
	id := table.Attach(unsafe.Pointer(&buf[0]), uintptr(len(buf)))
	table.Detach(id)

	if _, err := table.Deref(Pointer{Segment: id, Offset: 0}); err != ErrUnknownSegment {
		t.Errorf("expected ErrUnknownSegment after detach, got %v", err)
	}
}

func TestHintCachesSegment(t *testing.T) {
	bufA := make([]byte, 64)
	bufB := make([]byte, 64)
	table := NewTable()
	idA := table.Attach(unsafe.Pointer(&bufA[0]), uintptr(len(bufA)))
	idB := table.Attach(unsafe.Pointer(&bufB[0]), uintptr(len(bufB)))

	var hint Hint
	pA, err := hint.OffsetOf(table, unsafe.Pointer(&bufA[10]))
	if err != nil {
		t.Fatalf("OffsetOf(A) failed: %v", err)
	}
	if pA.Segment != idA || pA.Offset != 10 {
		t.Errorf("unexpected pointer %v", pA)
	}

	// Second lookup into the same segment should hit the cached hint.
	pA2, err := hint.OffsetOf(table, unsafe.Pointer(&bufA[20]))
	if err != nil {
		t.Fatalf("OffsetOf(A again) failed: %v", err)
	}
	if pA2.Segment != idA || pA2.Offset != 20 {
		t.Errorf("unexpected pointer %v", pA2)
	}

	// A lookup into a different segment must miss the hint and still resolve.
	pB, err := hint.OffsetOf(table, unsafe.Pointer(&bufB[5]))
	if err != nil {
		t.Fatalf("OffsetOf(B) failed: %v", err)
	}
	if pB.Segment != idB || pB.Offset != 5 {
		t.Errorf("unexpected pointer %v", pB)
	}
}

func TestNilPointer(t *testing.T) {
	if !Nil.IsNil() {
		t.Error("Nil.IsNil() should be true")
	}
	p := Pointer{Segment: 0, Offset: 0}
	if p.IsNil() {
		t.Error("a zero-valued but attached pointer should not equal Nil")
	}
}
