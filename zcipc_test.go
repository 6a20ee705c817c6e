package zcipc

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/tobiasstarkwayve/zcipc/internal/capro"
	"github.com/tobiasstarkwayve/zcipc/internal/shmaddr"
)

var segNameCounter int

func uniqueSegmentName(t *testing.T) string {
	t.Helper()
	segNameCounter++
	return fmt.Sprintf("test.%s.%d", t.Name(), segNameCounter)
}

func newTestSegment(t *testing.T, specs []PoolSpec) *Segment {
	t.Helper()
	seg, err := CreateSegment(shmaddr.NewTable(), uniqueSegmentName(t), 1, specs)
	if err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	t.Cleanup(func() {
		seg.Close()
		seg.Unlink()
	})
	return seg
}

// newTestChannel builds a single in-memory discovery channel shared by
// both ends of a test, mirroring internal/capro's own test helper.
func newTestChannel(t *testing.T, capacity uint64) *capro.Channel {
	t.Helper()
	buf := make([]byte, capro.ChannelSize(capacity))
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if !capro.InitChannel(addr, capacity) {
		t.Fatal("failed to initialize discovery channel")
	}
	return capro.AttachChannel(addr, capacity, nil)
}

func newTestRuntime(t *testing.T, seg *Segment, ch *capro.Channel) *Runtime {
	t.Helper()
	return NewRuntime(seg, ch)
}

// drainDiscovery feeds every currently pending message on ch into b,
// standing in for the broker's own dispatch loop in a single-process
// test where no real Unix-socket connection or goroutine is running.
func drainDiscovery(t *testing.T, ch *capro.Channel, b *Broker) {
	t.Helper()
	for {
		msg, ok := ch.TryRecvFromPort()
		if !ok {
			return
		}
		b.Dispatch(msg)
	}
}
