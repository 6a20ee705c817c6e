package capro

import (
	"context"
	"testing"
	"unsafe"

	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
)

func newChannel(t *testing.T, capacity uint64) *Channel {
	t.Helper()
	buf := make([]byte, ChannelSize(capacity))
	addr := uintptr(unsafe.Pointer(&buf[0]))
	if !InitChannel(addr, capacity) {
		t.Fatal("failed to initialize channel")
	}
	return AttachChannel(addr, capacity, nil)
}

func TestChannelPortToBroker(t *testing.T) {
	c := newChannel(t, 8)
	ctx := context.Background()
	msg := protocol.Message{Kind: protocol.KindSub, Port: protocol.PortRef{Offset: 1}}

	if !c.SendToBroker(ctx, msg) {
		t.Fatal("SendToBroker failed")
	}
	got, ok := c.RecvFromPort(ctx)
	if !ok || got != msg {
		t.Fatalf("expected %+v, got %+v ok=%v", msg, got, ok)
	}
}

func TestChannelBrokerToPort(t *testing.T) {
	c := newChannel(t, 8)
	ctx := context.Background()
	msg := protocol.Message{Kind: protocol.KindAckSub, Port: protocol.PortRef{Offset: 2}}

	if !c.SendToPort(ctx, msg) {
		t.Fatal("SendToPort failed")
	}
	got, ok := c.RecvFromBroker(ctx)
	if !ok || got != msg {
		t.Fatalf("expected %+v, got %+v ok=%v", msg, got, ok)
	}
}

func TestChannelTryRecvOnEmptyRing(t *testing.T) {
	c := newChannel(t, 8)
	if _, ok := c.TryRecvFromPort(); ok {
		t.Fatal("expected TryRecvFromPort on an empty ring to report ok=false")
	}
	if _, ok := c.TryRecvFromBroker(); ok {
		t.Fatal("expected TryRecvFromBroker on an empty ring to report ok=false")
	}
}

func TestChannelTryRecvDrainsWithoutBlocking(t *testing.T) {
	c := newChannel(t, 8)
	msg := protocol.Message{Kind: protocol.KindOffer, Port: protocol.PortRef{Offset: 7}}
	c.SendToBroker(context.Background(), msg)

	got, ok := c.TryRecvFromPort()
	if !ok || got != msg {
		t.Fatalf("expected %+v, got %+v ok=%v", msg, got, ok)
	}
	if _, ok := c.TryRecvFromPort(); ok {
		t.Fatal("expected ring to be empty after draining its only message")
	}
}

func TestChannelDirectionsAreIndependent(t *testing.T) {
	c := newChannel(t, 8)
	c.SendToBroker(context.Background(), protocol.Message{Kind: protocol.KindSub})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := c.RecvFromBroker(cancelled); ok {
		t.Fatal("a message sent to the broker should not be visible on the broker-to-port ring")
	}
}
