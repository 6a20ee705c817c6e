package capro

import (
	"context"

	"github.com/tobiasstarkwayve/zcipc/internal/mpmc"
	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
)

// Channel is the discovery transport between one client process and the
// broker: two shared-memory MPMC rings of CaPro messages, one per
// direction, living back to back in a single region that the broker
// provisions and the client later attaches to by name. Every port of that
// process shares the one channel.
type Channel struct {
	portToBroker *mpmc.Ring[protocol.Message]
	brokerToPort *mpmc.Ring[protocol.Message]
}

// ChannelSize returns the shared-memory footprint of a channel whose
// rings each hold at least capacity messages.
func ChannelSize(capacity uint64) uintptr {
	return 2 * mpmc.Size[protocol.Message](capacity)
}

// InitChannel lays out a fresh channel at addr. Only the broker, which
// provisions the discovery segment, calls this.
func InitChannel(addr uintptr, capacity uint64) bool {
	ringSize := mpmc.Size[protocol.Message](capacity)
	okToBroker := mpmc.Init[protocol.Message](addr, capacity)
	okToPort := mpmc.Init[protocol.Message](addr+ringSize, capacity)
	return okToBroker && okToPort
}

// AttachChannel waits for a channel at addr to finish initializing and
// returns a handle either side (broker or port) can use.
func AttachChannel(addr uintptr, capacity uint64, timeout func() bool) *Channel {
	ringSize := mpmc.Size[protocol.Message](capacity)
	toBroker := mpmc.Attach[protocol.Message](addr, timeout)
	if toBroker == nil {
		return nil
	}
	toPort := mpmc.Attach[protocol.Message](addr+ringSize, timeout)
	if toPort == nil {
		return nil
	}
	return &Channel{portToBroker: toBroker, brokerToPort: toPort}
}

// SendToBroker is called by a port to push a message toward the broker.
func (c *Channel) SendToBroker(ctx context.Context, msg protocol.Message) bool {
	return c.portToBroker.Push(ctx, msg)
}

// RecvFromPort is called by the broker's dispatch loop to pop a message
// pushed by a port.
func (c *Channel) RecvFromPort(ctx context.Context) (protocol.Message, bool) {
	return c.portToBroker.Pop(ctx)
}

// TryRecvFromPort pops one message without blocking. ok is false if the
// ring toward the broker was empty.
func (c *Channel) TryRecvFromPort() (protocol.Message, bool) {
	return c.portToBroker.TryPop()
}

// SendToPort is called by the broker to push a message toward a port.
func (c *Channel) SendToPort(ctx context.Context, msg protocol.Message) bool {
	return c.brokerToPort.Push(ctx, msg)
}

// RecvFromBroker is called by a port to pop a message sent by the
// broker.
func (c *Channel) RecvFromBroker(ctx context.Context) (protocol.Message, bool) {
	return c.brokerToPort.Pop(ctx)
}

// TryRecvFromBroker pops one message without blocking. ok is false if
// the ring toward the port was empty.
func (c *Channel) TryRecvFromBroker() (protocol.Message, bool) {
	return c.brokerToPort.TryPop()
}
