package zcipc

import (
	"sync"

	"github.com/tobiasstarkwayve/zcipc/internal/capro"
	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
)

// Runtime is the explicit, per-process handle to the IPC fabric: the
// segment this process has attached and the discovery channel it uses to
// talk to the broker. Every port constructor takes one rather than
// reaching for ambient package-level state, so a single test process can
// stand up several independent "processes" side by side.
type Runtime struct {
	Segment *Segment
	Channel *capro.Channel
}

// NewRuntime builds a Runtime from an already-attached segment and
// discovery channel.
func NewRuntime(seg *Segment, ch *capro.Channel) *Runtime {
	return &Runtime{Segment: seg, Channel: ch}
}

// Broker is the roudi role's in-process discovery brain: the CaPro
// registry plus the live port directory needed to wire a publisher's
// subscriber-list directly on a successful match, mirroring the
// broker's universal access to every port's discovery-visible fields
// (spec §5's "shared between the owning process and the broker"). A
// single-process Broker drives discovery for every port registered with
// it in same-process tests (cmd/roudi runs its own broker loop over the
// discovery channels instead); cross-process delivery is
// carried entirely by the shared-memory segments and queues the Broker
// wires together, not by the Broker itself.
type Broker struct {
	mu          sync.Mutex
	registry    *capro.Registry
	publishers  map[protocol.PortRef]*PublisherPort
	subscribers map[protocol.PortRef]*SubscriberPort
}

// NewBroker builds a Broker gated by access. A nil access table allows
// every subscription.
func NewBroker(access *capro.AccessTable) *Broker {
	return &Broker{
		registry:    capro.NewRegistry(access),
		publishers:  make(map[protocol.PortRef]*PublisherPort),
		subscribers: make(map[protocol.PortRef]*SubscriberPort),
	}
}

// RegisterPublisher makes p known to the broker so a later ACK_SUB match
// can bind a subscriber directly onto p's subscriber-list.
func (b *Broker) RegisterPublisher(p *PublisherPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishers[p.self] = p
}

// RegisterSubscriber makes s known to the broker so STOP_OFFER and
// ACK_SUB replies can be routed to it directly.
func (b *Broker) RegisterSubscriber(s *SubscriberPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[s.self] = s
}

// Dispatch feeds one inbound CaPro message through the registry, wires
// any resulting subscriber-list bindings, and delivers every outbound
// reply straight to the recipient port's in-process handlers (standing
// in for pushing it onto that port's discovery channel, which every
// recipient here already shares this process with).
func (b *Broker) Dispatch(msg protocol.Message) {
	var out []capro.Outbound
	switch msg.Kind {
	case protocol.KindOffer:
		out = b.registry.HandleOffer(msg)
	case protocol.KindStopOffer:
		out = b.registry.HandleStopOffer(msg)
	case protocol.KindSub:
		out = b.registry.HandleSub(msg)
	case protocol.KindUnsub:
		out = b.registry.HandleUnsub(msg)
	default:
		return
	}
	b.route(out)
}

// Resync replays every live offer against every pending or subscribed
// port, standing in for the discovery resync described in spec §7's
// DISCOVERY_CHANNEL_OVERFLOW handling: a dropped ACK_SUB eventually gets
// resent once the channel is quiet.
func (b *Broker) Resync() {
	b.route(b.registry.ResyncMatches())
}

func (b *Broker) route(out []capro.Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range out {
		sub, ok := b.subscribers[o.To]
		if !ok {
			continue
		}
		switch o.Msg.Kind {
		case protocol.KindAckSub:
			sub.handleAckSub(o.Msg)
			if pub, ok := b.publishers[o.Msg.Port]; ok {
				pub.bindSubscriber(sub)
			}
		case protocol.KindNackSub:
			sub.handleNackSub()
		case protocol.KindStopOffer:
			sub.handleStopOffer(o.Msg.Port)
			if pub, ok := b.publishers[o.Msg.Port]; ok {
				pub.unbindSubscriber(o.To)
			}
		case protocol.KindAckUnsub:
			sub.handleAckUnsub()
			for _, pub := range b.publishers {
				pub.unbindSubscriber(o.To)
			}
		}
	}
}
