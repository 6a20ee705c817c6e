// Package capro implements the CaPro discovery state machine: the
// broker-side registry that matches OFFER against SUB and fans out
// STOP_OFFER, and the subscriber-side FSM that drives a port through
// NOT_SUBSCRIBED -> SUBSCRIBE_REQUESTED -> SUBSCRIBED -> UNSUBSCRIBE_REQUESTED
// and back.
package capro

import (
	"sync"

	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
)

type offer struct {
	desc protocol.ServiceDescriptor
	port protocol.PortRef
}

type pendingSub struct {
	query          protocol.ServiceDescriptor
	port           protocol.PortRef
	historyRequest uint32
	// connected tracks which currently-offered publisher ports this
	// subscriber has already been ACK_SUB'd against, so a late-arriving
	// OFFER from a third publisher doesn't re-ACK ones already matched.
	connected map[protocol.PortRef]bool
}

// Outbound pairs a CaPro message with the port whose channel the caller
// should push it onto. To never crosses the wire itself, it only exists
// so a single HandleOffer call, which may answer several different
// subscribers at once, tells its caller where each reply goes; the
// message's own Port field keeps its CaPro meaning (the publisher being
// acknowledged), not a transport address.
type Outbound struct {
	To  protocol.PortRef
	Msg protocol.Message
}

// Registry is the broker's view of who is offering what and who wants
// it. It holds no transport of its own: HandleXxx methods take one
// inbound message and return zero or more outbound messages for the
// caller to push onto the discovery channel.
type Registry struct {
	mu     sync.Mutex
	offers []offer
	subs   map[protocol.PortRef]*pendingSub
	access *AccessTable
	seq    uint64
}

// NewRegistry builds an empty registry gated by access. A nil access
// table allows every subscription.
func NewRegistry(access *AccessTable) *Registry {
	if access == nil {
		access = NewAccessTable()
	}
	return &Registry{
		subs:   make(map[protocol.PortRef]*pendingSub),
		access: access,
	}
}

func (r *Registry) nextSeq() uint64 {
	r.seq++
	return r.seq
}

// HandleOffer records a new OFFER and returns one ACK_SUB per pending or
// already-subscribed port whose query matches it and is access-allowed,
// addressed to each such subscriber.
func (r *Registry) HandleOffer(msg protocol.Message) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.offers = append(r.offers, offer{desc: msg.Service, port: msg.Port})

	var out []Outbound
	if !r.access.IsAllowed(msg.Service) {
		return out
	}
	for _, sub := range r.subs {
		if sub.connected[msg.Port] {
			continue
		}
		if !msg.Service.Matches(sub.query) {
			continue
		}
		sub.connected[msg.Port] = true
		out = append(out, Outbound{
			To: sub.port,
			Msg: protocol.Message{
				Kind:           protocol.KindAckSub,
				Service:        msg.Service,
				Port:           msg.Port,
				HistoryRequest: sub.historyRequest,
				Seq:            r.nextSeq(),
			},
		})
	}
	return out
}

// HandleStopOffer removes an offer and returns one STOP_OFFER forwarded
// to each subscriber currently bound to that exact publisher port.
func (r *Registry) HandleStopOffer(msg protocol.Message) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	filtered := r.offers[:0]
	for _, o := range r.offers {
		if o.port != msg.Port {
			filtered = append(filtered, o)
		}
	}
	r.offers = filtered

	var out []Outbound
	for subPort, sub := range r.subs {
		if !sub.connected[msg.Port] {
			continue
		}
		delete(sub.connected, msg.Port)
		out = append(out, Outbound{
			To: subPort,
			Msg: protocol.Message{
				Kind:    protocol.KindStopOffer,
				Service: msg.Service,
				Port:    msg.Port,
				Seq:     r.nextSeq(),
			},
		})
	}
	return out
}

// HandleSub registers a subscription request (or updates its history
// request if the port re-subscribes) and returns one ACK_SUB per
// currently-offered publisher it matches, or a single NACK_SUB if access
// denies it outright. Every reply is addressed to the requesting
// subscriber itself.
func (r *Registry) HandleSub(msg protocol.Message) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.access.IsAllowed(msg.Service) {
		return []Outbound{{
			To: msg.Port,
			Msg: protocol.Message{
				Kind:    protocol.KindNackSub,
				Service: msg.Service,
				Port:    msg.Port,
				Seq:     r.nextSeq(),
			},
		}}
	}

	sub, ok := r.subs[msg.Port]
	if !ok {
		sub = &pendingSub{connected: make(map[protocol.PortRef]bool)}
		r.subs[msg.Port] = sub
	}
	sub.query = msg.Service
	sub.port = msg.Port
	sub.historyRequest = msg.HistoryRequest

	var out []Outbound
	for _, o := range r.offers {
		if sub.connected[o.port] {
			continue
		}
		if !o.desc.Matches(sub.query) {
			continue
		}
		sub.connected[o.port] = true
		out = append(out, Outbound{
			To: msg.Port,
			Msg: protocol.Message{
				Kind:           protocol.KindAckSub,
				Service:        o.desc,
				Port:           o.port,
				HistoryRequest: sub.historyRequest,
				Seq:            r.nextSeq(),
			},
		})
	}
	return out
}

// HandleUnsub forgets a subscriber port entirely and acknowledges the
// release.
func (r *Registry) HandleUnsub(msg protocol.Message) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.subs, msg.Port)
	return []Outbound{{
		To: msg.Port,
		Msg: protocol.Message{
			Kind: protocol.KindAckUnsub,
			Port: msg.Port,
			Seq:  r.nextSeq(),
		},
	}}
}

// Snapshot returns a synthetic OFFER for every currently-live offer, for
// a subscriber (or the broker itself) to resynchronize after the
// discovery channel has overflowed and dropped messages.
func (r *Registry) Snapshot() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.Message, 0, len(r.offers))
	for _, o := range r.offers {
		out = append(out, protocol.Message{
			Kind:    protocol.KindOffer,
			Service: o.desc,
			Port:    o.port,
			Seq:     r.nextSeq(),
		})
	}
	return out
}

// ResyncMatches re-runs every live offer against every pending or
// subscribed port without re-registering the offers themselves, filling
// in any ACK_SUB a subscriber missed because the discovery channel
// overflowed. Already-connected pairs are skipped exactly as a live
// HandleOffer would skip them.
func (r *Registry) ResyncMatches() []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Outbound
	for _, o := range r.offers {
		if !r.access.IsAllowed(o.desc) {
			continue
		}
		for _, sub := range r.subs {
			if sub.connected[o.port] {
				continue
			}
			if !o.desc.Matches(sub.query) {
				continue
			}
			sub.connected[o.port] = true
			out = append(out, Outbound{
				To: sub.port,
				Msg: protocol.Message{
					Kind:           protocol.KindAckSub,
					Service:        o.desc,
					Port:           o.port,
					HistoryRequest: sub.historyRequest,
					Seq:            r.nextSeq(),
				},
			})
		}
	}
	return out
}
