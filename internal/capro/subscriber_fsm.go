package capro

import (
	"errors"
	"sync"

	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
)

// State is a subscriber port's discovery state.
type State uint8

const (
	NotSubscribed State = iota
	SubscribeRequested
	Subscribed
	UnsubscribeRequested
)

// String names a State for logging.
func (s State) String() string {
	switch s {
	case NotSubscribed:
		return "NOT_SUBSCRIBED"
	case SubscribeRequested:
		return "SUBSCRIBE_REQUESTED"
	case Subscribed:
		return "SUBSCRIBED"
	case UnsubscribeRequested:
		return "UNSUBSCRIBE_REQUESTED"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned when a caller drives the FSM from a
// state that does not accept the requested operation.
var ErrInvalidTransition = errors.New("capro: invalid subscriber state transition")

// SubscriberFSM drives one subscriber port through the discovery state
// table. A subscription can bind to more than one publisher port at once
// (multi-publisher fan-out): the FSM reports SUBSCRIBED as long as at
// least one binding is live, and only falls back to NOT_SUBSCRIBED once
// the last one is gone or the subscriber explicitly unsubscribes.
type SubscriberFSM struct {
	mu          sync.Mutex
	state       State
	query       protocol.ServiceDescriptor
	connections map[protocol.PortRef]bool
}

// NewSubscriberFSM returns a subscriber FSM in the NOT_SUBSCRIBED state.
func NewSubscriberFSM() *SubscriberFSM {
	return &SubscriberFSM{connections: make(map[protocol.PortRef]bool)}
}

// State reports the current state.
func (f *SubscriberFSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connections returns the publisher ports currently bound, for testing
// and diagnostics.
func (f *SubscriberFSM) Connections() []protocol.PortRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.PortRef, 0, len(f.connections))
	for p := range f.connections {
		out = append(out, p)
	}
	return out
}

// Subscribe moves NOT_SUBSCRIBED -> SUBSCRIBE_REQUESTED and returns the
// SUB message the caller should push onto the discovery channel.
func (f *SubscriberFSM) Subscribe(self protocol.PortRef, query protocol.ServiceDescriptor, historyRequest uint32) (protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != NotSubscribed {
		return protocol.Message{}, ErrInvalidTransition
	}
	f.state = SubscribeRequested
	f.query = query
	return protocol.Message{
		Kind:           protocol.KindSub,
		Service:        query,
		Port:           self,
		HistoryRequest: historyRequest,
	}, nil
}

// HandleAckSub binds publisher to the subscription. If this is the first
// binding, the FSM advances to SUBSCRIBED.
func (f *SubscriberFSM) HandleAckSub(publisher protocol.PortRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != SubscribeRequested && f.state != Subscribed {
		return
	}
	f.connections[publisher] = true
	f.state = Subscribed
}

// HandleNackSub moves SUBSCRIBE_REQUESTED -> NOT_SUBSCRIBED.
func (f *SubscriberFSM) HandleNackSub() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != SubscribeRequested {
		return
	}
	f.state = NotSubscribed
}

// Unsubscribe moves SUBSCRIBED -> UNSUBSCRIBE_REQUESTED and returns the
// UNSUB message to send.
func (f *SubscriberFSM) Unsubscribe(self protocol.PortRef) (protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Subscribed {
		return protocol.Message{}, ErrInvalidTransition
	}
	f.state = UnsubscribeRequested
	return protocol.Message{
		Kind:    protocol.KindUnsub,
		Service: f.query,
		Port:    self,
	}, nil
}

// HandleAckUnsub moves UNSUBSCRIBE_REQUESTED -> NOT_SUBSCRIBED and clears
// every binding. Callers drain and release the delivery queue themselves
// before or after calling this; the FSM only tracks discovery state.
func (f *SubscriberFSM) HandleAckUnsub() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != UnsubscribeRequested {
		return
	}
	f.state = NotSubscribed
	f.connections = make(map[protocol.PortRef]bool)
}

// HandleStopOffer removes publisher's binding. If that was the last
// binding and the subscriber had not itself asked to unsubscribe, the
// FSM falls back to NOT_SUBSCRIBED, mirroring the "any -> STOP_OFFER ->
// NOT_SUBSCRIBED" row for the single-publisher case while tolerating
// surviving bindings in the multi-publisher case. lost reports whether
// this call dropped the subscription to NOT_SUBSCRIBED.
func (f *SubscriberFSM) HandleStopOffer(publisher protocol.PortRef) (lost bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connections[publisher] {
		return false
	}
	delete(f.connections, publisher)
	if len(f.connections) == 0 && f.state == Subscribed {
		f.state = NotSubscribed
		return true
	}
	return false
}
