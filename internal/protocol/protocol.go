// Package protocol defines the CaPro wire format: the service descriptor,
// the discovery message kinds (OFFER/STOP_OFFER/SUB/UNSUB/ACK_SUB/
// NACK_SUB/ACK_UNSUB), and the fixed-size record every message is encoded
// as in the discovery ring.
package protocol

import "bytes"

//go:generate go tool stringer -type=Kind

// Kind tags a CaPro message. The wire format reserves one byte for it.
type Kind uint8

const (
	KindOffer     Kind = iota // publisher started offering a service
	KindStopOffer             // publisher stopped offering a service
	KindSub                   // subscriber requests a service
	KindUnsub                 // subscriber releases a service
	KindAckSub                // broker: subscription accepted
	KindNackSub               // broker: subscription rejected
	KindAckUnsub              // broker: unsubscribe acknowledged
)

// IDLen is the fixed length of each service descriptor component, matching
// the shared-memory wire layout's "3×16B strings".
const IDLen = 16

// ID is a short, fixed-length service identifier component.
type ID [IDLen]byte

// Wildcard matches any ID, but only inside a discovery query, never as an
// OFFER or SUB identity, and it never matches itself as an identity (a
// publisher offering the literal string "*" is not satisfied by a
// wildcard query matching itself, because OFFER/SUB never carry Wildcard).
var Wildcard = NewID("*")

// NewID builds an ID from s, truncating if s is longer than IDLen.
func NewID(s string) ID {
	var id ID
	copy(id[:], s)
	return id
}

// String returns the identifier with trailing NUL padding trimmed.
func (id ID) String() string {
	return string(bytes.TrimRight(id[:], "\x00"))
}

// IsWildcard reports whether id is the wildcard sentinel.
func (id ID) IsWildcard() bool {
	return id == Wildcard
}

// ClassOfService tags the delivery characteristics requested for a
// service. It travels with the descriptor but does not participate in
// descriptor equality beyond what callers choose to compare.
type ClassOfService uint8

const (
	ClassOfServiceDefault    ClassOfService = iota
	ClassOfServiceLowLatency                // drop-oldest favored, small queues
	ClassOfServiceReliable                  // discard-new favored, larger queues
)

// ServiceDescriptor identifies a topic as the triple (service, instance,
// event) plus a class-of-service tag. Equality is componentwise.
type ServiceDescriptor struct {
	Service  ID
	Instance ID
	Event    ID
	CoS      ClassOfService
}

// Equal reports whether two descriptors name the same topic, ignoring
// class of service. Equal never treats Wildcard specially: it is only
// meaningful inside Matches.
func (d ServiceDescriptor) Equal(o ServiceDescriptor) bool {
	return d.Service == o.Service && d.Instance == o.Instance && d.Event == o.Event
}

// Matches reports whether d (an offered or subscribed identity, never
// itself carrying a wildcard) satisfies query, whose fields may be
// Wildcard. Matches is for discovery queries only.
func (d ServiceDescriptor) Matches(query ServiceDescriptor) bool {
	if !query.Service.IsWildcard() && d.Service != query.Service {
		return false
	}
	if !query.Instance.IsWildcard() && d.Instance != query.Instance {
		return false
	}
	if !query.Event.IsWildcard() && d.Event != query.Event {
		return false
	}
	return true
}

// PortRef is the (segment, offset) location of a port's control block,
// the CaPro wire format's port_offset field.
type PortRef struct {
	Segment uint32
	Offset  uint64
}

// IsZero reports whether r is the unset reference.
func (r PortRef) IsZero() bool {
	return r == PortRef{}
}

// Message is one CaPro discovery record. HistoryRequest is only meaningful
// on a SUB message; it is the number of historical samples the subscriber
// wants replayed on a successful ACK_SUB.
type Message struct {
	Kind           Kind
	Service        ServiceDescriptor
	Port           PortRef
	HistoryRequest uint32
	Seq            uint64
}
