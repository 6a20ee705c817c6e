package zcipc

import (
	"github.com/tobiasstarkwayve/zcipc/internal/deliveryqueue"
	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
)

// ServiceDescriptor identifies a topic as the triple (service, instance,
// event) plus a class-of-service tag.
type ServiceDescriptor = protocol.ServiceDescriptor

// ClassOfService tags the delivery characteristics requested for a
// service.
type ClassOfService = protocol.ClassOfService

const (
	ClassOfServiceDefault    = protocol.ClassOfServiceDefault
	ClassOfServiceLowLatency = protocol.ClassOfServiceLowLatency
	ClassOfServiceReliable   = protocol.ClassOfServiceReliable
)

// NewService builds a ServiceDescriptor from three plain strings, each
// truncated to 16 bytes.
func NewService(service, instance, event string) ServiceDescriptor {
	return ServiceDescriptor{
		Service:  protocol.NewID(service),
		Instance: protocol.NewID(instance),
		Event:    protocol.NewID(event),
	}
}

// Wildcard matches any identifier component in a discovery query.
var Wildcard = protocol.Wildcard

// PortRef identifies a port's control block by (segment, offset).
type PortRef = protocol.PortRef

// QueueFullPolicy governs what a subscriber's delivery queue does when a
// publisher's push finds it full. Chosen once when the subscriber port is
// constructed (NewSubscriberPort), it is never mutated afterward.
type QueueFullPolicy = deliveryqueue.Policy

// The two queue-full policies named in spec §3 and §4.5.
const (
	DiscardNew = deliveryqueue.DiscardNew
	DropOldest = deliveryqueue.DropOldest
)
