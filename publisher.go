package zcipc

import (
	"context"
	"sync"

	"github.com/tobiasstarkwayve/zcipc/internal/chunkhdr"
	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
	"github.com/tobiasstarkwayve/zcipc/internal/shmaddr"
)

// MaxSubscribersPerPublisher bounds a publisher port's subscriber-list,
// per spec §3's Publisher Port invariant.
const MaxSubscribersPerPublisher = 256

// PublisherPort is the per-endpoint control block a process owns for one
// offered service. It owns a history cache and the live list of
// subscriber bindings the broker has wired onto it.
type PublisherPort struct {
	mu   sync.Mutex
	rt   *Runtime
	self protocol.PortRef
	id   uint64
	desc ServiceDescriptor

	offering bool
	seq      uint64
	history  *HistoryCache
	subs     map[protocol.PortRef]*SubscriberPort

	// offsetHint caches the segment lookup Loan performs on every call,
	// since a publisher's loans overwhelmingly land back in the same
	// segment they were last resolved against.
	offsetHint shmaddr.Hint
}

// NewPublisherPort builds a publisher port bound to rt's segment and
// discovery channel, identified by self and id (id is stamped into every
// loaned chunk's publisher_id field). historyCapacity is the number of
// recently published chunks retained for late-joiner replay.
func NewPublisherPort(rt *Runtime, self protocol.PortRef, id uint64, desc ServiceDescriptor, historyCapacity int) *PublisherPort {
	return &PublisherPort{
		rt:      rt,
		self:    self,
		id:      id,
		desc:    desc,
		history: NewHistoryCache(rt.Segment, historyCapacity),
		subs:    make(map[protocol.PortRef]*SubscriberPort),
	}
}

// Offer announces this service to the broker. Until Offer is called no
// subscriber can match it.
func (p *PublisherPort) Offer(ctx context.Context) bool {
	p.mu.Lock()
	p.offering = true
	p.mu.Unlock()
	return p.rt.Channel.SendToBroker(ctx, protocol.Message{
		Kind:    protocol.KindOffer,
		Service: p.desc,
		Port:    p.self,
	})
}

// StopOffer withdraws the service. The broker fans a STOP_OFFER out to
// every currently bound subscriber, and this port's own subscriber-list
// is cleared.
func (p *PublisherPort) StopOffer(ctx context.Context) bool {
	p.mu.Lock()
	p.offering = false
	p.subs = make(map[protocol.PortRef]*SubscriberPort)
	p.mu.Unlock()
	return p.rt.Channel.SendToBroker(ctx, protocol.Message{
		Kind:    protocol.KindStopOffer,
		Service: p.desc,
		Port:    p.self,
	})
}

// HasSubscribers reports whether any subscriber is currently bound.
func (p *PublisherPort) HasSubscribers() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs) > 0
}

// bindSubscriber is called by the broker once a SUB/OFFER pair matches,
// mirroring the broker's direct write access to a publisher port's
// discovery-visible subscriber-list (spec §5).
func (p *PublisherPort) bindSubscriber(sub *SubscriberPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) >= MaxSubscribersPerPublisher {
		return
	}
	p.subs[sub.self] = sub

	if n := sub.requestedHistory(); n > 0 {
		for _, ptr := range p.history.Replay(n) {
			chunk, err := p.rt.Segment.ResolveChunk(ptr)
			if err != nil {
				continue
			}
			chunk.Acquire()
			if full := sub.enqueue(ptr); full {
				chunk.Release()
			}
		}
	}
}

// unbindSubscriber removes a subscriber bound to this publisher, e.g.
// once the broker has told it to unsubscribe or the subscriber itself
// dropped out.
func (p *PublisherPort) unbindSubscriber(sub protocol.PortRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, sub)
}

// Loan checks out a fresh chunk with at least size bytes of payload
// capacity, stamping it with a freshly drawn sequence number and this
// port's publisher id.
func (p *PublisherPort) Loan(size uint32) (*Chunk, error) {
	pool, err := p.rt.Segment.PoolForSize(size)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	raw, err := pool.loan(size, 0, seq, p.id)
	if err != nil {
		return nil, newError(ErrCodePoolEmpty, "Loan", err)
	}

	p.mu.Lock()
	ptr, err := p.rt.Segment.OffsetOfHint(&p.offsetHint, raw)
	p.mu.Unlock()
	if err != nil {
		fatal(ErrCodeAddressOutOfSegment, "Loan", err)
	}
	return &Chunk{hdr: chunkhdr.At(raw), raw: raw, pool: pool, ptr: ptr}, nil
}

// Release abandons a loaned chunk without publishing it, e.g. when the
// publisher decides not to send a sample after all.
func (p *PublisherPort) Release(c *Chunk) {
	c.Release()
}

// Publish installs c into the history cache, fans it out to every
// currently bound subscriber per that subscriber's own overflow policy,
// and drops the publisher's own loan reference. A subscriber whose
// enqueue fails under DISCARD_NEW is skipped; its overflow counter
// already recorded the drop. Publish never unwinds an enqueue that
// already succeeded.
func (p *PublisherPort) Publish(c *Chunk) {
	c.Acquire()
	p.history.Push(c.ptr)

	p.mu.Lock()
	subs := make([]*SubscriberPort, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	for _, s := range subs {
		c.Acquire()
		if full := s.enqueue(c.ptr); full {
			c.Release()
		}
	}
	c.Release()
}
