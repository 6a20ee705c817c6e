package zcipc

import (
	"context"
	"sync"
	"unsafe"

	"github.com/tobiasstarkwayve/zcipc/internal/capro"
	"github.com/tobiasstarkwayve/zcipc/internal/deliveryqueue"
	"github.com/tobiasstarkwayve/zcipc/internal/notify"
	"github.com/tobiasstarkwayve/zcipc/internal/protocol"
	"github.com/tobiasstarkwayve/zcipc/internal/shmaddr"
)

// MaxQueueCapacity bounds a subscriber's delivery queue, per spec §4.5.
const MaxQueueCapacity = 1 << 16

// SubscriberPort is the per-endpoint control block a process owns for
// one subscription. It owns a bounded delivery queue fed by every
// publisher the broker has bound it to.
type SubscriberPort struct {
	mu   sync.Mutex
	rt   *Runtime
	self protocol.PortRef
	fsm  *capro.SubscriberFSM

	query          ServiceDescriptor
	historyRequest uint32
	queueStorage   []byte
	queue          *deliveryqueue.Queue[shmaddr.Pointer]

	notifier    *notify.Notifier
	notifyIndex int
	hasNotifier bool

	destroyed bool
}

// NewSubscriberPort builds a subscriber port bound to rt's segment and
// discovery channel, with a delivery queue of the given capacity and
// overflow policy. capacity must be <= MaxQueueCapacity.
func NewSubscriberPort(rt *Runtime, self protocol.PortRef, capacity uint64, policy QueueFullPolicy) *SubscriberPort {
	s := &SubscriberPort{
		rt:   rt,
		self: self,
		fsm:  capro.NewSubscriberFSM(),
	}
	s.queueStorage = make([]byte, deliveryqueue.Size[shmaddr.Pointer](capacity))
	addr := uintptr(unsafe.Pointer(&s.queueStorage[0]))
	deliveryqueue.Init[shmaddr.Pointer](addr, capacity, policy)
	s.queue = deliveryqueue.Attach[shmaddr.Pointer](addr, s.releaseChunk, nil)
	return s
}

func (s *SubscriberPort) releaseChunk(ptr shmaddr.Pointer) {
	chunk, err := s.rt.Segment.ResolveChunk(ptr)
	if err != nil {
		return
	}
	chunk.Release()
}

// PortRef returns this port's own (segment, offset) identity.
func (s *SubscriberPort) PortRef() protocol.PortRef { return s.self }

// State returns the subscription's current CaPro state.
func (s *SubscriberPort) State() capro.State { return s.fsm.State() }

// Subscribe sends a SUB for query, requesting up to historyRequest
// replayed samples from every publisher it ends up bound to.
func (s *SubscriberPort) Subscribe(ctx context.Context, query ServiceDescriptor, historyRequest uint32) error {
	msg, err := s.fsm.Subscribe(s.self, query, historyRequest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.query = query
	s.historyRequest = historyRequest
	s.mu.Unlock()

	if !s.rt.Channel.SendToBroker(ctx, msg) {
		return newError(ErrCodeDiscoveryChannelOverflow, "Subscribe", nil)
	}
	return nil
}

// Unsubscribe sends an UNSUB and transitions toward NOT_SUBSCRIBED; the
// queue is drained once ACK_UNSUB arrives.
func (s *SubscriberPort) Unsubscribe(ctx context.Context) error {
	msg, err := s.fsm.Unsubscribe(s.self)
	if err != nil {
		return err
	}
	if !s.rt.Channel.SendToBroker(ctx, msg) {
		return newError(ErrCodeDiscoveryChannelOverflow, "Unsubscribe", nil)
	}
	return nil
}

func (s *SubscriberPort) requestedHistory() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyRequest
}

// checkLive returns PORT_ALREADY_DESTROYED if Destroy has run, else
// PORT_NOT_SUBSCRIBED if the port isn't currently SUBSCRIBED, else nil.
// op names the caller for the returned Error's Op field.
func (s *SubscriberPort) checkLive(op string) error {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return newError(ErrCodePortAlreadyDestroyed, op, ErrPortAlreadyDestroyed)
	}
	if s.fsm.State() != capro.Subscribed {
		return newError(ErrCodePortNotSubscribed, op, ErrPortNotSubscribed)
	}
	return nil
}

// Destroy tears this port down: any chunks still queued are released and
// every later TryGetChunk/Release call fails with PORT_ALREADY_DESTROYED.
// Call it once the owning process is done with the subscription, after
// Unsubscribe's ACK_UNSUB has landed.
func (s *SubscriberPort) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()
	s.queue.Drain()
}

// enqueue is called by a bound publisher's Publish. It returns true only
// if the policy dropped the incoming sample instead of enqueuing it:
// under DISCARD_NEW a full queue leaves the new sample unqueued, but
// under DROP_OLDEST a full queue still enqueues it after evicting the
// head, so Push's own "full" result cannot be used as "dropped" directly.
func (s *SubscriberPort) enqueue(ptr shmaddr.Pointer) (dropped bool) {
	full := s.queue.Push(ptr)
	if !full || s.queue.Policy() == deliveryqueue.DropOldest {
		s.arm()
		return false
	}
	return true
}

func (s *SubscriberPort) arm() {
	s.mu.Lock()
	n, idx, has := s.notifier, s.notifyIndex, s.hasNotifier
	s.mu.Unlock()
	if has {
		n.Arm(idx)
	}
}

// bindNotifier implements dataSource for WaitSet.Attach.
func (s *SubscriberPort) bindNotifier(n *notify.Notifier, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier, s.notifyIndex, s.hasNotifier = n, index, true
}

// TryGetChunk pops the oldest available chunk. It never blocks. A nil
// chunk with a nil error means the queue was simply empty; a non-nil
// error (PORT_ALREADY_DESTROYED, PORT_NOT_SUBSCRIBED) means the port
// itself is not in a state that can yield one.
func (s *SubscriberPort) TryGetChunk() (*Chunk, error) {
	if err := s.checkLive("TryGetChunk"); err != nil {
		return nil, err
	}
	ptr, ok := s.queue.TryPop()
	if !ok {
		return nil, nil
	}
	chunk, err := s.rt.Segment.ResolveChunk(ptr)
	if err != nil {
		return nil, nil
	}
	return chunk, nil
}

// Release returns a chunk obtained from TryGetChunk once the subscriber
// is done with it.
func (s *SubscriberPort) Release(c *Chunk) error {
	if err := s.checkLive("Release"); err != nil {
		return err
	}
	c.Release()
	return nil
}

// HasData reports whether a chunk is currently available without
// popping it.
func (s *SubscriberPort) HasData() bool {
	return s.queue.HasData()
}

// OverflowCount returns the number of samples dropped under DISCARD_NEW
// (or, informationally, evicted under DROP_OLDEST).
func (s *SubscriberPort) OverflowCount() uint64 {
	return s.queue.Overflow()
}

func (s *SubscriberPort) handleAckSub(msg protocol.Message) {
	s.fsm.HandleAckSub(msg.Port)
}

func (s *SubscriberPort) handleNackSub() {
	s.fsm.HandleNackSub()
}

func (s *SubscriberPort) handleStopOffer(publisher protocol.PortRef) {
	if lost := s.fsm.HandleStopOffer(publisher); lost {
		s.queue.Drain()
	}
}

func (s *SubscriberPort) handleAckUnsub() {
	s.fsm.HandleAckUnsub()
	s.queue.Drain()
}
