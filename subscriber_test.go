package zcipc

import (
	"context"
	"errors"
	"testing"
)

func TestTryGetChunkFailsBeforeSubscribed(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 256, ChunkCount: 4}})
	subRT := newTestRuntime(t, seg, newTestChannel(t, 8))
	sub := NewSubscriberPort(subRT, NewPortRef(), 4, DiscardNew)

	if _, err := sub.TryGetChunk(); !errors.Is(err, ErrPortNotSubscribed) {
		t.Fatalf("expected ErrPortNotSubscribed before Subscribe, got %v", err)
	}
	if err := sub.Release(&Chunk{}); !errors.Is(err, ErrPortNotSubscribed) {
		t.Fatalf("expected ErrPortNotSubscribed before Subscribe, got %v", err)
	}
}

func TestDestroyedPortFailsEveryDataPathCall(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 256, ChunkCount: 4}})
	broker := NewBroker(nil)
	pubRT := newTestRuntime(t, seg, newTestChannel(t, 8))
	subRT := newTestRuntime(t, seg, newTestChannel(t, 8))
	svc := NewService("S", "I", "E")

	pub := NewPublisherPort(pubRT, NewPortRef(), 1, svc, 0)
	sub := NewSubscriberPort(subRT, NewPortRef(), 4, DiscardNew)
	broker.RegisterPublisher(pub)
	broker.RegisterSubscriber(sub)

	ctx := context.Background()
	pub.Offer(ctx)
	drainDiscovery(t, pubRT.Channel, broker)
	if err := sub.Subscribe(ctx, svc, 0); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	drainDiscovery(t, subRT.Channel, broker)

	for i := 0; i < 2; i++ {
		c, err := pub.Loan(32)
		if err != nil {
			t.Fatalf("Loan: %v", err)
		}
		pub.Publish(c)
	}

	got, err := sub.TryGetChunk()
	if err != nil {
		t.Fatalf("expected a live subscription to read normally, got %v", err)
	}
	if err := sub.Release(got); err != nil {
		t.Fatalf("Release: %v", err)
	}

	sub.Destroy()

	if _, err := sub.TryGetChunk(); !errors.Is(err, ErrPortAlreadyDestroyed) {
		t.Fatalf("expected ErrPortAlreadyDestroyed after Destroy, got %v", err)
	}
	if err := sub.Release(&Chunk{}); !errors.Is(err, ErrPortAlreadyDestroyed) {
		t.Fatalf("expected ErrPortAlreadyDestroyed after Destroy, got %v", err)
	}

	pool := seg.Pools()[0]
	if pool.UsedChunks() != 0 {
		t.Fatalf("expected Destroy to release the queued chunk, used=%d", pool.UsedChunks())
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	seg := newTestSegment(t, []PoolSpec{{ChunkSize: 256, ChunkCount: 4}})
	subRT := newTestRuntime(t, seg, newTestChannel(t, 8))
	sub := NewSubscriberPort(subRT, NewPortRef(), 4, DiscardNew)

	sub.Destroy()
	sub.Destroy()

	if _, err := sub.TryGetChunk(); !errors.Is(err, ErrPortAlreadyDestroyed) {
		t.Fatalf("expected ErrPortAlreadyDestroyed after repeated Destroy, got %v", err)
	}
}
