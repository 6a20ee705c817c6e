package zcipc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tobiasstarkwayve/zcipc/internal/notify"
)

// fakeSource is a minimal dataSource for exercising WaitSet without a
// real SubscriberPort and delivery queue behind it.
type fakeSource struct {
	mu      sync.Mutex
	hasData bool
	n       *notify.Notifier
	idx     int
}

func (f *fakeSource) HasData() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasData
}

func (f *fakeSource) bindNotifier(n *notify.Notifier, index int) {
	f.n = n
	f.idx = index
}

func (f *fakeSource) push() {
	f.mu.Lock()
	f.hasData = true
	f.mu.Unlock()
	f.n.Arm(f.idx)
}

func (f *fakeSource) drain() {
	f.mu.Lock()
	f.hasData = false
	f.mu.Unlock()
}

func TestWaitSetFiresOnAttachedSource(t *testing.T) {
	var bits uint64
	w := NewWaitSet(&bits)
	src := &fakeSource{}
	w.Attach(3, src)

	src.push()

	fired, ok := w.Wait(context.Background())
	if !ok {
		t.Fatal("expected ok=true")
	}
	if len(fired) != 1 || fired[0] != 3 {
		t.Fatalf("expected [3], got %v", fired)
	}
}

// TestWaitSetRepeatsUndrainedSource covers scenario 6: data that is still
// unconsumed after one Wait must also fire on an immediate second Wait,
// even though the notifier's own bit was already swapped out by the
// first call.
func TestWaitSetRepeatsUndrainedSource(t *testing.T) {
	var bits uint64
	w := NewWaitSet(&bits)
	src := &fakeSource{}
	w.Attach(3, src)

	src.push()

	first, ok := w.Wait(context.Background())
	if !ok || len(first) != 1 || first[0] != 3 {
		t.Fatalf("expected [3] on first wait, got %v ok=%v", first, ok)
	}

	second, ok := w.Wait(context.Background())
	if !ok {
		t.Fatal("expected ok=true on second wait")
	}
	if len(second) != 1 || second[0] != 3 {
		t.Fatalf("expected [3] to still fire on second wait, got %v", second)
	}

	src.drain()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	third, ok := w.Wait(ctx)
	if !ok {
		t.Fatal("expected ok=true when ctx expires")
	}
	if len(third) != 0 {
		t.Fatalf("expected no fired indices once the source is drained, got %v", third)
	}
}

func TestWaitSetDetachStopsFiring(t *testing.T) {
	var bits uint64
	w := NewWaitSet(&bits)
	src := &fakeSource{}
	w.Attach(1, src)
	w.Detach(1)

	src.hasData = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fired, ok := w.Wait(ctx)
	if !ok {
		t.Fatal("expected ok=true when ctx expires")
	}
	if len(fired) != 0 {
		t.Fatalf("expected no fired indices after detach, got %v", fired)
	}
}

func TestWaitSetDestroyUnblocksWaiters(t *testing.T) {
	var bits uint64
	w := NewWaitSet(&bits)
	w.Attach(0, &fakeSource{})

	done := make(chan bool, 1)
	go func() {
		_, ok := w.Wait(context.Background())
		done <- ok
	}()

	w.Destroy()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected ok=false after Destroy")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Destroy")
	}
}
