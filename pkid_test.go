package brokercore

import (
	"context"
	"testing"
	"time"
)

func TestPkidAcquireReleaseRoundTrip(t *testing.T) {
	tr := NewPkidTracker()
	ctx := context.Background()

	id, err := tr.Acquire(ctx, "c1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if id != 1 {
		t.Fatalf("first acquired id = %d, want 1", id)
	}
	if got := tr.HeldCount("c1"); got != 1 {
		t.Fatalf("HeldCount = %d, want 1", got)
	}

	tr.Release("c1", id)
	if got := tr.HeldCount("c1"); got != 0 {
		t.Fatalf("HeldCount after release = %d, want 0", got)
	}

	id2, err := tr.Acquire(ctx, "c1")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if id2 != 1 {
		t.Fatalf("re-acquired id = %d, want 1 (pool restored)", id2)
	}
}

func TestPkidReleaseDiscardsOnlyTheGivenID(t *testing.T) {
	tr := NewPkidTracker()
	ctx := context.Background()

	a, _ := tr.Acquire(ctx, "c1")
	b, _ := tr.Acquire(ctx, "c1")
	if a == b {
		t.Fatalf("expected distinct ids, got %d twice", a)
	}

	tr.Release("c1", a)

	held := tr.HeldCount("c1")
	if held != 1 {
		t.Fatalf("HeldCount after releasing one of two = %d, want 1", held)
	}

	// Re-acquiring should reclaim exactly the released slot, proving b
	// (the non-released id) was never touched.
	c, err := tr.Acquire(ctx, "c1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if c != a {
		t.Fatalf("reclaimed id = %d, want the released id %d", c, a)
	}
	if c == b {
		t.Fatalf("reclaimed id collided with still-held id %d", b)
	}
}

func TestPkidExhaustion(t *testing.T) {
	tr := NewPkidTracker()
	tr.pollInterval = time.Millisecond
	for i := 0; i < MaxPacketID; i++ {
		if _, ok := tr.tryAcquire("c1"); !ok {
			t.Fatalf("tryAcquire failed before exhausting the pool at i=%d", i)
		}
	}
	if _, ok := tr.tryAcquire("c1"); ok {
		t.Fatalf("tryAcquire succeeded after the pool should be exhausted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tr.Acquire(ctx, "c1"); err == nil {
		t.Fatalf("Acquire succeeded against an exhausted, never-released pool")
	}
}

func TestAckWaiterAndInboundMapsAreDisjoint(t *testing.T) {
	tr := NewPkidTracker()
	clientID, pkid := "c1", uint16(42)

	tr.RegisterWaiter(clientID, pkid, time.Now())
	if err := tr.MarkInbound(clientID, pkid, time.Now()); err != nil {
		t.Fatalf("MarkInbound with the same (client,pkid) as an outbound waiter should succeed: %v", err)
	}

	// Notifying the outbound waiter must not disturb the inbound record,
	// and vice versa: releasing one leaves the other queryable.
	if _, err := tr.Notify(clientID, pkid, AckPubAck); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := tr.MarkInbound(clientID, pkid, time.Now()); err == nil {
		t.Fatalf("expected ErrDuplicateInbound, the inbound record must have survived the waiter's removal")
	}
}

func TestNotifyUnknownWaiter(t *testing.T) {
	tr := NewPkidTracker()
	if _, err := tr.Notify("ghost", 1, AckPubAck); err == nil {
		t.Fatalf("Notify on unregistered waiter should return ErrUnknownWaiter")
	}
}

func TestPkidRemoveClientCascade(t *testing.T) {
	tr := NewPkidTracker()
	ctx := context.Background()

	id, _ := tr.Acquire(ctx, "c1")
	tr.RegisterWaiter("c1", id, time.Now())
	tr.MarkInbound("c1", 7, time.Now())

	tr.RemoveClient("c1")

	if got := tr.HeldCount("c1"); got != 0 {
		t.Fatalf("HeldCount after RemoveClient = %d, want 0", got)
	}
	if _, err := tr.Notify("c1", id, AckPubAck); err == nil {
		t.Fatalf("waiter survived RemoveClient")
	}
	if err := tr.MarkInbound("c1", 7, time.Now()); err != nil {
		t.Fatalf("inbound record survived RemoveClient: %v", err)
	}
}
