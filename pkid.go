package brokercore

import (
	"context"
	"sync"
	"time"
)

// AckType identifies which QoS acknowledgement packet drove a waiter
// transition (spec.md §4.4).
type AckType uint8

const (
	AckPubAck AckType = iota
	AckPubRec
	AckPubRel
	AckPubComp
)

// AckEvent is pushed to an AckWaiter's channel when a matching
// PUBACK/PUBREC/PUBREL/PUBCOMP arrives.
type AckEvent struct {
	Type AckType
	Pkid uint16
}

// outboundState is the QoS 1/2 send-side state machine (spec.md §4.4):
//
//	QoS 1: Sent -> (PubAck) -> Done.
//	QoS 2: Sent -> (PubRec) -> WaitingComp -> (PubComp) -> Done;
//	       duplicate PubRec is idempotent.
type outboundState uint8

const (
	stateSent outboundState = iota
	stateWaitingComp
	stateDone
)

type ackWaiter struct {
	ch        chan AckEvent
	createdAt time.Time
	state     outboundState
}

// PkidTracker implements spec.md §4.4 in full: outbound packet-id
// allocation bounded to [1, 65535] per client, the AckWaiter registry
// driving the QoS 1/2 state machine, and the inbound QoS 2 dedup set.
// The AckWaiter map and the inbound-dedup map are kept strictly disjoint
// (spec.md §9 Open Questions) — every accessor below that touches one
// never reaches into the other.
type PkidTracker struct {
	mu       sync.Mutex
	inUse    map[string]map[uint16]struct{} // client_id -> outbound pkids held
	waiters  map[string]*ackWaiter          // ackKey -> waiter
	waitersByClient map[string]map[uint16]struct{}
	inbound  map[string]time.Time           // ackKey -> created_at
	inboundByClient map[string]map[uint16]struct{}

	pollInterval time.Duration
}

func NewPkidTracker() *PkidTracker {
	return &PkidTracker{
		inUse:           make(map[string]map[uint16]struct{}),
		waiters:         make(map[string]*ackWaiter),
		waitersByClient: make(map[string]map[uint16]struct{}),
		inbound:         make(map[string]time.Time),
		inboundByClient: make(map[string]map[uint16]struct{}),
		pollInterval:    10 * time.Millisecond,
	}
}

// Acquire returns the smallest integer in [1, 65535] not currently held
// by clientID. If the client's pool is full, it suspends (sleeping in
// pollInterval ticks, never holding r.mu across the sleep — spec.md §5
// "no lock is held across any suspension point") until one frees or ctx
// is done, returning ErrPkidExhausted on expiry (spec.md §4.4, §8
// boundary behavior).
func (t *PkidTracker) Acquire(ctx context.Context, clientID string) (uint16, error) {
	for {
		if id, ok := t.tryAcquire(clientID); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return 0, &BrokerError{ReasonCode: ReasonCodeQuotaExceeded, Parent: ErrPkidExhausted}
		case <-time.After(t.pollInterval):
		}
	}
}

func (t *PkidTracker) tryAcquire(clientID string) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	held, ok := t.inUse[clientID]
	if !ok {
		held = make(map[uint16]struct{})
		t.inUse[clientID] = held
	}
	if len(held) >= MaxPacketID {
		return 0, false
	}
	for id := uint16(MinPacketID); ; id++ {
		if _, taken := held[id]; !taken {
			held[id] = struct{}{}
			return id, true
		}
		if id == MaxPacketID {
			break
		}
	}
	return 0, false
}

// Release frees pkid from clientID's in-use set (spec.md §4.4 release).
// Per spec.md §9's resolved Open Question, this removes exactly the
// released id and keeps every other (x != pkid is kept; x == pkid is the
// one discarded) — the ambiguous "x == pkid retained" reading in the
// original source is not reproduced.
func (t *PkidTracker) Release(clientID string, pkid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if held, ok := t.inUse[clientID]; ok {
		delete(held, pkid)
		if len(held) == 0 {
			delete(t.inUse, clientID)
		}
	}
}

// HeldCount reports how many outbound pkids clientID currently holds.
func (t *PkidTracker) HeldCount(clientID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inUse[clientID])
}

// RegisterWaiter records an AckWaiter for (clientID, pkid) before sending
// a QoS>=1 publish, and returns the receive side of its channel (spec.md
// §4.4 "AckWaiter registration").
func (t *PkidTracker) RegisterWaiter(clientID string, pkid uint16, createdAt time.Time) <-chan AckEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ackKey(clientID, pkid)
	w := &ackWaiter{ch: make(chan AckEvent, 1), createdAt: createdAt, state: stateSent}
	t.waiters[key] = w
	byClient, ok := t.waitersByClient[clientID]
	if !ok {
		byClient = make(map[uint16]struct{})
		t.waitersByClient[clientID] = byClient
	}
	byClient[pkid] = struct{}{}
	return w.ch
}

// Notify delivers an incoming PUBACK/PUBREC/PUBREL/PUBCOMP to the
// matching waiter and advances its QoS state machine. Returns
// ErrUnknownWaiter for a late or duplicate ack (spec.md §4.4, §7: logged
// and dropped, not fatal) and done=true once the exchange has reached
// Done (PUBACK for QoS1, PUBCOMP for QoS2), at which point the waiter is
// already removed.
func (t *PkidTracker) Notify(clientID string, pkid uint16, ackType AckType) (done bool, err error) {
	t.mu.Lock()
	key := ackKey(clientID, pkid)
	w, ok := t.waiters[key]
	if !ok {
		t.mu.Unlock()
		return false, &BrokerError{ReasonCode: ReasonCodeUnspecifiedError, Parent: ErrUnknownWaiter}
	}

	switch ackType {
	case AckPubAck:
		done = true
	case AckPubRec:
		// Idempotent: a duplicate PubRec while already WaitingComp is a no-op.
		w.state = stateWaitingComp
	case AckPubComp:
		done = true
	case AckPubRel:
		// PubRel is peer-driven on the inbound QoS2 side, not part of the
		// outbound waiter state machine; forwarded for completeness.
	}

	if done {
		delete(t.waiters, key)
		if byClient := t.waitersByClient[clientID]; byClient != nil {
			delete(byClient, pkid)
			if len(byClient) == 0 {
				delete(t.waitersByClient, clientID)
			}
		}
	}
	t.mu.Unlock()

	select {
	case w.ch <- AckEvent{Type: ackType, Pkid: pkid}:
	default:
		// Receiver already gone (cancelled); the ack is still applied to
		// state above, only delivery is best-effort.
	}
	return done, nil
}

// AbandonWaiter releases an AckWaiter without a terminal ack, used on
// cancellation (spec.md §5 "Cancellation & timeouts").
func (t *PkidTracker) AbandonWaiter(clientID string, pkid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ackKey(clientID, pkid)
	delete(t.waiters, key)
	if byClient := t.waitersByClient[clientID]; byClient != nil {
		delete(byClient, pkid)
		if len(byClient) == 0 {
			delete(t.waitersByClient, clientID)
		}
	}
}

// MarkInbound records an inbound QoS 2 PUBLISH packet-id, returning
// ErrDuplicateInbound (idempotent path: resend PUBREC without
// re-delivery) if it is already present (spec.md §4.4 "Inbound dedup").
func (t *PkidTracker) MarkInbound(clientID string, pkid uint16, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ackKey(clientID, pkid)
	if _, dup := t.inbound[key]; dup {
		return ErrDuplicateInbound
	}
	t.inbound[key] = now
	byClient, ok := t.inboundByClient[clientID]
	if !ok {
		byClient = make(map[uint16]struct{})
		t.inboundByClient[clientID] = byClient
	}
	byClient[pkid] = struct{}{}
	return nil
}

// ReleaseInbound removes an inbound dedup entry on PUBCOMP (spec.md
// §4.4: "Entries are removed on PUBCOMP").
func (t *PkidTracker) ReleaseInbound(clientID string, pkid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := ackKey(clientID, pkid)
	delete(t.inbound, key)
	if byClient := t.inboundByClient[clientID]; byClient != nil {
		delete(byClient, pkid)
		if len(byClient) == 0 {
			delete(t.inboundByClient, clientID)
		}
	}
}

// RemoveClient implements the pkid/ack/inbound portion of the session
// removal cascade (spec.md §4.11): drops every outbound pkid, AckWaiter,
// and inbound-pkid record for clientID in O(that client's in-flight
// count) via the secondary per-client indices, rather than scanning
// every key broker-wide for a "<client_id>_" prefix.
func (t *PkidTracker) RemoveClient(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.inUse, clientID)

	if byClient, ok := t.waitersByClient[clientID]; ok {
		for pkid := range byClient {
			delete(t.waiters, ackKey(clientID, pkid))
		}
		delete(t.waitersByClient, clientID)
	}

	if byClient, ok := t.inboundByClient[clientID]; ok {
		for pkid := range byClient {
			delete(t.inbound, ackKey(clientID, pkid))
		}
		delete(t.inboundByClient, clientID)
	}
}
