package brokercore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HeartbeatEntry is the last-seen record keyed by client-id (spec.md
// §3, §4.7).
type HeartbeatEntry struct {
	ProtocolVersion uint8
	KeepAliveSec    uint16
	LastHeartbeatTS time.Time
}

// DisconnectFunc is invoked by the sweeper for a client whose keep-alive
// has expired; it is the Disconnect Choreographer entry point (spec.md
// §4.7, §4.9), injected so HeartbeatTracker has no compile-time
// dependency on Broker.
type DisconnectFunc func(ctx context.Context, clientID string, reason ReasonCode)

// HeartbeatTracker implements spec.md §4.7: a last-seen timestamp per
// client, swept on a fixed cadence for keep-alive expiry.
type HeartbeatTracker struct {
	mu      sync.RWMutex
	byC     map[string]*HeartbeatEntry
	now     func() time.Time
	log     *zap.SugaredLogger
	onExpire DisconnectFunc
}

func NewHeartbeatTracker(now func() time.Time, log *zap.SugaredLogger, onExpire DisconnectFunc) *HeartbeatTracker {
	if now == nil {
		now = time.Now
	}
	return &HeartbeatTracker{byC: make(map[string]*HeartbeatEntry), now: now, log: log, onExpire: onExpire}
}

// Report records a heartbeat for clientID (spec.md §4.7 report). The
// Broker calls it on CONNECT and on PINGREQ only; other inbound packets
// (PUBLISH, SUBSCRIBE, acks) do not reset the keep-alive timer, so a
// client that sends only PUBLISH traffic still expires.
func (h *HeartbeatTracker) Report(clientID string, protocolVersion uint8, keepAliveSec uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.byC[clientID]
	if !ok {
		e = &HeartbeatEntry{}
		h.byC[clientID] = e
	}
	e.ProtocolVersion = protocolVersion
	e.KeepAliveSec = keepAliveSec
	e.LastHeartbeatTS = h.now()
}

// Remove drops the heartbeat entry for clientID (spec.md §4.11 cascade).
func (h *HeartbeatTracker) Remove(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byC, clientID)
}

// expired returns the client-ids whose last heartbeat is older than
// 1.5x their keep_alive_sec (spec.md §4.7, §8 boundary behavior).
func (h *HeartbeatTracker) expired(now time.Time) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for clientID, e := range h.byC {
		if e.KeepAliveSec == 0 {
			continue // keep-alive disabled for this client
		}
		deadline := e.LastHeartbeatTS.Add(time.Duration(float64(e.KeepAliveSec) * 1.5 * float64(time.Second)))
		if now.After(deadline) {
			out = append(out, clientID)
		}
	}
	return out
}

// Run starts the sweeper: a cooperative task with an explicit suspension
// point (the ticker wait, spec.md §5) that never holds h.mu across it.
// It runs until ctx is cancelled.
func (h *HeartbeatTracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, clientID := range h.expired(now) {
				if h.log != nil {
					h.log.Debugw("keep-alive expired", "client_id", clientID)
				}
				if h.onExpire != nil {
					h.onExpire(ctx, clientID, ReasonCodeKeepAliveTimeout)
				}
			}
		}
	}
}

// StartSweeper launches Run under an errgroup bound to ctx's lifetime
// (spec.md §5 "cooperative tasks... multiplexed over a shared thread
// pool"), returning the group so the caller can Wait() for shutdown.
func StartSweeper(ctx context.Context, h *HeartbeatTracker, interval time.Duration) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := h.Run(gctx, interval)
		if err == context.Canceled || err == context.DeadlineExceeded {
			return nil
		}
		return err
	})
	return g
}
