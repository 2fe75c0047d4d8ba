package brokercore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PushPauseFunc notifies the subscription-push layer (an external
// collaborator, spec.md §1) to stop delivering to clientID. It is
// injected so the Disconnect Choreographer compiles against no
// transport/push-layer package.
type PushPauseFunc func(clientID string)

// NetCloseFunc closes the underlying network connection for connID. An
// external collaborator hook, same reasoning as PushPauseFunc.
type NetCloseFunc func(connID uint64)

// Choreographer implements spec.md §4.9's five-step disconnect sequence
// exactly, including its asymmetric failure semantics: steps 1-3 mutate
// only in-process state and cannot meaningfully fail, so they always run
// to completion; step 4 (the Control-Plane Store write) can fail and its
// error is surfaced to the caller without rolling back steps 1-3 — a
// disconnected client that failed to persist is still disconnected.
type Choreographer struct {
	Connections *ConnectionRegistry
	Sessions    *SessionRegistry
	Subs        *SubscriptionIndex
	Pkids       *PkidTracker
	Heartbeats  *HeartbeatTracker
	Store       ControlPlaneStore
	Now         func() time.Time
	Log         *zap.SugaredLogger

	PausePush PushPauseFunc
	CloseNet  NetCloseFunc
}

// Disconnect runs the choreography for one connection. sessionExpiry is
// not forwarded to the Control-Plane Store — spec.md §6's
// update_session(client_id, connect_id=0, keep_alive=0, session_expiry=0,
// disconnect_ts) zeroes it just like connect_id and keep_alive; callers
// still pass it in because they need it themselves to decide whether to
// cascade into RemoveSessionCascade (session_expiry == 0) after this
// call returns.
func (c *Choreographer) Disconnect(ctx context.Context, connID uint64, clientID string, sessionExpiry uint32, reason ReasonCode) error {
	// Step 1: remove the Connection record.
	c.Connections.Remove(connID)

	// Step 2: clear session.connection_id and stamp last_disconnect_ts.
	var disconnectTS int64
	if err := c.Sessions.Unbind(clientID); err != nil && c.Log != nil {
		c.Log.Warnw("unbind on disconnect found no session", "client_id", clientID, "error", err)
	}
	if sess, ok := c.Sessions.Get(clientID); ok {
		disconnectTS = sess.LastDisconnectTS
	} else {
		disconnectTS = c.now().Unix()
	}

	// Step 3: tell the push layer to stop delivering to this client.
	if c.PausePush != nil {
		c.PausePush(clientID)
	}

	// Step 4: persist the detached state. Failure here is surfaced but
	// does not undo steps 1-3 (spec.md §4.9).
	var persistErr error
	if c.Store != nil {
		persistErr = c.Store.UpdateSession(ctx, clientID, 0, 0, 0, disconnectTS)
	}

	// Step 5: close the underlying network connection.
	if c.CloseNet != nil {
		c.CloseNet(connID)
	}

	if c.Log != nil {
		c.Log.Infow("disconnected", "client_id", clientID, "connect_id", connID, "reason_code", reason)
	}
	return persistErr
}

// RemoveSessionCascade additionally tears down every other registry's
// per-client state (subscriptions, pkids/ack-waiters/inbound-dedup,
// heartbeat) and finally the Session record itself (spec.md §4.11).
// Called once a session's expiry interval has elapsed or a clean_start
// CONNECT replaces it, never as part of the five-step Disconnect above
// (a detached session with a positive session_expiry must survive a
// disconnect).
func (c *Choreographer) RemoveSessionCascade(clientID string) {
	c.Subs.RemoveAll(clientID)
	c.Pkids.RemoveClient(clientID)
	c.Heartbeats.Remove(clientID)
	c.Sessions.Remove(clientID)
}

func (c *Choreographer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
