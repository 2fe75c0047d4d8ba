package brokercore

import (
	"sync"
	"time"
)

// Session is the persistent per-client state surviving across reconnects
// (spec.md §3). Key = client_id. ConnectionID is 0 when detached; at most
// one live binding exists at any time (spec.md invariant).
type Session struct {
	ClientID         string
	CleanStart       bool
	SessionExpiry    uint32 // seconds
	ConnectionID     uint64 // 0 = detached
	LastDisconnectTS int64  // unix seconds; 0 while attached
}

func (s Session) attached() bool { return s.ConnectionID != 0 }

// SessionRegistry is the map[client_id]*Session described in spec.md
// §4.2. Sessions back-reference connections by id only (spec.md §9
// "Back-references"), never by pointer.
type SessionRegistry struct {
	mu  sync.RWMutex
	byC map[string]*Session
	now func() time.Time
}

func NewSessionRegistry(now func() time.Time) *SessionRegistry {
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{byC: make(map[string]*Session), now: now}
}

// Create inserts a new Session for client_id, overwriting any existing
// entry (used on CONNECT with clean_start, and by Session/Add Apply
// events).
func (r *SessionRegistry) Create(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.byC[s.ClientID] = &cp
}

// Get returns a copy of the session, if present.
func (r *SessionRegistry) Get(clientID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byC[clientID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// BindConnection attaches connID to the session for clientID. Idempotent
// for the same connID; returns ErrAlreadyBound if a different connection
// is already live (spec.md §4.2).
func (r *SessionRegistry) BindConnection(clientID string, connID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byC[clientID]
	if !ok {
		return &BrokerError{ReasonCode: ReasonCodeUnspecifiedError, Parent: ErrUnknownClient}
	}
	if s.attached() {
		if s.ConnectionID == connID {
			return nil
		}
		return &BrokerError{ReasonCode: ReasonCodeSessionTakenOver, Parent: ErrAlreadyBound}
	}
	s.ConnectionID = connID
	s.LastDisconnectTS = 0
	return nil
}

// Unbind clears the session's connection binding and stamps
// last_disconnect_ts (spec.md §4.2, §4.9 step 2).
func (r *SessionRegistry) Unbind(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byC[clientID]
	if !ok {
		return &BrokerError{ReasonCode: ReasonCodeUnspecifiedError, Parent: ErrUnknownClient}
	}
	s.ConnectionID = 0
	s.LastDisconnectTS = r.now().Unix()
	return nil
}

// Remove deletes the session record. The cascade over other registries
// (subscriptions, pkids, heartbeat, ack waiters) is the caller's
// responsibility (see disconnect.go's removeSessionCascade), keeping
// SessionRegistry's own invariant scope to the session record itself.
func (r *SessionRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byC, clientID)
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byC)
}
