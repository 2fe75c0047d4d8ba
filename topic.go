package brokercore

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Topic is the topic-name <-> id metadata record from spec.md §3. ID is
// an opaque stable string, indexed both by name and by id.
type Topic struct {
	TopicID       string
	TopicName     string
	RetainPayload []byte // nil = no retained message
}

// TopicRegistry implements spec.md §4.5: map of topic-name -> metadata,
// double-indexed by id, with last-writer-wins retained-message updates
// that are read-your-writes on this node (spec.md §3 invariant).
type TopicRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*Topic
	byID    map[string]string // topic_id -> topic_name
	nextSeq atomic.Uint64
}

func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{byName: make(map[string]*Topic), byID: make(map[string]string)}
}

// nextTopicID mints an opaque, stable, broker-lifetime-unique topic id
// for topics the core itself creates (Apply events carry their own id
// from the Control-Plane Store and bypass this).
func (r *TopicRegistry) nextTopicID() string {
	return "t" + strconv.FormatUint(r.nextSeq.Add(1), 36)
}

// Add inserts or replaces a topic record (spec.md §4.5 add).
func (r *TopicRegistry) Add(t Topic) Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.TopicID == "" {
		t.TopicID = r.nextTopicID()
	}
	cp := t
	r.byName[t.TopicName] = &cp
	r.byID[t.TopicID] = t.TopicName
	return cp
}

// GetByName returns a copy of the topic record, if present.
func (r *TopicRegistry) GetByName(name string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return Topic{}, false
	}
	return *t, true
}

// NameByID resolves a topic id back to its name (spec.md §4.5
// name_by_id).
func (r *TopicRegistry) NameByID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[id]
	return name, ok
}

// Exists reports whether a topic by this name has been registered
// (spec.md §4.5 exists).
func (r *TopicRegistry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

// UpdateRetained sets (or, with a nil payload, clears) the retained
// message for name, creating the topic record if it does not already
// exist (spec.md §4.5 update_retained, §8 round-trip scenario 4).
// Last-writer-wins: a concurrent UpdateRetained racing this call may
// overwrite it, but this node always reads back whichever write landed
// last (spec.md §3 "Retained-message updates are read-your-writes").
func (r *TopicRegistry) UpdateRetained(name string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	if !ok {
		t = &Topic{TopicID: r.nextTopicID(), TopicName: name}
		r.byName[name] = t
		r.byID[t.TopicID] = name
	}
	t.RetainPayload = payload
}

// Remove deletes the topic record and clears its retained message
// (Topic/Delete Apply event, spec.md §4.8).
func (r *TopicRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byName[name]
	if !ok {
		return
	}
	delete(r.byID, t.TopicID)
	delete(r.byName, name)
}

// All returns a snapshot of every registered topic, used by the
// subscribe path to scan for retained messages matching a new filter
// (spec.md §4.3, §8 scenario 4).
func (r *TopicRegistry) All() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Topic, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, *t)
	}
	return out
}

func (r *TopicRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
