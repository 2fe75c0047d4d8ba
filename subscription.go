package brokercore

import (
	"sync"

	"github.com/axmq/brokercore/internal/packets"
)

// Subscription is the double-indexed (client_id, filter_path)
// descriptor from spec.md §3.
type Subscription struct {
	ProtocolVersion        uint8
	FilterPath             string
	QoS                    QoS
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         uint8
	SubscriptionID         uint32 // 0 = none
	SubscriptionProperties *Properties
}

// SubscriptionIndex is the map[client_id](map[filter_path]Subscription)
// from spec.md §4.3. Each client's bucket is independently locked so one
// client's SUBSCRIBE never contends with another's.
type SubscriptionIndex struct {
	mu       sync.RWMutex
	byClient map[string]*clientSubs
}

type clientSubs struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{byClient: make(map[string]*clientSubs)}
}

func (i *SubscriptionIndex) bucket(clientID string, create bool) *clientSubs {
	i.mu.RLock()
	b, ok := i.byClient[clientID]
	i.mu.RUnlock()
	if ok || !create {
		return b
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if b, ok = i.byClient[clientID]; ok {
		return b
	}
	b = &clientSubs{subs: make(map[string]Subscription)}
	i.byClient[clientID] = b
	return b
}

// Add upserts a Subscription per filter in the SUBSCRIBE packet under the
// client's bucket, creating the bucket on first use (spec.md §4.3 add).
func (i *SubscriptionIndex) Add(clientID string, protocol uint8, pkt *packets.SubscribePacket, subProps *Properties) []Subscription {
	b := i.bucket(clientID, true)
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Subscription, 0, len(pkt.Topics))
	for idx, filter := range pkt.Topics {
		var qos QoS
		if idx < len(pkt.QoS) {
			qos = QoS(pkt.QoS[idx])
		}
		sub := Subscription{
			ProtocolVersion:        protocol,
			FilterPath:             filter,
			QoS:                    qos,
			SubscriptionProperties: subProps,
		}
		if idx < len(pkt.NoLocal) {
			sub.NoLocal = pkt.NoLocal[idx]
		}
		if idx < len(pkt.RetainAsPublished) {
			sub.RetainAsPublished = pkt.RetainAsPublished[idx]
		}
		if idx < len(pkt.RetainHandling) {
			sub.RetainHandling = pkt.RetainHandling[idx]
		}
		b.subs[filter] = sub
		out = append(out, sub)
	}
	return out
}

// RemovePaths removes the given filter paths from the client's bucket;
// unknown paths are a no-op (spec.md §4.3 remove_paths).
func (i *SubscriptionIndex) RemovePaths(clientID string, paths []string) {
	b := i.bucket(clientID, false)
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		delete(b.subs, p)
	}
}

// RemoveAll drops every subscription for clientID, used during session
// teardown (spec.md §4.3 remove_all, §4.11).
func (i *SubscriptionIndex) RemoveAll(clientID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.byClient, clientID)
}

// IsNew reports whether path is not currently subscribed by clientID,
// used to decide "fresh subscription" retained-delivery behavior
// (spec.md §4.3 is_new).
func (i *SubscriptionIndex) IsNew(clientID, path string) bool {
	b := i.bucket(clientID, false)
	if b == nil {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[path]
	return !ok
}

// Get returns a copy of the client's subscription bucket (filter path ->
// descriptor).
func (i *SubscriptionIndex) Get(clientID string) map[string]Subscription {
	b := i.bucket(clientID, false)
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Subscription, len(b.subs))
	for k, v := range b.subs {
		out[k] = v
	}
	return out
}

// Matching returns every (client_id, Subscription) pair whose filter
// matches topic. O(clients * filters); fine for the scale this core
// targets (a production broker would invert this into a trie, out of
// scope here).
func (i *SubscriptionIndex) Matching(topic string) []struct {
	ClientID string
	Sub      Subscription
} {
	i.mu.RLock()
	clients := make([]*clientSubs, 0, len(i.byClient))
	ids := make([]string, 0, len(i.byClient))
	for id, b := range i.byClient {
		clients = append(clients, b)
		ids = append(ids, id)
	}
	i.mu.RUnlock()

	var out []struct {
		ClientID string
		Sub      Subscription
	}
	for idx, b := range clients {
		b.mu.RLock()
		for _, sub := range b.subs {
			if MatchTopic(sub.FilterPath, topic) {
				out = append(out, struct {
					ClientID string
					Sub      Subscription
				}{ClientID: ids[idx], Sub: sub})
			}
		}
		b.mu.RUnlock()
	}
	return out
}
