package brokercore

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ResourceType is the cache the Control-Plane Store is pushing a
// mutation into (spec.md §4.8).
type ResourceType uint8

const (
	ResourceUser ResourceType = iota
	ResourceSession
	ResourceTopic
	ResourceCluster
	ResourceACL
	ResourceBlacklist
)

// ActionType is the operation applied to the resource.
type ActionType uint8

const (
	ActionAdd ActionType = iota
	ActionDelete
	ActionSet
)

// UpdateCacheRequest is the control-plane-to-core mutation record
// (spec.md §4.8). Payload is the JSON encoding of the record type
// matching ResourceType (ClusterConfigRecord, TopicRecord, UserRecord,
// SessionRecord, ACLRecord, or BlacklistRecord). Sequence is a
// per-resource-key monotonic counter the Control-Plane Store assigns;
// Apply uses it to drop redeliveries and out-of-order arrivals.
type UpdateCacheRequest struct {
	ResourceType ResourceType
	ActionType   ActionType
	Payload      []byte
	Sequence     uint64
}

// CacheApplier wires UpdateCacheRequest deliveries into the broker
// core's registries (spec.md §4.8 Apply). It is the only writer those
// registries see outside of direct client-driven paths (session
// creation, topic retained-message updates), so Apply is the
// control-plane half of the cache's consistency story.
type CacheApplier struct {
	mu      sync.Mutex
	lastSeq map[string]uint64

	users    *UserRegistry
	sessions *SessionRegistry
	topics   *TopicRegistry
	cluster  *ClusterConfigStore
	acl      *ACLCache
}

func NewCacheApplier(users *UserRegistry, sessions *SessionRegistry, topics *TopicRegistry, cluster *ClusterConfigStore, acl *ACLCache) *CacheApplier {
	return &CacheApplier{
		lastSeq:  make(map[string]uint64),
		users:    users,
		sessions: sessions,
		topics:   topics,
		cluster:  cluster,
		acl:      acl,
	}
}

// Apply dispatches one UpdateCacheRequest. It is idempotent under
// redelivery and enforces per-resource-key total ordering: a request
// whose Sequence does not exceed the last applied Sequence for that
// same (ResourceType, key) is dropped rather than applied out of order
// (spec.md §4.8, resolved per the Open Question in spec.md §9).
func (a *CacheApplier) Apply(req UpdateCacheRequest) error {
	key, err := resourceKey(req)
	if err != nil {
		return err
	}

	seqKey := fmt.Sprintf("%d:%s", req.ResourceType, key)
	a.mu.Lock()
	if last, seen := a.lastSeq[seqKey]; seen && req.Sequence <= last {
		a.mu.Unlock()
		return nil
	}
	a.lastSeq[seqKey] = req.Sequence
	a.mu.Unlock()

	switch req.ResourceType {
	case ResourceUser:
		return a.applyUser(req)
	case ResourceSession:
		return a.applySession(req)
	case ResourceTopic:
		return a.applyTopic(req)
	case ResourceCluster:
		return a.applyCluster(req)
	case ResourceACL:
		return a.applyACL(req)
	case ResourceBlacklist:
		return a.applyBlacklist(req)
	default:
		return fmt.Errorf("apply: unknown resource type %d", req.ResourceType)
	}
}

// resourceKey extracts the per-resource-key ordering key from the
// request payload, without applying it, so Apply can check sequence
// ordering before touching any registry.
func resourceKey(req UpdateCacheRequest) (string, error) {
	switch req.ResourceType {
	case ResourceUser:
		var rec UserRecord
		if err := json.Unmarshal(req.Payload, &rec); err != nil {
			return "", fmt.Errorf("apply: decode UserRecord: %w", err)
		}
		return rec.Username, nil
	case ResourceSession:
		var rec SessionRecord
		if err := json.Unmarshal(req.Payload, &rec); err != nil {
			return "", fmt.Errorf("apply: decode SessionRecord: %w", err)
		}
		return rec.ClientID, nil
	case ResourceTopic:
		var rec TopicRecord
		if err := json.Unmarshal(req.Payload, &rec); err != nil {
			return "", fmt.Errorf("apply: decode TopicRecord: %w", err)
		}
		return rec.TopicName, nil
	case ResourceCluster:
		var rec ClusterConfigRecord
		if err := json.Unmarshal(req.Payload, &rec); err != nil {
			return "", fmt.Errorf("apply: decode ClusterConfigRecord: %w", err)
		}
		return rec.ClusterName, nil
	case ResourceACL:
		var rec ACLRecord
		if err := json.Unmarshal(req.Payload, &rec); err != nil {
			return "", fmt.Errorf("apply: decode ACLRecord: %w", err)
		}
		return fmt.Sprintf("%d:%s:%s:%s:%d", rec.PrincipalKind, rec.PrincipalValue, rec.Topic, rec.IP, rec.Action), nil
	case ResourceBlacklist:
		var rec BlacklistRecord
		if err := json.Unmarshal(req.Payload, &rec); err != nil {
			return "", fmt.Errorf("apply: decode BlacklistRecord: %w", err)
		}
		return fmt.Sprintf("%d:%s:%s:%s", rec.PrincipalKind, rec.PrincipalValue, rec.Topic, rec.IP), nil
	default:
		return "", fmt.Errorf("apply: unknown resource type %d", req.ResourceType)
	}
}

func (a *CacheApplier) applyUser(req UpdateCacheRequest) error {
	var rec UserRecord
	if err := json.Unmarshal(req.Payload, &rec); err != nil {
		return err
	}
	switch req.ActionType {
	case ActionAdd, ActionSet:
		a.users.Upsert(User{Username: rec.Username, PasswordHash: rec.PasswordHash, IsSuperuser: rec.IsSuperuser})
	case ActionDelete:
		a.users.Delete(rec.Username)
	}
	return nil
}

func (a *CacheApplier) applySession(req UpdateCacheRequest) error {
	var rec SessionRecord
	if err := json.Unmarshal(req.Payload, &rec); err != nil {
		return err
	}
	switch req.ActionType {
	case ActionDelete:
		a.sessions.Remove(rec.ClientID)
	case ActionAdd, ActionSet:
		a.sessions.Create(Session{
			ClientID:         rec.ClientID,
			SessionExpiry:    rec.SessionExpiry,
			ConnectionID:     rec.ConnectID,
			LastDisconnectTS: rec.LastDisconnectTS,
		})
	}
	return nil
}

func (a *CacheApplier) applyTopic(req UpdateCacheRequest) error {
	var rec TopicRecord
	if err := json.Unmarshal(req.Payload, &rec); err != nil {
		return err
	}
	switch req.ActionType {
	case ActionDelete:
		a.topics.Remove(rec.TopicName)
	case ActionAdd:
		a.topics.Add(Topic{TopicID: rec.TopicID, TopicName: rec.TopicName, RetainPayload: rec.RetainPayload})
	case ActionSet:
		a.topics.UpdateRetained(rec.TopicName, rec.RetainPayload)
	}
	return nil
}

func (a *CacheApplier) applyCluster(req UpdateCacheRequest) error {
	var rec ClusterConfigRecord
	if err := json.Unmarshal(req.Payload, &rec); err != nil {
		return err
	}
	if req.ActionType != ActionSet {
		return nil // cluster config is wholesale-replaced only
	}
	a.cluster.Replace(&ClusterConfig{
		ClusterName:          rec.ClusterName,
		ReceiveMax:           rec.ReceiveMax,
		MaxPacketSize:        rec.MaxPacketSize,
		TopicAliasMax:        rec.TopicAliasMax,
		AllowClientKeepAlive: rec.AllowClientKeepAlive,
		ServerKeepAlive:      rec.ServerKeepAlive,
		ACLDefaultPolicy:     DefaultPolicy(rec.ACLDefaultPolicy),
		BrokerConnectionsMax: rec.BrokerConnectionsMax,
	})
	return nil
}

func (a *CacheApplier) applyACL(req UpdateCacheRequest) error {
	var rec ACLRecord
	if err := json.Unmarshal(req.Payload, &rec); err != nil {
		return err
	}
	rule := ACLRule{
		PrincipalKind:  PrincipalKind(rec.PrincipalKind),
		PrincipalValue: rec.PrincipalValue,
		Topic:          rec.Topic,
		IP:             rec.IP,
		Action:         Action(rec.Action),
		Permission:     Permission(rec.Permission),
	}
	switch req.ActionType {
	case ActionAdd, ActionSet:
		a.acl.AddACL(rule)
	case ActionDelete:
		a.acl.RemoveACL(rule)
	}
	return nil
}

func (a *CacheApplier) applyBlacklist(req UpdateCacheRequest) error {
	var rec BlacklistRecord
	if err := json.Unmarshal(req.Payload, &rec); err != nil {
		return err
	}
	rule := BlacklistRule{
		PrincipalKind:  PrincipalKind(rec.PrincipalKind),
		PrincipalValue: rec.PrincipalValue,
		Topic:          rec.Topic,
		IP:             rec.IP,
	}
	switch req.ActionType {
	case ActionAdd, ActionSet:
		a.acl.AddBlacklist(rule)
	case ActionDelete:
		a.acl.RemoveBlacklist(rule)
	}
	return nil
}
