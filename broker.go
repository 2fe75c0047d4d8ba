package brokercore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/axmq/brokercore/internal/packets"
)

// Broker wires every registry and cooperative task into the single
// surface the packet layer drives (spec.md §6 "Packet Layer (consumer
// of the core)"). Nothing outside this file constructs more than one of
// these subsystems together; Broker is the composition root.
type Broker struct {
	Cluster     *ClusterConfigStore
	Users       *UserRegistry
	Sessions    *SessionRegistry
	Connections *ConnectionRegistry
	Subs        *SubscriptionIndex
	Topics      *TopicRegistry
	Pkids       *PkidTracker
	Heartbeats  *HeartbeatTracker
	ACL         *ACLCache
	Admission   *Admission
	Store       ControlPlaneStore
	Applier     *CacheApplier
	Disconnect  *Choreographer
	Connect     *ConnectBuilder
	Log         *zap.SugaredLogger
	Now         func() time.Time
}

// NewBroker assembles a Broker from a hydrated ClusterConfigStore and a
// live ControlPlaneStore. Callers should run Bootstrap.Run before this
// so Cluster/Users/Topics/ACL are already populated (spec.md §4.8).
func NewBroker(cfg *ClusterConfigStore, store ControlPlaneStore, log *zap.SugaredLogger, now func() time.Time) *Broker {
	if now == nil {
		now = time.Now
	}
	users := NewUserRegistry()
	sessions := NewSessionRegistry(now)
	connections := NewConnectionRegistry(sessions)
	subs := NewSubscriptionIndex()
	topics := NewTopicRegistry()
	pkids := NewPkidTracker()
	acl := NewACLCache(cfg)

	b := &Broker{
		Cluster:     cfg,
		Users:       users,
		Sessions:    sessions,
		Connections: connections,
		Subs:        subs,
		Topics:      topics,
		Pkids:       pkids,
		ACL:         acl,
		Admission:   NewAdmission(cfg, 0, 0),
		Store:       store,
		Applier:     NewCacheApplier(users, sessions, topics, cfg, acl),
		Connect:     NewConnectBuilder(now),
		Log:         log,
		Now:         now,
	}
	b.Heartbeats = NewHeartbeatTracker(now, log, b.onKeepAliveExpired)
	b.Disconnect = &Choreographer{
		Connections: connections,
		Sessions:    sessions,
		Subs:        subs,
		Pkids:       pkids,
		Heartbeats:  b.Heartbeats,
		Store:       store,
		Now:         now,
		Log:         log,
	}
	return b
}

func (b *Broker) onKeepAliveExpired(ctx context.Context, clientID string, reason ReasonCode) {
	sess, ok := b.Sessions.Get(clientID)
	if !ok {
		return
	}
	if err := b.Disconnect.Disconnect(ctx, sess.ConnectionID, clientID, sess.SessionExpiry, reason); err != nil && b.Log != nil {
		b.Log.Warnw("keep-alive disconnect failed to persist", "client_id", clientID, "error", err)
	}
	b.Admission.Release()
	if sess.SessionExpiry == 0 {
		b.Disconnect.RemoveSessionCascade(clientID)
	}
}

// HandleConnect implements spec.md §8 scenario 1 end to end: admission,
// client-id generation for an empty CONNECT, session lookup/creation per
// clean_start, Connection construction, and registration.
func (b *Broker) HandleConnect(ctx context.Context, pkt *packets.ConnectPacket, srcIP string) (*Connection, ReasonCode, error) {
	admitted, reason := b.Admission.TryAdmit()
	if !admitted {
		return nil, reason, &BrokerError{ReasonCode: reason, Parent: ErrAdmissionRejected}
	}

	clientID := pkt.ClientID
	if clientID == "" {
		clientID = GenerateClientID()
		pkt.ClientID = clientID
	}

	if b.ACL.Authorize(pkt.Username, clientID, srcIP, "", ActionConnect) == Deny {
		b.Admission.Release()
		return nil, ReasonCodeNotAuthorized, &BrokerError{ReasonCode: ReasonCodeNotAuthorized, Parent: ErrUnauthorized}
	}

	if pkt.CleanSession {
		b.Disconnect.RemoveSessionCascade(clientID)
	}
	if _, ok := b.Sessions.Get(clientID); !ok {
		b.Sessions.Create(Session{ClientID: clientID, CleanStart: pkt.CleanSession})
	}

	conn := b.Connect.BuildConnection(b.Cluster.Get(), pkt, srcIP)
	if err := b.Connections.Register(conn); err != nil {
		b.Admission.Release()
		return nil, ReasonCodeUnspecifiedError, err
	}

	b.Heartbeats.Report(clientID, conn.ProtocolVersion, conn.KeepAliveSec)
	return conn, ReasonCodeSuccess, nil
}

// HandleLoginSuccess records a successful authentication for connID
// (spec.md §4.1 login_success), called after the packet layer has
// verified credentials against Users against the credential store.
func (b *Broker) HandleLoginSuccess(connID uint64, username string) error {
	return b.Connections.LoginSuccess(connID, username)
}

// HandleSubscribe adds every filter in pkt to clientID's subscription
// bucket after authorizing each one, returning the per-filter grant and
// any retained messages due for immediate redelivery (spec.md §4.3,
// §8 scenario 4 "fresh subscription retained delivery").
func (b *Broker) HandleSubscribe(clientID, principal, srcIP string, protocol uint8, pkt *packets.SubscribePacket, subProps *Properties) ([]Subscription, []Topic, error) {
	for _, filter := range pkt.Topics {
		if err := ValidateSubscribeFilter(filter, b.Cluster.Get().MaxPacketSize); err != nil {
			return nil, nil, err
		}
		if b.ACL.Authorize(principal, clientID, srcIP, filter, ActionSubscribe) == Deny {
			return nil, nil, &BrokerError{ReasonCode: ReasonCodeNotAuthorized, Parent: ErrUnauthorized}
		}
	}

	fresh := make(map[string]bool, len(pkt.Topics))
	for _, filter := range pkt.Topics {
		fresh[filter] = b.Subs.IsNew(clientID, filter)
	}

	granted := b.Subs.Add(clientID, protocol, pkt, subProps)

	var retained []Topic
	for _, sub := range granted {
		if sub.RetainHandling == 2 {
			continue // DoNotSend
		}
		if sub.RetainHandling == 1 && !fresh[sub.FilterPath] {
			continue // SendIfNew, and this one wasn't
		}
		for _, t := range b.Topics.All() {
			if t.RetainPayload != nil && MatchTopic(sub.FilterPath, t.TopicName) {
				retained = append(retained, t)
			}
		}
	}
	return granted, retained, nil
}

// HandleUnsubscribe removes the given filters from clientID's bucket
// (spec.md §4.3 remove_paths).
func (b *Broker) HandleUnsubscribe(clientID string, pkt *packets.UnsubscribePacket) {
	b.Subs.RemovePaths(clientID, pkt.Topics)
}

// PublishTarget is one matching subscriber a PUBLISH must be fanned out
// to, with the effective QoS (min of publisher's and subscriber's,
// MQTT-3.3.5-1) already resolved.
type PublishTarget struct {
	ClientID string
	Sub      Subscription
	QoS      QoS
}

// HandlePublish resolves topic aliases, validates the topic and
// payload, authorizes the publish, updates the retained-message store,
// and returns the matching subscribers for fan-out (spec.md §4.1 alias
// resolution, §4.5 update_retained, §4.6 authorize, §4.3 Matching).
func (b *Broker) HandlePublish(ctx context.Context, connID uint64, principal, srcIP string, pkt *packets.PublishPacket, alias uint16) ([]PublishTarget, error) {
	conn, err := b.Connections.Get(connID)
	if err != nil {
		return nil, err
	}

	topic := pkt.Topic
	if topic == "" && alias != 0 {
		name, ok, aerr := b.Connections.ResolveAlias(connID, alias)
		if aerr != nil {
			return nil, aerr
		}
		if !ok {
			return nil, &BrokerError{ReasonCode: ReasonCodeTopicAliasInvalid, Parent: ErrAliasOutOfRange}
		}
		topic = name
	} else if topic != "" && alias != 0 {
		if err := b.Connections.SetAlias(connID, alias, topic); err != nil {
			return nil, err
		}
	}

	if err := ValidatePublishTopic(topic, b.Cluster.Get().MaxPacketSize); err != nil {
		return nil, err
	}
	if err := ValidatePayloadSize(pkt.Payload, conn.MaxPacketSize); err != nil {
		return nil, err
	}
	if err := ValidatePayloadFormat(pkt.Payload, toPublicProperties(pkt.Properties)); err != nil {
		return nil, err
	}
	if b.ACL.Authorize(principal, conn.ClientID, srcIP, topic, ActionPublish) == Deny {
		return nil, &BrokerError{ReasonCode: ReasonCodeNotAuthorized, Parent: ErrUnauthorized}
	}

	if pkt.Retain {
		payload := pkt.Payload
		if len(payload) == 0 {
			payload = nil // zero-length retained payload clears it (MQTT-3.3.1-10)
		}
		b.Topics.UpdateRetained(topic, payload)
	}

	matches := b.Subs.Matching(topic)
	targets := make([]PublishTarget, 0, len(matches))
	for _, m := range matches {
		if m.Sub.NoLocal && m.ClientID == conn.ClientID {
			continue
		}
		qos := QoS(pkt.QoS)
		if m.Sub.QoS < qos {
			qos = m.Sub.QoS
		}
		targets = append(targets, PublishTarget{ClientID: m.ClientID, Sub: m.Sub, QoS: qos})
	}
	return targets, nil
}

// HandlePubAck/HandlePubRec/HandlePubRel/HandlePubComp advance the
// outbound QoS 1/2 waiter state machine (spec.md §4.4).
func (b *Broker) HandlePubAck(clientID string, pkid uint16) error {
	_, err := b.Pkids.Notify(clientID, pkid, AckPubAck)
	if err == nil {
		b.Pkids.Release(clientID, pkid)
	}
	return err
}

func (b *Broker) HandlePubRec(clientID string, pkid uint16) error {
	_, err := b.Pkids.Notify(clientID, pkid, AckPubRec)
	return err
}

func (b *Broker) HandlePubComp(clientID string, pkid uint16) error {
	_, err := b.Pkids.Notify(clientID, pkid, AckPubComp)
	if err == nil {
		b.Pkids.Release(clientID, pkid)
	}
	return err
}

// HandleInboundPubRel completes the inbound QoS 2 handshake: the peer's
// PUBREL releases our dedup record so a later redelivery with the same
// packet-id is treated as new (spec.md §4.4 "Entries are removed on
// PUBCOMP" — PUBREL triggers sending our PUBCOMP, at which point the
// record is released).
func (b *Broker) HandleInboundPubRel(clientID string, pkid uint16) {
	b.Pkids.ReleaseInbound(clientID, pkid)
}

// HandlePingReq refreshes the heartbeat for clientID (spec.md §4.7).
func (b *Broker) HandlePingReq(clientID string, protocolVersion uint8, keepAliveSec uint16) {
	b.Heartbeats.Report(clientID, protocolVersion, keepAliveSec)
}

// HandleDisconnect runs the five-step disconnect choreography for connID
// and, when the session's expiry interval is already zero, also cascades
// full session removal (spec.md §4.9, §4.11).
func (b *Broker) HandleDisconnect(ctx context.Context, connID uint64, reason ReasonCode) error {
	conn, err := b.Connections.Snapshot(connID)
	if err != nil {
		return err
	}
	sess, _ := b.Sessions.Get(conn.ClientID)

	derr := b.Disconnect.Disconnect(ctx, connID, conn.ClientID, sess.SessionExpiry, reason)
	b.Admission.Release()
	if sess.SessionExpiry == 0 {
		b.Disconnect.RemoveSessionCascade(conn.ClientID)
	}
	return derr
}

// ShareSubLeader resolves which broker should own delivery for a shared
// subscription group (spec.md §6 get_share_sub_leader, §8 scenario 2).
func (b *Broker) ShareSubLeader(ctx context.Context, group string) (ShareSubLeader, error) {
	return b.Store.GetShareSubLeader(ctx, b.Cluster.Get().ClusterName, group)
}
