package brokercore

import (
	"context"
	"testing"
	"time"

	"github.com/axmq/brokercore/internal/packets"
)

type fakeStore struct {
	sessions map[string]SessionRecord
	leaders  map[string]ShareSubLeader
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]SessionRecord{}, leaders: map[string]ShareSubLeader{}}
}

func (f *fakeStore) GetClusterConfig(ctx context.Context, name string) (ClusterConfigRecord, error) {
	return ClusterConfigRecord{ClusterName: name, ReceiveMax: 65535, MaxPacketSize: 268435455, BrokerConnectionsMax: 10}, nil
}
func (f *fakeStore) ListTopics(ctx context.Context) ([]TopicRecord, error)         { return nil, nil }
func (f *fakeStore) ListUsers(ctx context.Context) ([]UserRecord, error)          { return nil, nil }
func (f *fakeStore) ListACLs(ctx context.Context) ([]ACLRecord, error)            { return nil, nil }
func (f *fakeStore) ListBlacklist(ctx context.Context) ([]BlacklistRecord, error) { return nil, nil }
func (f *fakeStore) SaveUser(ctx context.Context, u UserRecord) error             { return nil }
func (f *fakeStore) UpdateSession(ctx context.Context, clientID string, connID uint64, keepAlive uint16, sessionExpiry uint32, disconnectTS int64) error {
	f.sessions[clientID] = SessionRecord{ClientID: clientID, ConnectID: connID, KeepAliveSec: keepAlive, SessionExpiry: sessionExpiry, LastDisconnectTS: disconnectTS}
	return nil
}
func (f *fakeStore) GetShareSubLeader(ctx context.Context, cluster, group string) (ShareSubLeader, error) {
	l, ok := f.leaders[cluster+"/"+group]
	if !ok {
		return ShareSubLeader{}, ErrUnknownClient
	}
	return l, nil
}

func newTestBroker(t *testing.T) (*Broker, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	cfg := NewClusterConfigStore(&ClusterConfig{ACLDefaultPolicy: DefaultPolicyAllow, BrokerConnectionsMax: 10})
	b := NewBroker(cfg, store, nil, nil)
	return b, store
}

func TestHandleConnectWithEmptyClientID(t *testing.T) {
	b, _ := newTestBroker(t)
	pkt := &packets.ConnectPacket{ProtocolLevel: 4, CleanSession: true, KeepAlive: 30}

	conn, reason, err := b.HandleConnect(context.Background(), pkt, "127.0.0.1")
	if err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}
	if reason != ReasonCodeSuccess {
		t.Fatalf("reason = %v, want success", reason)
	}
	if conn.ClientID == "" {
		t.Fatalf("empty client-id CONNECT did not synthesize one")
	}
	if pkt.ClientID != conn.ClientID {
		t.Fatalf("synthesized client-id not written back to the CONNECT packet")
	}
	if _, ok := b.Sessions.Get(conn.ClientID); !ok {
		t.Fatalf("session not created for synthesized client-id")
	}
}

func TestHandleConnectAdmissionHardCap(t *testing.T) {
	store := newFakeStore()
	cfg := NewClusterConfigStore(&ClusterConfig{ACLDefaultPolicy: DefaultPolicyAllow, BrokerConnectionsMax: 1})
	b := NewBroker(cfg, store, nil, nil)

	if _, _, err := b.HandleConnect(context.Background(), &packets.ConnectPacket{ClientID: "a", CleanSession: true}, "ip"); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	_, reason, err := b.HandleConnect(context.Background(), &packets.ConnectPacket{ClientID: "b", CleanSession: true}, "ip")
	if err == nil {
		t.Fatalf("second connect should have been rejected by the hard cap")
	}
	if reason != ReasonCodeServerBusy {
		t.Fatalf("reason = %v, want ReasonCodeServerBusy", reason)
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	subConn, _, err := b.HandleConnect(ctx, &packets.ConnectPacket{ClientID: "sub1", CleanSession: true}, "ip")
	if err != nil {
		t.Fatalf("connect sub: %v", err)
	}
	if _, _, err := b.HandleSubscribe("sub1", "", "ip", 4, &packets.SubscribePacket{Topics: []string{"a/+"}, QoS: []uint8{1}}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pubConn, _, err := b.HandleConnect(ctx, &packets.ConnectPacket{ClientID: "pub1", CleanSession: true}, "ip")
	if err != nil {
		t.Fatalf("connect pub: %v", err)
	}
	targets, err := b.HandlePublish(ctx, pubConn.ConnectID, "", "ip", &packets.PublishPacket{Topic: "a/b", QoS: 1, Payload: []byte("hi")}, 0)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(targets) != 1 || targets[0].ClientID != "sub1" {
		t.Fatalf("targets = %+v, want exactly sub1", targets)
	}
	if targets[0].QoS != AtLeastOnce {
		t.Fatalf("effective QoS = %v, want AtLeastOnce (min of publisher QoS1 and subscriber QoS1)", targets[0].QoS)
	}
	_ = subConn
}

func TestRetainedMessageUpdateAndClear(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	pub, _, _ := b.HandleConnect(ctx, &packets.ConnectPacket{ClientID: "pub1", CleanSession: true}, "ip")

	if _, err := b.HandlePublish(ctx, pub.ConnectID, "", "ip", &packets.PublishPacket{Topic: "r/1", Retain: true, Payload: []byte("v1")}, 0); err != nil {
		t.Fatalf("retained publish: %v", err)
	}
	topic, ok := b.Topics.GetByName("r/1")
	if !ok || string(topic.RetainPayload) != "v1" {
		t.Fatalf("retained payload not stored: %+v ok=%v", topic, ok)
	}

	if _, err := b.HandlePublish(ctx, pub.ConnectID, "", "ip", &packets.PublishPacket{Topic: "r/1", Retain: true, Payload: nil}, 0); err != nil {
		t.Fatalf("retained clear: %v", err)
	}
	topic, _ = b.Topics.GetByName("r/1")
	if topic.RetainPayload != nil {
		t.Fatalf("retained payload not cleared by a zero-length retained publish: %+v", topic)
	}
}

func TestFullDisconnectCascade(t *testing.T) {
	b, store := newTestBroker(t)
	ctx := context.Background()
	conn, _, _ := b.HandleConnect(ctx, &packets.ConnectPacket{ClientID: "c1", CleanSession: true}, "ip")
	b.HandleSubscribe("c1", "", "ip", 4, &packets.SubscribePacket{Topics: []string{"x"}, QoS: []uint8{0}}, nil)

	if err := b.HandleDisconnect(ctx, conn.ConnectID, ReasonCodeNormalDisconnect); err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}

	if _, err := b.Connections.Get(conn.ConnectID); err == nil {
		t.Fatalf("connection still present after disconnect")
	}
	if _, ok := b.Sessions.Get("c1"); ok {
		t.Fatalf("session still present after disconnect with zero session_expiry")
	}
	if subs := b.Subs.Get("c1"); len(subs) != 0 {
		t.Fatalf("subscriptions survived the disconnect cascade: %+v", subs)
	}
	if rec, ok := store.sessions["c1"]; !ok || rec.ConnectID != 0 {
		t.Fatalf("control-plane UpdateSession not called with zeroed connect_id: %+v ok=%v", rec, ok)
	}
}

func TestDisconnectPersistentSessionSurvivesAndZeroesExpiry(t *testing.T) {
	b, store := newTestBroker(t)
	ctx := context.Background()
	conn, _, _ := b.HandleConnect(ctx, &packets.ConnectPacket{ClientID: "c1", CleanSession: true}, "ip")
	sess, _ := b.Sessions.Get("c1")
	sess.SessionExpiry = 3600
	b.Sessions.Create(sess) // simulates a Session/Set Apply event raising session_expiry post-connect
	b.HandleSubscribe("c1", "", "ip", 4, &packets.SubscribePacket{Topics: []string{"x"}, QoS: []uint8{0}}, nil)

	if err := b.HandleDisconnect(ctx, conn.ConnectID, ReasonCodeNormalDisconnect); err != nil {
		t.Fatalf("HandleDisconnect: %v", err)
	}

	if _, err := b.Connections.Get(conn.ConnectID); err == nil {
		t.Fatalf("connection still present after disconnect")
	}
	sess, ok := b.Sessions.Get("c1")
	if !ok {
		t.Fatalf("session removed for a positive session_expiry disconnect, want it to survive")
	}
	if sess.SessionExpiry != 3600 {
		t.Fatalf("in-memory SessionExpiry mutated by disconnect: got %d, want 3600 unchanged", sess.SessionExpiry)
	}
	if subs := b.Subs.Get("c1"); len(subs) != 1 {
		t.Fatalf("subscriptions were torn down on a persistent-session disconnect: %+v", subs)
	}
	rec, ok := store.sessions["c1"]
	if !ok {
		t.Fatalf("control-plane UpdateSession not called")
	}
	if rec.SessionExpiry != 0 {
		t.Fatalf("UpdateSession called with session_expiry=%d, want 0 per spec.md §6/§8 scenario 5", rec.SessionExpiry)
	}
	if rec.ConnectID != 0 || rec.KeepAliveSec != 0 {
		t.Fatalf("UpdateSession connect_id/keep_alive not zeroed: %+v", rec)
	}
}

func TestACLDenyThenDefaultPolicyOnRemoval(t *testing.T) {
	b, _ := newTestBroker(t)
	b.ACL.AddACL(ACLRule{PrincipalKind: PrincipalUser, PrincipalValue: "alice", Action: ActionPublish, Permission: PermissionDeny})

	if d := b.ACL.Authorize("alice", "", "ip", "x", ActionPublish); d != Deny {
		t.Fatalf("expected explicit Deny, got %v", d)
	}

	b.ACL.ReplaceACL(PrincipalUser, "alice", nil)
	if d := b.ACL.Authorize("alice", "", "ip", "x", ActionPublish); d != Allow {
		t.Fatalf("expected fallback to cluster default policy (Allow) after rule removal, got %v", d)
	}
}

func TestShareSubLeaderLookup(t *testing.T) {
	b, store := newTestBroker(t)
	store.leaders["test/g1"] = ShareSubLeader{BrokerID: 9, BrokerAddr: "10.0.0.9:1883"}
	b.Cluster.Replace(&ClusterConfig{ClusterName: "test", ACLDefaultPolicy: DefaultPolicyAllow})

	leader, err := b.ShareSubLeader(context.Background(), "g1")
	if err != nil {
		t.Fatalf("ShareSubLeader: %v", err)
	}
	if leader.BrokerID != 9 {
		t.Fatalf("BrokerID = %d, want 9", leader.BrokerID)
	}
}

func TestHeartbeatSweeperFiresOnExpiry(t *testing.T) {
	var expired []string
	now := time.Unix(0, 0)
	h := NewHeartbeatTracker(func() time.Time { return now }, nil, func(ctx context.Context, clientID string, reason ReasonCode) {
		expired = append(expired, clientID)
	})
	h.Report("c1", 5, 1) // 1s keep-alive, so 1.5s deadline

	now = time.Unix(1, 0)
	if got := h.expired(now); len(got) != 0 {
		t.Fatalf("expired too early: %v", got)
	}

	now = time.Unix(2, 0)
	got := h.expired(now)
	if len(got) != 1 || got[0] != "c1" {
		t.Fatalf("expired at 1.5x deadline = %v, want [c1]", got)
	}
}
