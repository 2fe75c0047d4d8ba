package brokercore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/axmq/brokercore/internal/packets"
)

// Connection is the per-connection runtime state (spec.md §3). Key =
// ConnectID (monotonic, globally unique for the broker's lifetime).
// Connections exclusively own their topic-alias table and atomic
// counters (spec.md §9 "Ownership"); reads elsewhere go through cheap
// clones produced by ConnectionRegistry.Get.
type Connection struct {
	ConnectID            uint64
	ClientID             string
	IsLogin              bool
	SourceIP             string
	LoginUser            string
	ProtocolVersion      uint8
	KeepAliveSec         uint16
	ClientReceiveMax     uint16
	MaxPacketSize        uint32
	TopicAliasMax        uint16
	RequestProblemInfo   uint8
	RequestResponseInfo  uint8
	CreateTime           time.Time

	aliases *topicAliasTable

	recvQoSInflight atomic.Int64
	sendQoSInflight atomic.Int64
}

// snapshot returns a value copy safe to hand to callers (the atomic
// counters and alias table are read through their own accessors, not
// copied by value).
func (c *Connection) snapshot() Connection {
	cp := *c
	cp.recvQoSInflight = atomic.Int64{}
	cp.sendQoSInflight = atomic.Int64{}
	return cp
}

// ConnectBuilder derives effective per-connection limits from cluster
// config intersected with client-requested CONNECT properties (spec.md
// §4.1).
type ConnectBuilder struct {
	ids *connID
	now func() time.Time
}

func NewConnectBuilder(now func() time.Time) *ConnectBuilder {
	if now == nil {
		now = time.Now
	}
	return &ConnectBuilder{ids: &connID{}, now: now}
}

// BuildConnection implements spec.md §4.1 build_connection: keep_alive
// uses the client-requested value unless cluster_cfg disallows it (then
// clamp the cluster's server_keep_alive against the client's request);
// receive_max/max_packet_size/topic_alias_max each use the client-supplied
// value when present, then element-wise min with the cluster cap;
// request_problem_info and request_response_info default to 0 and are
// otherwise taken verbatim from the CONNECT properties (they are
// informational flags for the packet layer, not cluster-capped).
func (b *ConnectBuilder) BuildConnection(cfg *ClusterConfig, pkt *packets.ConnectPacket, srcAddr string) *Connection {
	connID := b.ids.next_()

	keepAlive := pkt.KeepAlive
	if !cfg.AllowClientKeepAlive {
		keepAlive = clampU16(pkt.KeepAlive, cfg.ServerKeepAlive)
	}

	var receiveMax uint16 = DefaultReceiveMax
	var maxPacketSize uint32 = DefaultMaxPacketSize
	var topicAliasMax uint16
	var requestProblemInfo uint8
	var requestResponseInfo uint8

	if pkt.Properties != nil {
		if pkt.Properties.Presence&packets.PresReceiveMaximum != 0 {
			receiveMax = pkt.Properties.ReceiveMaximum
		}
		if pkt.Properties.Presence&packets.PresMaximumPacketSize != 0 {
			maxPacketSize = pkt.Properties.MaximumPacketSize
		}
		if pkt.Properties.Presence&packets.PresTopicAliasMaximum != 0 {
			topicAliasMax = pkt.Properties.TopicAliasMaximum
		}
		if pkt.Properties.Presence&packets.PresRequestProblemInformation != 0 {
			requestProblemInfo = pkt.Properties.RequestProblemInformation
		}
		if pkt.Properties.Presence&packets.PresRequestResponseInformation != 0 {
			requestResponseInfo = pkt.Properties.RequestResponseInformation
		}
	}

	receiveMax = clampU16(receiveMax, cfg.ReceiveMax)
	maxPacketSize = clampU32(maxPacketSize, cfg.MaxPacketSize)
	topicAliasMax = clampU16(topicAliasMax, cfg.TopicAliasMax)

	c := &Connection{
		ConnectID:           connID,
		ClientID:            pkt.ClientID,
		SourceIP:            srcAddr,
		ProtocolVersion:     pkt.ProtocolLevel,
		KeepAliveSec:        keepAlive,
		ClientReceiveMax:    receiveMax,
		MaxPacketSize:       maxPacketSize,
		TopicAliasMax:       topicAliasMax,
		RequestProblemInfo:  requestProblemInfo,
		RequestResponseInfo: requestResponseInfo,
		CreateTime:          b.now(),
		aliases:             newTopicAliasTable(topicAliasMax),
	}
	return c
}

// ConnectionRegistry is the map[connect_id]*Connection described in
// spec.md §4.1. Safe for lock-free reads and fine-grained per-key writes
// (spec.md §5): the map itself is guarded by a mutex, but each entry's
// mutable fields (flow control, alias table) are independently
// synchronized so a write to one connection never blocks a read of
// another.
type ConnectionRegistry struct {
	mu   sync.RWMutex
	byID map[uint64]*Connection

	sessions *SessionRegistry
}

func NewConnectionRegistry(sessions *SessionRegistry) *ConnectionRegistry {
	return &ConnectionRegistry{byID: make(map[uint64]*Connection), sessions: sessions}
}

// Register inserts the connection and binds the session (spec.md §4.1
// register: "must find a Session").
func (r *ConnectionRegistry) Register(c *Connection) error {
	if err := r.sessions.BindConnection(c.ClientID, c.ConnectID); err != nil {
		return err
	}
	r.mu.Lock()
	r.byID[c.ConnectID] = c
	r.mu.Unlock()
	return nil
}

// Get returns the live *Connection for connID, for in-place mutation of
// its flow-control counters and alias table (the struct itself is never
// copied across goroutines by this accessor; callers needing a cheap
// snapshot should call Snapshot instead).
func (r *ConnectionRegistry) Get(connID uint64) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	if !ok {
		return nil, &BrokerError{ReasonCode: ReasonCodeUnspecifiedError, Parent: ErrUnknownConnection}
	}
	return c, nil
}

// Snapshot returns a value copy of the connection, safe to read without
// further synchronization.
func (r *ConnectionRegistry) Snapshot(connID uint64) (Connection, error) {
	c, err := r.Get(connID)
	if err != nil {
		return Connection{}, err
	}
	return c.snapshot(), nil
}

// Remove deletes the connection entry (spec.md §4.9 step 1).
func (r *ConnectionRegistry) Remove(connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, connID)
}

func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// LoginSuccess flips is_login and records the authenticated username
// (spec.md §4.1 login_success).
func (r *ConnectionRegistry) LoginSuccess(connID uint64, username string) error {
	c, err := r.Get(connID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	c.IsLogin = true
	c.LoginUser = username
	r.mu.Unlock()
	return nil
}

// SetAlias records alias -> topicName for connID, bounded by
// topic_alias_max (spec.md §4.1 set_alias).
func (r *ConnectionRegistry) SetAlias(connID uint64, alias uint16, topicName string) error {
	c, err := r.Get(connID)
	if err != nil {
		return err
	}
	return c.aliases.set(alias, topicName)
}

// ResolveAlias returns the topic name bound to alias on connID, if any
// (spec.md §4.1 resolve_alias).
func (r *ConnectionRegistry) ResolveAlias(connID uint64, alias uint16) (string, bool, error) {
	c, err := r.Get(connID)
	if err != nil {
		return "", false, err
	}
	name, ok := c.aliases.resolve(alias)
	return name, ok, nil
}

// IncRecvInflight atomically increments the inbound QoS>=1 in-flight
// counter and reports whether the connection is still within
// client_receive_max (spec.md §4.1 "Flow control"). Ordering is Relaxed:
// it only needs to be eventually visible on this connection's own
// packet-processing goroutine (spec.md §5).
func (r *ConnectionRegistry) IncRecvInflight(connID uint64) (withinLimit bool, err error) {
	c, err := r.Get(connID)
	if err != nil {
		return false, err
	}
	n := c.recvQoSInflight.Add(1)
	return uint16(n) <= c.ClientReceiveMax || c.ClientReceiveMax == 0, nil
}

func (r *ConnectionRegistry) DecRecvInflight(connID uint64) error {
	c, err := r.Get(connID)
	if err != nil {
		return err
	}
	c.recvQoSInflight.Add(-1)
	return nil
}

func (r *ConnectionRegistry) IncSendInflight(connID uint64) error {
	c, err := r.Get(connID)
	if err != nil {
		return err
	}
	c.sendQoSInflight.Add(1)
	return nil
}

func (r *ConnectionRegistry) DecSendInflight(connID uint64) error {
	c, err := r.Get(connID)
	if err != nil {
		return err
	}
	c.sendQoSInflight.Add(-1)
	return nil
}

func (r *ConnectionRegistry) SendInflight(connID uint64) (int64, error) {
	c, err := r.Get(connID)
	if err != nil {
		return 0, err
	}
	return c.sendQoSInflight.Load(), nil
}
