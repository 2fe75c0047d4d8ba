package brokercore

import (
	"context"

	"go.uber.org/zap"
)

// Bootstrap hydrates every cache the core keeps from the Control-Plane
// Store before the broker starts serving CONNECTs (spec.md §4.8 "at
// startup, hydrate... any failure here is fatal"). It is a straight-line
// sequence with no suspension point worth cooperating around: losing
// the race to a slow Control-Plane Store at startup is exactly the
// condition that should abort the process, not retry silently.
type Bootstrap struct {
	Store    ControlPlaneStore
	Cluster  *ClusterConfigStore
	Users    *UserRegistry
	Topics   *TopicRegistry
	ACL      *ACLCache
	Log      *zap.SugaredLogger
	ClusterName string
}

// Run hydrates Cluster, Users, Topics, and ACL (including the
// blacklist) from the Control-Plane Store. The first failure is wrapped
// with FatalBootstrapError and returned immediately; nothing hydrated
// so far is rolled back; the caller is expected to abort process
// startup on any non-nil return.
func (b *Bootstrap) Run(ctx context.Context) error {
	cfgRec, err := b.Store.GetClusterConfig(ctx, b.ClusterName)
	if err != nil {
		return FatalBootstrapError("cluster config", err)
	}
	b.Cluster.Replace(&ClusterConfig{
		ClusterName:          cfgRec.ClusterName,
		ReceiveMax:           cfgRec.ReceiveMax,
		MaxPacketSize:        cfgRec.MaxPacketSize,
		TopicAliasMax:        cfgRec.TopicAliasMax,
		AllowClientKeepAlive: cfgRec.AllowClientKeepAlive,
		ServerKeepAlive:      cfgRec.ServerKeepAlive,
		ACLDefaultPolicy:     DefaultPolicy(cfgRec.ACLDefaultPolicy),
		BrokerConnectionsMax: cfgRec.BrokerConnectionsMax,
	})
	b.logf("hydrated cluster config")

	topics, err := b.Store.ListTopics(ctx)
	if err != nil {
		return FatalBootstrapError("topics", err)
	}
	for _, t := range topics {
		b.Topics.Add(Topic{TopicID: t.TopicID, TopicName: t.TopicName, RetainPayload: t.RetainPayload})
	}
	b.logf("hydrated %d topics", len(topics))

	users, err := b.Store.ListUsers(ctx)
	if err != nil {
		return FatalBootstrapError("users", err)
	}
	for _, u := range users {
		b.Users.Upsert(User{Username: u.Username, PasswordHash: u.PasswordHash, IsSuperuser: u.IsSuperuser})
	}
	b.logf("hydrated %d users", len(users))

	acls, err := b.Store.ListACLs(ctx)
	if err != nil {
		return FatalBootstrapError("acl rules", err)
	}
	for _, r := range acls {
		b.ACL.AddACL(ACLRule{
			PrincipalKind:  PrincipalKind(r.PrincipalKind),
			PrincipalValue: r.PrincipalValue,
			Topic:          r.Topic,
			IP:             r.IP,
			Action:         Action(r.Action),
			Permission:     Permission(r.Permission),
		})
	}
	b.logf("hydrated %d acl rules", len(acls))

	blacklist, err := b.Store.ListBlacklist(ctx)
	if err != nil {
		return FatalBootstrapError("blacklist", err)
	}
	for _, r := range blacklist {
		b.ACL.AddBlacklist(BlacklistRule{
			PrincipalKind:  PrincipalKind(r.PrincipalKind),
			PrincipalValue: r.PrincipalValue,
			Topic:          r.Topic,
			IP:             r.IP,
		})
	}
	b.logf("hydrated %d blacklist entries", len(blacklist))

	return nil
}

func (b *Bootstrap) logf(msg string, args ...any) {
	if b.Log == nil {
		return
	}
	if len(args) == 0 {
		b.Log.Info(msg)
		return
	}
	b.Log.Infof(msg, args...)
}
