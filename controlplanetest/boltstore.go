// Package controlplanetest provides a real-persistence test double for
// brokercore.ControlPlaneStore, backed by go.etcd.io/bbolt (an embedded
// KV store used by ZindGH-MQTT-Server in the retrieval pack this broker
// core was built against). It lets bootstrap/Apply tests exercise real
// read/write/restart semantics without standing up a gRPC server.
package controlplanetest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/axmq/brokercore"
)

var buckets = []string{"cluster", "topics", "users", "acls", "blacklist", "sessions", "share_leaders"}

// BoltStore implements brokercore.ControlPlaneStore over a bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// Open creates/opens a bbolt database at path and ensures all buckets
// this store needs exist.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// SeedCluster writes the initial ClusterConfigRecord keyed by cluster
// name, for tests that want GetClusterConfig to return something other
// than a zero-value record.
func (s *BoltStore) SeedCluster(name string, rec brokercore.ClusterConfigRecord) error {
	return s.put("cluster", name, rec)
}

// SeedShareSubLeader registers a share-subscription leader for a
// (cluster, group) pair (spec.md §8 scenario 2).
func (s *BoltStore) SeedShareSubLeader(cluster, group string, leader brokercore.ShareSubLeader) error {
	return s.put("share_leaders", cluster+"/"+group, leader)
}

func (s *BoltStore) put(bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket, key string, v any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

func (s *BoltStore) list(bucket string, each func(data []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(_, data []byte) error {
			return each(data)
		})
	})
}

func (s *BoltStore) GetClusterConfig(ctx context.Context, clusterName string) (brokercore.ClusterConfigRecord, error) {
	var rec brokercore.ClusterConfigRecord
	_, err := s.get("cluster", clusterName, &rec)
	return rec, err
}

func (s *BoltStore) ListTopics(ctx context.Context) ([]brokercore.TopicRecord, error) {
	var out []brokercore.TopicRecord
	err := s.list("topics", func(data []byte) error {
		var rec brokercore.TopicRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *BoltStore) ListUsers(ctx context.Context) ([]brokercore.UserRecord, error) {
	var out []brokercore.UserRecord
	err := s.list("users", func(data []byte) error {
		var rec brokercore.UserRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *BoltStore) ListACLs(ctx context.Context) ([]brokercore.ACLRecord, error) {
	var out []brokercore.ACLRecord
	err := s.list("acls", func(data []byte) error {
		var rec brokercore.ACLRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *BoltStore) ListBlacklist(ctx context.Context) ([]brokercore.BlacklistRecord, error) {
	var out []brokercore.BlacklistRecord
	err := s.list("blacklist", func(data []byte) error {
		var rec brokercore.BlacklistRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (s *BoltStore) SaveUser(ctx context.Context, u brokercore.UserRecord) error {
	return s.put("users", u.Username, u)
}

func (s *BoltStore) UpdateSession(ctx context.Context, clientID string, connID uint64, keepAlive uint16, sessionExpiry uint32, disconnectTS int64) error {
	rec := brokercore.SessionRecord{
		ClientID:         clientID,
		ConnectID:        connID,
		KeepAliveSec:     keepAlive,
		SessionExpiry:    sessionExpiry,
		LastDisconnectTS: disconnectTS,
	}
	return s.put("sessions", clientID, rec)
}

func (s *BoltStore) GetShareSubLeader(ctx context.Context, cluster, group string) (brokercore.ShareSubLeader, error) {
	var leader brokercore.ShareSubLeader
	_, err := s.get("share_leaders", cluster+"/"+group, &leader)
	return leader, err
}
