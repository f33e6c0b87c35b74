// Package store is the device's persistent hierarchical state: the
// per-component configuration trees with modification timestamps, the
// target-to-root-components mapping, the last-known-good resolved
// state, and the pending deployment queue snapshot. Everything lives in
// one bbolt file and survives process restarts.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/edgeforge/deployd/pkg/deployment"
	"github.com/edgeforge/deployd/pkg/model"
)

var (
	bucketConfig = []byte("config")
	bucketGroups = []byte("groups")
	bucketState  = []byte("state")

	keyLastKnownGood = []byte("lastKnownGood")
	keyQueue         = []byte("queue")
	keyInstalled     = []byte("installed")
)

type Store struct {
	mu   sync.RWMutex
	db   *bolt.DB
	log  *zap.Logger
	tree map[string]*Node // component name -> configuration tree
}

// Open opens or creates the store file and loads the configuration
// trees into memory. Reads are served from memory; every mutation is
// written through to bbolt before it returns.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	s := &Store{db: db, log: log, tree: map[string]*Node{}}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConfig, bucketGroups, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketConfig).ForEach(func(k, v []byte) error {
			node, err := decodeNode(v)
			if err != nil {
				return fmt.Errorf("decode config tree for %s: %w", k, err)
			}
			s.tree[string(k)] = node
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info("store opened", zap.String("path", path), zap.Int("components", len(s.tree)))
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ComponentConfig returns a deep copy of the component's configuration
// tree as plain values, or nil if the component has none.
func (s *Store) ComponentConfig(name string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.tree[name]
	if !ok {
		return nil
	}
	v, _ := node.ToValue().(map[string]any)
	return v
}

// ConfigModTime returns the last modification timestamp of the
// component's tree, 0 if absent.
func (s *Store) ConfigModTime(name string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node, ok := s.tree[name]; ok {
		return node.ModTime
	}
	return 0
}

// ReplaceComponentConfig lands a resolved configuration on the
// component, authoritative for shape, at the deployment timestamp.
// Leaves written since ts keep their newer values.
func (s *Store) ReplaceComponentConfig(name string, cfg map[string]any, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.tree[name]
	if !ok {
		node = &Node{Children: map[string]*Node{}, ModTime: ts}
		s.tree[name] = node
	}
	node.Apply(cfg, BehaviorReplace, ts)
	return s.persistComponent(name, node)
}

// MergeComponentConfig applies a partial update without removing
// anything, the path local overrides take.
func (s *Store) MergeComponentConfig(name string, patch map[string]any, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.tree[name]
	if !ok {
		node = &Node{Children: map[string]*Node{}, ModTime: ts}
		s.tree[name] = node
	}
	node.Apply(patch, BehaviorMerge, ts)
	return s.persistComponent(name, node)
}

// RemoveComponentConfig drops the component's tree entirely.
func (s *Store) RemoveComponentConfig(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tree, name)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Delete([]byte(name))
	})
}

// SnapshotConfigs deep-copies every component tree, for rollback.
func (s *Store) SnapshotConfigs() map[string]*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string]*Node, len(s.tree))
	for name, node := range s.tree {
		snap[name] = node.Clone()
	}
	return snap
}

// RestoreConfigs replaces the whole configuration state with a
// snapshot taken earlier.
func (s *Store) RestoreConfigs(snap map[string]*Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = make(map[string]*Node, len(snap))
	for name, node := range snap {
		s.tree[name] = node.Clone()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketConfig); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketConfig)
		if err != nil {
			return err
		}
		for name, node := range s.tree {
			data, err := encodeNode(node)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(name), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) persistComponent(name string, node *Node) error {
	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("encode config tree for %s: %w", name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(name), data)
	})
}

// GroupRoots loads the full target-to-root-components mapping:
// target key -> component name -> pinned version.
func (s *Store) GroupRoots() (map[string]map[string]string, error) {
	out := map[string]map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			roots := map[string]string{}
			if err := json.Unmarshal(v, &roots); err != nil {
				return fmt.Errorf("decode roots for %s: %w", k, err)
			}
			out[string(k)] = roots
			return nil
		})
	})
	return out, err
}

// SetGroupRoots overwrites one target's root set. An empty map removes
// the target.
func (s *Store) SetGroupRoots(targetKey string, roots map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if len(roots) == 0 {
			return b.Delete([]byte(targetKey))
		}
		data, err := json.Marshal(roots)
		if err != nil {
			return err
		}
		return b.Put([]byte(targetKey), data)
	})
}

// LastKnownGood returns the resolved state persisted after the last
// successful deployment, or nil if none exists yet.
func (s *Store) LastKnownGood() (*model.ResolvedState, error) {
	var st *model.ResolvedState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyLastKnownGood)
		if data == nil {
			return nil
		}
		st = &model.ResolvedState{}
		return json.Unmarshal(data, st)
	})
	return st, err
}

func (s *Store) SetLastKnownGood(st *model.ResolvedState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyLastKnownGood, data)
	})
}

// Installed returns the installed component versions as recorded after
// the last execution pass.
func (s *Store) Installed() (map[string]string, error) {
	installed := map[string]string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyInstalled)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &installed)
	})
	return installed, err
}

func (s *Store) SetInstalled(installed map[string]string) error {
	data, err := json.Marshal(installed)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyInstalled, data)
	})
}

// SaveQueue snapshots the pending deployments so they survive a
// restart.
func (s *Store) SaveQueue(records []deployment.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyQueue, data)
	})
}

func (s *Store) LoadQueue() ([]deployment.Record, error) {
	var records []deployment.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyQueue)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &records)
	})
	return records, err
}
