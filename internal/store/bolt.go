package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes  = []byte("nodes")
	bucketRoutes = []byte("routes")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketRoutes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveNode(node *NodeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNodes)
		}
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.Addr64), data)
	})
}

func (s *BoltStore) GetNode(addr64 string) (*NodeRecord, error) {
	var node NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNodes)
		}
		data := b.Get([]byte(addr64))
		if data == nil {
			return fmt.Errorf("node %s: %w", addr64, ErrNotFound)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) DeleteNode(addr64 string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNodes)
		}
		return b.Delete([]byte(addr64))
	})
}

func (s *BoltStore) ListNodes() ([]*NodeRecord, error) {
	var nodes []*NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return nil // no bucket = no nodes
		}
		nodes = make([]*NodeRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var node NodeRecord
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNode(addr64 string, fn func(node *NodeRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNodes)
		}
		data := b.Get([]byte(addr64))
		if data == nil {
			return fmt.Errorf("node %s: %w", addr64, ErrNotFound)
		}
		var node NodeRecord
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		if err := fn(&node); err != nil {
			return err
		}
		data, err := json.Marshal(&node)
		if err != nil {
			return err
		}
		return b.Put([]byte(addr64), data)
	})
}

func (s *BoltStore) SaveRoutes(rec *RouteRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRoutes)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Addr64), data)
	})
}

func (s *BoltStore) GetRoutes(addr64 string) (*RouteRecord, error) {
	var rec RouteRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRoutes)
		}
		data := b.Get([]byte(addr64))
		if data == nil {
			return fmt.Errorf("routes %s: %w", addr64, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteRoutes(addr64 string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRoutes)
		}
		return b.Delete([]byte(addr64))
	})
}

func (s *BoltStore) ListRoutes() ([]*RouteRecord, error) {
	var recs []*RouteRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		if b == nil {
			return nil
		}
		recs = make([]*RouteRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec RouteRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
