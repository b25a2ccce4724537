package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store on top of a single BoltDB file, one bucket
// per collection, JSON-marshaled documents keyed by a generated uuid.
// Adapted from the teacher's BoltStore (pkg/storage/boltdb.go), which
// keyed a fixed set of buckets by domain entity; here buckets are
// created on demand per collection name since the Store contract is
// collection-generic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "procpool.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) bucket(tx *bolt.Tx, collection string, writable bool) (*bolt.Bucket, error) {
	if writable {
		return tx.CreateBucketIfNotExists([]byte(collection))
	}
	b := tx.Bucket([]byte(collection))
	if b == nil {
		return nil, nil
	}
	return b, nil
}

func (s *BoltStore) Insert(collection string, doc map[string]any) (string, error) {
	id := uuid.New().String()

	doc = cloneDoc(doc)
	doc["id"] = id

	data, err := json.Marshal(doc)
	if err != nil {
		return "", NewApplicationFault("failed to marshal document", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return "", NewApplicationFault("failed to insert document", err)
	}

	return id, nil
}

func (s *BoltStore) Find(collection string, q Query) ([]map[string]any, error) {
	var out []map[string]any

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var doc map[string]any
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if q.Matches(doc) {
				out = append(out, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, NewApplicationFault("failed to query documents", err)
	}

	return out, nil
}

func (s *BoltStore) FindOne(collection string, q Query) (map[string]any, bool, error) {
	docs, err := s.Find(collection, q)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

func (s *BoltStore) Next(collection string, q Query, sortBy string) (map[string]any, bool, error) {
	docs, err := s.Find(collection, q)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}

	best := docs[0]
	bestVal, bestOK := toFloat(best[sortBy])
	for _, doc := range docs[1:] {
		val, ok := toFloat(doc[sortBy])
		if !ok {
			continue
		}
		if !bestOK || val < bestVal {
			best, bestVal, bestOK = doc, val, true
		}
	}

	return best, true, nil
}

func (s *BoltStore) UpdateOne(collection string, id string, doc map[string]any) error {
	doc = cloneDoc(doc)
	doc["id"] = id

	data, err := json.Marshal(doc)
	if err != nil {
		return NewApplicationFault("failed to marshal document", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return NewApplicationFault("failed to update document", err)
	}

	return nil
}

func (s *BoltStore) Remove(collection string, q Query) (int, error) {
	var ids [][]byte

	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection, false)
		if err != nil || b == nil {
			return err
		}
		if err := b.ForEach(func(k, v []byte) error {
			var doc map[string]any
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			if q.Matches(doc) {
				ids = append(ids, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if err := b.Delete(id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, NewApplicationFault("failed to remove documents", err)
	}

	return len(ids), nil
}

// ValidateID parses id as a uuid, since that's the shape this store
// assigns on Insert. Invalid shapes are a caller error, not a store
// error.
func (s *BoltStore) ValidateID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", NewUserFault("id must be a valid identifier: %q", id)
	}
	return parsed.String(), nil
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
