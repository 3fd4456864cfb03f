package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	DefaultBoltFileMode = 0o600
	DefaultBoltTimeout  = time.Second
)

var stateBucket = []byte("ordersync")

// BoltStore keeps all keys in a single bbolt bucket. bbolt runs one write
// transaction at a time, which makes Update atomic.
type BoltStore struct {
	db   *bolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for bolt store: %w", err)
	}
	db, err := bolt.Open(path, DefaultBoltFileMode, &bolt.Options{Timeout: DefaultBoltTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize bolt store: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(stateBucket).Get([]byte(key))
		if value == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		var current []byte
		if value := bucket.Get([]byte(key)); value != nil {
			current = append([]byte(nil), value...)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), next)
	})
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	return err
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
