package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"webinteract/internal/domain"
)

var catalogBucket = []byte("catalogs")

var ErrCacheClosed = errors.New("catalog cache is closed")

// BoltCache persists catalogs in a single bbolt bucket so a restart does not
// force every origin to be fetched again.
type BoltCache struct {
	mu     sync.RWMutex
	db     *bolt.DB
	closed bool
}

type boltRecord struct {
	FetchedAt time.Time               `json:"fetchedAt"`
	Tools     []domain.ToolDescriptor `json:"tools"`
}

func OpenBoltCache(path string) (*BoltCache, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("catalog cache path is required")
	}
	if dir := filepath.Dir(trimmed); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure catalog cache dir: %w", err)
		}
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog cache db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(catalogBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create catalog bucket: %w", err)
	}
	return &BoltCache{db: db}, nil
}

func (c *BoltCache) Get(_ context.Context, origin string) (domain.CatalogEntry, bool, error) {
	var (
		entry domain.CatalogEntry
		found bool
	)
	err := c.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(catalogBucket).Get([]byte(origin))
		if raw == nil {
			return nil
		}
		var record boltRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("decode catalog %s: %w", origin, err)
		}
		entry = domain.CatalogEntry{Origin: origin, Tools: record.Tools, FetchedAt: record.FetchedAt}
		found = true
		return nil
	})
	if err != nil {
		return domain.CatalogEntry{}, false, err
	}
	return entry, found, nil
}

func (c *BoltCache) Set(_ context.Context, entry domain.CatalogEntry) error {
	raw, err := json.Marshal(boltRecord{FetchedAt: entry.FetchedAt, Tools: entry.Tools})
	if err != nil {
		return fmt.Errorf("encode catalog %s: %w", entry.Origin, err)
	}
	return c.update(func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucket).Put([]byte(entry.Origin), raw)
	})
}

func (c *BoltCache) Delete(_ context.Context, origin string) error {
	return c.update(func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucket).Delete([]byte(origin))
	})
}

func (c *BoltCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

func (c *BoltCache) view(fn func(tx *bolt.Tx) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrCacheClosed
	}
	return c.db.View(fn)
}

func (c *BoltCache) update(fn func(tx *bolt.Tx) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrCacheClosed
	}
	return c.db.Update(fn)
}

var _ Cache = (*BoltCache)(nil)
