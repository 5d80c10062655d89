package bandit

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	bolt "go.etcd.io/bbolt"
)

// CacheFileName is the optional persisted pull cache inside the output
// directory.
const CacheFileName = "site_feedback_cache"

var cacheBucket = []byte("site_feedback")

// feedbackCache stores full pull responses keyed by (snapshot, canonical
// rule set). The in-memory map always runs; a bbolt file backs it when the
// run opts into persistence. Every hit recomputes reward and optimality and
// replaces the action, so the stored terms and optimality flag are never
// served as recorded.
type feedbackCache struct {
	mu      sync.RWMutex
	entries map[string]*PullResult
	db      *bolt.DB
}

func newFeedbackCache() *feedbackCache {
	return &feedbackCache{entries: make(map[string]*PullResult)}
}

// OpenPersistentCache attaches a bbolt file to the bandit's pull cache and
// loads previously recorded entries into memory.
func (b *Controlled) OpenPersistentCache(path string) error {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open feedback cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	}); err != nil {
		db.Close()
		return fmt.Errorf("init feedback cache: %w", err)
	}
	if err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).ForEach(func(k, v []byte) error {
			var res PullResult
			if err := jsoniter.Unmarshal(v, &res); err != nil {
				b.log.Warnf("dropping unreadable cache entry %s: %v", k, err)
				return nil
			}
			b.cache.entries[string(k)] = &res
			return nil
		})
	}); err != nil {
		db.Close()
		return fmt.Errorf("load feedback cache: %w", err)
	}
	b.cache.db = db
	b.log.Infof("loaded %d cached pulls from %s", len(b.cache.entries), path)
	return nil
}

// CloseCache releases the persistent cache file, if any.
func (b *Controlled) CloseCache() error {
	if b.cache.db == nil {
		return nil
	}
	err := b.cache.db.Close()
	b.cache.db = nil
	return err
}

func (c *feedbackCache) get(key string) (*PullResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[key]
	return res, ok
}

func (c *feedbackCache) put(key string, res *PullResult) {
	c.mu.Lock()
	c.entries[key] = res
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return
	}
	payload, err := jsoniter.Marshal(res)
	if err != nil {
		return
	}
	_ = db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), payload)
	})
}

func (c *feedbackCache) clearMemory() {
	c.mu.Lock()
	c.entries = make(map[string]*PullResult)
	c.mu.Unlock()
}

// len returns the number of in-memory entries.
func (c *feedbackCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CacheLen exposes the cache size for tests and state snapshots.
func (b *Controlled) CacheLen() int { return b.cache.len() }
