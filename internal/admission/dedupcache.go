// dedupcache.go implements a crash-durable supplement to idempotency
// dedup: two PreflightRun calls with identical idempotency keys within the
// run-lease TTL must return the same leaseId. The flat
// JSON AdmissionState document already satisfies this within one process
// lifetime, but if the lock-holder dies mid-write between creating the
// lease and a caller's retry landing on a fresh launcher process, the
// in-memory path alone cannot guarantee the mapping survives. A small
// embedded KV store closes that gap with its own ACID transactions,
// independent of the document's lock discipline.
//
// Schema, two buckets:
//
//	/idempotency
//	    key:   idempotencyKey
//	    value: JSON {leaseId, expiresAt}
//	/meta
//	    key:   schema_version
//	    value: "1"
package admission

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	schemaVersion        = "1"
	bucketIdempotency    = "idempotency"
	bucketMeta           = "meta"
	metaSchemaVersionKey = "schema_version"
)

type dedupRecord struct {
	LeaseID   string    `json:"leaseId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// dedupCache wraps a BoltDB instance mapping idempotencyKey -> leaseId.
type dedupCache struct {
	db *bolt.DB

	mu        sync.Mutex
	lastPrune time.Time
}

// openDedupCache opens (or creates) the dedup cache at path.
func openDedupCache(path string) (*dedupCache, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("admission: bolt.Open(%q): %w", path, err)
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketIdempotency, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(metaSchemaVersionKey)) == nil {
			return meta.Put([]byte(metaSchemaVersionKey), []byte(schemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("admission: dedup cache init: %w", err)
	}

	if err := checkSchemaVersion(bdb); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return &dedupCache{db: bdb}, nil
}

func checkSchemaVersion(bdb *bolt.DB) error {
	return bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(metaSchemaVersionKey))
		if string(v) != schemaVersion {
			return fmt.Errorf("admission: dedup cache schema mismatch: has %q, want %q", v, schemaVersion)
		}
		return nil
	})
}

// lookup returns the leaseId previously recorded for key, if any and not
// yet expired.
func (c *dedupCache) lookup(key string, now time.Time) (string, bool, error) {
	var rec dedupRecord
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketIdempotency)).Get([]byte(key))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("admission: dedup lookup: %w", err)
	}
	if !found || now.After(rec.ExpiresAt) {
		return "", false, nil
	}
	return rec.LeaseID, true, nil
}

// put records the idempotencyKey -> leaseId mapping with an expiry.
func (c *dedupCache) put(key, leaseID string, expiresAt time.Time) error {
	data, err := json.Marshal(dedupRecord{LeaseID: leaseID, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("admission: dedup marshal: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIdempotency)).Put([]byte(key), data)
	})
}

// maybePrune runs prune at most once per interval, piggybacking on write
// traffic so the bucket cannot grow without bound in a long-running daemon
// while keeping the admission hot path free of full-bucket scans.
func (c *dedupCache) maybePrune(now time.Time, interval time.Duration) (int, error) {
	c.mu.Lock()
	due := now.Sub(c.lastPrune) >= interval
	if due {
		c.lastPrune = now
	}
	c.mu.Unlock()
	if !due {
		return 0, nil
	}
	return c.prune(now)
}

// prune removes expired entries; called opportunistically via maybePrune,
// not on every write, to keep the hot path cheap.
func (c *dedupCache) prune(now time.Time) (int, error) {
	var deleted int
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketIdempotency))
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec dedupRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if now.After(rec.ExpiresAt) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (c *dedupCache) Close() error {
	return c.db.Close()
}
