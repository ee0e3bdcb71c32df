// Package diskstore implements the durable tier of pagecache's two-tier
// cache over an embedded go.etcd.io/bbolt database: a single file with a
// primary bucket keyed by cache key, and sibling index buckets that let
// cleanup and tag invalidation avoid a full table scan.
package diskstore

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/arxcache/pagecache/internal/entry"
	"github.com/arxcache/pagecache/internal/pcerrors"
)

var (
	bucketEntries   = []byte("entries")
	bucketByTime    = []byte("by_timestamp")
	bucketByExpires = []byte("by_expires")
	bucketByPrio    = []byte("by_priority")
	bucketByTag     = []byte("by_tag")
	bucketMeta      = []byte("meta")

	metaSchemaVersionKey = []byte("schema_version")
)

// SchemaVersion is bumped whenever the bucket layout changes shape.
const SchemaVersion = 1

// Store is the durable cache tier. A Store with a nil db is a no-op store
// in degraded mode: every method returns pcerrors.ErrUnavailable (or a
// zero value) without touching disk, so a CacheManager can keep running
// memory-only after Open fails.
type Store struct {
	db       *bbolt.DB
	logger   *zap.Logger
	disabled bool

	// totalBytes mirrors the sum of SizeBytes across every stored entry,
	// maintained incrementally on every Set/Delete so getSize is O(1)
	// rather than a full-bucket scan (§4.C requires size accounting be
	// O(entries), not O(bytes)).
	totalBytes int64
}

// Open creates or opens the bbolt file at path and ensures every bucket
// exists. If path cannot be opened (permissions, disk full, corrupt
// file), Open logs the failure and returns a disabled Store rather than
// an error, so callers can always construct a CacheManager and degrade
// gracefully rather than branch on a persistence-enabled flag everywhere.
func Open(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		logger.Warn(pcerrors.ErrUnavailable.Error(), zap.String("path", path), zap.Error(err))
		return &Store{logger: logger, disabled: true}
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByTime, bucketByExpires, bucketByPrio, bucketByTag, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if meta.Get(metaSchemaVersionKey) == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, SchemaVersion)
			return meta.Put(metaSchemaVersionKey, buf)
		}
		return nil
	})
	if err != nil {
		logger.Warn(pcerrors.ErrUnavailable.Error(), zap.String("path", path), zap.Error(err))
		_ = db.Close()
		return &Store{logger: logger, disabled: true}
	}

	s := &Store{db: db, logger: logger}
	if total, err := s.scanTotalBytes(); err != nil {
		logger.Warn("diskstore: initial size scan failed", zap.Error(err))
	} else {
		atomic.StoreInt64(&s.totalBytes, total)
	}
	return s
}

// scanTotalBytes sums SizeBytes across every stored entry with a single
// full-bucket scan. Only used once, at Open, to seed the incremental
// totalBytes counter; every subsequent size change is tracked without a
// re-scan.
func (s *Store) scanTotalBytes() (int64, error) {
	var total int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(_, raw []byte) error {
			var e entry.Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil
			}
			total += int64(e.SizeBytes)
			return nil
		})
	})
	return total, err
}

// Migrate opens (creating if necessary) the bbolt file at path, ensures
// every bucket this version of the schema expects exists, and upgrades
// the stored schema version to SchemaVersion if it is older. It reports
// the version found before the upgrade and the version written after. A
// schema change that adds a bucket should add its name to the loop here
// (and in Open) and bump SchemaVersion; both paths are idempotent, so
// running Migrate against an already-current file is a no-op beyond the
// version report.
func Migrate(path string, logger *zap.Logger) (from, to uint64, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return 0, 0, errors.Wrap(err, "diskstore: migrate open")
	}
	defer db.Close()

	to = SchemaVersion
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketByTime, bucketByExpires, bucketByPrio, bucketByTag, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(metaSchemaVersionKey); v != nil {
			from = binary.BigEndian.Uint64(v)
		}
		if from >= to {
			to = from
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, to)
		return meta.Put(metaSchemaVersionKey, buf)
	})
	if err != nil {
		return from, to, errors.Wrap(err, "diskstore: migrate")
	}

	logger.Info("diskstore: migration complete", zap.Uint64("from", from), zap.Uint64("to", to))
	return from, to, nil
}

// Close releases the underlying file handle. A no-op on a disabled Store.
func (s *Store) Close() error {
	if s.disabled || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether persistence is active.
func (s *Store) Enabled() bool {
	return !s.disabled && s.db != nil
}

// DB exposes the underlying bbolt handle so sibling durable stores (such
// as the feature-flag override store) can share this file instead of
// opening a second one. Returns nil on a disabled Store.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Get returns the entry stored under key.
func (s *Store) Get(key string) (*entry.Entry, error) {
	if !s.Enabled() {
		return nil, pcerrors.ErrUnavailable
	}

	var e *entry.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var decoded entry.Entry
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return errors.Wrapf(err, "diskstore: decode entry %q", key)
		}
		e = &decoded
		return nil
	})
	return e, err
}

// Set writes e under key, updating every secondary index transactionally
// alongside the primary write. maxBytes, when nonzero, triggers a
// cleanup pass after the write if the store is over budget.
func (s *Store) Set(key string, e *entry.Entry, maxBytes int) error {
	if !s.Enabled() {
		return pcerrors.ErrUnavailable
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrapf(pcerrors.ErrInvalidPayload, "diskstore: encode entry %q: %v", key, err)
	}

	var oldSize int
	err = s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		oldSize, err = removeFromIndexesTx(tx, key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntries).Put([]byte(key), payload); err != nil {
			return err
		}
		if err := putIndexTx(tx, bucketByTime, timeKey(e.Timestamp), key); err != nil {
			return err
		}
		if err := putIndexTx(tx, bucketByExpires, timeKey(e.ExpiresAt), key); err != nil {
			return err
		}
		if err := putIndexTx(tx, bucketByPrio, prioKey(e.Priority), key); err != nil {
			return err
		}
		for tag := range e.Tags {
			if err := putIndexTx(tx, bucketByTag, []byte(tag), key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "diskstore: write entry")
	}
	atomic.AddInt64(&s.totalBytes, int64(e.SizeBytes-oldSize))

	if maxBytes > 0 {
		if size, sizeErr := s.getSize(); sizeErr == nil && size > maxBytes {
			if cleanupErr := s.cleanup(maxBytes); cleanupErr != nil {
				s.logger.Warn(pcerrors.ErrQuotaExceeded.Error(), zap.Error(cleanupErr))
			}
		}
	}
	return nil
}

// Delete removes key and every index entry referencing it.
func (s *Store) Delete(key string) error {
	if !s.Enabled() {
		return pcerrors.ErrUnavailable
	}
	var oldSize int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		oldSize, err = removeFromIndexesTx(tx, key)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	atomic.AddInt64(&s.totalBytes, -int64(oldSize))
	return nil
}

// InvalidateByTags removes every entry whose tag set intersects tags and
// returns the removed keys.
func (s *Store) InvalidateByTags(tags []string) ([]string, error) {
	if !s.Enabled() {
		return nil, pcerrors.ErrUnavailable
	}

	toDelete := make(map[string]bool)
	err := s.db.View(func(tx *bbolt.Tx) error {
		byTag := tx.Bucket(bucketByTag)
		for _, tag := range tags {
			sub := byTag.Bucket([]byte(tag))
			if sub == nil {
				continue
			}
			_ = sub.ForEach(func(k, _ []byte) error {
				toDelete[string(k)] = true
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(toDelete))
	var freed int64
	err = s.db.Update(func(tx *bbolt.Tx) error {
		for key := range toDelete {
			oldSize, err := removeFromIndexesTx(tx, key)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketEntries).Delete([]byte(key)); err != nil {
				return err
			}
			freed += int64(oldSize)
			removed = append(removed, key)
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	atomic.AddInt64(&s.totalBytes, -freed)
	return removed, nil
}

// GetExpiredKeys returns every key whose expiry is before cutoff.
func (s *Store) GetExpiredKeys(cutoff time.Time) ([]string, error) {
	if !s.Enabled() {
		return nil, pcerrors.ErrUnavailable
	}

	var keys []string
	cutoffKey := timeKey(cutoff.UnixMilli())
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketByExpires).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			sub := tx.Bucket(bucketByExpires).Bucket(k)
			if sub == nil {
				continue
			}
			_ = sub.ForEach(func(key, _ []byte) error {
				keys = append(keys, string(key))
				return nil
			})
		}
		return nil
	})
	return keys, err
}

// getSize returns the current total size in O(1), read off the counter
// maintained incrementally by Set/Delete/InvalidateByTags.
func (s *Store) getSize() (int, error) {
	return int(atomic.LoadInt64(&s.totalBytes)), nil
}

// GetSize is the exported form of getSize, matching the §4.C contract.
func (s *Store) GetSize() int {
	size, _ := s.getSize()
	return size
}

// getAllKeys returns every key currently stored, ordered arbitrarily.
func (s *Store) getAllKeys() ([]string, error) {
	if !s.Enabled() {
		return nil, pcerrors.ErrUnavailable
	}
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// cleanup evicts lowest-priority entries (via by_priority's ascending
// byte order) until the store is at or below maxBytes.
func (s *Store) cleanup(maxBytes int) error {
	type candidate struct {
		key      string
		priority float64
	}

	var candidates []candidate
	err := s.db.View(func(tx *bbolt.Tx) error {
		byPrio := tx.Bucket(bucketByPrio)
		c := byPrio.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			sub := byPrio.Bucket(k)
			if sub == nil {
				continue
			}
			prio := prioFromKey(k)
			_ = sub.ForEach(func(key, _ []byte) error {
				candidates = append(candidates, candidate{string(key), prio})
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].priority < candidates[j].priority })

	size, err := s.getSize()
	if err != nil {
		return err
	}

	for _, c := range candidates {
		if size <= maxBytes {
			break
		}
		e, err := s.Get(c.key)
		if err != nil || e == nil {
			continue
		}
		if e.Pinned() {
			continue
		}
		if err := s.Delete(c.key); err != nil {
			return err
		}
		size -= e.SizeBytes
	}

	if size > maxBytes {
		s.logger.Warn(pcerrors.ErrPressureUnmet.Error(), zap.Int("target", maxBytes), zap.Int("remaining", size))
	}
	return nil
}

// removeFromIndexesTx drops key from every secondary index and returns
// the SizeBytes of the entry that previously occupied it (0 if key was
// not present), so callers can adjust the incremental byte counter.
func removeFromIndexesTx(tx *bbolt.Tx, key string) (int, error) {
	raw := tx.Bucket(bucketEntries).Get([]byte(key))
	if raw == nil {
		return 0, nil
	}
	var e entry.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return 0, nil
	}
	if err := deleteIndexTx(tx, bucketByTime, timeKey(e.Timestamp), key); err != nil {
		return 0, err
	}
	if err := deleteIndexTx(tx, bucketByExpires, timeKey(e.ExpiresAt), key); err != nil {
		return 0, err
	}
	if err := deleteIndexTx(tx, bucketByPrio, prioKey(e.Priority), key); err != nil {
		return 0, err
	}
	for tag := range e.Tags {
		if err := deleteIndexTx(tx, bucketByTag, []byte(tag), key); err != nil {
			return 0, err
		}
	}
	return e.SizeBytes, nil
}

func putIndexTx(tx *bbolt.Tx, bucket, indexKey []byte, memberKey string) error {
	parent := tx.Bucket(bucket)
	sub, err := parent.CreateBucketIfNotExists(indexKey)
	if err != nil {
		return err
	}
	return sub.Put([]byte(memberKey), []byte{1})
}

func deleteIndexTx(tx *bbolt.Tx, bucket, indexKey []byte, memberKey string) error {
	parent := tx.Bucket(bucket)
	sub := parent.Bucket(indexKey)
	if sub == nil {
		return nil
	}
	if err := sub.Delete([]byte(memberKey)); err != nil {
		return err
	}
	if sub.Stats().KeyN == 0 {
		return parent.DeleteBucket(indexKey)
	}
	return nil
}

func timeKey(millis int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(millis))
	return buf
}

func prioKey(priority float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(priority*1000))
	return buf
}

func prioFromKey(buf []byte) float64 {
	return float64(binary.BigEndian.Uint64(buf)) / 1000
}
