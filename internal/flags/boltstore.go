package flags

import (
	"go.etcd.io/bbolt"
)

var bucketOverrides = []byte("flag_overrides")

// BoltOverrideStore persists manual flag overrides in a bbolt bucket,
// keyed by "<flag>\x00<userID>".
type BoltOverrideStore struct {
	db *bbolt.DB
}

// NewBoltOverrideStore wraps an already-open bbolt database (typically
// the same file as the persistent cache tier) and ensures its bucket
// exists.
func NewBoltOverrideStore(db *bbolt.DB) (*BoltOverrideStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOverrides)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltOverrideStore{db: db}, nil
}

func overrideKey(flag, userID string) []byte {
	return []byte(flag + "\x00" + userID)
}

// Get returns the stored override for (flag, userID), if any.
func (s *BoltOverrideStore) Get(flag, userID string) (bool, bool) {
	var enabled, found bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketOverrides).Get(overrideKey(flag, userID))
		if raw == nil {
			return nil
		}
		found = true
		enabled = len(raw) > 0 && raw[0] == 1
		return nil
	})
	return enabled, found
}

// Set stores an override for (flag, userID).
func (s *BoltOverrideStore) Set(flag, userID string, enabled bool) error {
	val := byte(0)
	if enabled {
		val = 1
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOverrides).Put(overrideKey(flag, userID), []byte{val})
	})
}

// Clear removes a manual override for (flag, userID), falling back to
// targeting/rollout/default evaluation on the next lookup.
func (s *BoltOverrideStore) Clear(flag, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOverrides).Delete(overrideKey(flag, userID))
	})
}
