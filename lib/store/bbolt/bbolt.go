package bbolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalstickers/gatekeeper/lib/store"
	"go.etcd.io/bbolt"
)

// Sentinel error values used for testing and in admin-visible error messages.
var (
	ErrNotExists = fmt.Errorf("bbolt: value does not exist in store: %w", store.ErrNotFound)
	ErrNoExpiry  = errors.New("bbolt: expiry is not set")
)

// Store implements store.Interface backed by bbolt[1].
//
// bbolt is a hierarchical key/value store where every value belongs to a
// bucket. Each value gatekeeper stores is given its own bucket with two keys:
//
// 1. data - The raw data, usually in JSON
// 2. expiry - The expiry time formatted as a time.RFC3339Nano timestamp string
//
// This allows the cleanup phase and Keys to iterate over every bucket in the
// database and only scan the expiry times without having to decode the entire
// record. Write transactions are serialized by bbolt, which is what makes
// Delete report exactly one winner.
//
// bbolt is not suitable for environments where multiple gatekeeper instances
// need to read from and write to the same backend store. For that, use the
// valkey storage backend.
//
// [1]: https://github.com/etcd-io/bbolt
type Store struct {
	bdb *bbolt.DB
}

func expiryOf(bkt *bbolt.Bucket) (time.Time, error) {
	expiryStr := bkt.Get([]byte("expiry"))
	if expiryStr == nil {
		return time.Time{}, ErrNoExpiry
	}

	expiry, err := time.Parse(time.RFC3339Nano, string(expiryStr))
	if err != nil {
		return time.Time{}, fmt.Errorf("[unexpected] %w: %w", store.ErrCantDecode, err)
	}

	return expiry, nil
}

// Delete a key from the datastore. If the key does not exist or has already
// expired, return an error wrapping store.ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(key))
		if bkt == nil {
			return fmt.Errorf("%w: %q", ErrNotExists, key)
		}

		expiry, err := expiryOf(bkt)
		if err := tx.DeleteBucket([]byte(key)); err != nil {
			return err
		}

		if err == nil && !time.Now().Before(expiry) {
			return fmt.Errorf("%w: %q (expired)", ErrNotExists, key)
		}

		return nil
	})
}

// Get a value from the datastore.
//
// The expiry key is checked first. Expired values are reported as missing and
// left for the cleanup thread.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		itemBucket := tx.Bucket([]byte(key))
		if itemBucket == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		expiry, err := expiryOf(itemBucket)
		if errors.Is(err, ErrNoExpiry) {
			return fmt.Errorf("[unexpected] %w: %q (expiry is nil)", store.ErrNotFound, key)
		} else if err != nil {
			return err
		}

		if !time.Now().Before(expiry) {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		dataStr := itemBucket.Get([]byte("data"))
		if dataStr == nil {
			return fmt.Errorf("[unexpected] %w: %q (data is nil)", store.ErrNotFound, key)
		}

		result = bytes.Clone(dataStr)
		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// Set a value into the store with a given expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	expires := time.Now().Add(expiry)

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		valueBkt, err := tx.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return fmt.Errorf("%w: %w: %q (create bucket)", store.ErrCantEncode, err, key)
		}

		if err := valueBkt.Put([]byte("expiry"), []byte(expires.Format(time.RFC3339Nano))); err != nil {
			return fmt.Errorf("%w: %q (expiry)", store.ErrCantEncode, key)
		}

		if err := valueBkt.Put([]byte("data"), value); err != nil {
			return fmt.Errorf("%w: %q (data)", store.ErrCantEncode, key)
		}

		return nil
	})
}

// Keys walks the top-level buckets in key order starting at prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var result []string
	now := time.Now()

	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		c := tx.Cursor()
		p := []byte(prefix)

		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			bkt := tx.Bucket(k)
			if bkt == nil {
				continue
			}

			expiry, err := expiryOf(bkt)
			if err != nil || !now.Before(expiry) {
				continue
			}

			result = append(result, string(k))
		}

		return nil
	}); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) cleanup(ctx context.Context) error {
	now := time.Now()

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		var expired [][]byte

		if err := tx.ForEach(func(key []byte, valueBkt *bbolt.Bucket) error {
			expiry, err := expiryOf(valueBkt)
			if errors.Is(err, ErrNoExpiry) {
				slog.Warn("while running cleanup, expiry is not set somehow, file a bug?", "key", string(key))
				return nil
			} else if err != nil {
				return fmt.Errorf("in bucket %q: %w", string(key), err)
			}

			if !now.Before(expiry) {
				expired = append(expired, bytes.Clone(key))
			}

			return nil
		}); err != nil {
			return err
		}

		for _, key := range expired {
			if err := tx.DeleteBucket(key); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.bdb.Close(); err != nil {
				slog.Error("error closing bbolt database", "err", err)
			}
			return
		case <-t.C:
			if err := s.cleanup(ctx); err != nil {
				slog.Error("error during bbolt cleanup", "err", err)
			}
		}
	}
}
