package valkey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/signalstickers/gatekeeper/lib/store"
	valkey "github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 256

// globEscaper escapes the characters SCAN MATCH treats as glob syntax.
var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	`*`, `\*`,
	`?`, `\?`,
	`[`, `\[`,
	`]`, `\]`,
)

// Store implements store.Interface on top of a Valkey or Redis server. It is
// safe to share one server between many gatekeeper instances: DEL reports how
// many keys it removed, so only one instance ever wins a Delete.
type Store struct {
	rdb *valkey.Client
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("can't delete from valkey: %w", err)
	}

	switch n {
	case 0:
		return fmt.Errorf("%w: %d key(s) deleted", store.ErrNotFound, n)
	default:
		return nil
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, fmt.Errorf("%w: %w", store.ErrNotFound, err)
		}

		return nil, fmt.Errorf("can't fetch from valkey: %w", err)
	}

	return result, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, expiry time.Duration) error {
	if _, err := s.rdb.Set(ctx, key, value, expiry).Result(); err != nil {
		return fmt.Errorf("can't set %q in valkey: %w", key, err)
	}

	return nil
}

// Keys uses SCAN so that listing never blocks the server the way KEYS does.
// SCAN may return a key more than once; duplicates are removed.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	seen := map[string]struct{}{}
	var result []string

	iter := s.rdb.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, key)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("can't scan valkey for %q: %w", prefix, err)
	}

	return result, nil
}
