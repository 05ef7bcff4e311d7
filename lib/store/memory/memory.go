package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/signalstickers/gatekeeper/lib/store"
)

type factory struct{}

func (factory) Build(ctx context.Context, _ json.RawMessage) (store.Interface, error) {
	return New(ctx), nil
}

func (factory) Valid(json.RawMessage) error { return nil }

func init() {
	store.Register("memory", factory{})
}

type entry struct {
	value  []byte
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiry)
}

type impl struct {
	lock sync.Mutex
	data map[string]entry
}

func (i *impl) Delete(_ context.Context, key string) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	e, ok := i.data[key]
	if !ok {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	delete(i.data, key)

	if e.expired(time.Now()) {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return nil
}

func (i *impl) Get(_ context.Context, key string) ([]byte, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	e, ok := i.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	if e.expired(time.Now()) {
		delete(i.data, key)
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return e.value, nil
}

func (i *impl) Set(_ context.Context, key string, value []byte, expiry time.Duration) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.data[key] = entry{
		value:  value,
		expiry: time.Now().Add(expiry),
	}

	return nil
}

func (i *impl) Keys(_ context.Context, prefix string) ([]string, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	now := time.Now()
	var result []string

	for key, e := range i.data {
		if e.expired(now) || !strings.HasPrefix(key, prefix) {
			continue
		}

		result = append(result, key)
	}

	return result, nil
}

func (i *impl) cleanup() {
	i.lock.Lock()
	defer i.lock.Unlock()

	now := time.Now()
	for key, e := range i.data {
		if e.expired(now) {
			delete(i.data, key)
		}
	}
}

func (i *impl) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			i.cleanup()
		}
	}
}

// New creates a simple in-memory store. This will not scale to multiple
// gatekeeper instances.
func New(ctx context.Context) store.Interface {
	result := &impl{
		data: map[string]entry{},
	}

	go result.cleanupThread(ctx)

	return result
}
