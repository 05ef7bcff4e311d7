// Package storetest is the conformance suite every store backend must pass.
package storetest

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalstickers/gatekeeper/lib/store"
)

func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	s, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name string
		doer func(t *testing.T, s store.Interface) error
		err  error
	}{
		{
			name: "basic get set delete",
			doer: func(t *testing.T, s store.Interface) error {
				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to exist in store but it does not: %v", t.Name(), err)
				} else if err != nil {
					t.Error(err)
				}

				if !bytes.Equal(val, []byte(t.Name())) {
					t.Logf("want: %q", t.Name())
					t.Logf("got:  %q", string(val))
					t.Error("wrong value returned")
				}

				if err := s.Delete(t.Context(), t.Name()); err != nil {
					return err
				}

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Error("wanted test to not exist in store but it exists anyways")
				}

				if err := s.Delete(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("key %q does not exist and Delete did not return ErrNotFound: %v", t.Name(), err)
				}

				return nil
			},
		},
		{
			name: "overwrite",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte("first"), 5*time.Minute); err != nil {
					return err
				}

				if err := s.Set(t.Context(), t.Name(), []byte("second"), 5*time.Minute); err != nil {
					return err
				}

				val, err := s.Get(t.Context(), t.Name())
				if err != nil {
					return err
				}

				if string(val) != "second" {
					t.Errorf("wanted overwritten value %q, got: %q", "second", string(val))
				}

				return nil
			},
		},
		{
			name: "expires",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 150*time.Millisecond); err != nil {
					return err
				}

				//nosleep:bypass no fake clock reaches into the backends.
				time.Sleep(155 * time.Millisecond)

				if _, err := s.Get(t.Context(), t.Name()); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("wanted %s to not exist in store but it exists anyways", t.Name())
				}

				keys, err := s.Keys(t.Context(), t.Name())
				if err != nil {
					return err
				}

				if len(keys) != 0 {
					t.Errorf("wanted no keys for expired value, got: %v", keys)
				}

				return nil
			},
		},
		{
			name: "keys by prefix",
			doer: func(t *testing.T, s store.Interface) error {
				prefix := t.Name() + "/"
				want := []string{prefix + "a", prefix + "b", prefix + "c"}

				for _, key := range want {
					if err := s.Set(t.Context(), key, []byte(key), 5*time.Minute); err != nil {
						return err
					}
				}

				if err := s.Set(t.Context(), "elsewhere-"+t.Name(), []byte("x"), 5*time.Minute); err != nil {
					return err
				}

				got, err := s.Keys(t.Context(), prefix)
				if err != nil {
					return err
				}

				slices.Sort(got)
				if !slices.Equal(got, want) {
					t.Logf("want: %v", want)
					t.Logf("got:  %v", got)
					t.Error("wrong keys returned")
				}

				if err := s.Delete(t.Context(), prefix+"b"); err != nil {
					return err
				}

				got, err = s.Keys(t.Context(), prefix)
				if err != nil {
					return err
				}

				if len(got) != 2 {
					t.Errorf("wanted 2 keys after delete, got: %v", got)
				}

				return nil
			},
		},
		{
			name: "concurrent delete has one winner",
			doer: func(t *testing.T, s store.Interface) error {
				if err := s.Set(t.Context(), t.Name(), []byte(t.Name()), 5*time.Minute); err != nil {
					return err
				}

				const workers = 8
				var (
					wg       sync.WaitGroup
					winners  atomic.Int32
					notFound atomic.Int32
				)

				start := make(chan struct{})
				for range workers {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start

						err := s.Delete(t.Context(), t.Name())
						switch {
						case err == nil:
							winners.Add(1)
						case errors.Is(err, store.ErrNotFound):
							notFound.Add(1)
						default:
							t.Errorf("unexpected delete error: %v", err)
						}
					}()
				}

				close(start)
				wg.Wait()

				if got := winners.Load(); got != 1 {
					t.Errorf("wanted exactly one successful delete, got %d", got)
				}

				if got := notFound.Load(); got != workers-1 {
					t.Errorf("wanted %d ErrNotFound deletes, got %d", workers-1, got)
				}

				return nil
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.doer(t, s); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
