package valkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/signalstickers/gatekeeper/lib/store"
	"github.com/signalstickers/gatekeeper/lib/store/storetest"
)

// runMiniredis starts an in-process server whose clock runs twice as fast as
// the wall clock so that TTLs set by the suite actually lapse.
func runMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr := miniredis.RunT(t)

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()

		for {
			select {
			case <-done:
				return
			case <-tick.C:
				mr.FastForward(20 * time.Millisecond)
			}
		}
	}()

	return mr
}

func TestImpl(t *testing.T) {
	mr := runMiniredis(t)

	data, err := json.Marshal(Config{
		URL: fmt.Sprintf("redis://%s/0", mr.Addr()),
	})
	if err != nil {
		t.Fatal(err)
	}

	storetest.Common(t, Factory{}, json.RawMessage(data))
}

func TestFactoryValid(t *testing.T) {
	for _, tt := range []struct {
		name string
		data string
		err  error
	}{
		{
			name: "not json",
			data: `}`,
			err:  store.ErrBadConfig,
		},
		{
			name: "missing url",
			data: `{}`,
			err:  ErrNoURL,
		},
		{
			name: "bad url",
			data: `{"url": "http://example.com"}`,
			err:  ErrBadURL,
		},
		{
			name: "ok",
			data: `{"url": "redis://valkey:6379/0"}`,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := (Factory{}).Valid(json.RawMessage(tt.data)); !errors.Is(err, tt.err) {
				t.Logf("want: %v", tt.err)
				t.Logf("got:  %v", err)
				t.Error("wrong error")
			}
		})
	}
}
