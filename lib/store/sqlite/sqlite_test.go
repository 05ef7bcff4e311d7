package sqlite

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalstickers/gatekeeper/lib/store"
	"github.com/signalstickers/gatekeeper/lib/store/storetest"
)

func TestImpl(t *testing.T) {
	data, err := json.Marshal(Config{
		Path: filepath.Join(t.TempDir(), "gatekeeper.db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	storetest.Common(t, Factory{}, json.RawMessage(data))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gatekeeper.db")

	s, err := open(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Set(t.Context(), "kept", []byte("value"), time.Hour); err != nil {
		t.Fatal(err)
	}

	if err := s.db.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = open(t.Context(), path)
	if err != nil {
		t.Fatalf("reopening database: %v", err)
	}
	defer s.db.Close()

	var version int
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		t.Fatal(err)
	}

	if version != len(migrations) {
		t.Errorf("wanted schema version %d, got %d", len(migrations), version)
	}

	val, err := s.Get(t.Context(), "kept")
	if err != nil {
		t.Fatal(err)
	}

	if string(val) != "value" {
		t.Errorf("wanted %q after reopen, got %q", "value", string(val))
	}
}

func TestCleanup(t *testing.T) {
	s, err := open(t.Context(), filepath.Join(t.TempDir(), "gatekeeper.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.db.Close()

	if err := s.Set(t.Context(), "short", []byte("x"), time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if err := s.Set(t.Context(), "long", []byte("y"), time.Hour); err != nil {
		t.Fatal(err)
	}

	//nosleep:bypass expiry is stored as wall-clock time.
	time.Sleep(5 * time.Millisecond)

	n, err := s.cleanup(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	if n != 1 {
		t.Errorf("wanted 1 expired record removed, got %d", n)
	}

	if _, err := s.Get(t.Context(), "long"); err != nil {
		t.Errorf("unexpired record was removed: %v", err)
	}
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
			name: "missing path",
			data: `{}`,
			err:  ErrMissingPath,
		},
		{
			name: "in memory",
			data: `{"path": "file:gatekeeper?mode=memory&cache=shared"}`,
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
