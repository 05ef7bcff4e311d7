package bbolt

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalstickers/gatekeeper/lib/store/storetest"
	"go.etcd.io/bbolt"
)

func TestImpl(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	t.Log(path)
	data, err := json.Marshal(Config{
		Path: path,
	})
	if err != nil {
		t.Fatal(err)
	}

	storetest.Common(t, Factory{}, json.RawMessage(data))
}

func TestCleanup(t *testing.T) {
	data, err := json.Marshal(Config{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	st, err := Factory{}.Build(t.Context(), json.RawMessage(data))
	if err != nil {
		t.Fatal(err)
	}
	s := st.(*Store)

	if err := s.Set(t.Context(), "short", []byte("x"), time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if err := s.Set(t.Context(), "long", []byte("y"), time.Hour); err != nil {
		t.Fatal(err)
	}

	//nosleep:bypass the expiry is stored as wall-clock time.
	time.Sleep(5 * time.Millisecond)

	if err := s.cleanup(t.Context()); err != nil {
		t.Fatal(err)
	}

	var buckets []string
	if err := s.bdb.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			buckets = append(buckets, string(name))
			return nil
		})
	}); err != nil {
		t.Fatal(err)
	}

	if len(buckets) != 1 || buckets[0] != "long" {
		t.Errorf("wanted only the unexpired bucket to survive cleanup, got: %v", buckets)
	}
}
