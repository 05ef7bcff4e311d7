// Package challengetest has deterministic building blocks for tests that
// issue and verify challenges.
package challengetest

import (
	"io"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/signalstickers/gatekeeper/lib/catalog"
	"github.com/signalstickers/gatekeeper/lib/challenge"
	"github.com/signalstickers/gatekeeper/lib/store"
	"github.com/signalstickers/gatekeeper/lib/store/memory"
)

// Epoch is the starting time of every Clock.
var Epoch = time.Date(2025, time.March, 14, 15, 9, 26, 0, time.UTC)

// Clock is a manually advanced clock, safe for concurrent use.
type Clock struct {
	lock sync.Mutex
	now  time.Time
}

func NewClock() *Clock {
	return &Clock{now: Epoch}
}

func (c *Clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

type lockedReader struct {
	lock sync.Mutex
	r    io.Reader
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.r.Read(p)
}

// Entropy returns a deterministic, concurrency safe byte stream.
func Entropy(seed byte) io.Reader {
	var s [32]byte
	s[0] = seed
	return &lockedReader{r: rand.NewChaCha8(s)}
}

// Catalog returns a catalog with the questions given, or a single question
// ("Type hello world", answer "helloworld") when none are.
func Catalog(t testing.TB, questions ...catalog.Question) *catalog.Catalog {
	t.Helper()

	if len(questions) == 0 {
		questions = []catalog.Question{
			{ID: 1, Question: "Type hello world", Answer: "helloworld"},
		}
	}

	c, err := catalog.New(questions...)
	if err != nil {
		t.Fatal(err)
	}

	return c
}

// Env bundles a Store and its Verifier with the fakes driving them.
type Env struct {
	Clock    *Clock
	Backend  store.Interface
	Store    *challenge.Store
	Verifier *challenge.Verifier
}

// New builds an Env on backend, or an in-memory backend when backend is nil.
// The first catalog question is always picked.
func New(t testing.TB, backend store.Interface, cat *catalog.Catalog) *Env {
	t.Helper()

	if backend == nil {
		backend = memory.New(t.Context())
	}

	if cat == nil {
		cat = Catalog(t)
	}

	clock := NewClock()

	s, err := challenge.New(challenge.Options{
		Backend: backend,
		Catalog: cat,
		Now:     clock.Now,
		Entropy: Entropy(42),
		Intn:    func(int) int { return 0 },
	})
	if err != nil {
		t.Fatal(err)
	}

	return &Env{
		Clock:    clock,
		Backend:  backend,
		Store:    s,
		Verifier: challenge.NewVerifier(s),
	}
}
