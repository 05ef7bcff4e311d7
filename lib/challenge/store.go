package challenge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/signalstickers/gatekeeper"
	"github.com/signalstickers/gatekeeper/internal"
	"github.com/signalstickers/gatekeeper/lib/catalog"
	"github.com/signalstickers/gatekeeper/lib/store"
)

// Options configures a Store. Only Backend is required.
type Options struct {
	// Backend persists challenge records. It must provide an atomic Delete.
	Backend store.Interface

	// Catalog is the set of questions to pick from. A nil or empty catalog
	// makes Issue fail with ErrNoQuestionsConfigured.
	Catalog *catalog.Catalog

	// Ceiling is the maximum age of an answerable challenge. Zero means
	// gatekeeper.DefaultChallengeCeiling.
	Ceiling time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// Entropy feeds challenge ids. Defaults to crypto/rand.Reader.
	Entropy io.Reader

	// Intn picks a question index in [0, n). Defaults to math/rand/v2.IntN.
	Intn func(n int) int

	Logger *slog.Logger
}

// Store issues challenges and sweeps the expired ones. It is safe for
// concurrent use.
type Store struct {
	records *store.JSON[Request]
	catalog *catalog.Catalog
	ceiling time.Duration
	now     func() time.Time
	entropy io.Reader
	intn    func(int) int
	logger  *slog.Logger
}

// New creates a Store from opts.
func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: Backend", ErrMissingField)
	}

	if opts.Ceiling < 0 {
		return nil, fmt.Errorf("%w: Ceiling must not be negative, got %s", ErrInvalidFormat, opts.Ceiling)
	}

	result := &Store{
		records: &store.JSON[Request]{
			Underlying: opts.Backend,
			Prefix:     KeyPrefix,
		},
		catalog: opts.Catalog,
		ceiling: opts.Ceiling,
		now:     opts.Now,
		entropy: opts.Entropy,
		intn:    opts.Intn,
		logger:  opts.Logger,
	}

	if result.ceiling == 0 {
		result.ceiling = gatekeeper.DefaultChallengeCeiling
	}
	if result.now == nil {
		result.now = time.Now
	}
	if result.entropy == nil {
		result.entropy = rand.Reader
	}
	if result.intn == nil {
		result.intn = mrand.IntN
	}
	if result.logger == nil {
		result.logger = slog.Default()
	}

	result.logger = result.logger.With("subsystem", "challenge")

	return result, nil
}

// Ceiling returns the maximum age of an answerable challenge.
func (s *Store) Ceiling() time.Duration {
	return s.ceiling
}

// retention is how long the backend keeps a record before dropping it on its
// own. It only matters if no sweep ever runs.
func (s *Store) retention() time.Duration {
	return 2 * s.ceiling
}

// Issue creates a challenge for clientIP and returns the token to hand to the
// client.
func (s *Store) Issue(ctx context.Context, clientIP string) (Token, error) {
	if clientIP == "" {
		return Token{}, ErrNoClientIdentity
	}

	n := s.catalog.Len()
	if n == 0 {
		s.logger.Warn("can't issue challenge, the question catalog is empty")
		return Token{}, ErrNoQuestionsConfigured
	}

	q := s.catalog.At(s.intn(n))

	id, err := uuid.NewRandomFromReader(s.entropy)
	if err != nil {
		return Token{}, fmt.Errorf("can't generate challenge id: %w", err)
	}

	req := Request{
		ID:         id.String(),
		ClientIP:   clientIP,
		QuestionID: q.ID,
		CreatedAt:  s.now(),
	}

	if err := s.records.Set(ctx, req.ID, req, s.retention()); err != nil {
		return Token{}, fmt.Errorf("can't store challenge: %w", err)
	}

	challengesIssued.Inc()
	s.logger.Debug("issued challenge", "challenge", internal.FastHash(req.ID), "question", q.ID, "client_ip", clientIP)

	return Token{
		ID:       req.ID,
		Question: q.Question,
	}, nil
}

// SweepExpired removes every challenge that has reached the ceiling age and
// returns how many this call removed. Records another caller removes first are
// not counted. Records that can't be decoded are removed and counted.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	keys, err := s.records.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("can't list challenges: %w", err)
	}

	now := s.now()
	removed := 0

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		req, err := s.records.Get(ctx, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			continue
		case errors.Is(err, store.ErrCantDecode):
			s.logger.Warn("removing undecodable challenge record", "challenge", internal.FastHash(key), "err", err)
		case err != nil:
			return removed, fmt.Errorf("can't load challenge: %w", err)
		case !Expired(req.CreatedAt, now, s.ceiling):
			continue
		}

		if err := s.records.Delete(ctx, key); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("can't remove challenge: %w", err)
		}

		removed++
	}

	challengesSwept.Add(float64(removed))

	return removed, nil
}

// consume deletes the challenge and reports whether this call removed it.
func (s *Store) consume(ctx context.Context, id string) (bool, error) {
	err := s.records.Delete(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("can't remove challenge: %w", err)
	}
}
