package challenge

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/signalstickers/gatekeeper/internal"
	"github.com/signalstickers/gatekeeper/lib/store"
)

// Verifier checks answers against the challenges held by a Store.
type Verifier struct {
	store *Store
}

// NewVerifier returns a Verifier for the challenges issued by s.
func NewVerifier(s *Store) *Verifier {
	return &Verifier{store: s}
}

// Normalize lowercases s after trimming it and drops every character that is
// not an ASCII letter or digit.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			sb.WriteRune(r)
		}
	}

	return sb.String()
}

// answersMatch compares two normalized answers in constant time. An empty
// claim never matches.
func answersMatch(want, got string) bool {
	if got == "" {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// VerifyAndConsume decides whether answer solves challenge id for clientIP.
//
// The challenge is consumed on every definitive outcome: acceptance, wrong
// answer and expiry. A mismatched client identity leaves it in place. Of
// several concurrent callers, only the one whose delete removes the record
// gets a definitive outcome; the others get OutcomeInvalidChallenge.
//
// The error is non-nil only when the backend fails.
func (v *Verifier) VerifyAndConsume(ctx context.Context, id, answer, clientIP string) (Outcome, error) {
	s := v.store
	lg := s.logger.With("challenge", internal.FastHash(id), "client_ip", clientIP)

	outcome, err := v.verify(ctx, lg, id, answer, clientIP)
	if err != nil {
		lg.Error("can't verify challenge", "err", err)
		return OutcomeInvalidChallenge, err
	}

	challengeVerifications.WithLabelValues(outcome.String()).Inc()

	if outcome == OutcomeAccepted {
		lg.Debug("challenge passed")
	} else {
		lg.Info("challenge rejected", "outcome", outcome.String())
	}

	return outcome, nil
}

func (v *Verifier) verify(ctx context.Context, lg *slog.Logger, id, answer, clientIP string) (Outcome, error) {
	s := v.store

	req, err := s.records.Get(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return OutcomeInvalidChallenge, nil
	case errors.Is(err, store.ErrCantDecode):
		lg.Warn("challenge record can't be decoded, removing it", "err", err)
		if _, err := s.consume(ctx, id); err != nil {
			return OutcomeInvalidChallenge, err
		}
		return OutcomeInvalidChallenge, nil
	case err != nil:
		return OutcomeInvalidChallenge, fmt.Errorf("can't load challenge: %w", err)
	}

	if req.ClientIP != clientIP {
		lg.Debug("challenge was issued to another client", "issued_to", req.ClientIP)
		return OutcomeInvalidChallenge, nil
	}

	if Expired(req.CreatedAt, s.now(), s.ceiling) {
		return s.consumeAs(ctx, id, OutcomeExpired)
	}

	q, ok := s.catalog.Question(req.QuestionID)
	if !ok {
		lg.Warn("challenge refers to a question that is no longer in the catalog", "question", req.QuestionID)
		if _, err := s.consume(ctx, id); err != nil {
			return OutcomeInvalidChallenge, err
		}
		return OutcomeInvalidChallenge, nil
	}

	if answersMatch(Normalize(q.Answer), Normalize(answer)) {
		return s.consumeAs(ctx, id, OutcomeAccepted)
	}

	return s.consumeAs(ctx, id, OutcomeWrongAnswer)
}

// consumeAs deletes the challenge and returns outcome if this call removed it,
// OutcomeInvalidChallenge otherwise.
func (s *Store) consumeAs(ctx context.Context, id string, outcome Outcome) (Outcome, error) {
	removed, err := s.consume(ctx, id)
	if err != nil {
		return OutcomeInvalidChallenge, err
	}

	if !removed {
		return OutcomeInvalidChallenge, nil
	}

	return outcome, nil
}
