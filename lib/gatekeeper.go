package lib

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/signalstickers/gatekeeper"
	"github.com/signalstickers/gatekeeper/internal"
	"github.com/signalstickers/gatekeeper/lib/challenge"
)

// maxBodySize caps protected request bodies, which are buffered in memory.
const maxBodySize = 64 << 10

var (
	requestsProxied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_proxied_requests_total",
		Help: "Number of requests proxied through gatekeeper to upstream targets",
	}, []string{"host"})

	responses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_error_responses_total",
		Help: "Number of error responses gatekeeper answered itself, by message",
	}, []string{"message"})
)

type Server struct {
	next       http.Handler
	mux        *http.ServeMux
	challenges *challenge.Store
	verifier   *challenge.Verifier
	opts       Options
}

type verifiedKey struct{}

func withVerified(ctx context.Context) context.Context {
	return context.WithValue(ctx, verifiedKey{}, true)
}

func verified(ctx context.Context) bool {
	ok, _ := ctx.Value(verifiedKey{}).(bool)
	return ok
}

func (s *Server) logger(r *http.Request) *slog.Logger {
	return internal.GetRequestLogger(s.opts.Logger, r)
}

// clientIP returns the canonical form of the X-Real-Ip header. The header is
// set by the middleware in front of the Server, so a missing or malformed
// value means gatekeeper is misconfigured.
func clientIP(r *http.Request) (string, error) {
	raw := r.Header.Get("X-Real-Ip")
	if raw == "" {
		return "", errors.New("[misconfiguration] X-Real-Ip header is not set")
	}

	ip := net.ParseIP(raw)
	if ip == nil {
		return "", errors.New("[misconfiguration] X-Real-Ip header is not an IP address")
	}

	return ip.String(), nil
}

// IssueSecurityQuestion hands out a new challenge bound to the client address.
func (s *Server) IssueSecurityQuestion(w http.ResponseWriter, r *http.Request) {
	lg := s.logger(r)

	ip, err := clientIP(r)
	if err != nil {
		lg.Error("can't identify client", "err", err)
		s.respondWithError(w, r, lg)
		return
	}

	tok, err := s.challenges.Issue(r.Context(), ip)
	switch {
	case errors.Is(err, challenge.ErrNoQuestionsConfigured):
		s.respondWithStatus(w, r, lg, "no_questions", http.StatusServiceUnavailable)
		return
	case err != nil:
		lg.Error("can't issue security question", "err", err)
		s.respondWithError(w, r, lg)
		return
	}

	writeJSON(w, lg, http.StatusOK, tok)
}

// securityAnswer is the part of a protected request body gatekeeper reads.
// Every other field is left for the upstream.
type securityAnswer struct {
	SecurityID     string `json:"security_id"`
	SecurityAnswer string `json:"security_answer"`
}

// RequireAnswer only lets a request through to next when its JSON body carries
// the id of a live challenge and the right answer to it. The body is restored
// before next runs.
func (s *Server) RequireAnswer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lg := s.logger(r)

		ip, err := clientIP(r)
		if err != nil {
			lg.Error("can't identify client", "err", err)
			s.respondWithError(w, r, lg)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				s.respondWithStatus(w, r, lg, "bad_request", http.StatusRequestEntityTooLarge)
				return
			}

			lg.Debug("can't read request body", "err", err)
			s.respondWithStatus(w, r, lg, "bad_request", http.StatusBadRequest)
			return
		}

		var sa securityAnswer
		if err := json.Unmarshal(body, &sa); err != nil {
			lg.Debug("can't decode request body", "err", err)
			s.respondWithStatus(w, r, lg, "bad_request", http.StatusBadRequest)
			return
		}

		answer := strings.TrimSpace(sa.SecurityAnswer)
		if utf8.RuneCountInString(answer) > gatekeeper.MaxAnswerLength {
			s.respondWithStatus(w, r, lg, "bad_request", http.StatusBadRequest)
			return
		}

		outcome := challenge.OutcomeInvalidChallenge
		if id, err := uuid.Parse(strings.TrimSpace(sa.SecurityID)); err == nil {
			outcome, err = s.verifier.VerifyAndConsume(r.Context(), id.String(), answer, ip)
			if err != nil {
				s.respondWithError(w, r, lg)
				return
			}
		}

		if err := outcome.Err(); err != nil {
			var cerr *challenge.Error
			if errors.As(err, &cerr) {
				s.respondWithStatus(w, r, lg, cerr.PublicReason, cerr.StatusCode)
				return
			}

			s.respondWithError(w, r, lg)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		next.ServeHTTP(w, r.WithContext(withVerified(r.Context())))
	})
}
