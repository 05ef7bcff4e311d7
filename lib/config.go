package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/signalstickers/gatekeeper"
	"github.com/signalstickers/gatekeeper/lib/catalog"
	"github.com/signalstickers/gatekeeper/lib/challenge"
	"github.com/signalstickers/gatekeeper/lib/config"
	"github.com/signalstickers/gatekeeper/lib/store"
)

var ErrNoChallengeStore = errors.New("lib: Options.Challenges is required")

type Options struct {
	// Next is the upstream catalog backend. When nil, verified writes get a
	// 204 and every other route a 404.
	Next            http.Handler
	Challenges      *challenge.Store
	ProtectedRoutes []config.Route
	BasePrefix      string
	StripBasePrefix bool
	Logger          *slog.Logger
}

// NewChallengeStore opens the configured storage backend and question catalog
// and builds a challenge.Store on them. The backend lives as long as ctx.
func NewChallengeStore(ctx context.Context, c *config.Config) (*challenge.Store, error) {
	backend, err := store.Open(ctx, c.Store.Backend, c.Store.Parameters)
	if err != nil {
		return nil, fmt.Errorf("can't open %s store: %w", c.Store.Backend, err)
	}

	cat, err := catalog.LoadFileOrDefault(c.Catalog)
	if err != nil {
		return nil, err
	}

	if cat.Len() == 0 {
		slog.Warn("the question catalog is empty, every security question request will fail", "catalog", c.Catalog)
	}

	return challenge.New(challenge.Options{
		Backend: backend,
		Catalog: cat,
		Ceiling: time.Duration(c.ChallengeCeiling),
	})
}

func New(opts Options) (*Server, error) {
	if opts.Challenges == nil {
		return nil, ErrNoChallengeStore
	}

	if len(opts.ProtectedRoutes) == 0 {
		opts.ProtectedRoutes = slices.Clone(config.DefaultProtectedRoutes)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	result := &Server{
		next:       opts.Next,
		challenges: opts.Challenges,
		verifier:   challenge.NewVerifier(opts.Challenges),
		opts:       opts,
	}

	mux := http.NewServeMux()

	// Helper to add global prefix
	registerWithPrefix := func(pattern string, handler http.Handler, method string) {
		if method != "" {
			method = method + " " // methods must end with a space to register with them
		}

		// Ensure there's no double slash when concatenating BasePrefix and pattern
		basePrefix := strings.TrimSuffix(opts.BasePrefix, "/")
		prefix := method + basePrefix

		if !strings.HasPrefix(pattern, "/") {
			pattern = "/" + pattern
		}

		// A trailing slash would match the whole subtree, API routes are exact.
		if pattern != "/" && strings.HasSuffix(pattern, "/") {
			pattern += "{$}"
		}

		mux.Handle(prefix+pattern, handler)
	}

	registerWithPrefix(gatekeeper.SecurityQuestionPath, http.HandlerFunc(result.IssueSecurityQuestion), http.MethodPost)
	registerWithPrefix(strings.TrimSuffix(gatekeeper.SecurityQuestionPath, "/"), http.HandlerFunc(result.IssueSecurityQuestion), http.MethodPost)

	for _, route := range opts.ProtectedRoutes {
		if err := route.Valid(); err != nil {
			return nil, err
		}

		registerWithPrefix(route.Path, result.RequireAnswer(http.HandlerFunc(result.ServeHTTPNext)), route.Method)
	}

	registerWithPrefix("/", http.HandlerFunc(result.ServeHTTPNext), "")

	result.mux = mux

	return result, nil
}
