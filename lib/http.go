package lib

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/signalstickers/gatekeeper/lib/localization"
)

// https://github.com/oauth2-proxy/oauth2-proxy/blob/master/pkg/upstream/http.go#L124
type UnixRoundTripper struct {
	Transport *http.Transport
}

// set bare minimum stuff
func (t UnixRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Host == "" {
		req.Host = "localhost"
	}
	req.URL.Host = req.Host // proxy error: no Host in request URL
	req.URL.Scheme = "http" // make http.Transport happy and avoid an infinite recursion
	return t.Transport.RoundTrip(req)
}

// apiError is the error body the catalog API uses.
type apiError struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, lg *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		lg.Error("failed to encode response", "err", err)
	}
}

// respondWithStatus writes the localized message messageID as an API error.
func (s *Server) respondWithStatus(w http.ResponseWriter, r *http.Request, lg *slog.Logger, messageID string, status int) {
	localizer := localization.GetLocalizer(r)
	responses.WithLabelValues(messageID).Inc()
	writeJSON(w, lg, status, apiError{Detail: localizer.T(messageID)})
}

func (s *Server) respondWithError(w http.ResponseWriter, r *http.Request, lg *slog.Logger) {
	s.respondWithStatus(w, r, lg, "internal_error", http.StatusInternalServerError)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) stripBasePrefixFromRequest(r *http.Request) *http.Request {
	if !s.opts.StripBasePrefix || s.opts.BasePrefix == "" {
		return r
	}

	basePrefix := strings.TrimSuffix(s.opts.BasePrefix, "/")
	path := r.URL.Path

	if !strings.HasPrefix(path, basePrefix) {
		return r
	}

	trimmedPath := strings.TrimPrefix(path, basePrefix)
	if trimmedPath == "" {
		trimmedPath = "/"
	}

	// Clone the request and URL
	reqCopy := r.Clone(r.Context())
	urlCopy := *r.URL
	urlCopy.Path = trimmedPath
	reqCopy.URL = &urlCopy

	return reqCopy
}

// ServeHTTPNext forwards the request upstream. Without an upstream, requests
// that passed RequireAnswer get a 204 and everything else a 404.
func (s *Server) ServeHTTPNext(w http.ResponseWriter, r *http.Request) {
	if s.next == nil {
		if verified(r.Context()) {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		s.respondWithStatus(w, r, s.logger(r), "not_found", http.StatusNotFound)
		return
	}

	requestsProxied.WithLabelValues(r.Host).Inc()
	r = s.stripBasePrefixFromRequest(r)
	s.next.ServeHTTP(w, r)
}
