package lib

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/signalstickers/gatekeeper/internal"
	"github.com/signalstickers/gatekeeper/lib/catalog"
	"github.com/signalstickers/gatekeeper/lib/challenge"
	"github.com/signalstickers/gatekeeper/lib/challenge/challengetest"
	"github.com/signalstickers/gatekeeper/lib/config"
)

func init() {
	internal.InitSlog("debug")
}

const testIP = "192.0.2.10"

// upstream records what the catalog backend would have received.
type upstream struct {
	lock     sync.Mutex
	requests []string
	bodies   []string
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	u.lock.Lock()
	u.requests = append(u.requests, r.Method+" "+r.URL.Path)
	u.bodies = append(u.bodies, string(body))
	u.lock.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (u *upstream) count() int {
	u.lock.Lock()
	defer u.lock.Unlock()
	return len(u.requests)
}

func spawnGatekeeper(t *testing.T, env *challengetest.Env, opts Options) *Server {
	t.Helper()

	opts.Challenges = env.Store

	s, err := New(opts)
	if err != nil {
		t.Fatalf("can't construct lib.Server: %v", err)
	}

	return s
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("X-Real-Ip", testIP)
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getToken(t *testing.T, h http.Handler) challenge.Token {
	t.Helper()

	rec := do(t, h, http.MethodPost, "/api/v2/security-question/", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("wanted 200 for security question, got %d: %s", rec.Code, rec.Body.String())
	}

	var tok challenge.Token
	if err := json.NewDecoder(rec.Body).Decode(&tok); err != nil {
		t.Fatal(err)
	}

	return tok
}

func answerBody(t *testing.T, tok challenge.Token, answer string, extra map[string]any) string {
	t.Helper()

	body := map[string]any{
		"security_id":     tok.ID,
		"security_answer": answer,
	}
	for k, v := range extra {
		body[k] = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}

	return string(data)
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var e apiError
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&e); err != nil {
		t.Fatalf("response is not an API error: %q", rec.Body.String())
	}

	return e.Detail
}

func TestIssueSecurityQuestion(t *testing.T) {
	env := challengetest.New(t, nil, nil)
	s := spawnGatekeeper(t, env, Options{})

	tok := getToken(t, s)

	if tok.Question != "Type hello world" {
		t.Errorf("wrong question: %q", tok.Question)
	}

	rec := do(t, s, http.MethodPost, "/api/v2/security-question/", "", nil)
	if strings.Contains(rec.Body.String(), "helloworld") {
		t.Error("response leaks the answer")
	}

	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("security question response may be cached")
	}

	if rec := do(t, s, http.MethodPost, "/api/v2/security-question", "", nil); rec.Code != http.StatusOK {
		t.Errorf("path without trailing slash: wanted 200, got %d", rec.Code)
	}
}

func TestIssueSecurityQuestionEmptyCatalog(t *testing.T) {
	empty, err := catalog.New()
	if err != nil {
		t.Fatal(err)
	}

	s := spawnGatekeeper(t, challengetest.New(t, nil, empty), Options{})

	rec := do(t, s, http.MethodPost, "/api/v2/security-question/", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("wanted 503, got %d", rec.Code)
	}
}

func TestMissingRealIP(t *testing.T) {
	env := challengetest.New(t, nil, nil)
	s := spawnGatekeeper(t, env, Options{})

	for _, tt := range []struct {
		name   string
		method string
		path   string
		value  string
	}{
		{"issue without header", http.MethodPost, "/api/v2/security-question/", ""},
		{"issue with garbage", http.MethodPost, "/api/v2/security-question/", "not-an-ip"},
		{"protected without header", http.MethodPut, "/api/v2/packs/", ""},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, `{}`, map[string]string{"X-Real-Ip": tt.value})
			if rec.Code != http.StatusInternalServerError {
				t.Errorf("wanted 500, got %d", rec.Code)
			}
		})
	}
}

func TestProtectedRoutes(t *testing.T) {
	for _, tt := range []struct {
		name       string
		method     string
		path       string
		answer     string
		headers    map[string]string
		mangle     func(tok *challenge.Token)
		wantStatus int
		wantDetail string
		forwarded  bool
	}{
		{
			name:       "contribute with the right answer",
			method:     http.MethodPut,
			path:       "/api/v2/packs/",
			answer:     "Hello World!",
			wantStatus: http.StatusNoContent,
			forwarded:  true,
		},
		{
			name:       "report with the right answer",
			method:     http.MethodPost,
			path:       "/api/v2/packs/report",
			answer:     "helloworld",
			wantStatus: http.StatusNoContent,
			forwarded:  true,
		},
		{
			name:       "wrong answer",
			method:     http.MethodPut,
			path:       "/api/v2/packs/",
			answer:     "hell0world",
			wantStatus: http.StatusBadRequest,
			wantDetail: "Wrong answer.",
		},
		{
			name:       "wrong answer in french",
			method:     http.MethodPut,
			path:       "/api/v2/packs/",
			answer:     "nope",
			headers:    map[string]string{"Accept-Language": "fr"},
			wantStatus: http.StatusBadRequest,
			wantDetail: "Mauvaise réponse.",
		},
		{
			name:       "other client",
			method:     http.MethodPut,
			path:       "/api/v2/packs/",
			answer:     "helloworld",
			headers:    map[string]string{"X-Real-Ip": "198.51.100.20"},
			wantStatus: http.StatusBadRequest,
			wantDetail: "Invalid contribution request. Try again.",
		},
		{
			name:       "not a uuid",
			method:     http.MethodPut,
			path:       "/api/v2/packs/",
			answer:     "helloworld",
			mangle:     func(tok *challenge.Token) { tok.ID = "1234" },
			wantStatus: http.StatusBadRequest,
			wantDetail: "Invalid contribution request. Try again.",
		},
		{
			name:       "upper case id",
			method:     http.MethodPut,
			path:       "/api/v2/packs/",
			answer:     "helloworld",
			mangle:     func(tok *challenge.Token) { tok.ID = strings.ToUpper(tok.ID) },
			wantStatus: http.StatusNoContent,
			forwarded:  true,
		},
		{
			name:       "answer too long",
			method:     http.MethodPut,
			path:       "/api/v2/packs/",
			answer:     strings.Repeat("a", 201),
			wantStatus: http.StatusBadRequest,
			wantDetail: "The request could not be understood.",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := challengetest.New(t, nil, nil)
			up := &upstream{}
			s := spawnGatekeeper(t, env, Options{Next: up})

			tok := getToken(t, s)
			if tt.mangle != nil {
				tt.mangle(&tok)
			}

			body := answerBody(t, tok, tt.answer, map[string]any{"pack_id": "abc"})
			rec := do(t, s, tt.method, tt.path, body, tt.headers)

			if rec.Code != tt.wantStatus {
				t.Errorf("wanted status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}

			if tt.wantDetail != "" {
				if got := detail(t, rec); got != tt.wantDetail {
					t.Errorf("wanted detail %q, got %q", tt.wantDetail, got)
				}
			}

			if tt.forwarded {
				if up.count() != 1 {
					t.Fatalf("wanted the request forwarded once, upstream saw %d", up.count())
				}

				if up.bodies[0] != body {
					t.Errorf("upstream got a different body:\nwant: %s\ngot:  %s", body, up.bodies[0])
				}
			} else if up.count() != 0 {
				t.Errorf("rejected request reached upstream: %v", up.requests)
			}
		})
	}
}

func TestProtectedRouteReplay(t *testing.T) {
	env := challengetest.New(t, nil, nil)
	up := &upstream{}
	s := spawnGatekeeper(t, env, Options{Next: up})

	tok := getToken(t, s)
	body := answerBody(t, tok, "helloworld", nil)

	if rec := do(t, s, http.MethodPut, "/api/v2/packs/", body, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("first submission: wanted 204, got %d", rec.Code)
	}

	rec := do(t, s, http.MethodPut, "/api/v2/packs/", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replay: wanted 400, got %d", rec.Code)
	}

	if got := detail(t, rec); got != "Invalid contribution request. Try again." {
		t.Errorf("wrong replay message %q", got)
	}

	if up.count() != 1 {
		t.Errorf("wanted upstream to see one request, saw %d", up.count())
	}
}

func TestProtectedRouteExpired(t *testing.T) {
	env := challengetest.New(t, nil, nil)
	s := spawnGatekeeper(t, env, Options{Next: &upstream{}})

	tok := getToken(t, s)
	env.Clock.Advance(env.Store.Ceiling())

	rec := do(t, s, http.MethodPut, "/api/v2/packs/", answerBody(t, tok, "helloworld", nil), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wanted 400, got %d", rec.Code)
	}

	if got := detail(t, rec); got != "Expired contribution request. Try again." {
		t.Errorf("wrong message %q", got)
	}
}

func TestProtectedRouteMalformedBody(t *testing.T) {
	env := challengetest.New(t, nil, nil)
	s := spawnGatekeeper(t, env, Options{Next: &upstream{}})

	for _, tt := range []struct {
		name   string
		body   string
		status int
	}{
		{"not json", `security_id=1`, http.StatusBadRequest},
		{"wrong type", `{"security_id": 4, "security_answer": "x"}`, http.StatusBadRequest},
		{"missing fields", `{}`, http.StatusBadRequest},
		{"too big", `{"pad": "` + strings.Repeat("a", maxBodySize) + `"}`, http.StatusRequestEntityTooLarge},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPut, "/api/v2/packs/", tt.body, nil)
			if rec.Code != tt.status {
				t.Errorf("wanted %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestUnprotectedRoutesPassThrough(t *testing.T) {
	env := challengetest.New(t, nil, nil)
	up := &upstream{}
	s := spawnGatekeeper(t, env, Options{Next: up})

	for _, tt := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/v2/packs/"},
		{http.MethodPut, "/api/v2/packs/from-third-party"},
		{http.MethodGet, "/api/v2/packs/status"},
		{http.MethodPost, "/api/v2/analytics/"},
	} {
		if rec := do(t, s, tt.method, tt.path, "", nil); rec.Code != http.StatusNoContent {
			t.Errorf("%s %s: wanted upstream 204, got %d", tt.method, tt.path, rec.Code)
		}
	}

	if up.count() != 4 {
		t.Errorf("wanted 4 proxied requests, got %d: %v", up.count(), up.requests)
	}
}

func TestNoUpstream(t *testing.T) {
	env := challengetest.New(t, nil, nil)
	s := spawnGatekeeper(t, env, Options{})

	if rec := do(t, s, http.MethodGet, "/api/v2/packs/", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("wanted 404 without upstream, got %d", rec.Code)
	}

	tok := getToken(t, s)
	if rec := do(t, s, http.MethodPut, "/api/v2/packs/", answerBody(t, tok, "helloworld", nil), nil); rec.Code != http.StatusNoContent {
		t.Errorf("wanted 204 for a verified write without upstream, got %d", rec.Code)
	}
}

func TestCustomProtectedRoutes(t *testing.T) {
	env := challengetest.New(t, nil, nil)
	up := &upstream{}
	s := spawnGatekeeper(t, env, Options{
		Next:            up,
		ProtectedRoutes: []config.Route{{Method: http.MethodPost, Path: "/api/v2/tags/"}},
	})

	if rec := do(t, s, http.MethodPost, "/api/v2/tags/", `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("custom route not protected, got %d", rec.Code)
	}

	if rec := do(t, s, http.MethodPut, "/api/v2/packs/", `{}`, nil); rec.Code != http.StatusNoContent {
		t.Errorf("default route still protected, got %d", rec.Code)
	}
}

func TestBadProtectedRoute(t *testing.T) {
	env := challengetest.New(t, nil, nil)

	if _, err := New(Options{
		Challenges:      env.Store,
		ProtectedRoutes: []config.Route{{Method: http.MethodGet, Path: "/"}},
	}); err == nil {
		t.Error("wanted an error for a GET protected route")
	}

	if _, err := New(Options{}); err != ErrNoChallengeStore {
		t.Errorf("wanted ErrNoChallengeStore, got %v", err)
	}
}

func TestBasePrefix(t *testing.T) {
	for _, tt := range []struct {
		name         string
		basePrefix   string
		strip        bool
		wantUpstream string
	}{
		{"no prefix", "", false, "PUT /api/v2/packs/"},
		{"prefix kept", "/stickers", false, "PUT /stickers/api/v2/packs/"},
		{"prefix stripped", "/stickers/", true, "PUT /api/v2/packs/"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := challengetest.New(t, nil, nil)
			up := &upstream{}
			s := spawnGatekeeper(t, env, Options{
				Next:            up,
				BasePrefix:      tt.basePrefix,
				StripBasePrefix: tt.strip,
			})

			prefix := strings.TrimSuffix(tt.basePrefix, "/")

			rec := do(t, s, http.MethodPost, prefix+"/api/v2/security-question/", "", nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("wanted 200, got %d", rec.Code)
			}

			var tok challenge.Token
			if err := json.NewDecoder(rec.Body).Decode(&tok); err != nil {
				t.Fatal(err)
			}

			rec = do(t, s, http.MethodPut, prefix+"/api/v2/packs/", answerBody(t, tok, "helloworld", nil), nil)
			if rec.Code != http.StatusNoContent {
				t.Fatalf("wanted 204, got %d: %s", rec.Code, rec.Body.String())
			}

			if up.count() != 1 || up.requests[0] != tt.wantUpstream {
				t.Errorf("wanted upstream to see %q, saw %v", tt.wantUpstream, up.requests)
			}
		})
	}
}
