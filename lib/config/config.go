// Package config is the gatekeeper configuration file format.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/signalstickers/gatekeeper"
	"k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrBadCeiling         = errors.New("config: challenge_ceiling must be positive")
	ErrBadSweepInterval   = errors.New("config: sweep_interval must be positive")
	ErrNoProtectedRoutes  = errors.New("config: at least one protected route is required")
	ErrBadRouteMethod     = errors.New("config.Route: method must be one of POST, PUT, PATCH or DELETE")
	ErrBadRoutePath       = errors.New("config.Route: path must start with /")
	ErrDuplicateRoute     = errors.New("config.Route: route is listed twice")
	ErrCantDecodeDuration = errors.New("config: can't decode duration")
	ErrCantParse          = errors.New("config: can't parse config file")

	writeMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
)

// DefaultProtectedRoutes are the catalog API writes that need an answered
// security question.
var DefaultProtectedRoutes = []Route{
	{Method: http.MethodPut, Path: gatekeeper.APIPrefix + "packs/"},
	{Method: http.MethodPost, Path: gatekeeper.APIPrefix + "packs/report"},
}

// Duration is a time.Duration written as a Go duration string ("1h30m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %w", ErrCantDecodeDuration, err)
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCantDecodeDuration, err)
	}

	*d = Duration(dur)
	return nil
}

// Route is a write endpoint that requires an answered security question.
type Route struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

func (r Route) Valid() error {
	var errs []error

	if !slices.Contains(writeMethods, r.Method) {
		errs = append(errs, fmt.Errorf("%w, got %q", ErrBadRouteMethod, r.Method))
	}

	if !strings.HasPrefix(r.Path, "/") {
		errs = append(errs, fmt.Errorf("%w, got %q", ErrBadRoutePath, r.Path))
	}

	if len(errs) != 0 {
		return fmt.Errorf("route %s %s: %w", r.Method, r.Path, errors.Join(errs...))
	}

	return nil
}

// Pattern is the http.ServeMux pattern for the route.
func (r Route) Pattern() string {
	return r.Method + " " + r.Path
}

// Config is the parsed configuration file.
type Config struct {
	Store            Store    `json:"store"`
	Catalog          string   `json:"catalog,omitempty"`
	ChallengeCeiling Duration `json:"challenge_ceiling,omitempty"`
	SweepInterval    Duration `json:"sweep_interval,omitempty"`
	ProtectedRoutes  []Route  `json:"protected_routes,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store:            Store{Backend: "memory"},
		ChallengeCeiling: Duration(gatekeeper.DefaultChallengeCeiling),
		SweepInterval:    Duration(gatekeeper.DefaultSweepInterval),
		ProtectedRoutes:  slices.Clone(DefaultProtectedRoutes),
	}
}

func (c *Config) Valid() error {
	var errs []error

	if err := c.Store.Valid(); err != nil {
		errs = append(errs, err)
	}

	if c.ChallengeCeiling <= 0 {
		errs = append(errs, ErrBadCeiling)
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, ErrBadSweepInterval)
	}

	if len(c.ProtectedRoutes) == 0 {
		errs = append(errs, ErrNoProtectedRoutes)
	}

	seen := map[string]struct{}{}
	for _, r := range c.ProtectedRoutes {
		if err := r.Valid(); err != nil {
			errs = append(errs, err)
			continue
		}

		if _, ok := seen[r.Pattern()]; ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateRoute, r.Pattern()))
		}
		seen[r.Pattern()] = struct{}{}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Load parses a YAML or JSON configuration file. Settings the file leaves out
// keep their Default values.
func Load(fin io.Reader, fname string) (*Config, error) {
	c := Default()
	c.ProtectedRoutes = nil

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w %s: %w", ErrCantParse, fname, err)
	}

	if c.ProtectedRoutes == nil {
		c.ProtectedRoutes = slices.Clone(DefaultProtectedRoutes)
	}

	if err := c.Valid(); err != nil {
		return nil, fmt.Errorf("%s: %w", fname, err)
	}

	return c, nil
}

// LoadFileOrDefault loads fname, or returns Default when fname is empty.
func LoadFileOrDefault(fname string) (*Config, error) {
	if fname == "" {
		return Default(), nil
	}

	fin, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("can't open config file %s: %w", fname, err)
	}
	defer fin.Close()

	return Load(fin, fname)
}
