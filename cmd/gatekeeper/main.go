package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/facebookgo/flagenv"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalstickers/gatekeeper"
	"github.com/signalstickers/gatekeeper/internal"
	libgatekeeper "github.com/signalstickers/gatekeeper/lib"
	"github.com/signalstickers/gatekeeper/lib/challenge"
	"github.com/signalstickers/gatekeeper/lib/config"
)

var (
	basePrefix               = flag.String("base-prefix", "", "base prefix (root URL) the catalog API is served under e.g. /stickers")
	bind                     = flag.String("bind", ":8923", "network address to bind HTTP to")
	bindNetwork              = flag.String("bind-network", "tcp", "network family to bind HTTP to, e.g. unix, tcp")
	catalogFname             = flag.String("catalog-fname", "", "full path to the security question catalog, overrides the config file (defaults to a built-in catalog)")
	challengeCeiling         = flag.Duration("ceiling", 0, "if set, how long an issued security question stays answerable, overrides the config file")
	configFname              = flag.String("config-fname", "", "full path to the gatekeeper config file (defaults to an in-memory store and the built-in catalog)")
	metricsBind              = flag.String("metrics-bind", ":9090", "network address to bind metrics to")
	metricsBindNetwork       = flag.String("metrics-bind-network", "tcp", "network family for the metrics server to bind to")
	socketMode               = flag.String("socket-mode", "0770", "socket mode (permissions) for unix domain sockets.")
	slogLevel                = flag.String("slog-level", "INFO", "logging level (see https://pkg.go.dev/log/slog#hdr-Levels)")
	stripBasePrefix          = flag.Bool("strip-base-prefix", false, "if true, strips the base prefix from requests forwarded to the target server")
	sweepInterval            = flag.Duration("sweep-interval", 0, "if set, how often expired security questions are swept, overrides the config file")
	sweepOnce                = flag.Bool("sweep-once", false, "sweep expired security questions from the store once and exit")
	target                   = flag.String("target", "http://localhost:3923", "catalog backend to reverse proxy to, set to an empty string to only answer security questions")
	targetSNI                = flag.String("target-sni", "", "if set, the value of the TLS handshake hostname when forwarding requests to the target")
	targetHost               = flag.String("target-host", "", "if set, the value of the Host header when forwarding requests to the target")
	targetInsecureSkipVerify = flag.Bool("target-insecure-skip-verify", false, "if true, skips TLS validation for the backend")
	healthcheck              = flag.Bool("healthcheck", false, "run a health check against gatekeeper")
	useRemoteAddress         = flag.Bool("use-remote-address", false, "read the client's IP address from the network request, useful for debugging and running gatekeeper on bare metal")
	versionFlag              = flag.Bool("version", false, "print gatekeeper version")
	xffStripPrivate          = flag.Bool("xff-strip-private", true, "if set, strip private addresses from X-Forwarded-For")
)

func doHealthCheck() error {
	resp, err := http.Get("http://localhost" + *metricsBind + *basePrefix + "/metrics")
	if err != nil {
		return fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// parseBindNetFromAddr determine bind network and address based on the given network and address.
func parseBindNetFromAddr(address string) (string, string) {
	defaultScheme := "http://"
	if !strings.Contains(address, "://") {
		if strings.HasPrefix(address, ":") {
			address = defaultScheme + "localhost" + address
		} else {
			address = defaultScheme + address
		}
	}

	bindUri, err := url.Parse(address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to parse bind URL: %w", err))
	}

	switch bindUri.Scheme {
	case "unix":
		return "unix", bindUri.Path
	case "tcp", "http", "https":
		return "tcp", bindUri.Host
	default:
		log.Fatal(fmt.Errorf("unsupported network scheme %s in address %s", bindUri.Scheme, address))
	}
	return "", address
}

func setupListener(network string, address string) (net.Listener, string) {
	formattedAddress := ""

	if network == "" {
		network, address = parseBindNetFromAddr(address)
	}

	switch network {
	case "unix":
		formattedAddress = "unix:" + address
	case "tcp":
		if strings.HasPrefix(address, ":") { // assume it's just a port e.g. :4259
			formattedAddress = "http://localhost" + address
		} else {
			formattedAddress = "http://" + address
		}
	default:
		formattedAddress = fmt.Sprintf(`(%s) %s`, network, address)
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		log.Fatal(fmt.Errorf("failed to bind to %s: %w", formattedAddress, err))
	}

	if network == "unix" {
		mode, err := strconv.ParseUint(*socketMode, 8, 0)
		if err != nil {
			listener.Close()
			log.Fatal(fmt.Errorf("could not parse socket mode %s: %w", *socketMode, err))
		}

		if err := os.Chmod(address, os.FileMode(mode)); err != nil {
			if err := listener.Close(); err != nil {
				log.Printf("failed to close listener: %v", err)
			}
			log.Fatal(fmt.Errorf("could not change socket mode: %w", err))
		}
	}

	return listener, formattedAddress
}

func makeReverseProxy(target string, targetSNI string, targetHost string, insecureSkipVerify bool) (http.Handler, error) {
	targetUri, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if targetUri.Scheme == "unix" {
		// the socket path must not leak into proxied request paths
		addr := targetUri.Path
		targetUri.Path = ""
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			dialer := net.Dialer{}
			return dialer.DialContext(ctx, "unix", addr)
		}
		transport.RegisterProtocol("unix", libgatekeeper.UnixRoundTripper{Transport: transport})
	}

	if insecureSkipVerify || targetSNI != "" {
		transport.TLSClientConfig = &tls.Config{}
		if insecureSkipVerify {
			slog.Warn("TARGET_INSECURE_SKIP_VERIFY is set to true, TLS certificate validation will not be performed", "target", target)
			transport.TLSClientConfig.InsecureSkipVerify = true
		}
		if targetSNI != "" {
			transport.TLSClientConfig.ServerName = targetSNI
		}
	}

	rp := httputil.NewSingleHostReverseProxy(targetUri)
	rp.Transport = transport

	if targetHost != "" {
		originalDirector := rp.Director
		rp.Director = func(req *http.Request) {
			originalDirector(req)
			req.Host = targetHost
		}
	}

	return rp, nil
}

// loadConfig reads the config file and applies the flag overrides on top.
func loadConfig() (*config.Config, error) {
	c, err := config.LoadFileOrDefault(*configFname)
	if err != nil {
		return nil, err
	}

	if *catalogFname != "" {
		c.Catalog = *catalogFname
	}

	if *challengeCeiling != 0 {
		c.ChallengeCeiling = config.Duration(*challengeCeiling)
	}

	if *sweepInterval != 0 {
		c.SweepInterval = config.Duration(*sweepInterval)
	}

	if err := c.Valid(); err != nil {
		return nil, err
	}

	return c, nil
}

func main() {
	flagenv.Parse()
	flag.Parse()

	if *versionFlag {
		fmt.Println("gatekeeper", gatekeeper.Version)
		return
	}

	internal.InitSlog(*slogLevel)

	if *basePrefix != "" && !strings.HasPrefix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must start with a slash, eg: /%s", *basePrefix)
	} else if strings.HasSuffix(*basePrefix, "/") {
		log.Fatalf("[misconfiguration] base-prefix must not end with a slash")
	}
	if *stripBasePrefix && *basePrefix == "" {
		log.Fatalf("[misconfiguration] strip-base-prefix is set to true, but base-prefix is not set, " +
			"this may result in unexpected behavior")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("can't load config: %v", err)
	}

	// install signal handler
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	challenges, err := libgatekeeper.NewChallengeStore(ctx, cfg)
	if err != nil {
		log.Fatalf("can't set up challenge store: %v", err)
	}

	if *sweepOnce {
		n, err := challenges.SweepExpired(ctx)
		if err != nil {
			log.Fatalf("can't sweep expired security questions: %v", err)
		}
		slog.Info("swept expired security questions", "count", n)
		return
	}

	if cfg.Store.Backend == "memory" {
		slog.Warn("using the in-memory store, security questions are lost on restart and not shared between instances")
	}

	var rp http.Handler
	// systemd can't set an environment variable to the empty string, only to a space
	if strings.TrimSpace(*target) != "" {
		rp, err = makeReverseProxy(*target, *targetSNI, *targetHost, *targetInsecureSkipVerify)
		if err != nil {
			log.Fatalf("can't make reverse proxy: %v", err)
		}
	}

	s, err := libgatekeeper.New(libgatekeeper.Options{
		Next:            rp,
		Challenges:      challenges,
		ProtectedRoutes: cfg.ProtectedRoutes,
		BasePrefix:      *basePrefix,
		StripBasePrefix: *stripBasePrefix,
	})
	if err != nil {
		log.Fatalf("can't construct libgatekeeper.Server: %v", err)
	}

	wg := new(sync.WaitGroup)

	if *metricsBind != "" {
		wg.Add(1)
		go metricsServer(ctx, wg.Done)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		challenge.NewSweeper(challenges, time.Duration(cfg.SweepInterval)).Run(ctx)
	}()

	var h http.Handler
	h = s
	h = internal.RemoteXRealIP(*useRemoteAddress, *bindNetwork, h)
	h = internal.XForwardedForToXRealIP(h)
	h = internal.XForwardedForUpdate(*xffStripPrivate, h)

	srv := http.Server{Handler: h, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, listenerUrl := setupListener(*bindNetwork, *bind)

	protected := make([]string, 0, len(cfg.ProtectedRoutes))
	for _, r := range cfg.ProtectedRoutes {
		protected = append(protected, r.Pattern())
	}

	slog.Info(
		"listening",
		"url", listenerUrl,
		"target", *target,
		"version", gatekeeper.Version,
		"use-remote-address", *useRemoteAddress,
		"base-prefix", *basePrefix,
		"store", cfg.Store.Backend,
		"challenge-ceiling", time.Duration(cfg.ChallengeCeiling),
		"sweep-interval", time.Duration(cfg.SweepInterval),
		"protected-routes", protected,
	)

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	wg.Wait()
}

func metricsServer(ctx context.Context, done func()) {
	defer done()

	mux := http.NewServeMux()
	mux.Handle(*basePrefix+"/metrics", promhttp.Handler())

	srv := http.Server{Handler: mux, ErrorLog: internal.GetFilteredHTTPLogger()}
	listener, metricsUrl := setupListener(*metricsBindNetwork, *metricsBind)
	slog.Debug("listening for metrics", "url", metricsUrl)

	if *healthcheck {
		log.Println("running healthcheck")
		if err := doHealthCheck(); err != nil {
			log.Fatal(err)
		}
		return
	}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(c); err != nil {
			log.Printf("cannot shut down: %v", err)
		}
	}()

	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
