// Package relay is the externally reachable gateway of a relayhub unit. It forwards requests on
// one path to the backend endpoint published in the service registry and turns backend
// unavailability into explicit error responses.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/relayhub/relayhub/registry"
)

const (
	defaultTimeout     = 8 * time.Second
	defaultGracePeriod = 10 * time.Second
	// How long forcibly cancelled forwards get to write their 503 before connections close.
	forcedDrainWait = time.Second
)

// Registry is the read side of the service registry.
type Registry interface {
	Resolve(name string) (registry.Endpoint, error)
	Health() registry.Health
}

// Options configures a Relay.
type Options struct {
	Registry      Registry // Required
	Backend       string   // Registry name of the backend, defaults to "backend"
	BackendURL    *url.URL // Required; scheme and path of the forwarded request
	Path          string   // Inbound path, defaults to BackendURL.Path
	Timeout       time.Duration
	GracePeriod   time.Duration // Drain time on Shutdown
	JWTSecret     string        // Enables bearer auth when set
	AllowedOrigin string        // Enables CORS when set
	Unit          string        // Shown on the status page
	Processes     Processes     // Enables GET /status and the process list on the status page
	Events        EventLog      // Adds journal entries to GET /status
	Transport     http.RoundTripper
	Logger        *slog.Logger
}

// Relay is an http.Handler plus the server that exposes it.
type Relay struct {
	opts   Options
	logger *slog.Logger
	proxy  *httputil.ReverseProxy
	relay  http.HandlerFunc
	status http.HandlerFunc
	server *http.Server
	// Port the relay is serving on, set by Serve.
	listenPort atomic.Int32

	drainCtx  context.Context
	forceStop context.CancelFunc
	inflight  sync.WaitGroup
}

// New creates a Relay from opts.
func New(opts Options) (*Relay, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.BackendURL == nil || opts.BackendURL.Host == "" {
		return nil, fmt.Errorf("backend URL is required")
	}
	if opts.Backend == "" {
		opts.Backend = "backend"
	}
	if opts.Path == "" {
		opts.Path = opts.BackendURL.Path
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Unit == "" {
		opts.Unit = "relayhub"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transport == nil {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		opts.Transport = &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	rl := &Relay{
		opts:   opts,
		logger: opts.Logger.With("component", "Relay"),
	}
	rl.drainCtx, rl.forceStop = context.WithCancel(context.Background())
	rl.proxy = &httputil.ReverseProxy{
		Director:     rl.direct,
		Transport:    opts.Transport,
		ErrorHandler: rl.proxyError,
		ErrorLog:     slog.NewLogLogger(rl.logger.Handler(), slog.LevelWarn),
	}

	middleware := []func(http.HandlerFunc) http.HandlerFunc{LogRequests(rl.logger)}
	if opts.AllowedOrigin != "" {
		middleware = append(middleware, CORS(opts.AllowedOrigin))
	}
	if opts.JWTSecret != "" {
		middleware = append(middleware, BearerAuth([]byte(opts.JWTSecret)))
	}
	rl.relay = Chain(rl.forward, middleware...)
	if opts.Processes != nil {
		rl.status = Chain(rl.handleProcessStatus, middleware...)
	}

	rl.server = &http.Server{
		Handler:           rl,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(rl.logger.Handler(), slog.LevelWarn),
	}
	return rl, nil
}

// Path returns the inbound path the relay forwards.
func (rl *Relay) Path() string {
	return rl.opts.Path
}

// ServeHTTP routes the relay path, /healthz, /status and the status page.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceID := r.Header.Get("X-Trace-ID")
	if traceID == "" {
		traceID = uuid.New().String()
	}
	r = r.WithContext(context.WithValue(r.Context(), traceIDKey, traceID))

	switch r.URL.Path {
	case rl.opts.Path:
		rl.relay(w, r)
	case "/healthz":
		rl.handleHealth(w, r)
	case "/status":
		if rl.status == nil || r.Method != http.MethodGet && r.Method != http.MethodOptions {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		rl.status(w, r)
	case "/":
		rl.handleStatus(w, r)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func (rl *Relay) forward(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFrom(r.Context())
	endpoint, err := rl.opts.Registry.Resolve(rl.opts.Backend)
	if err != nil {
		rl.logger.Warn("Backend not published", "trace_id", traceID, "backend", rl.opts.Backend, "error", err)
		writeError(w, ErrServiceUnavailable, traceID)
		return
	}
	if int(rl.listenPort.Load()) == endpoint.Port && isLocal(endpoint.Host) {
		rl.logger.Error("Backend endpoint is the relay itself", "trace_id", traceID, "upstream", endpoint.Address())
		writeError(w, ErrUpstreamUnreachable, traceID)
		return
	}
	if rl.drainCtx.Err() != nil {
		writeError(w, ErrServiceUnavailable, traceID)
		return
	}

	rl.inflight.Add(1)
	defer rl.inflight.Done()

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	stop := context.AfterFunc(rl.drainCtx, func() { cancel(errForcedShutdown) })
	defer stop()
	ctx, cancelTimeout := context.WithTimeoutCause(ctx, rl.opts.Timeout, errRequestTimeout)
	defer cancelTimeout()

	ctx = context.WithValue(ctx, endpointKey, endpoint)
	logger := rl.logger
	if claims, ok := ClaimsFrom(r.Context()); ok {
		logger = logger.With("subject", claims.Subject)
	}
	logger.Debug("Forwarding request", "trace_id", traceID, "upstream", endpoint.Address(), "version", endpoint.Version)
	w.Header().Set("X-Trace-ID", traceID)
	rl.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func isLocal(host string) bool {
	if host == "localhost" || host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// direct rewrites the outbound request to the resolved endpoint. Method, body, query and
// end-to-end headers are left as received.
func (rl *Relay) direct(req *http.Request) {
	endpoint, _ := req.Context().Value(endpointKey).(registry.Endpoint)
	req.URL.Scheme = rl.opts.BackendURL.Scheme
	req.URL.Host = endpoint.Address()
	req.URL.Path = rl.opts.BackendURL.Path
	req.URL.RawPath = rl.opts.BackendURL.RawPath
	req.Host = endpoint.Address()
	req.Header.Set("X-Trace-ID", traceIDFrom(req.Context()))
}

func (rl *Relay) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := traceIDFrom(r.Context())
	cause := context.Cause(r.Context())

	var netErr net.Error
	relayErr := ErrUpstreamUnreachable
	switch {
	case errors.Is(cause, errForcedShutdown):
		relayErr = ErrServiceUnavailable
	case errors.Is(cause, errRequestTimeout), errors.As(err, &netErr) && netErr.Timeout():
		relayErr = ErrUpstreamTimeout
	}
	rl.logger.Warn("Forward failed", "trace_id", traceID, "code", relayErr.Code, "error", err)
	writeError(w, relayErr, traceID)
}

type healthBody struct {
	Status  string          `json:"status"`
	Backend string          `json:"backend"`
	Health  registry.Health `json:"health"`
}

func (rl *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := rl.opts.Registry.Health()
	body := healthBody{Status: "starting", Backend: rl.opts.Backend, Health: health}
	code := http.StatusServiceUnavailable
	for _, svc := range health.Services {
		if svc.Name == rl.opts.Backend && svc.Published {
			body.Status = "ok"
			code = http.StatusOK
		}
	}
	if health.Degraded {
		body.Status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (rl *Relay) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s is running: %s is relayed to %s (%s)\n",
		rl.opts.Unit, rl.opts.Path, rl.opts.Backend, rl.opts.BackendURL.Path)
	if rl.opts.Processes == nil {
		return
	}
	if rl.opts.Processes.Degraded() {
		fmt.Fprintln(w, "degraded: a process exhausted its restart budget")
	}
	for _, st := range rl.opts.Processes.Status() {
		fmt.Fprintf(w, "%-12s %-8s pid=%d restarts=%d last_exit=%d\n",
			st.Name, st.Status, st.PID, st.RestartCount, st.LastExitCode)
	}
}

// Serve accepts connections on ln until Shutdown. It returns nil after a shutdown.
func (rl *Relay) Serve(ln net.Listener) error {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		rl.listenPort.Store(int32(addr.Port))
	}
	rl.logger.Info("Relay listening", "address", ln.Addr().String(), "path", rl.opts.Path, "backend", rl.opts.Backend)
	if err := rl.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and lets in-flight forwards drain for the grace
// period or until ctx is done, whichever comes first. Forwards still running after that are
// cancelled and answered with ServiceUnavailable before the remaining connections are closed.
func (rl *Relay) Shutdown(ctx context.Context) error {
	graceCtx, cancel := context.WithTimeout(ctx, rl.opts.GracePeriod)
	defer cancel()

	err := rl.server.Shutdown(graceCtx)
	if err == nil {
		rl.forceStop()
		rl.logger.Info("Relay drained")
		return nil
	}

	rl.logger.Warn("Relay drain timed out, cancelling in-flight requests", "error", err)
	rl.forceStop()
	drained := make(chan struct{})
	go func() {
		rl.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(forcedDrainWait):
	}
	if closeErr := rl.server.Close(); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}
