package processes

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/tomyedwab/relayhub/relayhub/manifest"
)

// loopbackHost is where every managed process is expected to listen.
const loopbackHost = "127.0.0.1"

// Prober performs one readiness or liveness check against a process port.
type Prober interface {
	// Probe returns nil if the process answered as expected.
	Probe(ctx context.Context, port int) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, port int) error

func (f ProberFunc) Probe(ctx context.Context, port int) error { return f(ctx, port) }

// ProberFactory builds the prober for a descriptor's probe declaration.
type ProberFactory func(name string, probe manifest.Probe) Prober

// NewProber is the default ProberFactory.
func NewProber(name string, probe manifest.Probe) Prober {
	switch probe.Type {
	case manifest.ProbeTCP:
		return &TCPProber{}
	case manifest.ProbeHTTP:
		return NewHTTPProber(probe.Path)
	default:
		return ProberFunc(func(context.Context, int) error { return nil })
	}
}

// TCPProber succeeds when a TCP connection to the loopback port can be opened.
type TCPProber struct {
	dialer net.Dialer
}

// Probe dials 127.0.0.1:port.
func (p *TCPProber) Probe(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d for tcp probe", port)
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("tcp probe failed: %w", err)
	}
	return conn.Close()
}

// HTTPProber implements Prober using HTTP GET requests against a path on the process port.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber creates an HTTPProber for path. Per-request deadlines come from the context
// passed to Probe.
func NewHTTPProber(path string) *HTTPProber {
	if path == "" {
		path = "/"
	}
	return &HTTPProber{
		client: &http.Client{},
		path:   path,
	}
}

// Probe performs GET http://127.0.0.1:<port><path> and expects a 2xx status.
func (h *HTTPProber) Probe(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d for http probe", port)
	}

	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(loopbackHost, strconv.Itoa(port)), h.path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		// Network error, timeout, connection refused, etc.
		return fmt.Errorf("http probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http probe at %s returned status %s", url, resp.Status)
}
