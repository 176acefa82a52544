// Package config reads the relayhub environment once at startup into an immutable Config.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultBackendURL = "http://127.0.0.1:5005/webhooks/rest/webhook"
	DefaultListenPort = 8000
	DefaultManifest   = "relayhub.yaml"
	DefaultBackend    = "backend"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"

	defaultEnvFile      = ".env"
	defaultPortRangeMin = 20000
	defaultPortRangeMax = 20999
)

// Config holds every setting read from the environment.
type Config struct {
	BackendURL       *url.URL
	ListenPort       int
	TelemetryEnabled bool

	ManifestPath      string
	Backend           string
	RelayPath         string
	RelayTimeout      time.Duration
	DependencyTimeout time.Duration
	JWTSecret         string
	AllowedOrigin     string

	RestartCap     int
	RestartWindow  time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	GracePeriod    time.Duration
	PortRangeMin   int
	PortRangeMax   int

	StateDir  string
	LogLevel  slog.Level
	LogFormat string
}

// Load reads an optional dotenv file and then the process environment. Variables already set
// in the environment win over the file. envFile names the file explicitly; otherwise
// RELAYHUB_ENV_FILE is used, or ./.env when it exists.
func Load(envFile string) (*Config, error) {
	explicit := envFile != ""
	if !explicit {
		envFile, explicit = os.LookupEnv("RELAYHUB_ENV_FILE")
	}
	if !explicit {
		if _, err := os.Stat(defaultEnvFile); err == nil {
			envFile = defaultEnvFile
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	cfg, err := FromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// FromEnv builds a Config from lookup, applying defaults. It does not call Validate.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	p := parser{lookup: lookup}

	rawURL := p.str("BACKEND_URL", "")
	if rawURL == "" {
		rawURL = p.str("RASA_URL", DefaultBackendURL)
	}
	backendURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("BACKEND_URL: %w", err)
	}

	cfg := &Config{
		BackendURL:        backendURL,
		ListenPort:        p.integer("PORT", DefaultListenPort),
		TelemetryEnabled:  p.flag("TELEMETRY_ENABLED", false),
		ManifestPath:      p.str("RELAYHUB_MANIFEST", DefaultManifest),
		Backend:           p.str("RELAY_BACKEND", DefaultBackend),
		RelayPath:         p.str("RELAY_PATH", backendURL.Path),
		RelayTimeout:      p.duration("RELAY_TIMEOUT", 8*time.Second),
		DependencyTimeout: p.duration("RELAY_DEPENDENCY_TIMEOUT", 60*time.Second),
		JWTSecret:         p.str("RELAY_JWT_SECRET", ""),
		AllowedOrigin:     p.str("RELAY_ALLOWED_ORIGIN", ""),
		RestartCap:        p.integer("SUPERVISOR_RESTART_CAP", 5),
		RestartWindow:     p.duration("SUPERVISOR_RESTART_WINDOW", 60*time.Second),
		BackoffInitial:    p.duration("SUPERVISOR_BACKOFF_INITIAL", time.Second),
		BackoffMax:        p.duration("SUPERVISOR_BACKOFF_MAX", 30*time.Second),
		GracePeriod:       p.duration("SUPERVISOR_GRACE_PERIOD", 10*time.Second),
		StateDir:          p.str("RELAYHUB_STATE_DIR", ""),
		LogFormat:         strings.ToLower(p.str("LOG_FORMAT", LogFormatJSON)),
	}
	cfg.PortRangeMin, cfg.PortRangeMax = p.portRange("SUPERVISOR_PORT_RANGE", defaultPortRangeMin, defaultPortRangeMax)
	cfg.LogLevel = p.level("LOG_LEVEL", slog.LevelInfo)
	if cfg.RelayPath == "" {
		cfg.RelayPath = "/"
	}

	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.BackendURL.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("BACKEND_URL: unsupported scheme %q", c.BackendURL.Scheme)
	}
	if !isLoopback(c.BackendURL.Hostname()) {
		return fmt.Errorf("BACKEND_URL: host %q is not a loopback address", c.BackendURL.Hostname())
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("PORT: %d is out of range", c.ListenPort)
	}
	if c.ListenPort == c.BackendPort() {
		return fmt.Errorf("PORT: relay port %d is the backend port", c.ListenPort)
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		return fmt.Errorf("RELAY_PATH: %q must start with /", c.RelayPath)
	}
	switch c.RelayPath {
	case "/healthz", "/status":
		return fmt.Errorf("RELAY_PATH: %s is reserved", c.RelayPath)
	}
	if c.RestartCap <= 0 {
		return fmt.Errorf("SUPERVISOR_RESTART_CAP: %d must be positive", c.RestartCap)
	}
	if c.BackoffMax < c.BackoffInitial {
		return errors.New("SUPERVISOR_BACKOFF_MAX: must not be below SUPERVISOR_BACKOFF_INITIAL")
	}
	if c.LogFormat != LogFormatJSON && c.LogFormat != LogFormatConsole {
		return fmt.Errorf("LOG_FORMAT: unknown format %q", c.LogFormat)
	}
	return nil
}

// BackendPort returns the port of BACKEND_URL, defaulting by scheme.
func (c *Config) BackendPort() int {
	if p := c.BackendURL.Port(); p != "" {
		port, _ := strconv.Atoi(p)
		return port
	}
	if c.BackendURL.Scheme == "https" {
		return 443
	}
	return 80
}

// ChildEnv returns variables exported to every managed process.
func (c *Config) ChildEnv() map[string]string {
	telemetry := strconv.FormatBool(c.TelemetryEnabled)
	return map[string]string{
		"RASA_TELEMETRY_ENABLED": telemetry,
		"TELEMETRY_ENABLED":      telemetry,
		"BACKEND_URL":            c.BackendURL.String(),
	}
}

// NewLogger builds the process logger: slog JSON by default, slog text for the console format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == LogFormatConsole {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// parser keeps the first parse failure so FromEnv can read every variable in one pass.
type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) raw(name string) (string, bool) {
	v, ok := p.lookup(name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (p *parser) fail(name, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: invalid value %q: %w", name, value, err)
	}
}

func (p *parser) str(name, def string) string {
	if v, ok := p.raw(name); ok {
		return v
	}
	return def
}

func (p *parser) integer(name string, def int) int {
	v, ok := p.raw(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(name, v, err)
		return def
	}
	return n
}

func (p *parser) flag(name string, def bool) bool {
	v, ok := p.raw(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(name, v, err)
		return def
	}
	return b
}

func (p *parser) duration(name string, def time.Duration) time.Duration {
	v, ok := p.raw(name)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err == nil && d <= 0 {
		err = errors.New("must be positive")
	}
	if err != nil {
		p.fail(name, v, err)
		return def
	}
	return d
}

func (p *parser) portRange(name string, defMin, defMax int) (int, int) {
	v, ok := p.raw(name)
	if !ok {
		return defMin, defMax
	}
	lo, hi, found := strings.Cut(v, "-")
	if !found {
		p.fail(name, v, errors.New("expected MIN-MAX"))
		return defMin, defMax
	}
	minPort, err1 := strconv.Atoi(strings.TrimSpace(lo))
	maxPort, err2 := strconv.Atoi(strings.TrimSpace(hi))
	if err := errors.Join(err1, err2); err != nil {
		p.fail(name, v, err)
		return defMin, defMax
	}
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		p.fail(name, v, errors.New("range out of bounds"))
		return defMin, defMax
	}
	return minPort, maxPort
}

func (p *parser) level(name string, def slog.Level) slog.Level {
	v, ok := p.raw(name)
	if !ok {
		return def
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		p.fail(name, v, err)
		return def
	}
	return level
}
