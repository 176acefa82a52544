package manifest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProbeType selects how a process is checked for readiness or liveness.
type ProbeType string

const (
	// ProbeNone treats the process as ready as soon as it has been spawned.
	ProbeNone ProbeType = "none"
	// ProbeTCP succeeds once a TCP connection to the process port can be opened.
	ProbeTCP ProbeType = "tcp"
	// ProbeHTTP succeeds once a GET on Path returns a 2xx status.
	ProbeHTTP ProbeType = "http"
)

// RestartPolicy decides whether an exited process is relaunched.
type RestartPolicy string

const (
	// RestartOnFailure relaunches after a non-zero or signaled exit.
	RestartOnFailure RestartPolicy = "on-failure"
	// RestartAlways relaunches after any exit.
	RestartAlways RestartPolicy = "always"
	// RestartNever leaves the process stopped after it exits.
	RestartNever RestartPolicy = "never"
)

const (
	defaultProbeInterval         = 250 * time.Millisecond
	defaultProbeTimeout          = 2 * time.Second
	defaultLivenessInterval      = 10 * time.Second
	defaultLivenessFailThreshold = 3
)

// Probe describes a readiness or liveness check against the process's loopback port.
type Probe struct {
	Type             ProbeType     `yaml:"type" toml:"type"`
	Path             string        `yaml:"path" toml:"path"`
	Interval         time.Duration `yaml:"-" toml:"-"`
	Timeout          time.Duration `yaml:"-" toml:"-"`
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`

	// Raw string values for unmarshaling
	IntervalRaw string `yaml:"interval" toml:"interval"`
	TimeoutRaw  string `yaml:"timeout" toml:"timeout"`
}

// Descriptor is the static declaration of one managed process.
// It is created when the manifest is loaded and never modified afterwards.
type Descriptor struct {
	Name              string            `yaml:"name" toml:"name"`
	Command           string            `yaml:"command" toml:"command"`
	Args              []string          `yaml:"args" toml:"args"`
	Env               map[string]string `yaml:"env" toml:"env"`
	Dir               string            `yaml:"dir" toml:"dir"`
	Port              int               `yaml:"port" toml:"port"`
	AllocatePort      bool              `yaml:"allocate_port" toml:"allocate_port"` // take Port from the supervisor's port range
	DependsOn         []string          `yaml:"depends_on" toml:"depends_on"`
	DependencyTimeout time.Duration     `yaml:"-" toml:"-"`
	Readiness         Probe             `yaml:"readiness" toml:"readiness"`
	Liveness          *Probe            `yaml:"liveness" toml:"liveness"`
	Restart           RestartPolicy     `yaml:"restart" toml:"restart"`

	DependencyTimeoutRaw string `yaml:"dependency_timeout" toml:"dependency_timeout"`
}

// Listens reports whether the process binds a loopback port the supervisor knows about.
func (d Descriptor) Listens() bool {
	return d.Port > 0 || d.AllocatePort
}

// ExpandArgs returns the argument list with ${PORT} replaced by the assigned port.
func (d Descriptor) ExpandArgs(port int) []string {
	args := make([]string, len(d.Args))
	for i, arg := range d.Args {
		args[i] = expandPort(arg, port)
	}
	return args
}

// ExpandEnv returns the environment overrides with ${PORT} replaced by the assigned port.
func (d Descriptor) ExpandEnv(port int) map[string]string {
	env := make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		env[k] = expandPort(v, port)
	}
	return env
}

func expandPort(s string, port int) string {
	return strings.ReplaceAll(s, portPlaceholder, strconv.Itoa(port))
}

func (p *Probe) parseDurations(field string) error {
	var err error
	if p.IntervalRaw != "" {
		p.Interval, err = time.ParseDuration(p.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing %s.interval %q: %w", field, p.IntervalRaw, err)
		}
	}
	if p.TimeoutRaw != "" {
		p.Timeout, err = time.ParseDuration(p.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing %s.timeout %q: %w", field, p.TimeoutRaw, err)
		}
	}
	return nil
}

func (p *Probe) applyDefaults(interval time.Duration, listens bool) {
	if p.Type == "" {
		if listens {
			p.Type = ProbeTCP
		} else {
			p.Type = ProbeNone
		}
	}
	if p.Interval == 0 {
		p.Interval = interval
	}
	if p.Timeout == 0 {
		p.Timeout = defaultProbeTimeout
	}
	if p.FailureThreshold == 0 {
		p.FailureThreshold = defaultLivenessFailThreshold
	}
	if p.Type == ProbeHTTP && p.Path == "" {
		p.Path = "/"
	}
}

func (d *Descriptor) parseDurations() error {
	var err error
	if d.DependencyTimeoutRaw != "" {
		d.DependencyTimeout, err = time.ParseDuration(d.DependencyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("process %q: parsing dependency_timeout %q: %w", d.Name, d.DependencyTimeoutRaw, err)
		}
	}
	if err := d.Readiness.parseDurations("readiness"); err != nil {
		return fmt.Errorf("process %q: %w", d.Name, err)
	}
	if d.Liveness != nil {
		if err := d.Liveness.parseDurations("liveness"); err != nil {
			return fmt.Errorf("process %q: %w", d.Name, err)
		}
	}
	return nil
}

// ApplyDefaults fills unset probe and restart fields. Load calls it for every descriptor;
// callers building descriptors in code should call it too.
func (d *Descriptor) ApplyDefaults() {
	if d.Restart == "" {
		d.Restart = RestartOnFailure
	}
	d.Readiness.applyDefaults(defaultProbeInterval, d.Listens())
	if d.Liveness != nil {
		d.Liveness.applyDefaults(defaultLivenessInterval, d.Listens())
	}
}

func (p Probe) validate(field string) error {
	switch p.Type {
	case ProbeNone, ProbeTCP, ProbeHTTP:
	default:
		return fmt.Errorf("%s probe has unknown type %q", field, p.Type)
	}
	if p.Interval < 0 || p.Timeout < 0 {
		return fmt.Errorf("%s probe durations must not be negative", field)
	}
	if p.FailureThreshold < 0 {
		return fmt.Errorf("%s probe failure_threshold must not be negative", field)
	}
	return nil
}
