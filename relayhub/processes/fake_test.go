package processes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/relayhub/relayhub/manifest"
	"github.com/tomyedwab/relayhub/relayhub/registry"
)

type fakeProcess struct {
	pid        int
	spec       LaunchSpec
	ignoreTerm bool
	launcher   *fakeLauncher

	mu      sync.Mutex
	signals []os.Signal
	status  ExitStatus
	once    sync.Once
	done    chan struct{}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitStatus() ExitStatus {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	p.launcher.logSignal(p.spec.Name, sig)

	switch sig {
	case syscall.SIGKILL:
		p.exit(ExitStatus{Code: -1, Signal: "killed"})
	case syscall.SIGTERM:
		if !p.ignoreTerm {
			p.exit(ExitStatus{Code: 0})
		}
	}
	return nil
}

func (p *fakeProcess) Kill() error { return p.Signal(syscall.SIGKILL) }

// exit ends the fake run. Only the first call has an effect.
func (p *fakeProcess) exit(status ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = status
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) received(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

func (p *fakeProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type fakeLauncher struct {
	mu         sync.Mutex
	nextPID    int
	launches   []*fakeProcess
	signalLog  []string // "name:signal" in delivery order
	fail       map[string]error
	ignoreTerm map[string]bool
	// onLaunch runs after each spawn, outside the launcher lock.
	onLaunch func(p *fakeProcess)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPID:    1000,
		fail:       make(map[string]error),
		ignoreTerm: make(map[string]bool),
	}
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	if err := l.fail[spec.Name]; err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.nextPID++
	p := &fakeProcess{
		pid:        l.nextPID,
		spec:       spec,
		ignoreTerm: l.ignoreTerm[spec.Name],
		launcher:   l,
		done:       make(chan struct{}),
	}
	l.launches = append(l.launches, p)
	hook := l.onLaunch
	l.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return p, nil
}

func (l *fakeLauncher) logSignal(name string, sig os.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signalLog = append(l.signalLog, name+":"+sig.String())
}

func (l *fakeLauncher) signals() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.signalLog...)
}

// names returns the launched process names in launch order.
func (l *fakeLauncher) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.launches))
	for _, p := range l.launches {
		names = append(names, p.spec.Name)
	}
	return names
}

func (l *fakeLauncher) runs(name string) []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	var runs []*fakeProcess
	for _, p := range l.launches {
		if p.spec.Name == name {
			runs = append(runs, p)
		}
	}
	return runs
}

func (l *fakeLauncher) count(name string) int {
	return len(l.runs(name))
}

func (l *fakeLauncher) last(name string) *fakeProcess {
	runs := l.runs(name)
	if len(runs) == 0 {
		return nil
	}
	return runs[len(runs)-1]
}

// fakeProbes answers readiness per process name; liveness answers come from the live map.
type fakeProbes struct {
	ready sync.Map // name -> *atomic.Bool
	live  sync.Map // name -> *atomic.Bool
}

func (f *fakeProbes) flag(m *sync.Map, name string, initial bool) *atomic.Bool {
	v, loaded := m.LoadOrStore(name, new(atomic.Bool))
	b := v.(*atomic.Bool)
	if !loaded {
		b.Store(initial)
	}
	return b
}

func (f *fakeProbes) setReady(name string, ok bool) { f.flag(&f.ready, name, ok).Store(ok) }

func (f *fakeProbes) setLive(name string, ok bool) { f.flag(&f.live, name, ok).Store(ok) }

var errProbe = errors.New("probe failed")

// factory treats HTTP probes as liveness checks and everything else as readiness.
func (f *fakeProbes) factory(name string, probe manifest.Probe) Prober {
	m, initial := &f.ready, true
	if probe.Type == manifest.ProbeHTTP {
		m = &f.live
	}
	flag := f.flag(m, name, initial)
	return ProberFunc(func(ctx context.Context, port int) error {
		if flag.Load() {
			return nil
		}
		return errProbe
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *recordingRecorder) Record(e LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingRecorder) has(process string, kind EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Process == process && e.Type == kind {
			return true
		}
	}
	return false
}

type testEnv struct {
	sup      *Supervisor
	launcher *fakeLauncher
	probes   *fakeProbes
	registry *registry.Registry
	events   *recordingRecorder
}

func newTestEnv(t *testing.T, configure func(cfg *Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		launcher: newFakeLauncher(),
		probes:   &fakeProbes{},
		registry: registry.New(),
		events:   &recordingRecorder{},
	}
	cfg := Config{
		Registry:               env.registry,
		Launcher:               env.launcher,
		Probers:                env.probes.factory,
		Recorder:               env.events,
		Logger:                 discardLogger(),
		Output:                 SlogSink{Logger: discardLogger()},
		RestartBackoffInitial:  time.Millisecond,
		RestartBackoffMax:      5 * time.Millisecond,
		GracefulShutdownPeriod: time.Second,
		DependencyTimeout:      time.Second,
	}
	if configure != nil {
		configure(&cfg)
	}
	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)
	env.sup = sup
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	return env
}

func (e *testEnv) waitStatus(t *testing.T, name string, want Status) {
	t.Helper()
	// Start registers handles asynchronously when it runs in its own goroutine.
	require.Eventually(t, func() bool {
		h, ok := e.sup.Handle(name)
		return ok && h.Status().Status == want
	}, 2*time.Second, 5*time.Millisecond, "%s never reached %s", name, want)
}

func descriptor(name string, port int, deps ...string) manifest.Descriptor {
	d := manifest.Descriptor{
		Name:      name,
		Command:   "/bin/" + name,
		Port:      port,
		DependsOn: deps,
	}
	d.ApplyDefaults()
	return d
}
