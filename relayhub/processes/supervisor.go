// Package processes supervises the child processes of a relayhub unit: it launches them in
// dependency order, waits for readiness, publishes their loopback endpoints, restarts them
// after crashes with backoff and a restart budget, and terminates them on shutdown.
package processes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tomyedwab/relayhub/relayhub/manifest"
	"github.com/tomyedwab/relayhub/relayhub/registry"
)

const (
	defaultRestartCap             = 5
	defaultRestartWindow          = 60 * time.Second
	defaultRestartBackoffInitial  = 1 * time.Second
	defaultRestartBackoffMax      = 30 * time.Second
	defaultGracefulShutdownPeriod = 10 * time.Second
	defaultDependencyTimeout      = 30 * time.Second
	defaultLogLines               = 1000
)

// Publisher is the part of the service registry the supervisor writes to.
type Publisher interface {
	Publish(name string, endpoint registry.Endpoint) registry.Endpoint
	Withdraw(name string)
	Track(name string)
	MarkDegraded(name, reason string)
}

// Config holds configuration options for the Supervisor.
type Config struct {
	Registry               Publisher     // Required
	Launcher               Launcher      // Optional, defaults to ExecLauncher
	PortManager            *PortManager  // Required when a descriptor sets allocate_port
	Probers                ProberFactory // Optional, defaults to NewProber
	Recorder               EventRecorder // Optional
	Output                 OutputSink    // Optional, defaults to SlogSink on Logger
	Logger                 *slog.Logger  // Optional, defaults to slog.Default()
	RestartCap             int           // Crashes within RestartWindow that stop a process for good, defaults to 5
	RestartWindow          time.Duration // Optional, defaults to 60s
	RestartBackoffInitial  time.Duration // Optional, defaults to 1s
	RestartBackoffMax      time.Duration // Optional, defaults to 30s
	GracefulShutdownPeriod time.Duration // Time between SIGTERM and SIGKILL on shutdown, defaults to 10s
	DependencyTimeout      time.Duration // Used when a descriptor sets none, defaults to 30s
	Env                    map[string]string
	InternalSecret         string // Exported to children as RELAYHUB_INTERNAL_SECRET
	LogLines               int    // Output lines kept per process, defaults to 1000
}

// Supervisor owns the lifecycle of every process in a unit. It is the only component that
// starts, stops or restarts children.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	order   []*Handle // start order
	started bool

	stopping     atomic.Bool
	stopCh       chan struct{}
	shutdownOnce sync.Once
	shutdownDone chan struct{}
	wg           sync.WaitGroup // monitor goroutines
}

// NewSupervisor creates a Supervisor, filling defaults for unset options.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.Probers == nil {
		cfg.Probers = NewProber
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Output == nil {
		cfg.Output = SlogSink{Logger: cfg.Logger}
	}
	if cfg.RestartCap <= 0 {
		cfg.RestartCap = defaultRestartCap
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = defaultRestartWindow
	}
	if cfg.RestartBackoffInitial <= 0 {
		cfg.RestartBackoffInitial = defaultRestartBackoffInitial
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = defaultRestartBackoffMax
	}
	if cfg.RestartBackoffMax < cfg.RestartBackoffInitial {
		cfg.RestartBackoffMax = cfg.RestartBackoffInitial
	}
	if cfg.GracefulShutdownPeriod <= 0 {
		cfg.GracefulShutdownPeriod = defaultGracefulShutdownPeriod
	}
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = defaultDependencyTimeout
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = defaultLogLines
	}

	return &Supervisor{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "Supervisor"),
		handles:      make(map[string]*Handle),
		stopCh:       make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}, nil
}

// Start launches the descriptors in dependency order. Before a process is launched, each of
// its dependencies must become ready within the descriptor's dependency timeout. Start returns
// once every process has been spawned; readiness of processes nobody depends on is not awaited.
//
// A spawn failure returns a *LaunchError and a dependency that never becomes ready returns a
// *StartupTimeoutError. Processes already launched keep running; the caller decides whether to
// call Shutdown.
func (s *Supervisor) Start(ctx context.Context, descriptors []manifest.Descriptor) error {
	ordered, err := manifest.Order(descriptors)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	if s.stopping.Load() {
		s.mu.Unlock()
		return errShuttingDown
	}
	s.started = true
	for _, d := range ordered {
		if d.AllocatePort && s.cfg.PortManager == nil {
			s.mu.Unlock()
			return fmt.Errorf("process %s needs a port but no port manager is configured", d.Name)
		}
		d.ApplyDefaults()
		h := newHandle(d, s.cfg.LogLines)
		s.handles[d.Name] = h
		s.order = append(s.order, h)
		if d.Listens() {
			s.cfg.Registry.Track(d.Name)
		}
	}
	handles := append([]*Handle(nil), s.order...)
	s.mu.Unlock()

	s.logger.Info("Supervisor starting processes", "count", len(handles))
	for _, h := range handles {
		d := h.Descriptor
		for _, dep := range d.DependsOn {
			timeout := d.DependencyTimeout
			if timeout == 0 {
				timeout = s.cfg.DependencyTimeout
			}
			s.logger.Info("Waiting for dependency", "process", d.Name, "dependency", dep, "timeout", timeout)
			if err := s.WaitReady(ctx, dep, timeout); err != nil {
				var timeoutErr *StartupTimeoutError
				if errors.As(err, &timeoutErr) {
					timeoutErr.Name = d.Name
				}
				s.logger.Error("Dependency not ready", "process", d.Name, "dependency", dep, "error", err)
				return err
			}
		}

		proc, err := s.launch(h)
		if err != nil {
			s.finish(h, err.Error())
			return err
		}
		s.wg.Add(1)
		go s.monitor(h, proc)
	}
	return nil
}

// WaitReady blocks until the named process has passed its readiness probe, has stopped for
// good, or timeout elapses.
func (s *Supervisor) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	h, ok := s.Handle(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		status, changed := h.watch()
		if status.HasBeenReady() {
			return nil
		}
		if status == StatusStopped {
			return &StartupTimeoutError{Dependency: name, Timeout: timeout, Err: errors.New("process stopped")}
		}
		select {
		case <-changed:
		case <-timer.C:
			return &StartupTimeoutError{Dependency: name, Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle returns the handle for a managed process.
func (s *Supervisor) Handle(name string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	return h, ok
}

// Status returns a snapshot of every handle in start order.
func (s *Supervisor) Status() []HandleStatus {
	s.mu.Lock()
	handles := append([]*Handle(nil), s.order...)
	s.mu.Unlock()

	statuses := make([]HandleStatus, 0, len(handles))
	for _, h := range handles {
		statuses = append(statuses, h.Status())
	}
	return statuses
}

// Output returns captured output of the named process, oldest first. With sinceID > 0 only
// lines newer than that ID are returned. At most limit of the newest lines are returned.
func (s *Supervisor) Output(name string, sinceID int64, limit int) ([]LogLine, error) {
	h, ok := s.Handle(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	if sinceID <= 0 {
		return h.Logs.Latest(limit), nil
	}
	lines := h.Logs.Since(sinceID)
	if limit >= 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// Degraded reports whether any process has stopped for good after abnormal exits.
func (s *Supervisor) Degraded() bool {
	for _, st := range s.Status() {
		if st.Degraded {
			return true
		}
	}
	return false
}

// Shutdown stops every process in reverse start order. Each child's process group gets
// SIGTERM; whatever is still alive when the graceful period expires (or ctx is done) gets
// SIGKILL. Shutdown returns once every child has been reaped. It is safe to call more than once.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down all managed processes...")
		s.mu.Lock()
		s.stopping.Store(true)
		s.mu.Unlock()
		close(s.stopCh)

		s.stopAll(ctx)
		s.wg.Wait()

		s.mu.Lock()
		handles := append([]*Handle(nil), s.order...)
		s.mu.Unlock()
		for _, h := range handles {
			if h.Status().Status != StatusStopped {
				s.finish(h, "supervisor shut down")
			}
		}
		s.logger.Info("All managed processes have stopped.")
		close(s.shutdownDone)
	})
	<-s.shutdownDone
}

func (s *Supervisor) stopAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		handles = append(handles, s.order[i])
	}
	s.mu.Unlock()

	grace := time.NewTimer(s.cfg.GracefulShutdownPeriod)
	defer grace.Stop()

	expired := false
	for _, h := range handles {
		proc := s.beginStop(h)
		if proc == nil || expired {
			continue
		}
		s.logger.Info("Stopping process", "process", h.Descriptor.Name, "pid", proc.PID())
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Error("Failed to send SIGTERM to process", "process", h.Descriptor.Name, "pid", proc.PID(), "error", err)
		}
		select {
		case <-proc.Done():
			s.logger.Info("Process exited after SIGTERM", "process", h.Descriptor.Name, "pid", proc.PID())
		case <-grace.C:
			expired = true
		case <-ctx.Done():
			expired = true
		}
	}

	for _, h := range handles {
		proc := h.process()
		if proc == nil {
			continue
		}
		select {
		case <-proc.Done():
			continue
		default:
		}
		s.logger.Warn("Process did not exit gracefully, sending SIGKILL", "process", h.Descriptor.Name, "pid", proc.PID())
		if err := proc.Kill(); err != nil {
			s.logger.Error("Failed to send SIGKILL to process", "process", h.Descriptor.Name, "pid", proc.PID(), "error", err)
		}
		<-proc.Done()
	}
}

// beginStop marks a live process as stopping and returns it.
func (s *Supervisor) beginStop(h *Handle) Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.proc == nil {
		return nil
	}
	h.setStatus(StatusStopping)
	return h.proc
}

// launch spawns one run of h. Holding h.mu across the spawn guarantees that Shutdown either
// sees the new process or prevents it from being spawned.
func (s *Supervisor) launch(h *Handle) (Process, error) {
	defer s.flushEvents(h)
	h.mu.Lock()
	defer h.mu.Unlock()

	d := h.Descriptor
	if s.stopping.Load() {
		return nil, errShuttingDown
	}
	if d.AllocatePort && h.port == 0 {
		port, err := s.cfg.PortManager.AllocatePort()
		if err != nil {
			return nil, &LaunchError{Name: d.Name, Err: err}
		}
		h.port = port
		s.logger.Info("Allocated port for process", "process", d.Name, "port", port)
	}

	var pid atomic.Int64
	output := func(stream string) *lineWriter {
		return newLineWriter(func(line string) {
			p := int(pid.Load())
			s.cfg.Output.Line(d.Name, stream, p, line)
			h.Logs.Add(stream, line, p)
		})
	}
	stdout, stderr := output("stdout"), output("stderr")

	spec := LaunchSpec{
		Name:    d.Name,
		Command: d.Command,
		Args:    d.ExpandArgs(h.port),
		Env:     s.childEnv(d, h.port),
		Dir:     d.Dir,
		Stdout:  stdout,
		Stderr:  stderr,
	}

	s.logger.Info("Attempting to start process", "process", d.Name, "command", d.Command, "args", spec.Args)
	proc, err := s.cfg.Launcher.Launch(spec)
	if err != nil {
		s.logger.Error("Failed to start process", "process", d.Name, "error", err)
		s.record(h, EventLaunchFailed, 0, 0, err.Error())
		return nil, &LaunchError{Name: d.Name, Err: err}
	}
	pid.Store(int64(proc.PID()))

	h.proc = proc
	h.pid = proc.PID()
	h.setStatus(StatusStarting)
	s.logger.Info("Process started", "process", d.Name, "pid", h.pid, "port", h.port)
	s.record(h, EventLaunched, h.pid, 0, "")

	go func() {
		<-proc.Done()
		stdout.Flush()
		stderr.Flush()
	}()
	return proc, nil
}

func (s *Supervisor) childEnv(d manifest.Descriptor, port int) []string {
	env := os.Environ()
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}
	if port > 0 {
		env = append(env, "PORT="+strconv.Itoa(port))
	}
	if s.cfg.InternalSecret != "" {
		env = append(env, "RELAYHUB_INTERNAL_SECRET="+s.cfg.InternalSecret)
	}
	env = append(env, "RELAYHUB_PROCESS_NAME="+d.Name)
	for k, v := range d.ExpandEnv(port) {
		env = append(env, k+"="+v)
	}
	return env
}

// monitor owns h from its first launch until it stops for good.
func (s *Supervisor) monitor(h *Handle, proc Process) {
	defer s.wg.Done()

	var launchErr error
	for {
		var exit ExitStatus
		if proc != nil {
			exit = s.watchRun(h, proc)
		} else {
			exit = ExitStatus{Code: -1, Err: launchErr}
		}

		delay, restart := s.handleExit(h, proc, exit)
		if !restart {
			return
		}
		s.logger.Info("Applying restart backoff", "process", h.Descriptor.Name, "duration", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			s.finish(h, "supervisor shutting down")
			return
		}

		var err error
		proc, err = s.launch(h)
		if errors.Is(err, errShuttingDown) {
			s.finish(h, "supervisor shutting down")
			return
		}
		launchErr = err
	}
}

// watchRun follows one run of a process: readiness, publish, liveness, exit.
func (s *Supervisor) watchRun(h *Handle, proc Process) ExitStatus {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	go s.awaitReadiness(ctx, h, ready)

	var readyCh <-chan struct{} = ready
	var unhealthyCh <-chan struct{}
	for {
		select {
		case <-proc.Done():
			return proc.ExitStatus()
		case <-readyCh:
			readyCh = nil
			select {
			case <-proc.Done():
				continue
			default:
			}
			s.markReady(h, proc)
			if live := h.Descriptor.Liveness; live != nil && live.Type != manifest.ProbeNone {
				unhealthy := make(chan struct{})
				unhealthyCh = unhealthy
				go s.watchLiveness(ctx, h, *live, unhealthy)
			}
		case <-unhealthyCh:
			unhealthyCh = nil
			s.logger.Error("Process persistently unhealthy, killing it", "process", h.Descriptor.Name, "pid", proc.PID())
			h.mu.Lock()
			s.record(h, EventUnhealthy, proc.PID(), 0, "liveness probe failed")
			h.mu.Unlock()
			s.flushEvents(h)
			if err := proc.Kill(); err != nil {
				s.logger.Error("Failed to kill unhealthy process", "process", h.Descriptor.Name, "error", err)
			}
		}
	}
}

func (s *Supervisor) awaitReadiness(ctx context.Context, h *Handle, ready chan<- struct{}) {
	d := h.Descriptor
	if d.Readiness.Type == manifest.ProbeNone {
		close(ready)
		return
	}
	prober := s.cfg.Probers(d.Name, d.Readiness)
	port := h.Status().Port
	for {
		probeCtx, cancel := context.WithTimeout(ctx, d.Readiness.Timeout)
		err := prober.Probe(probeCtx, port)
		cancel()
		if err == nil {
			close(ready)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Debug("Readiness probe failed", "process", d.Name, "port", port, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.Readiness.Interval):
		}
	}
}

func (s *Supervisor) watchLiveness(ctx context.Context, h *Handle, probe manifest.Probe, unhealthy chan<- struct{}) {
	prober := s.cfg.Probers(h.Descriptor.Name, probe)
	port := h.Status().Port
	ticker := time.NewTicker(probe.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		probeCtx, cancel := context.WithTimeout(ctx, probe.Timeout)
		err := prober.Probe(probeCtx, port)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		s.logger.Warn("Liveness probe failed", "process", h.Descriptor.Name, "failures", failures, "error", err)
		if failures >= probe.FailureThreshold {
			close(unhealthy)
			return
		}
	}
}

// markReady moves a run from starting to ready, publishes its endpoint and moves it to running.
func (s *Supervisor) markReady(h *Handle, proc Process) {
	d := h.Descriptor

	h.mu.Lock()
	if h.proc != proc || h.status != StatusStarting {
		h.mu.Unlock()
		return
	}
	h.setStatus(StatusReady)
	port, pid := h.port, h.pid
	s.record(h, EventReady, pid, 0, "")
	h.mu.Unlock()
	s.flushEvents(h)

	s.logger.Info("Process is ready", "process", d.Name, "pid", pid, "port", port)

	if d.Listens() {
		endpoint := s.cfg.Registry.Publish(d.Name, registry.Endpoint{Host: loopbackHost, Port: port})
		s.logger.Info("Published endpoint", "process", d.Name, "address", endpoint.Address(), "version", endpoint.Version)
	}

	h.mu.Lock()
	if h.status == StatusReady {
		h.setStatus(StatusRunning)
	}
	h.mu.Unlock()
}

// handleExit records the end of a run and decides whether to restart, and after what delay.
func (s *Supervisor) handleExit(h *Handle, proc Process, exit ExitStatus) (time.Duration, bool) {
	d := h.Descriptor
	s.cfg.Registry.Withdraw(d.Name)

	defer s.flushEvents(h)
	h.mu.Lock()
	defer h.mu.Unlock()

	pid := h.pid
	prev := h.status
	h.proc = nil
	h.pid = 0
	h.lastExitCode = exit.Code
	h.lastExitAt = time.Now()

	if proc != nil {
		s.logger.Info("Process exited", "process", d.Name, "pid", pid, "exit", exit.String(), "previousStatus", prev.String())
		s.record(h, EventExited, pid, exit.Code, exit.String())
	}

	if s.stopping.Load() || prev == StatusStopping {
		s.finishLocked(h, "stopped by supervisor")
		return 0, false
	}

	if d.Restart == manifest.RestartNever || (d.Restart == manifest.RestartOnFailure && !exit.Abnormal()) {
		if exit.Abnormal() {
			h.degraded = true
			s.cfg.Registry.MarkDegraded(d.Name, fmt.Sprintf("exited with %s and restart policy is never", exit))
		}
		s.finishLocked(h, exit.String())
		return 0, false
	}

	h.setStatus(StatusCrashed)
	crashes := h.recordCrash(time.Now(), s.cfg.RestartWindow)
	if crashes >= s.cfg.RestartCap {
		err := &CrashLoopError{Name: d.Name, Crashes: crashes, Window: s.cfg.RestartWindow}
		h.degraded = true
		s.cfg.Registry.MarkDegraded(d.Name, err.Error())
		s.logger.Error("Restart budget exhausted, not restarting", "process", d.Name, "error", err)
		s.record(h, EventCrashLoop, 0, exit.Code, err.Error())
		s.finishLocked(h, err.Error())
		return 0, false
	}

	h.restartCount++
	delay := calculateBackoff(crashes, s.cfg.RestartBackoffInitial, s.cfg.RestartBackoffMax)
	s.record(h, EventRestartScheduled, 0, exit.Code, fmt.Sprintf("restart %d in %s", h.restartCount, delay))
	return delay, true
}

func (s *Supervisor) finish(h *Handle, detail string) {
	defer s.flushEvents(h)
	h.mu.Lock()
	defer h.mu.Unlock()
	s.finishLocked(h, detail)
}

// finishLocked moves h to stopped for good. Must be called with h.mu held.
func (s *Supervisor) finishLocked(h *Handle, detail string) {
	if h.status == StatusStopped {
		return
	}
	h.setStatus(StatusStopped)
	if h.Descriptor.AllocatePort && h.port > 0 && s.cfg.PortManager != nil {
		s.cfg.PortManager.ReleasePort(h.port)
	}
	s.logger.Info("Process stopped", "process", h.Descriptor.Name, "detail", detail)
	s.record(h, EventStopped, 0, h.lastExitCode, detail)
}

// record queues an event on h. It must be called with h.mu held; the event reaches the
// Recorder on the next flushEvents.
func (s *Supervisor) record(h *Handle, kind EventType, pid, exitCode int, detail string) {
	h.outbox = append(h.outbox, LifecycleEvent{
		Process:  h.Descriptor.Name,
		Type:     kind,
		Status:   h.status,
		PID:      pid,
		ExitCode: exitCode,
		Detail:   detail,
		Time:     time.Now(),
	})
}

// flushEvents hands queued events to the Recorder in order. It must be called without h.mu.
func (s *Supervisor) flushEvents(h *Handle) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	events := h.outbox
	h.outbox = nil
	h.mu.Unlock()

	for _, event := range events {
		s.cfg.Recorder.Record(event)
	}
}

// calculateBackoff computes the delay before restart number restartCount:
// initialDelay * 2^(restartCount-1), capped at maxDelay.
func calculateBackoff(restartCount int, initialDelay, maxDelay time.Duration) time.Duration {
	if restartCount <= 0 {
		return 0
	}
	backoff := initialDelay
	for i := 1; i < restartCount; i++ {
		backoff *= 2
		if backoff > maxDelay {
			return maxDelay
		}
	}
	return backoff
}
