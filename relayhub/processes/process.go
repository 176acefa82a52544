package processes

import (
	"fmt"
	"sync"
	"time"

	"github.com/tomyedwab/relayhub/relayhub/manifest"
)

// Status is the lifecycle state of a managed process.
type Status int

const (
	// StatusPending means the process is declared but has not been launched yet.
	StatusPending Status = iota
	// StatusStarting means the process has been spawned and is waiting on its readiness probe.
	StatusStarting
	// StatusReady means the readiness probe passed.
	StatusReady
	// StatusRunning means the process is ready and its endpoint is published.
	StatusRunning
	// StatusCrashed means the process exited unexpectedly and a restart is pending.
	StatusCrashed
	// StatusStopping means the supervisor asked the process to terminate.
	StatusStopping
	// StatusStopped means the process is gone and will not be started again.
	StatusStopped
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusCrashed:
		return "crashed"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// MarshalText lets Status render as its name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name written by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for candidate := StatusPending; candidate <= StatusStopped; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown process status %q", text)
}

// HasBeenReady reports whether a process in this status has passed readiness in its current run.
func (s Status) HasBeenReady() bool {
	return s == StatusReady || s == StatusRunning
}

// LogLine is one line of captured child output.
type LogLine struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"` // "stdout" or "stderr"
	Line      string    `json:"line"`
	PID       int       `json:"pid"`
}

// LogBuffer keeps the most recent output lines of a process.
type LogBuffer struct {
	mu       sync.RWMutex
	lines    []LogLine
	capacity int
	nextID   int64
}

// NewLogBuffer creates a log buffer holding up to capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{
		lines:    make([]LogLine, 0, capacity),
		capacity: capacity,
		nextID:   1,
	}
}

// Add appends a line, dropping the oldest one when the buffer is full.
func (lb *LogBuffer) Add(stream, line string, pid int) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(lb.lines) >= lb.capacity {
		lb.lines = lb.lines[1:]
	}
	lb.lines = append(lb.lines, LogLine{
		ID:        lb.nextID,
		Timestamp: time.Now(),
		Stream:    stream,
		Line:      line,
		PID:       pid,
	})
	lb.nextID++
}

// Since returns all retained lines with an ID greater than fromID.
func (lb *LogBuffer) Since(fromID int64) []LogLine {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogLine, 0)
	for _, line := range lb.lines {
		if line.ID > fromID {
			result = append(result, line)
		}
	}
	return result
}

// Latest returns the most recent count lines, oldest first.
func (lb *LogBuffer) Latest(count int) []LogLine {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if count <= 0 || len(lb.lines) == 0 {
		return []LogLine{}
	}
	start := len(lb.lines) - count
	if start < 0 {
		start = 0
	}
	result := make([]LogLine, len(lb.lines)-start)
	copy(result, lb.lines[start:])
	return result
}

// HandleStatus is a copy of a handle's runtime state.
type HandleStatus struct {
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	PID          int       `json:"pid"`
	Port         int       `json:"port"`
	RestartCount int       `json:"restart_count"`
	LastExitCode int       `json:"last_exit_code"`
	LastExitAt   time.Time `json:"last_exit_at"`
	Degraded     bool      `json:"degraded"`
}

// Handle is the runtime record of one launched descriptor. Its lifecycle fields are
// written by the monitor goroutine that owns the child; everything else reads snapshots.
type Handle struct {
	Descriptor manifest.Descriptor
	Logs       *LogBuffer

	mu           sync.Mutex // Protects the fields below.
	status       Status
	proc         Process
	pid          int
	port         int
	restartCount int
	lastExitCode int
	lastExitAt   time.Time
	crashes      []time.Time // crash times inside the restart window
	degraded     bool
	changed      chan struct{} // closed and replaced on every status change
	outbox       []LifecycleEvent

	emitMu sync.Mutex // serializes delivery of outbox events, never held with mu
}

func newHandle(d manifest.Descriptor, logLines int) *Handle {
	return &Handle{
		Descriptor: d,
		Logs:       NewLogBuffer(logLines),
		status:     StatusPending,
		port:       d.Port,
		changed:    make(chan struct{}),
	}
}

// setStatus must be called with h.mu held.
func (h *Handle) setStatus(s Status) Status {
	prev := h.status
	if prev == s {
		return prev
	}
	h.status = s
	close(h.changed)
	h.changed = make(chan struct{})
	return prev
}

// watch returns the current status and a channel closed on the next change.
func (h *Handle) watch() (Status, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.changed
}

// Status returns a snapshot of the handle.
func (h *Handle) Status() HandleStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandleStatus{
		Name:         h.Descriptor.Name,
		Status:       h.status,
		PID:          h.pid,
		Port:         h.port,
		RestartCount: h.restartCount,
		LastExitCode: h.lastExitCode,
		LastExitAt:   h.lastExitAt,
		Degraded:     h.degraded,
	}
}

// PID returns the PID of the current run, or 0.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) process() Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// recordCrash adds a crash at now, forgets crashes older than window and returns how many
// remain. Must be called with h.mu held.
func (h *Handle) recordCrash(now time.Time, window time.Duration) int {
	kept := h.crashes[:0]
	for _, at := range h.crashes {
		if now.Sub(at) < window {
			kept = append(kept, at)
		}
	}
	h.crashes = append(kept, now)
	return len(h.crashes)
}
