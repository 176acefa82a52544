package processes

import "time"

// EventType names a lifecycle transition worth journaling.
type EventType string

const (
	EventLaunched         EventType = "launched"
	EventLaunchFailed     EventType = "launch_failed"
	EventReady            EventType = "ready"
	EventUnhealthy        EventType = "unhealthy"
	EventExited           EventType = "exited"
	EventRestartScheduled EventType = "restart_scheduled"
	EventCrashLoop        EventType = "crash_loop"
	EventStopped          EventType = "stopped"
)

// LifecycleEvent is one supervisor observation about a managed process.
type LifecycleEvent struct {
	Process  string
	Type     EventType
	Status   Status
	PID      int
	ExitCode int
	Detail   string
	Time     time.Time
}

// EventRecorder receives lifecycle events. Implementations must not block for long; they are
// called from the monitor goroutines.
type EventRecorder interface {
	Record(event LifecycleEvent)
}

type nopRecorder struct{}

func (nopRecorder) Record(LifecycleEvent) {}
