package processes

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLaunch matches errors for commands that could not be spawned.
	ErrLaunch = errors.New("launch error")
	// ErrStartupTimeout matches errors for dependencies that never became ready.
	ErrStartupTimeout = errors.New("startup timeout")
	// ErrCrashLoop matches errors for processes that exhausted their restart budget.
	ErrCrashLoop = errors.New("crash loop")
	// ErrUnknownProcess is returned when a process name is not managed by the supervisor.
	ErrUnknownProcess = errors.New("unknown process")

	errShuttingDown = errors.New("supervisor is shutting down")
)

// LaunchError reports that the command for a process could not be spawned.
type LaunchError struct {
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching process %s: %v", e.Name, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

// StartupTimeoutError reports that Dependency did not become ready within Timeout,
// so Name could not be started.
type StartupTimeoutError struct {
	Name       string
	Dependency string
	Timeout    time.Duration
	Err        error // set when the dependency stopped for good instead of timing out
}

func (e *StartupTimeoutError) Error() string {
	if e.Name == "" {
		if e.Err != nil {
			return fmt.Sprintf("process %s never became ready: %v", e.Dependency, e.Err)
		}
		return fmt.Sprintf("process %s not ready after %s", e.Dependency, e.Timeout)
	}
	if e.Err != nil {
		return fmt.Sprintf("process %s: dependency %s never became ready: %v", e.Name, e.Dependency, e.Err)
	}
	return fmt.Sprintf("process %s: dependency %s not ready after %s", e.Name, e.Dependency, e.Timeout)
}

func (e *StartupTimeoutError) Unwrap() error { return e.Err }

func (e *StartupTimeoutError) Is(target error) bool { return target == ErrStartupTimeout }

// CrashLoopError reports that a process crashed Crashes times within Window and will not be
// restarted again.
type CrashLoopError struct {
	Name    string
	Crashes int
	Window  time.Duration
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("process %s crashed %d times within %s, giving up", e.Name, e.Crashes, e.Window)
}

func (e *CrashLoopError) Is(target error) bool { return target == ErrCrashLoop }
