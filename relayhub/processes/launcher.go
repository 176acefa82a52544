package processes

import (
	"fmt"
	"io"
	"os"
)

// LaunchSpec is everything a Launcher needs to spawn one run of a process.
type LaunchSpec struct {
	Name    string
	Command string
	Args    []string
	Env     []string // complete environment, KEY=VALUE
	Dir     string
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExitStatus describes how a process run ended.
type ExitStatus struct {
	Code   int    // exit code, -1 when killed by a signal or never started
	Signal string // name of the terminating signal, if any
	Err    error  // wait error that is not a plain non-zero exit
}

// Abnormal reports whether the run ended with a non-zero code, a signal or an error.
func (e ExitStatus) Abnormal() bool {
	return e.Code != 0 || e.Signal != "" || e.Err != nil
}

func (e ExitStatus) String() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("signal %s", e.Signal)
	case e.Err != nil:
		return fmt.Sprintf("error %v", e.Err)
	default:
		return fmt.Sprintf("exit code %d", e.Code)
	}
}

// Process is a running child as seen by the supervisor.
type Process interface {
	PID() int
	// Signal delivers sig to the process and everything it spawned.
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process and everything it spawned.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitStatus is valid after Done is closed.
	ExitStatus() ExitStatus
}

// Launcher spawns processes. ExecLauncher is the real implementation; tests substitute fakes.
type Launcher interface {
	Launch(spec LaunchSpec) (Process, error)
}
