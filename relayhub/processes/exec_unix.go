//go:build unix

package processes

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const defaultWaitDelay = 2 * time.Second

// ExecLauncher starts children with os/exec, each in its own process group so that signals
// reach grandchildren too.
type ExecLauncher struct {
	// WaitDelay bounds how long output copying may outlive the child. Zero means 2s.
	WaitDelay time.Duration
}

// Launch starts the command described by spec.
func (l ExecLauncher) Launch(spec LaunchSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	pid    int
	done   chan struct{}
	status ExitStatus

	mu     sync.Mutex
	reaped bool // the leader is reaped or about to be, so -pid may belong to someone else
}

func (p *execProcess) wait() {
	if awaitExit(p.pid) {
		// The exited leader is a zombie until Wait, so the group id cannot have been reused yet.
		p.mu.Lock()
		syscall.Kill(-p.pid, syscall.SIGKILL)
		p.reaped = true
		p.mu.Unlock()
	}
	err := p.cmd.Wait()
	p.mu.Lock()
	p.reaped = true
	p.mu.Unlock()
	p.status = exitStatusFrom(p.cmd.ProcessState, err)
	close(p.done)
}

func (p *execProcess) PID() int { return p.pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitStatus() ExitStatus {
	<-p.done
	return p.status
}

// Signal sends sig to the whole process group while the leader still holds the group id.
// Once the leader has exited the call is a no-op.
func (p *execProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped {
		return nil
	}
	err := syscall.Kill(-p.pid, s)
	if errors.Is(err, syscall.ESRCH) {
		err = p.cmd.Process.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func exitStatusFrom(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1, Err: err}
	}
	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Code = -1
		status.Signal = ws.Signal().String()
	}
	var exitErr *exec.ExitError
	// ErrWaitDelay only means a grandchild kept the output pipes open past the exit.
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		status.Err = err
	}
	return status
}
