//go:build unix

package processes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/relayhub/relayhub/manifest"
	"github.com/tomyedwab/relayhub/relayhub/registry"
)

const helperEnv = "RELAYHUB_TEST_HELPER"

// TestMain lets the test binary double as the child process for the tests below.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "serve":
		l, err := net.Listen("tcp", net.JoinHostPort(loopbackHost, os.Getenv("PORT")))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Println("listening on", l.Addr())
		http.Serve(l, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "ok")
		}))
		os.Exit(0)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ignoring SIGTERM")
		time.Sleep(time.Hour)
	case "spawn-grandchild":
		grandchild := exec.Command(os.Args[0], "-test.run=^$")
		grandchild.Env = append(os.Environ(), helperEnv+"=ignore-term")
		if err := grandchild.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Println("grandchild", grandchild.Process.Pid)
		os.Exit(1)
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("RELAYHUB_TEST_EXIT_CODE"))
		fmt.Print("line one\nline two\n")
		fmt.Fprint(os.Stderr, "about to exit")
		os.Exit(code)
	}
	os.Exit(3)
}

func helperSpec(t *testing.T, mode string, extraEnv ...string) LaunchSpec {
	t.Helper()
	return LaunchSpec{
		Name:    mode,
		Command: os.Args[0],
		Args:    []string{"-test.run=^$"},
		Env:     append(append(os.Environ(), helperEnv+"="+mode), extraEnv...),
	}
}

type collected struct {
	mu    sync.Mutex
	lines []string
}

func (c *collected) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *collected) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestExecLauncher_ExitCodeAndOutput(t *testing.T) {
	var stdout, stderr collected
	spec := helperSpec(t, "exit", "RELAYHUB_TEST_EXIT_CODE=7")
	outW, errW := newLineWriter(stdout.add), newLineWriter(stderr.add)
	spec.Stdout, spec.Stderr = outW, errW

	proc, err := ExecLauncher{}.Launch(spec)
	require.NoError(t, err)
	require.Greater(t, proc.PID(), 0)

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("helper did not exit")
	}
	outW.Flush()
	errW.Flush()

	status := proc.ExitStatus()
	assert.Equal(t, 7, status.Code)
	assert.True(t, status.Abnormal())
	assert.NoError(t, status.Err)
	assert.Equal(t, []string{"line one", "line two"}, stdout.get())
	assert.Equal(t, []string{"about to exit"}, stderr.get())
}

func TestExecLauncher_MissingCommand(t *testing.T) {
	_, err := ExecLauncher{}.Launch(LaunchSpec{Name: "rasa", Command: "/nonexistent/relayhub-test-binary"})
	require.Error(t, err)
}

func TestExecLauncher_SignalReportsTermination(t *testing.T) {
	proc, err := ExecLauncher{}.Launch(helperSpec(t, "serve", "PORT=0"))
	require.NoError(t, err)

	require.NoError(t, proc.Signal(syscall.SIGTERM))
	<-proc.Done()
	status := proc.ExitStatus()
	assert.Equal(t, -1, status.Code)
	assert.Equal(t, syscall.SIGTERM.String(), status.Signal)

	// Signalling a reaped process is not an error.
	assert.NoError(t, proc.Kill())
}

func processGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestSupervisor_RealProcessesStopWithinGracePeriod(t *testing.T) {
	pm, err := NewPortManager(22000, 22099)
	require.NoError(t, err)
	reg := registry.New()

	sup, err := NewSupervisor(Config{
		Registry:               reg,
		PortManager:            pm,
		Logger:                 discardLogger(),
		GracefulShutdownPeriod: 300 * time.Millisecond,
		Env:                    map[string]string{},
	})
	require.NoError(t, err)

	web := manifest.Descriptor{
		Name:         "web",
		Command:      os.Args[0],
		Args:         []string{"-test.run=^$"},
		Env:          map[string]string{helperEnv: "serve"},
		AllocatePort: true,
		Readiness:    manifest.Probe{Type: manifest.ProbeHTTP, Path: "/"},
	}
	stubborn := manifest.Descriptor{
		Name:      "stubborn",
		Command:   os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       map[string]string{helperEnv: "ignore-term"},
		DependsOn: []string{"web"},
	}
	require.NoError(t, sup.Start(context.Background(), []manifest.Descriptor{web, stubborn}))
	require.NoError(t, sup.WaitReady(context.Background(), "web", 10*time.Second))

	ep, err := reg.Resolve("web")
	require.NoError(t, err)
	resp, err := http.Get("http://" + ep.Address() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	h, _ := sup.Handle("stubborn")
	require.Eventually(t, func() bool {
		for _, l := range h.Logs.Latest(10) {
			if strings.Contains(l.Line, "ignoring SIGTERM") {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)

	webPID, stubbornPID := sup.Status()[0].PID, sup.Status()[1].PID
	require.NotZero(t, webPID)
	require.NotZero(t, stubbornPID)

	start := time.Now()
	sup.Shutdown(context.Background())
	// Grace period plus the reap delay of the launcher.
	assert.Less(t, time.Since(start), 300*time.Millisecond+defaultWaitDelay+time.Second)

	assert.True(t, processGone(webPID), "web survived shutdown")
	assert.True(t, processGone(stubbornPID), "stubborn survived shutdown")
	_, err = reg.Resolve("web")
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.Equal(t, 0, pm.Allocated())
	assert.False(t, sup.Degraded())
}
