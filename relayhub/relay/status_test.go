package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/relayhub/relayhub/audit"
	"github.com/tomyedwab/relayhub/relayhub/processes"
	"github.com/tomyedwab/relayhub/relayhub/registry"
)

type fakeProcesses struct {
	statuses []processes.HandleStatus
	degraded bool
	output   map[string][]processes.LogLine
	sinces   []int64
}

func (f *fakeProcesses) Status() []processes.HandleStatus { return f.statuses }
func (f *fakeProcesses) Degraded() bool                   { return f.degraded }

func (f *fakeProcesses) Output(name string, sinceID int64, limit int) ([]processes.LogLine, error) {
	f.sinces = append(f.sinces, sinceID)
	lines, ok := f.output[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", processes.ErrUnknownProcess, name)
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

type fakeEventLog struct {
	entries []audit.Entry
	err     error
}

func (f *fakeEventLog) Recent(limit int) ([]audit.Entry, error) {
	if len(f.entries) > limit {
		return f.entries[:limit], f.err
	}
	return f.entries, f.err
}

func (f *fakeEventLog) ForProcess(process string, limit int) ([]audit.Entry, error) {
	var out []audit.Entry
	for _, e := range f.entries {
		if e.Process == process && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, f.err
}

func newStatusFixture() (*fakeProcesses, *fakeEventLog) {
	procs := &fakeProcesses{
		statuses: []processes.HandleStatus{
			{Name: "db", Status: processes.StatusRunning, PID: 101, Port: 5432},
			{Name: "backend", Status: processes.StatusRunning, PID: 102, Port: 5005, RestartCount: 2, LastExitCode: 1},
		},
		output: map[string][]processes.LogLine{
			"db": {{ID: 1, Stream: "stdout", Line: "ready", PID: 101}},
			"backend": {
				{ID: 2, Stream: "stdout", Line: "loading model", PID: 102},
				{ID: 3, Stream: "stderr", Line: "warning: slow disk", PID: 102},
			},
		},
	}
	now := time.Now().UnixMilli()
	events := &fakeEventLog{entries: []audit.Entry{
		{ID: "e3", Process: "backend", EventType: "exited", Status: "crashed", ExitCode: 1, Timestamp: now},
		{ID: "e2", Process: "backend", EventType: "started", Status: "running", PID: 102, Timestamp: now},
		{ID: "e1", Process: "db", EventType: "started", Status: "running", PID: 101, Timestamp: now},
	}}
	return procs, events
}

func getStatus(t *testing.T, rl *Relay, target string) (*httptest.ResponseRecorder, statusReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	rl.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var report statusReport
	if rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	}
	return rec, report
}

func TestProcessStatus(t *testing.T) {
	procs, events := newStatusFixture()
	rl := newTestRelay(t, registry.New(), func(o *Options) {
		o.Unit = "assistant"
		o.Processes = procs
		o.Events = events
	})

	rec, report := getStatus(t, rl, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "assistant", report.Unit)
	assert.False(t, report.Degraded)
	require.Len(t, report.Processes, 2)
	assert.Equal(t, "backend", report.Processes[1].Name)
	assert.Equal(t, 2, report.Processes[1].RestartCount)
	assert.Len(t, report.Processes[1].Output, 2)
	assert.Len(t, report.Events, 3)

	rec, report = getStatus(t, rl, "/status?process=backend&lines=1&events=1&since=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, report.Processes, 1)
	assert.Equal(t, "backend", report.Processes[0].Name)
	require.Len(t, report.Processes[0].Output, 1)
	assert.Equal(t, "warning: slow disk", report.Processes[0].Output[0].Line)
	require.Len(t, report.Events, 1)
	assert.Equal(t, "backend", report.Events[0].Process)
	assert.Equal(t, int64(2), procs.sinces[len(procs.sinces)-1])

	rec, _ = getStatus(t, rl, "/status?process=nlu")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessStatus_BadQuery(t *testing.T) {
	procs, _ := newStatusFixture()
	rl := newTestRelay(t, registry.New(), func(o *Options) { o.Processes = procs })

	for _, target := range []string{
		"/status?lines=many",
		"/status?lines=-1",
		"/status?events=100000",
		"/status?since=yesterday",
	} {
		rec, _ := getStatus(t, rl, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestProcessStatus_WithoutJournal(t *testing.T) {
	procs, _ := newStatusFixture()
	procs.degraded = true
	rl := newTestRelay(t, registry.New(), func(o *Options) { o.Processes = procs })

	rec, report := getStatus(t, rl, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, report.Degraded)
	assert.Empty(t, report.Events)
}

func TestProcessStatus_JournalErrorStillReports(t *testing.T) {
	procs, events := newStatusFixture()
	events.err = errors.New("database is locked")
	events.entries = nil
	rl := newTestRelay(t, registry.New(), func(o *Options) {
		o.Processes = procs
		o.Events = events
	})

	rec, report := getStatus(t, rl, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, report.Processes, 2)
}

func TestProcessStatus_NotConfigured(t *testing.T) {
	rl := newTestRelay(t, registry.New(), nil)

	rec, _ := getStatus(t, rl, "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessStatus_RequiresBearer(t *testing.T) {
	procs, _ := newStatusFixture()
	rl := newTestRelay(t, registry.New(), func(o *Options) {
		o.Processes = procs
		o.JWTSecret = "relay-secret"
	})

	rec, _ := getStatus(t, rl, "/status")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusPage_ListsProcesses(t *testing.T) {
	procs, _ := newStatusFixture()
	procs.degraded = true
	rl := newTestRelay(t, registry.New(), func(o *Options) { o.Processes = procs })

	rec := httptest.NewRecorder()
	rl.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "degraded")
	assert.Contains(t, body, "pid=102 restarts=2 last_exit=1")
	assert.Contains(t, body, "pid=101 restarts=0 last_exit=0")
}
