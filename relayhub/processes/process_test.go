package processes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer(t *testing.T) {
	lb := NewLogBuffer(3)
	for _, l := range []string{"a", "b", "c", "d"} {
		lb.Add("stdout", l, 7)
	}

	latest := lb.Latest(10)
	require.Len(t, latest, 3)
	assert.Equal(t, "b", latest[0].Line)
	assert.Equal(t, int64(4), latest[2].ID)

	since := lb.Since(3)
	require.Len(t, since, 1)
	assert.Equal(t, "d", since[0].Line)

	assert.Empty(t, lb.Latest(0))
	assert.Len(t, lb.Latest(2), 2)
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(HandleStatus{Name: "backend", Status: StatusCrashed})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"crashed"`)

	var decoded HandleStatus
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StatusCrashed, decoded.Status)
	assert.Error(t, json.Unmarshal([]byte(`{"status":"sleeping"}`), &decoded))
	assert.True(t, StatusRunning.HasBeenReady())
	assert.False(t, StatusStarting.HasBeenReady())
}

func TestRecordCrashWindow(t *testing.T) {
	h := newHandle(descriptor("backend", 5005), 10)
	now := time.Now()

	assert.Equal(t, 1, h.recordCrash(now, time.Minute))
	assert.Equal(t, 2, h.recordCrash(now.Add(10*time.Second), time.Minute))
	assert.Equal(t, 3, h.recordCrash(now.Add(50*time.Second), time.Minute))
	// The first two crashes have left the window.
	assert.Equal(t, 2, h.recordCrash(now.Add(70*time.Second), time.Minute))
}

func TestExitStatusString(t *testing.T) {
	assert.Equal(t, "exit code 0", ExitStatus{}.String())
	assert.False(t, ExitStatus{}.Abnormal())
	assert.Equal(t, "signal killed", ExitStatus{Code: -1, Signal: "killed"}.String())
	assert.True(t, ExitStatus{Code: -1, Signal: "killed"}.Abnormal())
}
