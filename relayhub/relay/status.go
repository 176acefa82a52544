package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tomyedwab/relayhub/relayhub/audit"
	"github.com/tomyedwab/relayhub/relayhub/processes"
)

const (
	defaultStatusLines  = 20
	defaultStatusEvents = 50
	maxStatusItems      = 1000
)

// Processes is the read side of the supervisor shown by the status endpoints.
type Processes interface {
	Status() []processes.HandleStatus
	Degraded() bool
	Output(name string, sinceID int64, limit int) ([]processes.LogLine, error)
}

// EventLog is the read side of the lifecycle journal.
type EventLog interface {
	Recent(limit int) ([]audit.Entry, error)
	ForProcess(process string, limit int) ([]audit.Entry, error)
}

type processReport struct {
	processes.HandleStatus
	Output []processes.LogLine `json:"output"`
}

type statusReport struct {
	Unit      string          `json:"unit"`
	Degraded  bool            `json:"degraded"`
	Processes []processReport `json:"processes"`
	Events    []audit.Entry   `json:"events,omitempty"`
}

// handleProcessStatus serves GET /status. Query parameters: process (one process and its
// journal entries), since (output line ID to continue after), lines and events (limits).
func (rl *Relay) handleProcessStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("process")
	lines, err := queryInt(q.Get("lines"), defaultStatusLines)
	if err != nil {
		http.Error(w, "lines: "+err.Error(), http.StatusBadRequest)
		return
	}
	eventLimit, err := queryInt(q.Get("events"), defaultStatusEvents)
	if err != nil {
		http.Error(w, "events: "+err.Error(), http.StatusBadRequest)
		return
	}
	var since int64
	if raw := q.Get("since"); raw != "" {
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			http.Error(w, "since: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	report := statusReport{
		Unit:      rl.opts.Unit,
		Degraded:  rl.opts.Processes.Degraded(),
		Processes: []processReport{},
	}
	for _, st := range rl.opts.Processes.Status() {
		if name != "" && st.Name != name {
			continue
		}
		output, err := rl.opts.Processes.Output(st.Name, since, lines)
		if err != nil {
			rl.logger.Warn("Failed to read process output", "process", st.Name, "error", err)
		}
		report.Processes = append(report.Processes, processReport{HandleStatus: st, Output: output})
	}
	if name != "" && len(report.Processes) == 0 {
		http.Error(w, fmt.Sprintf("%v: %s", processes.ErrUnknownProcess, name), http.StatusNotFound)
		return
	}

	if rl.opts.Events != nil && eventLimit > 0 {
		var events []audit.Entry
		if name != "" {
			events, err = rl.opts.Events.ForProcess(name, eventLimit)
		} else {
			events, err = rl.opts.Events.Recent(eventLimit)
		}
		if err != nil {
			rl.logger.Error("Failed to read lifecycle journal", "error", err)
		}
		report.Events = events
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxStatusItems {
		return 0, errors.New("out of range")
	}
	return n, nil
}
