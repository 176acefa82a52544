package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Error is a relay failure reported to the calling client.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var (
	// ErrServiceUnavailable means the backend has no published endpoint, or the relay is
	// shutting down.
	ErrServiceUnavailable = &Error{Code: "ServiceUnavailable", Status: http.StatusServiceUnavailable, Message: "backend is not available"}
	// ErrUpstreamTimeout means the backend did not answer within the request timeout.
	ErrUpstreamTimeout = &Error{Code: "UpstreamTimeout", Status: http.StatusGatewayTimeout, Message: "backend did not respond in time"}
	// ErrUpstreamUnreachable means the backend connection failed.
	ErrUpstreamUnreachable = &Error{Code: "UpstreamUnreachable", Status: http.StatusBadGateway, Message: "backend could not be reached"}
	// ErrUnauthorized means bearer auth is enabled and the request had no valid token.
	ErrUnauthorized = &Error{Code: "Unauthorized", Status: http.StatusUnauthorized, Message: "missing or invalid bearer token"}

	errRequestTimeout = errors.New("relay request timeout")
	errForcedShutdown = errors.New("relay forced shutdown")
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	TraceID string `json:"trace_id,omitempty"`
}

// writeError sends a complete, sized error response and flushes it.
func writeError(w http.ResponseWriter, e *Error, traceID string) {
	body, _ := json.Marshal(errorBody{Error: e.Message, Code: e.Code, TraceID: traceID})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if traceID != "" {
		w.Header().Set("X-Trace-ID", traceID)
	}
	w.WriteHeader(e.Status)
	w.Write(body)
	http.NewResponseController(w).Flush()
}
