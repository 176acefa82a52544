package processes

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

const maxLineLength = 64 * 1024

// OutputSink receives every line a child writes, tagged with the originating process.
type OutputSink interface {
	Line(process, stream string, pid int, line string)
}

// SlogSink forwards child output to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Line(process, stream string, pid int, line string) {
	if stream == "stderr" {
		s.Logger.Error("Subprocess stderr", "process", process, "pid", pid, "output", line)
		return
	}
	s.Logger.Info("Subprocess stdout", "process", process, "pid", pid, "output", line)
}

var consolePalette = []color.Attribute{
	color.FgCyan, color.FgGreen, color.FgYellow, color.FgMagenta, color.FgBlue, color.FgRed,
}

// ConsoleSink writes child output as "name | line" with one color per process.
// fatih/color drops the escape codes when the writer is not a terminal.
type ConsoleSink struct {
	mu     sync.Mutex
	out    io.Writer
	width  int
	colors map[string]*color.Color
}

// NewConsoleSink creates a ConsoleSink writing to out. names fixes the color assignment and
// the prefix width.
func NewConsoleSink(out io.Writer, names []string) *ConsoleSink {
	s := &ConsoleSink{out: out, colors: make(map[string]*color.Color)}
	for i, name := range names {
		s.colors[name] = color.New(consolePalette[i%len(consolePalette)])
		if len(name) > s.width {
			s.width = len(name)
		}
	}
	return s
}

func (s *ConsoleSink) Line(process, stream string, pid int, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.colors[process]
	if !ok {
		c = color.New(consolePalette[len(s.colors)%len(consolePalette)])
		s.colors[process] = c
	}
	prefix := c.Sprintf("%-*s |", s.width, process)
	if stream == "stderr" {
		fmt.Fprintf(s.out, "%s %s\n", prefix, color.New(color.Faint).Sprint(line))
		return
	}
	fmt.Fprintf(s.out, "%s %s\n", prefix, line)
}

// lineWriter splits a byte stream into lines and hands each to emit.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

func newLineWriter(emit func(line string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineLength {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

// Flush emits a trailing partial line, if any.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
}
