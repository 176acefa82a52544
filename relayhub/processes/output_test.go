package processes

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestLineWriter(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	w.Write([]byte("first\r\nsec"))
	w.Write([]byte("ond\n\nthi"))
	assert.Equal(t, []string{"first", "second", ""}, lines)

	w.Flush()
	assert.Equal(t, []string{"first", "second", "", "thi"}, lines)
	w.Flush()
	assert.Len(t, lines, 4)
}

func TestLineWriter_LongLine(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	n, err := w.Write(bytes.Repeat([]byte("x"), maxLineLength+10))
	assert.NoError(t, err)
	assert.Equal(t, maxLineLength+10, n)
	assert.Len(t, lines, 1)
}

func TestConsoleSink(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	var out bytes.Buffer
	sink := NewConsoleSink(&out, []string{"backend", "actions"})
	sink.Line("backend", "stdout", 42, "Rasa server is up and running.")
	sink.Line("actions", "stderr", 43, "warning")
	sink.Line("later", "stdout", 44, "hi")

	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{
		"backend | Rasa server is up and running.",
		"actions | warning",
		"later   | hi",
	}, got)
}
