package logstream

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
)

func newTailingLogger(buf *bytes.Buffer, lines int, ignoreUntil time.Time) *Logger {
	return &Logger{
		key:         output.TaskKey{AllocID: "a1", Task: "t1"},
		formatter:   output.New(buf, output.Options{Streams: output.AllStreams}),
		lines:       lines,
		firstLine:   true,
		ignoreUntil: ignoreUntil,
	}
}

func TestTaskoutBuffersWhileQuietWindowOpen(t *testing.T) {
	var buf bytes.Buffer
	l := newTailingLogger(&buf, 2, time.Now().Add(time.Hour))

	l.taskout([]string{"1", "2", "3"})
	require.Empty(t, buf.String(), "nothing is emitted while the quiet window is still open")
	require.Equal(t, []string{"2", "3"}, l.ignoredLines, "buffered batch is trimmed to the line cap")

	l.taskout([]string{"4", "5"})
	require.Empty(t, buf.String())
	require.Equal(t, []string{"4", "5"}, l.ignoredLines, "each batch replaces the previous one while tailing")
}

func TestTaskoutFlushesOnceWindowCloses(t *testing.T) {
	var buf bytes.Buffer
	l := newTailingLogger(&buf, 2, time.Now().Add(-time.Hour)) // already past

	l.ignoredLines = []string{"old1", "old2"}
	l.firstLine = false

	l.taskout([]string{"new1"})
	out := buf.String()
	require.Contains(t, out, "old1")
	require.Contains(t, out, "old2")
	require.Contains(t, out, "new1")
	require.True(t, l.ignoreUntil.IsZero(), "tailing mode is disabled once flushed")

	buf.Reset()
	l.taskout([]string{"new2"})
	require.Contains(t, buf.String(), "new2")
	require.NotContains(t, buf.String(), "old1", "buffered lines are only replayed once")
}

func TestTaskoutNonTailingPassesThroughImmediately(t *testing.T) {
	var buf bytes.Buffer
	l := newTailingLogger(&buf, -1, time.Time{})

	l.taskout([]string{"line1", "line2"})
	out := buf.String()
	require.Contains(t, out, "line1")
	require.Contains(t, out, "line2")
}
