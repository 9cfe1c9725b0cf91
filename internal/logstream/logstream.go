// Package logstream implements the Log Streamer: it opens one follow-mode
// byte stream per task per output stream (stdout, stderr), decodes the
// scheduler's flat log-framing JSON objects, and applies the best-effort
// tail heuristic before handing lines to the Output Formatter.
//
// Ported from original_source/nomad_watch.py's Logger class: the Python
// original re-parses its entire accumulated buffer on every '}' byte,
// relying on the scheduler never nesting braces inside one log frame. This
// reimplementation tracks brace depth (and string/escape state) explicitly,
// which is no more code and does not depend on that assumption holding.
package logstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadclient"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
)

var log = logrus.WithField(trace.Component, "logstream")

// tailOffset is the byte offset from which a tailing follow stream starts,
// a best-effort approximation of "last N lines" without scanning the whole
// log (spec.md §4.4).
const tailOffset = 50000

// Config configures a Logger.
type Config struct {
	// Lines caps the number of most-recent lines kept during the quiet
	// window; negative disables tailing entirely (stream from the start).
	Lines int
	// LinesTimeout is the quiet window's duration, measured from
	// StartTime.
	LinesTimeout time.Duration
	// StartTime is the run's shared start instant (not per-Logger), so
	// every task's quiet window ends at the same wall-clock time.
	StartTime time.Time
}

// Logger streams one task's stdout or stderr to an output.Formatter.
type Logger struct {
	client    *nomadclient.Client
	key       output.TaskKey
	stderr    bool
	formatter *output.Formatter

	lines        int
	ignoreUntil  time.Time
	firstLine    bool
	ignoredLines []string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLogger constructs a Logger. Call Start to begin streaming.
func NewLogger(client *nomadclient.Client, key output.TaskKey, stderr bool, formatter *output.Formatter, cfg Config) *Logger {
	l := &Logger{
		client:    client,
		key:       key,
		stderr:    stderr,
		formatter: formatter,
		lines:     cfg.Lines,
		firstLine: true,
		done:      make(chan struct{}),
	}
	if cfg.Lines >= 0 {
		until := cfg.StartTime.Add(cfg.LinesTimeout)
		if until.After(time.Now()) {
			l.ignoreUntil = until
		}
	}
	return l
}

// Start launches the background streaming goroutine.
func (l *Logger) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go func() {
		defer close(l.done)
		l.run(ctx)
	}()
}

// Stop cancels the stream. Safe to call multiple times.
func (l *Logger) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// Wait blocks until the streaming goroutine has exited.
func (l *Logger) Wait() { <-l.done }

func (l *Logger) run(ctx context.Context) {
	origin := nomadclient.LogOriginStart
	var offset int64
	if !l.ignoreUntil.IsZero() {
		origin = nomadclient.LogOriginEnd
		offset = tailOffset
	}

	streamType := "stdout"
	if l.stderr {
		streamType = "stderr"
	}
	body, err := l.client.AllocationLogs(ctx, nomadclient.LogStreamOptions{
		AllocID: l.key.AllocID,
		Task:    l.key.Task,
		Type:    streamType,
		Origin:  origin,
		Offset:  offset,
	})
	if err != nil {
		if ctx.Err() == nil {
			log.WithError(err).WithField("task", l.key.Task).Warn("Failed to open log stream.")
		}
		return
	}
	defer body.Close()

	frames := newFrameScanner(body)
	for {
		frame, err := frames.next()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.WithError(err).WithField("task", l.key.Task).Debug("Log stream ended.")
			}
			return
		}
		var rec struct {
			Data string `json:"Data"`
		}
		if err := json.Unmarshal(frame, &rec); err != nil {
			log.WithError(err).Warn("Malformed log stream frame.")
			continue
		}
		if rec.Data == "" {
			l.taskout(nil)
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(rec.Data)
		if err != nil {
			log.WithError(err).Warn("Malformed base64 in log stream.")
			continue
		}
		l.taskout(strings.Split(strings.TrimRight(string(decoded), "\n"), "\n"))
	}
}

// taskout implements the tail heuristic (spec.md §4.4): while the quiet
// window is open, each batch replaces the accumulated buffer (trimmed to
// lines); once it closes, the buffer is flushed once and everything from
// then on streams straight through.
func (l *Logger) taskout(lines []string) {
	tailing := !l.ignoreUntil.IsZero()
	if tailing && (l.firstLine || time.Now().Before(l.ignoreUntil)) {
		l.firstLine = false
		l.ignoredLines = trimHead(lines, l.lines)
		return
	}
	if tailing {
		lines = append(l.ignoredLines, lines...)
		l.ignoredLines = nil
		l.ignoreUntil = time.Time{}
	}
	for _, line := range lines {
		l.formatter.LogTask(l.key, l.stderr, strings.TrimRight(line, "\r"))
	}
}

func trimHead(lines []string, n int) []string {
	if n < 0 || len(lines) <= n {
		return append([]string(nil), lines...)
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}

// frameScanner decodes a stream of flat JSON objects, delimited by brace
// depth returning to zero (spec.md §4.4's "brace-balance scanner").
type frameScanner struct {
	r *bufio.Reader
}

func newFrameScanner(r io.Reader) *frameScanner {
	return &frameScanner{r: bufio.NewReaderSize(r, 4096)}
}

func (s *frameScanner) next() ([]byte, error) {
	var buf bytes.Buffer
	depth := 0
	started := false
	inString := false
	escaped := false
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			depth++
			started = true
		case '}':
			depth--
		}
		if started && depth == 0 {
			return buf.Bytes(), nil
		}
	}
}
