// Package output implements the Output Formatter: the four line kinds
// (eval, alloc, stdout, stderr) are rendered through one per-process
// Formatter value and written flushed-per-line to its writer.
//
// Colorization is grounded on
// gravitational-gravity/lib/status/timeline.go's PrintEvent, generalized
// from package-level color.*String helpers (which share the library's
// global color.NoColor switch) to per-Formatter *color.Color instances, so
// two Formatters in one process never stomp on each other's color setting
// (spec.md §9 design note).
package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
)

// TaskKey identifies one task within one allocation, the unit the Log
// Streamer and Task Handler address their output by.
type TaskKey struct {
	AllocID string
	Node    string
	Group   string
	Task    string
}

// Short returns the allocation ID truncated to 6 characters, or the whole
// ID if shorter.
func (k TaskKey) Short() string {
	if len(k.AllocID) <= 6 {
		return k.AllocID
	}
	return k.AllocID[:6]
}

func (k TaskKey) id(full bool) string {
	if full {
		return k.AllocID
	}
	return k.Short()
}

// Streams selects which of the four line kinds are emitted, the Go
// counterpart of spec.md §6.3's `out` option.
type Streams struct {
	Alloc  bool
	Stdout bool
	Stderr bool
	Eval   bool
}

// AllStreams is the default: every line kind is emitted.
var AllStreams = Streams{Alloc: true, Stdout: true, Stderr: true, Eval: true}

// Options configures a Formatter. Zero value: no color, short alloc IDs, no
// timestamps, and no streams, so nothing is emitted until Streams is set.
type Options struct {
	Streams Streams
	// Color enables ANSI coloring of the stream prefix.
	Color bool
	// FullAllocID prints the whole allocation ID instead of a 6-char
	// prefix.
	FullAllocID bool
	// Timestamps prefixes every line with its own timestamp in addition
	// to the alloc-event line's embedded one.
	Timestamps bool
	// NoTaskGroup / NoTask suppress the corresponding key segment, for
	// single-group or single-task jobs where it is redundant noise.
	NoTaskGroup bool
	NoTask      bool
}

// Formatter is the Output Formatter. One Formatter is shared by every
// concurrent Log Streamer and Task Handler in a run; all of its methods are
// safe for concurrent use, matching the "lines are flushed per-write" and
// "emits from many concurrent producers" requirements.
type Formatter struct {
	w    io.Writer
	opts Options
	mu   sync.Mutex

	evalColor   *color.Color
	allocColor  *color.Color
	stdoutColor *color.Color
	stderrColor *color.Color
}

// New constructs a Formatter writing to w.
func New(w io.Writer, opts Options) *Formatter {
	f := &Formatter{w: w, opts: opts}
	f.evalColor = color.New(color.FgCyan)
	f.allocColor = color.New(color.FgYellow)
	f.stdoutColor = color.New(color.FgWhite)
	f.stderrColor = color.New(color.FgRed)
	for _, c := range []*color.Color{f.evalColor, f.allocColor, f.stdoutColor, f.stderrColor} {
		if opts.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return f
}

func (f *Formatter) keyString(k TaskKey) string {
	s := k.id(f.opts.FullAllocID)
	if !f.opts.NoTaskGroup {
		s += ":" + k.Group
	}
	if !f.opts.NoTask {
		s += ":" + k.Task
	}
	return s
}

func (f *Formatter) writeLine(c *color.Color, prefix, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := c.Sprint(prefix) + body
	if f.opts.Timestamps {
		line = time.Now().Format(time.RFC3339) + " " + line
	}
	fmt.Fprintln(f.w, line)
}

// LogEval renders an evaluation-stream line:
// "<EVALID:.6>:eval <message>".
func (f *Formatter) LogEval(evalID, message string) {
	if !f.opts.Streams.Eval {
		return
	}
	short := evalID
	if len(short) > 6 {
		short = short[:6]
	}
	f.writeLine(f.evalColor, short+":eval ", message)
}

// LogAlloc renders an allocation-event line:
// "<ALLOCID:.6>:<group>:<task>:A [<timestamp>] <type> <display-message>".
func (f *Formatter) LogAlloc(k TaskKey, t time.Time, eventType, displayMessage string) {
	if !f.opts.Streams.Alloc {
		return
	}
	body := fmt.Sprintf("[%s] %s %s", t.Format(time.RFC3339), eventType, displayMessage)
	f.writeLine(f.allocColor, f.keyString(k)+":A ", body)
}

// LogTask renders one stdout/stderr line:
// "<ALLOCID:.6>:<group>:<task>:{O,E} <line>".
func (f *Formatter) LogTask(k TaskKey, stderr bool, line string) {
	if stderr {
		if !f.opts.Streams.Stderr {
			return
		}
		f.writeLine(f.stderrColor, f.keyString(k)+":E ", line)
		return
	}
	if !f.opts.Streams.Stdout {
		return
	}
	f.writeLine(f.stdoutColor, f.keyString(k)+":O ", line)
}
