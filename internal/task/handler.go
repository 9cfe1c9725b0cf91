// Package task implements the Task Handler (component D) and Allocation
// Workers (component E): per-task event emission and exit-code capture,
// fanned out per allocation.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/logstream"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadclient"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
)

var log = logrus.WithField(trace.Component, "task")

// drainTimeout bounds how long a dead task's loggers are kept open to
// finish draining in-flight log lines, per spec.md §4.4.
const drainTimeout = 3 * time.Second

// Config configures every TaskHandler an Allocations fans out to.
type Config struct {
	Client       *nomadclient.Client
	Formatter    *output.Formatter
	Streams      output.Streams
	Lines        int
	LinesTimeout time.Duration
	StartTime    time.Time
}

// Handler receives TaskState snapshots for one task and emits its events,
// spawns/stops its Loggers, and captures its exit code.
type Handler struct {
	ctx context.Context
	key output.TaskKey
	cfg Config

	mu        sync.Mutex
	loggers   []*logstream.Logger
	seenTimes map[int64]struct{}
	exitCode  *int
	stopped   bool
}

// NewHandler constructs a Handler for one task. ctx bounds the lifetime of
// any Loggers it spawns.
func NewHandler(ctx context.Context, key output.TaskKey, cfg Config) *Handler {
	return &Handler{
		ctx:       ctx,
		key:       key,
		cfg:       cfg,
		seenTimes: make(map[int64]struct{}),
	}
}

// Notify delivers one TaskState snapshot.
func (h *Handler) Notify(info *nomadapi.TaskStateInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.Streams.Alloc {
		h.emitEvents(info.Events)
	}

	if len(h.loggers) == 0 &&
		(info.State == nomadapi.TaskRunning || info.State == nomadapi.TaskDead) &&
		info.HasStarted() {
		h.loggers = h.createLoggers()
		if info.State == nomadapi.TaskDead {
			time.AfterFunc(drainTimeout, h.Stop)
		}
	}

	if h.exitCode == nil && info.State == nomadapi.TaskDead {
		if code, ok := info.Terminated(); ok {
			c := code
			h.exitCode = &c
		}
		time.AfterFunc(drainTimeout, h.Stop)
	}
}

// emitEvents renders each new TaskEvent through the alloc formatter,
// deduped by Time, applying the tail cap: while in tail mode (Lines >= 0),
// events from before the run's start are suppressed once Lines events have
// already been emitted (spec.md §4.4).
func (h *Handler) emitEvents(events []nomadapi.TaskEvent) {
	for _, e := range events {
		if e.Time == 0 || e.DisplayMessage == "" {
			continue
		}
		if _, seen := h.seenTimes[e.Time]; seen {
			continue
		}
		noTail := h.cfg.Lines < 0
		after := h.cfg.StartTime.IsZero() || e.Time >= h.cfg.StartTime.UnixNano()
		underCap := len(h.seenTimes) < h.cfg.Lines
		if !noTail && !after && !underCap {
			continue
		}
		h.seenTimes[e.Time] = struct{}{}
		h.cfg.Formatter.LogAlloc(h.key, time.Unix(0, e.Time), e.Type, e.DisplayMessage)
	}
}

func (h *Handler) createLoggers() []*logstream.Logger {
	lcfg := logstream.Config{Lines: h.cfg.Lines, LinesTimeout: h.cfg.LinesTimeout, StartTime: h.cfg.StartTime}
	var loggers []*logstream.Logger
	if h.cfg.Streams.Stdout {
		l := logstream.NewLogger(h.cfg.Client, h.key, false, h.cfg.Formatter, lcfg)
		l.Start(h.ctx)
		loggers = append(loggers, l)
	}
	if h.cfg.Streams.Stderr {
		l := logstream.NewLogger(h.cfg.Client, h.key, true, h.cfg.Formatter, lcfg)
		l.Start(h.ctx)
		loggers = append(loggers, l)
	}
	return loggers
}

// Stop stops every Logger this Handler owns. Idempotent.
func (h *Handler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

func (h *Handler) stopLocked() {
	if h.stopped {
		return
	}
	h.stopped = true
	for _, l := range h.loggers {
		l.Stop()
	}
}

// ExitCode returns the captured Terminated exit code, or nil if the task
// has not reached dead, or reached it without a Terminated event.
func (h *Handler) ExitCode() *int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}
