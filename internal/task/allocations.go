package task

import (
	"context"
	"regexp"
	"sync"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
)

// allocWorker fans out one allocation's TaskState snapshots to one Handler
// per task name.
type allocWorker struct {
	ctx        context.Context
	allocID    string
	node       string
	group      string
	cfg        Config
	taskFilter *regexp.Regexp

	mu       sync.Mutex
	handlers map[string]*Handler
}

func newAllocWorker(ctx context.Context, alloc *nomadapi.Allocation, cfg Config, taskFilter *regexp.Regexp) *allocWorker {
	return &allocWorker{
		ctx:        ctx,
		allocID:    alloc.ID,
		node:       alloc.NodeName,
		group:      alloc.TaskGroup,
		cfg:        cfg,
		taskFilter: taskFilter,
		handlers:   make(map[string]*Handler),
	}
}

func (w *allocWorker) notify(alloc *nomadapi.Allocation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, info := range alloc.TaskStates {
		if w.taskFilter != nil && !w.taskFilter.MatchString(name) {
			continue
		}
		h, ok := w.handlers[name]
		if !ok {
			key := output.TaskKey{AllocID: w.allocID, Node: w.node, Group: w.group, Task: name}
			h = NewHandler(w.ctx, key, w.cfg)
			w.handlers[name] = h
		}
		h.Notify(info)
	}
}

func (w *allocWorker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range w.handlers {
		h.Stop()
	}
}

func (w *allocWorker) exitCodes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, 0, len(w.handlers))
	for _, h := range w.handlers {
		if code := h.ExitCode(); code != nil {
			out = append(out, *code)
		} else {
			out = append(out, -1)
		}
	}
	return out
}

// Allocations is the Allocation Workers component: one allocWorker per
// observed allocation ID, created lazily on first notification.
type Allocations struct {
	ctx        context.Context
	cfg        Config
	taskFilter *regexp.Regexp

	mu      sync.Mutex
	workers map[string]*allocWorker
}

// NewAllocations constructs an empty Allocations. taskFilter may be nil to
// accept every task (spec.md §6.3's `task REGEX` option).
func NewAllocations(ctx context.Context, cfg Config, taskFilter *regexp.Regexp) *Allocations {
	return &Allocations{
		ctx:        ctx,
		cfg:        cfg,
		taskFilter: taskFilter,
		workers:    make(map[string]*allocWorker),
	}
}

// Notify updates the state with one allocation's current TaskStates.
func (a *Allocations) Notify(alloc *nomadapi.Allocation) {
	a.mu.Lock()
	w, ok := a.workers[alloc.ID]
	if !ok {
		w = newAllocWorker(a.ctx, alloc, a.cfg, a.taskFilter)
		a.workers[alloc.ID] = w
	}
	a.mu.Unlock()
	w.notify(alloc)
}

// Stop stops every Logger owned by every task handler across every
// allocation.
func (a *Allocations) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, w := range a.workers {
		w.stop()
	}
}

// ExitCodes returns the aggregate per-task exit codes across every known
// allocation and task, with -1 standing in for "unfinished" (spec.md §4.5's
// Exit-Code Mapper input).
func (a *Allocations) ExitCodes() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for _, w := range a.workers {
		out = append(out, w.exitCodes()...)
	}
	return out
}
