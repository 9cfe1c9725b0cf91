// Package cache implements the Event Cache ("Db" in spec terms): it
// subscribes to the scheduler's push event stream, falling back to polling,
// deduplicates and orders events across the four entity kinds, and exposes
// a consistent in-memory view to the Job Watcher and Evaluation Waiter.
//
// The fan-in/polling shape is grounded on
// gravitational-gravity/lib/fsm.FollowOperationPlan: a background goroutine
// produces batches onto a channel, a ticker drives the polling fallback,
// and a sentinel/close signals completion -- generalized here from one
// entity (an operation plan) to four entity kinds sharing one cache.
package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadclient"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/retry"
)

// streamOpenRetries bounds the total number of attempts made to open the
// event stream on transient connection errors (spec.md §7 item 1:
// "retriable within the stream loop").
const streamOpenRetries = 3

// streamOpenInterval is the fixed backoff between those attempts.
const streamOpenInterval = 500 * time.Millisecond

var log = logrus.WithField(trace.Component, "cache")

// pollInterval is the fallback polling cadence. Fixed per spec.md §9 Open
// Question (a): the source's cadence is unmodifiable, so this
// reimplementation keeps it fixed too, internally.
const pollInterval = 1 * time.Second

// SelectFunc decides whether a newly-observed identity's event should enter
// the cache at all (existing identities are always accepted once newer).
type SelectFunc func(*nomadapi.Event) bool

// InitFunc returns the bulk snapshot used both for cache bootstrap and for
// each polling tick.
type InitFunc func(ctx context.Context) ([]*nomadapi.Event, error)

// Batch is one unit of delivery on the channel returned by Cache.Run: either the initial
// snapshot, a live-stream delta, or a polling snapshot.
type Batch struct {
	Events []*nomadapi.Event
	// Stream is true for events delivered by the live push stream, false
	// for the initial/poll snapshot batches.
	Stream bool
	// Err is set on the final batch if the background task stopped
	// because of an unrecoverable error (spec.md §7: "failures convert to
	// a sentinel enqueued to the consumer").
	Err error
}

// Config configures a Cache.
type Config struct {
	Client    *nomadclient.Client
	Topics    []string
	Namespace string
	Select    SelectFunc
	Init      InitFunc
	// ForcePolling bypasses the event stream entirely (the --polling
	// option in spec.md §6.3).
	ForcePolling bool
}

// Cache is the Event Cache. It owns the per-kind maps exclusively; readers
// (watchers) only ever read through GetJob/GetEvaluation/... and never
// mutate.
type Cache struct {
	cfg Config

	mu          sync.RWMutex
	job         *nomadapi.Job
	evaluations map[string]*nomadapi.Evaluation
	allocations map[string]*nomadapi.Allocation
	deployments map[string]*nomadapi.Deployment

	queue chan Batch

	stopOnce sync.Once
	stopCh   chan struct{}

	initMu      sync.Mutex
	initialized bool
}

// New constructs a Cache. Call Run to start it.
func New(cfg Config) *Cache {
	return &Cache{
		cfg:         cfg,
		evaluations: make(map[string]*nomadapi.Evaluation),
		allocations: make(map[string]*nomadapi.Allocation),
		deployments: make(map[string]*nomadapi.Deployment),
		queue:       make(chan Batch, 64),
		stopCh:      make(chan struct{}),
	}
}

// Run starts the background task and returns the batch channel. The first
// value received is always the filtered result of Init(), synchronously
// computed before Run returns -- spec.md §4.2: "On startup events()
// consumer invokes init() once... then marks initialized."
func (c *Cache) Run(ctx context.Context) <-chan Batch {
	initial, err := c.cfg.Init(ctx)
	out := make(chan Batch, 1)
	if err != nil {
		out <- Batch{Err: trace.Wrap(err)}
		close(out)
		return out
	}
	accepted := c.ingest(initial)
	c.initMu.Lock()
	c.initialized = true
	c.initMu.Unlock()
	out <- Batch{Events: accepted, Stream: false}

	go c.run(ctx)
	go func() {
		defer close(out)
		for {
			select {
			case b, ok := <-c.queue:
				if !ok {
					return
				}
				out <- b
				if b.Err != nil {
					return
				}
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
	return out
}

// Initialized reports whether the first Init() snapshot has been applied.
func (c *Cache) Initialized() bool {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	return c.initialized
}

// Stop idempotently closes the channel returned by Run and causes the
// background task to exit.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// GetJob returns the cached Job record, or nil if unobserved or
// deregistered.
func (c *Cache) GetJob() *nomadapi.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.job
}

// Evaluations returns a snapshot copy of the cached evaluation map.
func (c *Cache) Evaluations() map[string]*nomadapi.Evaluation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*nomadapi.Evaluation, len(c.evaluations))
	for k, v := range c.evaluations {
		out[k] = v
	}
	return out
}

// Allocations returns a snapshot copy of the cached allocation map.
func (c *Cache) Allocations() map[string]*nomadapi.Allocation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*nomadapi.Allocation, len(c.allocations))
	for k, v := range c.allocations {
		out[k] = v
	}
	return out
}

// Deployments returns a snapshot copy of the cached deployment map.
func (c *Cache) Deployments() map[string]*nomadapi.Deployment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*nomadapi.Deployment, len(c.deployments))
	for k, v := range c.deployments {
		out[k] = v
	}
	return out
}

// Evaluation looks up a single cached evaluation by ID.
func (c *Cache) Evaluation(id string) (*nomadapi.Evaluation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.evaluations[id]
	return e, ok
}

// run is the background task: it prefers the live event stream, falling
// back to polling on permission-denied or when ForcePolling is set.
func (c *Cache) run(ctx context.Context) {
	defer close(c.queue)

	if !c.cfg.ForcePolling {
		err := c.runStream(ctx)
		switch {
		case err == nil:
			// Context canceled or Stop() called; background task exits
			// cleanly with no sentinel.
			return
		case trace.IsAccessDenied(err):
			// spec.md §7 item 2: downgrade to polling for this cache only,
			// logged once at warn level.
			log.Warn("Permission denied on event stream, falling back to polling.")
		default:
			// spec.md §7 item 1: any other stream failure is fatal --
			// surface a sentinel so the watcher terminates cleanly instead
			// of silently switching transports underneath it.
			select {
			case c.queue <- Batch{Err: trace.Wrap(err)}:
			case <-ctx.Done():
			case <-c.stopCh:
			}
			return
		}
	}
	c.runPoll(ctx)
}

func (c *Cache) runStream(ctx context.Context) error {
	var scanner *bufio.Scanner
	var closer interface{ Close() error }
	attempts := 0
	openErr := retry.WithInterval(ctx, retry.Constant(streamOpenInterval), func() error {
		attempts++
		s, cl, err := c.cfg.Client.EventStream(ctx, c.cfg.Topics)
		if err != nil {
			if trace.IsAccessDenied(err) || attempts >= streamOpenRetries {
				return &backoff.PermanentError{Err: err}
			}
			return trace.Wrap(err)
		}
		scanner, closer = s, cl
		return nil
	})
	if openErr != nil {
		return trace.Wrap(openErr)
	}
	defer closer.Close()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue // keep-alive
		}
		var wire nomadclient.EventStreamLine
		if err := json.Unmarshal(line, &wire); err != nil {
			log.WithError(err).Warn("Malformed event stream line.")
			continue
		}
		events := decodeRawEvents(wire.Events)
		accepted := c.ingest(events)
		if len(accepted) == 0 {
			continue
		}
		select {
		case c.queue <- Batch{Events: accepted, Stream: true}:
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return trace.Wrap(err)
	}
	// The upstream closed the stream without ctx cancellation or Stop()
	// having been requested: an unsolicited EOF, fatal per spec.md §7
	// item 1.
	return trace.ConnectionProblem(nil, "event stream closed")
}

func (c *Cache) runPoll(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			events, err := c.cfg.Init(ctx)
			if err != nil {
				log.WithError(err).Warn("Polling snapshot failed.")
				continue
			}
			accepted := c.ingest(events)
			if len(accepted) == 0 {
				continue
			}
			select {
			case c.queue <- Batch{Events: accepted, Stream: false}:
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}
}

func decodeRawEvents(raw []nomadclient.RawEvent) []*nomadapi.Event {
	out := make([]*nomadapi.Event, 0, len(raw))
	for _, r := range raw {
		e, err := nomadclient.DecodeEvent(r)
		if err != nil {
			log.WithError(err).Warn("Failed to decode event payload.")
			continue
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// ingest applies the cache's selection/dedup algorithm to a list of
// candidate events in order, returning the subset that was actually
// accepted and merged into the cache. This is the single chokepoint that
// both Run's bootstrap and the background task funnel through, so
// "feeding the same event twice changes no state" holds regardless of
// delivery path.
func (c *Cache) ingest(events []*nomadapi.Event) []*nomadapi.Event {
	accepted := make([]*nomadapi.Event, 0, len(events))
	for _, e := range events {
		if c.acceptAndApply(e) {
			accepted = append(accepted, e)
		}
	}
	return accepted
}

func (c *Cache) acceptAndApply(e *nomadapi.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Namespace != "" {
		if k := e.Keyed(); k != nil && k.Ns() != "" && k.Ns() != c.cfg.Namespace {
			return false
		}
	}

	switch e.Topic {
	case nomadapi.KindJob:
		if e.Deregistered {
			wasKnown := c.job != nil
			c.job = nil
			return wasKnown || c.cfg.Select == nil || c.cfg.Select(e)
		}
		if e.Job == nil {
			return false
		}
		known := c.job != nil
		if known && e.Job.Index() <= c.job.Index() {
			return false
		}
		if !known && c.cfg.Select != nil && !c.cfg.Select(e) {
			return false
		}
		c.job = e.Job
		return true

	case nomadapi.KindEvaluation:
		if e.Evaluation == nil {
			return false
		}
		return acceptGeneric(c.evaluations, e.Evaluation, e, c.cfg.Select)

	case nomadapi.KindAllocation:
		if e.Allocation == nil {
			return false
		}
		return acceptGeneric(c.allocations, e.Allocation, e, c.cfg.Select)

	case nomadapi.KindDeployment:
		if e.Deployment == nil {
			return false
		}
		return acceptGeneric(c.deployments, e.Deployment, e, c.cfg.Select)
	}
	return false
}

// acceptGeneric implements spec.md §4.2 step 3 for one per-kind map: (a)
// new iff unknown or strictly greater ModifyIndex; (b) known-already OR
// select(e); (c) on both, store and report accepted.
func acceptGeneric[T interface{ Index() uint64 }](m map[string]T, v T, e *nomadapi.Event, sel SelectFunc) bool {
	id := e.Keyed().Key()
	cur, known := m[id]
	if known && v.Index() <= cur.Index() {
		return false
	}
	if !known && sel != nil && !sel(e) {
		return false
	}
	m[id] = v
	return true
}

