// Package watch implements the Job Watcher and Evaluation Waiter: two
// specializations of the Event Cache pattern that add a termination
// predicate on top of internal/cache's generic batch delivery.
package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/cache"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadclient"
)

var log = logrus.WithField(trace.Component, "watch")

// Options configures a JobWatcher.
type Options struct {
	// All disables the job-version filter: every version of the job is
	// observed indefinitely.
	All bool
	// HaveBaseline pins the watched version/JobModifyIndex explicitly,
	// for a submit-then-watch flow where the caller already has them from
	// the submit response. When false, NewJobWatcher fetches the job's
	// current state as the baseline.
	HaveBaseline        bool
	AfterVersion        uint64
	AfterJobModifyIndex uint64

	Namespace       string
	ForcePolling    bool
	NoFollow        bool
	ShutdownTimeout time.Duration
}

// JobWatcher subscribes to the four topics filtered by one JobID and owns
// the Until-Finished and Until-Started termination predicates.
type JobWatcher struct {
	client *nomadclient.Client
	jobID  string
	opts   Options

	cache *cache.Cache

	watchedVersion        uint64
	watchedJobModifyIndex uint64
	versionKnown          bool

	// evalModifyIndex mirrors each observed evaluation's JobModifyIndex,
	// so the allocation rule ("EvalID maps to a cached evaluation whose
	// JobModifyIndex >= watched") doesn't need to read back through the
	// cache's own locked maps from inside selectEvent, which runs while
	// the cache already holds its write lock. selectEvent is invoked at
	// most once per candidate event, always serialized by that same
	// lock, so this plain map needs no mutex of its own.
	evalModifyIndex map[string]uint64

	jobSeen atomic.Bool

	purgeMu sync.Mutex
	purge   bool
}

// NewJobWatcher constructs a JobWatcher for jobID. It does not start the
// background cache task; call Start for that.
func NewJobWatcher(ctx context.Context, client *nomadclient.Client, jobID string, opts Options) (*JobWatcher, error) {
	jw := &JobWatcher{
		client:          client,
		jobID:           jobID,
		opts:            opts,
		evalModifyIndex: make(map[string]uint64),
	}

	switch {
	case opts.All:
		// No baseline: every version is observed.
	case opts.HaveBaseline:
		jw.watchedVersion = opts.AfterVersion
		jw.watchedJobModifyIndex = opts.AfterJobModifyIndex
		jw.versionKnown = true
	default:
		job, err := client.Job(ctx, jobID)
		switch {
		case err == nil:
			jw.watchedVersion = job.Version
			jw.watchedJobModifyIndex = job.JobModifyIndex
			jw.versionKnown = true
		case trace.IsNotFound(err):
			// Not submitted yet; the baseline is fixed the first time a
			// Job event is observed, inside selectEvent.
		default:
			return nil, trace.Wrap(err)
		}
	}

	jw.cache = cache.New(cache.Config{
		Client: client,
		Topics: []string{
			"Job:" + jobID,
			"Evaluation:*",
			"Allocation:*",
			"Deployment:*",
		},
		Namespace:    opts.Namespace,
		Select:       jw.selectEvent,
		Init:         jw.init,
		ForcePolling: opts.ForcePolling,
	})
	return jw, nil
}

// Start launches the background cache task and returns its batch channel.
func (jw *JobWatcher) Start(ctx context.Context) <-chan cache.Batch {
	return jw.cache.Run(ctx)
}

// Stop idempotently stops the background cache task.
func (jw *JobWatcher) Stop() { jw.cache.Stop() }

func (jw *JobWatcher) init(ctx context.Context) ([]*nomadapi.Event, error) {
	var events []*nomadapi.Event

	job, err := jw.client.Job(ctx, jw.jobID)
	switch {
	case err == nil:
		events = append(events, &nomadapi.Event{Topic: nomadapi.KindJob, Type: "JobSnapshot", Job: job})
	case trace.IsNotFound(err):
	default:
		return nil, trace.Wrap(err)
	}

	evals, err := jw.client.JobEvaluations(ctx, jw.jobID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	for _, e := range evals {
		events = append(events, &nomadapi.Event{Topic: nomadapi.KindEvaluation, Type: "EvaluationSnapshot", Evaluation: e})
	}

	allocs, err := jw.client.JobAllocations(ctx, jw.jobID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	for _, a := range allocs {
		events = append(events, &nomadapi.Event{Topic: nomadapi.KindAllocation, Type: "AllocationSnapshot", Allocation: a})
	}

	deps, err := jw.client.JobDeployments(ctx, jw.jobID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	for _, d := range deps {
		events = append(events, &nomadapi.Event{Topic: nomadapi.KindDeployment, Type: "DeploymentSnapshot", Deployment: d})
	}

	return events, nil
}

// selectEvent implements the job-version filter (spec §4.3). It also
// captures the watched baseline the first time a Job event for this job is
// seen, for the case where NewJobWatcher found no job yet to fetch a
// baseline from.
func (jw *JobWatcher) selectEvent(e *nomadapi.Event) bool {
	switch e.Topic {
	case nomadapi.KindJob:
		if e.Deregistered {
			return true
		}
		if e.Job == nil || e.Job.ID != jw.jobID {
			return false
		}
		if !jw.opts.All && !jw.versionKnown {
			jw.watchedVersion = e.Job.Version
			jw.watchedJobModifyIndex = e.Job.JobModifyIndex
			jw.versionKnown = true
		}
		jw.jobSeen.Store(true)
		return true

	case nomadapi.KindEvaluation:
		ev := e.Evaluation
		if ev == nil || ev.JobID != jw.jobID {
			return false
		}
		if jw.opts.All || ev.JobModifyIndex >= jw.watchedJobModifyIndex {
			jw.evalModifyIndex[ev.ID] = ev.JobModifyIndex
			return true
		}
		return false

	case nomadapi.KindAllocation:
		a := e.Allocation
		if a == nil || a.JobID != jw.jobID {
			return false
		}
		if jw.opts.All || a.JobVersion >= jw.watchedVersion {
			return true
		}
		idx, ok := jw.evalModifyIndex[a.EvalID]
		return ok && idx >= jw.watchedJobModifyIndex

	case nomadapi.KindDeployment:
		d := e.Deployment
		if d == nil || d.JobID != jw.jobID {
			return false
		}
		return jw.opts.All || d.JobModifyIndex >= jw.watchedJobModifyIndex
	}
	return false
}

func (jw *JobWatcher) isPurge() bool {
	jw.purgeMu.Lock()
	defer jw.purgeMu.Unlock()
	return jw.purge
}

// UntilFinished is the Until-Finished predicate (spec §4.3.1), re-checked
// after every batch.
func (jw *JobWatcher) UntilFinished() bool {
	if !jw.jobSeen.Load() && !jw.isPurge() {
		return false
	}
	for _, a := range jw.cache.Allocations() {
		if a.ClientStatus.Active() {
			return false
		}
	}
	for _, e := range jw.cache.Evaluations() {
		if e.Status == nomadapi.EvalPending {
			return false
		}
	}
	for _, d := range jw.cache.Deployments() {
		if d.Status.Active() {
			return false
		}
	}
	job := jw.cache.GetJob()
	if jw.isPurge() && job == nil {
		return true
	}
	return job != nil && job.Status == nomadapi.JobDead
}

// Started is the Until-Started predicate (spec §4.3.2). Allocations
// returned by the cache have already passed the job-version filter in
// selectEvent, so no re-filtering is needed here.
func (jw *JobWatcher) Started() bool {
	job := jw.cache.GetJob()
	if job == nil {
		return false
	}
	latest := make(map[string]*nomadapi.Allocation, len(job.TaskGroups))
	for _, a := range jw.cache.Allocations() {
		cur, ok := latest[a.TaskGroup]
		if !ok || a.ModifyTime > cur.ModifyTime {
			latest[a.TaskGroup] = a
		}
	}
	for _, tg := range job.TaskGroups {
		a, ok := latest[tg.Name]
		if !ok {
			return false
		}
		for _, task := range tg.Tasks {
			if !task.Lifecycle.IsMain() {
				continue
			}
			info, ok := a.TaskStates[task.Name]
			if !ok || !info.HasStarted() {
				return false
			}
		}
	}
	return true
}

// bailout is the Until-Started bailout clause: the job died before Started
// became true, with no active work left to wait on.
func (jw *JobWatcher) bailout() bool {
	job := jw.cache.GetJob()
	if job == nil || job.Status != nomadapi.JobDead {
		return false
	}
	for _, a := range jw.cache.Allocations() {
		if a.ClientStatus.Active() {
			return false
		}
	}
	for _, e := range jw.cache.Evaluations() {
		if e.Status == nomadapi.EvalPending {
			return false
		}
	}
	for _, d := range jw.cache.Deployments() {
		if d.Status.Active() {
			return false
		}
	}
	return true
}

// StopJob waits for the cache's initial snapshot, marks the purge flag when
// requested (relaxing Until-Finished to accept a missing Job record), and
// issues the stop request. Safe to call after termination has already been
// observed. Once a purge has been requested, a job that no longer exists is
// not reported as an error.
func (jw *JobWatcher) StopJob(ctx context.Context, purge bool) error {
	for !jw.cache.Initialized() {
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if purge {
		jw.purgeMu.Lock()
		jw.purge = true
		jw.purgeMu.Unlock()
	}
	err := jw.client.StopJob(ctx, jw.jobID, purge)
	if trace.IsNotFound(err) && jw.isPurge() {
		return nil
	}
	return trace.Wrap(err)
}

// JobFinishedSuccessfully consults the summary endpoint for the
// --purge-successful policy's finished case (spec §4.3.4).
func (jw *JobWatcher) JobFinishedSuccessfully(ctx context.Context) (bool, error) {
	s, err := jw.client.JobSummary(ctx, jw.jobID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return s.Queued == 0 && s.Failed == 0 && s.Starting == 0 && s.Lost == 0 && s.Complete != 0, nil
}

// JobRunningSuccessfully consults the summary endpoint for the
// --purge-successful policy's running case (spec §4.3.4).
func (jw *JobWatcher) JobRunningSuccessfully(ctx context.Context) (bool, error) {
	s, err := jw.client.JobSummary(ctx, jw.jobID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return s.Queued == 0 && s.Failed == 0 && s.Starting == 0 && s.Lost == 0 && s.Running != 0, nil
}

// Result is the outcome of a driver loop.
type Result struct {
	// Purged is true when Until-Finished held via a purge-cleared Job
	// record rather than Status == dead.
	Purged bool
	// Interrupted is true when the watcher stopped before its success
	// condition: Until-Started's bailout fired, the batch channel closed,
	// or (with NoFollow) the shutdown timer fired first.
	Interrupted bool
}

// WaitUntilFinished drives batches until the Until-Finished predicate
// holds, the channel closes, or (with NoFollow) the shutdown timer fires.
// onBatch, when non-nil, is called with every batch before the predicate is
// re-checked, so a caller can fan events out to the Allocation Workers and
// Output Formatter without a second consumer racing this one for the same
// channel.
func (jw *JobWatcher) WaitUntilFinished(ctx context.Context, batches <-chan cache.Batch, onBatch func(cache.Batch)) (Result, error) {
	var shutdown <-chan time.Time
	if jw.opts.NoFollow {
		timer := time.NewTimer(jw.opts.ShutdownTimeout)
		defer timer.Stop()
		shutdown = timer.C
	}
	for {
		if jw.UntilFinished() {
			result := Result{Purged: jw.isPurge() && jw.cache.GetJob() == nil}
			jw.logTerminal(result)
			return result, nil
		}
		select {
		case b, ok := <-batches:
			if !ok {
				return Result{Interrupted: true}, nil
			}
			if b.Err != nil {
				return Result{}, trace.Wrap(b.Err)
			}
			if onBatch != nil {
				onBatch(b)
			}
		case <-shutdown:
			log.Info("--no-follow shutdown timer fired before job finished.")
			return Result{Interrupted: true}, nil
		case <-ctx.Done():
			return Result{}, trace.Wrap(ctx.Err())
		}
	}
}

// logTerminal emits the single terminal status line Until-Finished owes the
// user once it holds, mirroring the original watcher's "Job ... is dead.
// Exiting." / "Job ... purged. Exiting." messages.
func (jw *JobWatcher) logTerminal(result Result) {
	if result.Purged {
		log.Infof("Job %s purged. Exiting.", jw.jobID)
		return
	}
	log.Infof("Job %s is dead. Exiting.", jw.jobID)
}

// WaitUntilStarted drives batches until the Until-Started predicate holds
// or its bailout clause fires. onBatch behaves as in WaitUntilFinished.
func (jw *JobWatcher) WaitUntilStarted(ctx context.Context, batches <-chan cache.Batch, onBatch func(cache.Batch)) (Result, error) {
	for {
		if jw.Started() {
			return Result{}, nil
		}
		if jw.bailout() {
			return Result{Interrupted: true}, nil
		}
		select {
		case b, ok := <-batches:
			if !ok {
				return Result{Interrupted: true}, nil
			}
			if b.Err != nil {
				return Result{}, trace.Wrap(b.Err)
			}
			if onBatch != nil {
				onBatch(b)
			}
		case <-ctx.Done():
			return Result{}, trace.Wrap(ctx.Err())
		}
	}
}
