// Package nomadapi defines the typed records exchanged with the scheduler's
// HTTP API: Job, Evaluation, Allocation and Deployment, plus the envelope
// the event stream wraps them in. The source this package was ported from
// passed around duck-typed dictionaries; here every entity is a tagged
// record with an explicit ModifyIndex accessor, per the "Dynamic JSON ->
// typed records" design note.
package nomadapi

import (
	"fmt"
	"strings"
	"time"
)

// Keyed is satisfied by every cacheable entity. ModifyIndex is the sole
// cache-dedup key: the cache keeps, for each identity, the record with the
// greatest ModifyIndex ever observed.
type Keyed interface {
	Key() string
	Index() uint64
	Ns() string
}

// JobStatus is the lifecycle status of a Job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDead    JobStatus = "dead"
)

// Lifecycle describes how a task participates in its group's liveness.
type Lifecycle struct {
	Hook    string
	Sidecar bool
}

// IsMain reports whether a task with this Lifecycle is a "main" task per the
// Until-Started predicate: no lifecycle, a prestart sidecar, or poststart.
func (l *Lifecycle) IsMain() bool {
	if l == nil {
		return true
	}
	if l.Hook == "prestart" && l.Sidecar {
		return true
	}
	return l.Hook == "poststart"
}

// Task is one task definition within a TaskGroup.
type Task struct {
	Name      string
	Lifecycle *Lifecycle
}

// TaskGroup is one group of co-scheduled tasks within a Job.
type TaskGroup struct {
	Name  string
	Tasks []Task
}

// Job is the watched job's definition and status, as last observed.
type Job struct {
	ID              string
	Namespace       string
	Version         uint64
	JobModifyIndex  uint64
	ModifyIndexVal  uint64
	Status          JobStatus
	TaskGroups      []TaskGroup
}

func (j *Job) Key() string    { return j.ID }
func (j *Job) Index() uint64  { return j.ModifyIndexVal }
func (j *Job) Ns() string     { return j.Namespace }

// TaskGroupByName finds a task group by name, or nil.
func (j *Job) TaskGroupByName(name string) *TaskGroup {
	for i := range j.TaskGroups {
		if j.TaskGroups[i].Name == name {
			return &j.TaskGroups[i]
		}
	}
	return nil
}

// EvalStatus is the lifecycle status of an Evaluation.
type EvalStatus string

const (
	EvalPending  EvalStatus = "pending"
	EvalComplete EvalStatus = "complete"
	EvalBlocked  EvalStatus = "blocked"
	EvalFailed   EvalStatus = "failed"
	EvalCanceled EvalStatus = "canceled"
)

// FailedTGAlloc describes a placement-failure metric for one task group.
type FailedTGAlloc struct {
	CoalescedFailures int
	NodesExhausted    int
}

// Evaluation is a scheduler decision record.
type Evaluation struct {
	ID                string
	Namespace         string
	JobID             string
	JobModifyIndex    uint64
	Status            EvalStatus
	StatusDescription string
	FailedTGAllocs    map[string]FailedTGAlloc
	WaitUntil         *time.Time
	ModifyIndexVal    uint64
}

func (e *Evaluation) Key() string   { return e.ID }
func (e *Evaluation) Index() uint64 { return e.ModifyIndexVal }
func (e *Evaluation) Ns() string    { return e.Namespace }

// Format renders a FailedTGAlloc as a human-readable summary line prefixed
// with prefix. verbose includes zero-valued fields; otherwise only nonzero
// counts are reported.
func (f FailedTGAlloc) Format(verbose bool, prefix string) string {
	var parts []string
	if verbose || f.CoalescedFailures != 0 {
		parts = append(parts, fmt.Sprintf("coalesced failures: %d", f.CoalescedFailures))
	}
	if verbose || f.NodesExhausted != 0 {
		parts = append(parts, fmt.Sprintf("nodes exhausted: %d", f.NodesExhausted))
	}
	if len(parts) == 0 {
		return prefix + "no placement failures"
	}
	return prefix + strings.Join(parts, ", ")
}

// ClientStatus is the lifecycle status of an Allocation as reported by the
// client agent that is running it.
type ClientStatus string

const (
	AllocPending  ClientStatus = "pending"
	AllocRunning  ClientStatus = "running"
	AllocComplete ClientStatus = "complete"
	AllocFailed   ClientStatus = "failed"
	AllocLost     ClientStatus = "lost"
)

// Active reports whether the allocation still has work to finish.
func (s ClientStatus) Active() bool {
	return s == AllocPending || s == AllocRunning
}

// TaskState is the lifecycle state of a single task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskDead    TaskState = "dead"
)

// TaskEvent is one entry in a TaskState's event history.
type TaskEvent struct {
	Type           string
	Time           int64 // nanoseconds, also the display timestamp
	DisplayMessage string
	ExitCode       *int
}

// TaskStateInfo is one task's current state and event history, as last
// reported in an allocation snapshot.
type TaskStateInfo struct {
	State  TaskState
	Events []TaskEvent
}

// HasStarted reports whether a Started event is present in the history,
// i.e. was_started() in spec terms.
func (t *TaskStateInfo) HasStarted() bool {
	for _, e := range t.Events {
		if e.Type == "Started" {
			return true
		}
	}
	return false
}

// Terminated returns the ExitCode of the first Terminated event found, and
// whether one was found at all.
func (t *TaskStateInfo) Terminated() (int, bool) {
	for _, e := range t.Events {
		if e.Type == "Terminated" && e.ExitCode != nil {
			return *e.ExitCode, true
		}
	}
	return 0, false
}

// Allocation is the scheduler's placement of a task group instance on a
// node.
type Allocation struct {
	ID              string
	Namespace       string
	JobID           string
	JobVersion      uint64
	EvalID          string
	FollowupEvalID  string
	NodeName        string
	TaskGroup       string
	ClientStatus    ClientStatus
	CreateTime      int64
	ModifyTime      int64
	TaskStates      map[string]*TaskStateInfo
	ModifyIndexVal  uint64
}

func (a *Allocation) Key() string   { return a.ID }
func (a *Allocation) Index() uint64 { return a.ModifyIndexVal }
func (a *Allocation) Ns() string    { return a.Namespace }

// DeploymentStatus is the lifecycle status of a Deployment.
type DeploymentStatus string

const (
	DeployInitializing DeploymentStatus = "initializing"
	DeployRunning       DeploymentStatus = "running"
	DeployPending       DeploymentStatus = "pending"
	DeployBlocked       DeploymentStatus = "blocked"
	DeployPaused        DeploymentStatus = "paused"
	DeploySuccessful    DeploymentStatus = "successful"
	DeployFailed        DeploymentStatus = "failed"
	DeployCanceled      DeploymentStatus = "canceled"
)

// Active reports whether the deployment status counts as "in progress" for
// the Until-Finished predicate.
func (s DeploymentStatus) Active() bool {
	switch s {
	case DeployInitializing, DeployRunning, DeployPending, DeployBlocked, DeployPaused:
		return true
	}
	return false
}

// Deployment is a controlled rollout of a new job version.
type Deployment struct {
	ID             string
	Namespace      string
	JobID          string
	JobModifyIndex uint64
	Status         DeploymentStatus
	ModifyIndexVal uint64
}

func (d *Deployment) Key() string   { return d.ID }
func (d *Deployment) Index() uint64 { return d.ModifyIndexVal }
func (d *Deployment) Ns() string    { return d.Namespace }

// Kind identifies one of the four entity kinds carried over the event
// stream.
type Kind string

const (
	KindJob        Kind = "Job"
	KindEvaluation Kind = "Evaluation"
	KindAllocation Kind = "Allocation"
	KindDeployment Kind = "Deployment"
)

// Event is one entity change, as unwrapped from the scheduler's
// event/stream envelope.
type Event struct {
	// Index is the stream cursor's index, distinct from the entity's own
	// ModifyIndex; kept only for diagnostics (restored from the original
	// Python source, dropped by the distillation).
	Index uint64
	Topic Kind
	Type  string

	Job        *Job
	Evaluation *Evaluation
	Allocation *Allocation
	Deployment *Deployment

	// Deregistered is set for a JobDeregistered event: the Job slot must be
	// cleared rather than replaced.
	Deregistered bool
}

// Keyed returns the wrapped entity's Keyed view, or nil for a bare
// deregistration event carrying only an ID.
func (e *Event) Keyed() Keyed {
	switch e.Topic {
	case KindJob:
		if e.Job != nil {
			return e.Job
		}
	case KindEvaluation:
		return e.Evaluation
	case KindAllocation:
		return e.Allocation
	case KindDeployment:
		return e.Deployment
	}
	return nil
}
