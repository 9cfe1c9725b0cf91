package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/cache"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
)

// seed constructs a JobWatcher with a fixed baseline and an Init function
// that bypasses the scheduler client entirely, so selectEvent's filter and
// the termination predicates can be exercised without a live client.
func seed(t *testing.T, initEvents []*nomadapi.Event) *JobWatcher {
	t.Helper()
	jw := &JobWatcher{
		jobID:                 "job1",
		watchedVersion:        2,
		watchedJobModifyIndex: 100,
		versionKnown:          true,
		evalModifyIndex:       make(map[string]uint64),
	}
	jw.cache = cache.New(cache.Config{
		ForcePolling: true,
		Select:       jw.selectEvent,
		Init: func(context.Context) ([]*nomadapi.Event, error) {
			return initEvents, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	batches := jw.cache.Run(ctx)
	select {
	case <-batches:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial batch")
	}
	return jw
}

func TestSelectEventJobVersionFilter(t *testing.T) {
	jw := seed(t, nil)

	// Wrong job entirely: never accepted.
	require.False(t, jw.selectEvent(&nomadapi.Event{
		Topic: nomadapi.KindEvaluation,
		Evaluation: &nomadapi.Evaluation{
			JobID: "other", JobModifyIndex: 200,
		},
	}))

	// Evaluation from a stale job version: rejected.
	require.False(t, jw.selectEvent(&nomadapi.Event{
		Topic: nomadapi.KindEvaluation,
		Evaluation: &nomadapi.Evaluation{
			ID: "e-old", JobID: "job1", JobModifyIndex: 50,
		},
	}))

	// Evaluation at or after the watched JobModifyIndex: accepted, and its
	// JobModifyIndex is mirrored for the allocation EvalID rule.
	require.True(t, jw.selectEvent(&nomadapi.Event{
		Topic: nomadapi.KindEvaluation,
		Evaluation: &nomadapi.Evaluation{
			ID: "e-new", JobID: "job1", JobModifyIndex: 100,
		},
	}))
	require.Equal(t, uint64(100), jw.evalModifyIndex["e-new"])

	// Allocation whose own JobVersion is stale, but whose EvalID maps to
	// the accepted evaluation above: accepted via the eval-mapping rule.
	require.True(t, jw.selectEvent(&nomadapi.Event{
		Topic: nomadapi.KindAllocation,
		Allocation: &nomadapi.Allocation{
			JobID: "job1", JobVersion: 1, EvalID: "e-new",
		},
	}))

	// Allocation with a stale JobVersion and an EvalID that maps nowhere:
	// rejected.
	require.False(t, jw.selectEvent(&nomadapi.Event{
		Topic: nomadapi.KindAllocation,
		Allocation: &nomadapi.Allocation{
			JobID: "job1", JobVersion: 1, EvalID: "unknown",
		},
	}))

	// Allocation whose own JobVersion already satisfies the watched
	// version: accepted outright.
	require.True(t, jw.selectEvent(&nomadapi.Event{
		Topic: nomadapi.KindAllocation,
		Allocation: &nomadapi.Allocation{
			JobID: "job1", JobVersion: 2, EvalID: "unknown",
		},
	}))

	// Deployment follows the same JobModifyIndex rule as evaluations.
	require.False(t, jw.selectEvent(&nomadapi.Event{
		Topic:      nomadapi.KindDeployment,
		Deployment: &nomadapi.Deployment{JobID: "job1", JobModifyIndex: 99},
	}))
	require.True(t, jw.selectEvent(&nomadapi.Event{
		Topic:      nomadapi.KindDeployment,
		Deployment: &nomadapi.Deployment{JobID: "job1", JobModifyIndex: 100},
	}))
}

func TestSelectEventCapturesBaselineOnFirstJobEvent(t *testing.T) {
	jw := &JobWatcher{
		jobID:           "job1",
		evalModifyIndex: make(map[string]uint64),
	}
	require.False(t, jw.versionKnown)

	require.True(t, jw.selectEvent(&nomadapi.Event{
		Topic: nomadapi.KindJob,
		Job:   &nomadapi.Job{ID: "job1", Version: 4, JobModifyIndex: 400},
	}))

	require.True(t, jw.versionKnown)
	require.Equal(t, uint64(4), jw.watchedVersion)
	require.Equal(t, uint64(400), jw.watchedJobModifyIndex)
	require.True(t, jw.jobSeen.Load())

	// A second Job event does not re-capture the baseline even if its
	// version differs.
	require.True(t, jw.selectEvent(&nomadapi.Event{
		Topic: nomadapi.KindJob,
		Job:   &nomadapi.Job{ID: "job1", Version: 9, JobModifyIndex: 900},
	}))
	require.Equal(t, uint64(4), jw.watchedVersion)
}

func TestUntilFinishedWaitsForActiveWork(t *testing.T) {
	jw := seed(t, []*nomadapi.Event{
		{Topic: nomadapi.KindJob, Job: &nomadapi.Job{ID: "job1", Version: 2, JobModifyIndex: 100, Status: nomadapi.JobDead}},
		{Topic: nomadapi.KindAllocation, Allocation: &nomadapi.Allocation{
			ID: "a1", JobID: "job1", JobVersion: 2, ClientStatus: nomadapi.AllocRunning,
		}},
	})
	// Job is dead but an allocation is still active: not finished yet.
	require.False(t, jw.UntilFinished())
}

func TestUntilFinishedHoldsOnceJobDeadAndQuiescent(t *testing.T) {
	jw := seed(t, []*nomadapi.Event{
		{Topic: nomadapi.KindJob, Job: &nomadapi.Job{ID: "job1", Version: 2, JobModifyIndex: 100, Status: nomadapi.JobDead}},
		{Topic: nomadapi.KindAllocation, Allocation: &nomadapi.Allocation{
			ID: "a1", JobID: "job1", JobVersion: 2, ClientStatus: nomadapi.AllocComplete,
		}},
	})
	require.True(t, jw.UntilFinished())
}

func TestWaitUntilFinishedReturnsImmediatelyOnceJobDead(t *testing.T) {
	jw := seed(t, []*nomadapi.Event{
		{Topic: nomadapi.KindJob, Job: &nomadapi.Job{ID: "job1", Version: 2, JobModifyIndex: 100, Status: nomadapi.JobDead}},
	})

	result, err := jw.WaitUntilFinished(context.Background(), make(chan cache.Batch), nil)
	require.NoError(t, err)
	require.False(t, result.Purged)
	require.False(t, result.Interrupted)
}

func TestWaitUntilFinishedReturnsPurgedWhenJobCleared(t *testing.T) {
	jw := seed(t, nil)
	jw.jobSeen.Store(true)
	jw.purge = true

	result, err := jw.WaitUntilFinished(context.Background(), make(chan cache.Batch), nil)
	require.NoError(t, err)
	require.True(t, result.Purged)
}

func TestStartedRequiresEveryMainTaskStarted(t *testing.T) {
	job := &nomadapi.Job{
		ID: "job1", Version: 2, JobModifyIndex: 100,
		TaskGroups: []nomadapi.TaskGroup{{
			Name: "g1",
			Tasks: []nomadapi.Task{
				{Name: "main"},
				{Name: "side", Lifecycle: &nomadapi.Lifecycle{Hook: "prestart", Sidecar: false}},
			},
		}},
	}
	alloc := &nomadapi.Allocation{
		ID: "a1", JobID: "job1", JobVersion: 2, TaskGroup: "g1", ModifyTime: 1,
		TaskStates: map[string]*nomadapi.TaskStateInfo{
			"main": {State: nomadapi.TaskRunning},
			// side is a plain (non-sidecar) prestart task: not "main" per
			// IsMain, so it never gates Started() even without an event
			// history of its own.
		},
	}
	jw := seed(t, []*nomadapi.Event{
		{Topic: nomadapi.KindJob, Job: job},
		{Topic: nomadapi.KindAllocation, Allocation: alloc},
	})

	require.False(t, jw.Started(), "main task has no Started event yet")

	alloc.TaskStates["main"].Events = []nomadapi.TaskEvent{{Type: "Started"}}
	require.True(t, jw.Started(), "only the main task gates Started()")
}

func TestBailoutFiresOnlyWhenJobDeadAndQuiescent(t *testing.T) {
	jw := seed(t, []*nomadapi.Event{
		{Topic: nomadapi.KindJob, Job: &nomadapi.Job{ID: "job1", Version: 2, JobModifyIndex: 100, Status: nomadapi.JobRunning}},
	})
	require.False(t, jw.bailout())
}
