package task

import (
	"bytes"
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
)

func newAllocationsForTest(taskFilter *regexp.Regexp) *Allocations {
	var buf bytes.Buffer
	cfg := Config{
		Formatter: output.New(&buf, output.Options{Streams: output.AllStreams}),
		Streams:   output.Streams{Alloc: true},
		Lines:     -1,
	}
	return NewAllocations(context.Background(), cfg, taskFilter)
}

func taskStateInfo(state nomadapi.TaskState, exitCode *int) *nomadapi.TaskStateInfo {
	info := &nomadapi.TaskStateInfo{State: state}
	if state != nomadapi.TaskPending {
		info.Events = append(info.Events, nomadapi.TaskEvent{Type: "Started", Time: 1, DisplayMessage: "started"})
	}
	if exitCode != nil {
		info.Events = append(info.Events, nomadapi.TaskEvent{Type: "Terminated", Time: 2, DisplayMessage: "exited", ExitCode: exitCode})
	}
	return info
}

func TestAllocationsAggregatesExitCodesAcrossAllocationsAndTasks(t *testing.T) {
	a := newAllocationsForTest(nil)

	zero, three := 0, 3
	a.Notify(&nomadapi.Allocation{
		ID: "alloc1", TaskGroup: "web",
		TaskStates: map[string]*nomadapi.TaskStateInfo{
			"app": taskStateInfo(nomadapi.TaskDead, &zero),
		},
	})
	a.Notify(&nomadapi.Allocation{
		ID: "alloc2", TaskGroup: "web",
		TaskStates: map[string]*nomadapi.TaskStateInfo{
			"app":    taskStateInfo(nomadapi.TaskDead, &three),
			"sidecar": taskStateInfo(nomadapi.TaskRunning, nil),
		},
	})

	codes := a.ExitCodes()
	require.ElementsMatch(t, []int{0, 3, -1}, codes)
}

func TestAllocationsTaskFilterExcludesNonMatchingTasks(t *testing.T) {
	a := newAllocationsForTest(regexp.MustCompile(`^app$`))

	zero := 0
	a.Notify(&nomadapi.Allocation{
		ID: "alloc1", TaskGroup: "web",
		TaskStates: map[string]*nomadapi.TaskStateInfo{
			"app":       taskStateInfo(nomadapi.TaskDead, &zero),
			"logshipper": taskStateInfo(nomadapi.TaskRunning, nil),
		},
	})

	codes := a.ExitCodes()
	require.Equal(t, []int{0}, codes, "the filtered-out task should never get a Handler at all")
}

func TestAllocationsReusesHandlerAcrossNotifications(t *testing.T) {
	a := newAllocationsForTest(nil)

	a.Notify(&nomadapi.Allocation{
		ID: "alloc1", TaskGroup: "web",
		TaskStates: map[string]*nomadapi.TaskStateInfo{
			"app": taskStateInfo(nomadapi.TaskRunning, nil),
		},
	})
	require.Equal(t, []int{-1}, a.ExitCodes())

	zero := 0
	a.Notify(&nomadapi.Allocation{
		ID: "alloc1", TaskGroup: "web",
		TaskStates: map[string]*nomadapi.TaskStateInfo{
			"app": taskStateInfo(nomadapi.TaskDead, &zero),
		},
	})
	require.Equal(t, []int{0}, a.ExitCodes(), "the same allocation/task keeps one Handler, now reporting its exit code")
}
