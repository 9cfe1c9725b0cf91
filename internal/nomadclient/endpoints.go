package nomadclient

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/gravitational/trace"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
)

func decodeInto(b []byte, out interface{}) error {
	if err := json.Unmarshal(b, out); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// jobSpec is the wire shape of a job definition as accepted by /v1/jobs and
// returned by /v1/job/{id}. Field names mirror the scheduler's own JSON API.
type jobSpec struct {
	ID             string `json:"ID"`
	Namespace      string `json:"Namespace"`
	Version        uint64 `json:"Version"`
	JobModifyIndex uint64 `json:"JobModifyIndex"`
	ModifyIndex    uint64 `json:"ModifyIndex"`
	Status         string `json:"Status"`
	TaskGroups     []struct {
		Name  string `json:"Name"`
		Tasks []struct {
			Name      string `json:"Name"`
			Lifecycle *struct {
				Hook    string `json:"Hook"`
				Sidecar bool   `json:"Sidecar"`
			} `json:"Lifecycle"`
		} `json:"Tasks"`
	} `json:"TaskGroups"`
}

func (j *jobSpec) toJob() *nomadapi.Job {
	out := &nomadapi.Job{
		ID:             j.ID,
		Namespace:      j.Namespace,
		Version:        j.Version,
		JobModifyIndex: j.JobModifyIndex,
		ModifyIndexVal: j.ModifyIndex,
		Status:         nomadapi.JobStatus(j.Status),
	}
	for _, tg := range j.TaskGroups {
		group := nomadapi.TaskGroup{Name: tg.Name}
		for _, t := range tg.Tasks {
			task := nomadapi.Task{Name: t.Name}
			if t.Lifecycle != nil {
				task.Lifecycle = &nomadapi.Lifecycle{
					Hook:    t.Lifecycle.Hook,
					Sidecar: t.Lifecycle.Sidecar,
				}
			}
			group.Tasks = append(group.Tasks, task)
		}
		out.TaskGroups = append(out.TaskGroups, group)
	}
	return out
}

// Jobs lists jobs whose ID has the given prefix.
func (c *Client) Jobs(ctx context.Context, prefix string) ([]*nomadapi.Job, error) {
	var raw []jobSpec
	if err := c.get(ctx, "jobs", url.Values{"prefix": {prefix}}, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*nomadapi.Job, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].toJob())
	}
	return out, nil
}

// Job fetches a single job by ID. Returns a trace.NotFound error if absent.
func (c *Client) Job(ctx context.Context, id string) (*nomadapi.Job, error) {
	var raw jobSpec
	if err := c.get(ctx, "job/"+id, nil, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	return raw.toJob(), nil
}

type evalSpec struct {
	ID                string                    `json:"ID"`
	Namespace         string                    `json:"Namespace"`
	JobID             string                    `json:"JobID"`
	JobModifyIndex    uint64                    `json:"JobModifyIndex"`
	Status            string                    `json:"Status"`
	StatusDescription string                    `json:"StatusDescription"`
	FailedTGAllocs    map[string]failedTGAlloc  `json:"FailedTGAllocs"`
	WaitUntil         *time.Time                `json:"WaitUntil"`
	ModifyIndex       uint64                    `json:"ModifyIndex"`
}

type failedTGAlloc struct {
	CoalescedFailures int `json:"CoalescedFailures"`
	NodesExhausted    int `json:"NodesExhausted"`
}

func (e *evalSpec) toEval() *nomadapi.Evaluation {
	out := &nomadapi.Evaluation{
		ID:                e.ID,
		Namespace:         e.Namespace,
		JobID:             e.JobID,
		JobModifyIndex:    e.JobModifyIndex,
		Status:            nomadapi.EvalStatus(e.Status),
		StatusDescription: e.StatusDescription,
		WaitUntil:         e.WaitUntil,
		ModifyIndexVal:    e.ModifyIndex,
	}
	if len(e.FailedTGAllocs) > 0 {
		out.FailedTGAllocs = make(map[string]nomadapi.FailedTGAlloc, len(e.FailedTGAllocs))
		for k, v := range e.FailedTGAllocs {
			out.FailedTGAllocs[k] = nomadapi.FailedTGAlloc{
				CoalescedFailures: v.CoalescedFailures,
				NodesExhausted:    v.NodesExhausted,
			}
		}
	}
	return out
}

// JobEvaluations lists evaluations for a job.
func (c *Client) JobEvaluations(ctx context.Context, jobID string) ([]*nomadapi.Evaluation, error) {
	var raw []evalSpec
	if err := c.get(ctx, "job/"+jobID+"/evaluations", nil, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*nomadapi.Evaluation, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].toEval())
	}
	return out, nil
}

// Evaluation fetches a single evaluation by ID.
func (c *Client) Evaluation(ctx context.Context, id string) (*nomadapi.Evaluation, error) {
	var raw evalSpec
	if err := c.get(ctx, "evaluation/"+id, nil, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	return raw.toEval(), nil
}

type taskEventSpec struct {
	Type           string `json:"Type"`
	Time           int64  `json:"Time"`
	DisplayMessage string `json:"DisplayMessage"`
	ExitCode       *int   `json:"ExitCode"`
}

type taskStateSpec struct {
	State  string          `json:"State"`
	Events []taskEventSpec `json:"Events"`
}

type allocSpec struct {
	ID             string                   `json:"ID"`
	Namespace      string                   `json:"Namespace"`
	JobID          string                   `json:"JobID"`
	JobVersion     uint64                   `json:"JobVersion"`
	EvalID         string                   `json:"EvalID"`
	FollowupEvalID string                   `json:"FollowupEvalID"`
	NodeName       string                   `json:"NodeName"`
	TaskGroup      string                   `json:"TaskGroup"`
	ClientStatus   string                   `json:"ClientStatus"`
	CreateTime     int64                    `json:"CreateTime"`
	ModifyTime     int64                    `json:"ModifyTime"`
	TaskStates     map[string]taskStateSpec `json:"TaskStates"`
	ModifyIndex    uint64                   `json:"ModifyIndex"`
}

func (a *allocSpec) toAlloc() *nomadapi.Allocation {
	out := &nomadapi.Allocation{
		ID:             a.ID,
		Namespace:      a.Namespace,
		JobID:          a.JobID,
		JobVersion:     a.JobVersion,
		EvalID:         a.EvalID,
		FollowupEvalID: a.FollowupEvalID,
		NodeName:       a.NodeName,
		TaskGroup:      a.TaskGroup,
		ClientStatus:   nomadapi.ClientStatus(a.ClientStatus),
		CreateTime:     a.CreateTime,
		ModifyTime:     a.ModifyTime,
		ModifyIndexVal: a.ModifyIndex,
	}
	if len(a.TaskStates) > 0 {
		out.TaskStates = make(map[string]*nomadapi.TaskStateInfo, len(a.TaskStates))
		for name, ts := range a.TaskStates {
			info := &nomadapi.TaskStateInfo{State: nomadapi.TaskState(ts.State)}
			for _, e := range ts.Events {
				info.Events = append(info.Events, nomadapi.TaskEvent{
					Type:           e.Type,
					Time:           e.Time,
					DisplayMessage: e.DisplayMessage,
					ExitCode:       e.ExitCode,
				})
			}
			out.TaskStates[name] = info
		}
	}
	return out
}

// JobAllocations lists allocations for a job.
func (c *Client) JobAllocations(ctx context.Context, jobID string) ([]*nomadapi.Allocation, error) {
	var raw []allocSpec
	if err := c.get(ctx, "job/"+jobID+"/allocations", nil, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*nomadapi.Allocation, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].toAlloc())
	}
	return out, nil
}

// Allocation fetches a single allocation by ID.
func (c *Client) Allocation(ctx context.Context, id string) (*nomadapi.Allocation, error) {
	var raw allocSpec
	if err := c.get(ctx, "allocation/"+id, nil, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	return raw.toAlloc(), nil
}

// AllocationsPrefix lists allocations whose ID has the given prefix.
func (c *Client) AllocationsPrefix(ctx context.Context, prefix string) ([]*nomadapi.Allocation, error) {
	var raw []allocSpec
	if err := c.get(ctx, "allocations", url.Values{"prefix": {prefix}}, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*nomadapi.Allocation, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].toAlloc())
	}
	return out, nil
}

type deploymentSpec struct {
	ID             string `json:"ID"`
	Namespace      string `json:"Namespace"`
	JobID          string `json:"JobID"`
	JobModifyIndex uint64 `json:"JobModifyIndex"`
	Status         string `json:"Status"`
	ModifyIndex    uint64 `json:"ModifyIndex"`
}

func (d *deploymentSpec) toDeployment() *nomadapi.Deployment {
	return &nomadapi.Deployment{
		ID:             d.ID,
		Namespace:      d.Namespace,
		JobID:          d.JobID,
		JobModifyIndex: d.JobModifyIndex,
		Status:         nomadapi.DeploymentStatus(d.Status),
		ModifyIndexVal: d.ModifyIndex,
	}
}

// JobDeployments lists deployments for a job.
func (c *Client) JobDeployments(ctx context.Context, jobID string) ([]*nomadapi.Deployment, error) {
	var raw []deploymentSpec
	if err := c.get(ctx, "job/"+jobID+"/deployments", nil, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*nomadapi.Deployment, 0, len(raw))
	for i := range raw {
		out = append(out, raw[i].toDeployment())
	}
	return out, nil
}

// Summary is the aggregated per-status allocation counts for a job, as
// returned by /v1/job/{id}/summary, used by the conditional-purge success
// classifiers.
type Summary struct {
	Queued   int
	Complete int
	Failed   int
	Running  int
	Starting int
	Lost     int
}

type summaryWire struct {
	Summary map[string]struct {
		Queued   int `json:"Queued"`
		Complete int `json:"Complete"`
		Failed   int `json:"Failed"`
		Running  int `json:"Running"`
		Starting int `json:"Starting"`
		Lost     int `json:"Lost"`
	} `json:"Summary"`
}

// JobSummary aggregates the per-task-group summary counts across the whole
// job.
func (c *Client) JobSummary(ctx context.Context, jobID string) (Summary, error) {
	var raw summaryWire
	if err := c.get(ctx, "job/"+jobID+"/summary", nil, &raw); err != nil {
		return Summary{}, trace.Wrap(err)
	}
	var total Summary
	for _, tg := range raw.Summary {
		total.Queued += tg.Queued
		total.Complete += tg.Complete
		total.Failed += tg.Failed
		total.Running += tg.Running
		total.Starting += tg.Starting
		total.Lost += tg.Lost
	}
	return total, nil
}
