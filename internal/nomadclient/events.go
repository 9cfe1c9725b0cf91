package nomadclient

import (
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
)

// DecodeEvent unwraps one event/stream record's Payload into a typed
// nomadapi.Event, per spec.md §4.1: "{Events:[{Topic, Type,
// Payload:{<Topic>:{...}}}]}".
func DecodeEvent(r RawEvent) (*nomadapi.Event, error) {
	out := &nomadapi.Event{
		Index: r.Index,
		Topic: nomadapi.Kind(r.Topic),
		Type:  r.Type,
	}
	switch out.Topic {
	case nomadapi.KindJob:
		if r.Type == "JobDeregistered" {
			out.Deregistered = true
			return out, nil
		}
		var payload struct {
			Job jobSpec `json:"Job"`
		}
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return nil, trace.Wrap(err)
		}
		out.Job = payload.Job.toJob()
	case nomadapi.KindEvaluation:
		var payload struct {
			Evaluation evalSpec `json:"Evaluation"`
		}
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return nil, trace.Wrap(err)
		}
		out.Evaluation = payload.Evaluation.toEval()
	case nomadapi.KindAllocation:
		var payload struct {
			Allocation allocSpec `json:"Allocation"`
		}
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return nil, trace.Wrap(err)
		}
		out.Allocation = payload.Allocation.toAlloc()
	case nomadapi.KindDeployment:
		var payload struct {
			Deployment deploymentSpec `json:"Deployment"`
		}
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			return nil, trace.Wrap(err)
		}
		out.Deployment = payload.Deployment.toDeployment()
	default:
		return nil, nil
	}
	return out, nil
}
