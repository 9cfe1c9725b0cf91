package nomadclient

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/gravitational/trace"
)

// SubmitRequest is the JSON body accepted by POST /v1/jobs.
type SubmitRequest struct {
	// Job is the raw job definition, already marshaled to the scheduler's
	// JSON job format by the caller (out of scope for the core per
	// spec.md §1 -- the core only needs to round-trip it).
	Job json.RawMessage `json:"Job"`
}

// SubmitResponse carries the evaluation ID produced by a successful submit,
// for callers that want to hand it to an EvalWaiter before following the
// job itself.
type SubmitResponse struct {
	EvalID          string `json:"EvalID"`
	EvalCreateIndex uint64 `json:"EvalCreateIndex"`
	JobModifyIndex  uint64 `json:"JobModifyIndex"`
}

// SubmitJob registers a new job version.
func (c *Client) SubmitJob(ctx context.Context, job json.RawMessage) (*SubmitResponse, error) {
	re, err := c.rt.PostJSON(ctx, c.rt.Endpoint("jobs"), SubmitRequest{Job: job})
	if err != nil {
		return nil, convertError(err)
	}
	var out SubmitResponse
	if err := decodeInto(re.Bytes(), &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return &out, nil
}

// StopJob stops a job, optionally purging it entirely. StopJob on a
// non-existent job returns a trace.NotFound error; JobWatcher.StopJob
// treats that as success once a purge has been requested.
func (c *Client) StopJob(ctx context.Context, jobID string, purge bool) error {
	v := url.Values{"purge": {strconv.FormatBool(purge)}}
	v.Set("namespace", c.cfg.namespace())
	_, err := c.rt.DeleteWithParams(ctx, c.rt.Endpoint("job", jobID), v)
	if err != nil {
		return convertError(err)
	}
	return nil
}
