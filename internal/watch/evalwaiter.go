package watch

import (
	"context"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/cache"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadclient"
)

// EvalWaiter is the single-topic Event Cache specialization that yields
// until one evaluation's Status != pending (spec §4.6).
type EvalWaiter struct {
	client *nomadclient.Client
	evalID string
	cache  *cache.Cache
}

// NewEvalWaiter constructs an EvalWaiter for one evaluation ID.
func NewEvalWaiter(client *nomadclient.Client, evalID, namespace string, forcePolling bool) *EvalWaiter {
	ew := &EvalWaiter{client: client, evalID: evalID}
	ew.cache = cache.New(cache.Config{
		Client:       client,
		Topics:       []string{"Evaluation:" + evalID},
		Namespace:    namespace,
		Select:       ew.selectEvent,
		Init:         ew.init,
		ForcePolling: forcePolling,
	})
	return ew
}

func (ew *EvalWaiter) selectEvent(e *nomadapi.Event) bool {
	return e.Topic == nomadapi.KindEvaluation && e.Evaluation != nil && e.Evaluation.ID == ew.evalID
}

func (ew *EvalWaiter) init(ctx context.Context) ([]*nomadapi.Event, error) {
	ev, err := ew.client.Evaluation(ctx, ew.evalID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return []*nomadapi.Event{{Topic: nomadapi.KindEvaluation, Type: "EvaluationSnapshot", Evaluation: ev}}, nil
}

// Start launches the background cache task and returns its batch channel.
func (ew *EvalWaiter) Start(ctx context.Context) <-chan cache.Batch { return ew.cache.Run(ctx) }

// Stop idempotently stops the background cache task.
func (ew *EvalWaiter) Stop() { ew.cache.Stop() }

// FailureLines renders one line per failing task group, in the
// "{group}: ..." shape the eval formatter expects (spec §4.6).
func (ew *EvalWaiter) FailureLines() []string {
	ev, ok := ew.cache.Evaluation(ew.evalID)
	if !ok || ev == nil {
		return nil
	}
	lines := make([]string, 0, len(ev.FailedTGAllocs))
	for group, f := range ev.FailedTGAllocs {
		lines = append(lines, f.Format(true, fmt.Sprintf("%s: ", group)))
	}
	return lines
}

// Wait drives batches until the evaluation leaves pending, returning the
// final evaluation record. A non-complete terminal status is reported as an
// error carrying the scheduler's StatusDescription.
func (ew *EvalWaiter) Wait(ctx context.Context, batches <-chan cache.Batch) (*nomadapi.Evaluation, error) {
	for {
		if ev, ok := ew.cache.Evaluation(ew.evalID); ok && ev.Status != nomadapi.EvalPending {
			if ev.Status != nomadapi.EvalComplete {
				return ev, trace.Wrap(fmt.Errorf("evaluation %s did not complete: %s: %s", ew.evalID, ev.Status, ev.StatusDescription))
			}
			return ev, nil
		}
		select {
		case b, ok := <-batches:
			if !ok {
				return nil, trace.ConnectionProblem(nil, "evaluation stream closed before completion")
			}
			if b.Err != nil {
				return nil, trace.Wrap(b.Err)
			}
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
}
