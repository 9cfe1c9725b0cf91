package watch

import (
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/cache"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/nomadapi"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/output"
	"github.com/Wolfsrudel/iac-hc-nomad-tools/internal/task"
)

// Driver routes a JobWatcher's accepted events to the Allocation Workers
// and the Output Formatter, so a caller can pass Driver.Pump as the
// onBatch callback to WaitUntilFinished/WaitUntilStarted.
type Driver struct {
	Allocations *task.Allocations
	Formatter   *output.Formatter
}

// NewDriver constructs a Driver.
func NewDriver(allocations *task.Allocations, formatter *output.Formatter) *Driver {
	return &Driver{Allocations: allocations, Formatter: formatter}
}

// Pump fans one batch out to its downstream consumers.
func (d *Driver) Pump(b cache.Batch) {
	for _, e := range b.Events {
		switch e.Topic {
		case nomadapi.KindAllocation:
			if e.Allocation != nil {
				d.Allocations.Notify(e.Allocation)
			}
		case nomadapi.KindEvaluation:
			if e.Evaluation != nil && e.Evaluation.Status == nomadapi.EvalFailed {
				d.Formatter.LogEval(e.Evaluation.ID, e.Evaluation.StatusDescription)
			}
		}
	}
}
