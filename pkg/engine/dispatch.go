package engine

import (
	"context"
	"fmt"

	"github.com/openstratus/stratus/pkg/telemetry"
)

// OutputSink receives worker outputs for fan-in routing. Implemented by the
// traversal coordinator.
type OutputSink interface {
	// OnResourceDone routes one node's output to its dependents. A nil
	// output means the work was discarded as stale.
	OnResourceDone(ctx context.Context, req *CheckResourceRequest, output *NodeOutput) error
}

// LocalDispatcher runs resource work on the owning stack's task group in this
// process. Every dispatched node gets its own goroutine; the group's context
// carries forced cancellation and its message stream carries cooperative
// cancellation.
type LocalDispatcher struct {
	groups *TaskGroupManager
	worker *ResourceWorker
	sink   OutputSink
	logger *telemetry.Logger
}

// NewLocalDispatcher creates an in-process dispatcher.
func NewLocalDispatcher(groups *TaskGroupManager, worker *ResourceWorker, sink OutputSink, tel *telemetry.Telemetry) *LocalDispatcher {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &LocalDispatcher{
		groups: groups,
		worker: worker,
		sink:   sink,
		logger: tel.Logger.NewComponentLogger("dispatch"),
	}
}

// Dispatch schedules the node on the stack's task group. Worker errors other
// than stale discards come back as poisoned outputs so the graph drains
// instead of wedging on a stuck sync point.
func (d *LocalDispatcher) Dispatch(ctx context.Context, req *CheckResourceRequest) error {
	direction := "update"
	if !req.IsUpdate {
		direction = "cleanup"
	}
	name := fmt.Sprintf("%s/%s", req.Key, direction)
	started := d.groups.Start(req.StackID, name, func(ctx context.Context) {
		d.run(ctx, req)
	})
	if !started {
		return NewConflictError(fmt.Sprintf("task group of stack %s is stopping", req.StackID), nil).WithStack(req.StackID)
	}
	return nil
}

func (d *LocalDispatcher) run(ctx context.Context, req *CheckResourceRequest) {
	output, err := d.worker.CheckResource(ctx, req)
	if err != nil {
		d.logger.WithStackID(req.StackID).WithTraversalID(req.TraversalID).WithResourceKey(req.Key).
			WithError(err).Error("resource work failed")
		output = &NodeOutput{Key: req.Key, Failed: true, Reason: err.Error()}
	}
	if output == nil {
		return
	}
	if err := d.sink.OnResourceDone(ctx, req, output); err != nil {
		d.logger.WithStackID(req.StackID).WithTraversalID(req.TraversalID).WithResourceKey(req.Key).
			WithError(err).Error("failed to route node output")
	}
}
