package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/securethecloud/ebs-encryptor/pkg/migrate"
	"github.com/superfly/fsm"
)

// Advancer executes one pipeline stage against a job's state.
type Advancer interface {
	Advance(ctx context.Context, st *migrate.State, stage migrate.Stage) error
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	engine Advancer
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(engine Advancer) *Machine {
	return &Machine{engine: engine}
}

func (m *Machine) handler(stage migrate.Stage) func(context.Context, *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
	return func(ctx context.Context, req *fsm.Request[JobRequest, JobResponse]) (*fsm.Response[JobResponse], error) {
		resp, err := m.advance(ctx, stage, fsm.RetryFromContext(ctx), req.Msg, req.W.Msg)
		if err != nil {
			return nil, fsm.Abort(err)
		}
		return fsm.NewResponse(resp), nil
	}
}

// advance runs stage once. Stages call a non-idempotent provider API, so a
// transition the library re-enters (after a crash or a returned error) is
// aborted instead of issuing the request a second time.
func (m *Machine) advance(ctx context.Context, stage migrate.Stage, retry uint64, req *JobRequest, prev *JobResponse) (*JobResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%s: request not initialized", stage)
	}
	slog.Debug("fsm_transition", "job_id", req.Job.ID, "stage", stage, "retry", retry)

	if retry > 0 {
		slog.Error("fsm_transition_reentered", "job_id", req.Job.ID, "stage", stage, "retry", retry)
		return nil, fmt.Errorf("stage %s re-entered (retry %d); refusing to repeat a cloud request", stage, retry)
	}

	var st *migrate.State
	if prev != nil && prev.State.Job.ID != "" {
		cp := prev.State
		st = &cp
	} else {
		st = migrate.NewState(req.Job)
	}

	if err := m.engine.Advance(ctx, st, stage); err != nil {
		return nil, err
	}
	return &JobResponse{State: *st}, nil
}
