package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/securethecloud/ebs-encryptor/pkg/db"
	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/migrate"
	"github.com/superfly/fsm"
)

// OutcomeStore reads back what the engine journaled for a job.
type OutcomeStore interface {
	GetByJobID(ctx context.Context, jobID string) (*db.Migration, error)
}

// Runner executes each job as one workflow run and waits for it to end.
// Runs are never resumed on a later invocation; a half-finished job stays
// in the journal for an operator.
type Runner struct {
	manager *fsm.Manager
	start   fsm.Start[JobRequest, JobResponse]
	store   OutcomeStore
}

var _ migrate.Runner = (*Runner)(nil)

// NewRunner registers the workflow on manager and returns a runner for it.
func NewRunner(ctx context.Context, manager *fsm.Manager, machine *Machine, store OutcomeStore) (*Runner, error) {
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	return &Runner{manager: manager, start: start, store: store}, nil
}

// Run starts the workflow for job, waits for it and reports the outcome the
// engine recorded.
func (r *Runner) Run(ctx context.Context, job migrate.Job) (migrate.Outcome, error) {
	slog.Info("fsm_start", "job_id", job.ID, "volume_id", job.Source.VolumeID)

	version, err := r.start(ctx, job.ID, fsm.NewRequest(&JobRequest{Job: job}, &JobResponse{}))
	if err != nil {
		slog.Error("fsm_start_failed", "job_id", job.ID, "error", err)
		return migrate.OutcomeFailed, errors.Wrap(err, "failed to start workflow")
	}

	waitErr := r.manager.Wait(ctx, version)
	if waitErr != nil {
		slog.Error("fsm_wait_failed", "job_id", job.ID, "error", waitErr)
	}

	row, err := r.store.GetByJobID(ctx, job.ID)
	if err != nil {
		return migrate.OutcomeFailed, errors.Wrap(err, "failed to read job outcome")
	}
	return outcomeFrom(job.ID, row, waitErr)
}

// outcomeFrom classifies a finished run from its journal row. A run that
// aborted before the engine recorded anything is a failure.
func outcomeFrom(jobID string, row *db.Migration, waitErr error) (migrate.Outcome, error) {
	if row == nil {
		if waitErr != nil {
			return migrate.OutcomeFailed, errors.Wrap(waitErr, "workflow for job "+jobID)
		}
		return migrate.OutcomeFailed, fmt.Errorf("workflow for job %s left no journal row", jobID)
	}

	switch outcome := migrate.Outcome(row.Status); outcome {
	case migrate.OutcomeDone, migrate.OutcomeSkipped:
		return outcome, nil
	case migrate.OutcomeFailed:
		return outcome, fmt.Errorf("job %s failed at %s: %s", jobID, row.Stage, row.ErrorMessage)
	}

	// still pending: the workflow stopped without the engine classifying the job
	if waitErr != nil {
		return migrate.OutcomeFailed, fmt.Errorf("job %s aborted at %s: %w", jobID, row.Stage, waitErr)
	}
	return migrate.OutcomeFailed, fmt.Errorf("job %s ended at %s without an outcome", jobID, row.Stage)
}
