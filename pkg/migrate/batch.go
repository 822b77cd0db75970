package migrate

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
)

// Result is the outcome of one job in a batch.
type Result struct {
	Job     Job
	Outcome Outcome
	Err     error
}

// Report aggregates a batch.
type Report struct {
	RunID   string
	Results []Result
	// NotStarted counts jobs never handed to the runner because the batch
	// was interrupted.
	NotStarted int
}

// Count returns how many jobs ended with outcome.
func (r Report) Count(outcome Outcome) int {
	return lo.CountBy(r.Results, func(res Result) bool { return res.Outcome == outcome })
}

// Batch turns scan results into jobs and feeds them to a Runner one at a time.
type Batch struct {
	runner            Runner
	logger            *slog.Logger
	runID             string
	kmsKeyID          string
	enableFastRestore bool
}

// NewBatch creates a batch for one run. An empty runID gets a fresh one.
func NewBatch(runner Runner, logger *slog.Logger, runID, kmsKeyID string, enableFastRestore bool) *Batch {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Batch{
		runner:            runner,
		logger:            logger.With("run_id", runID),
		runID:             runID,
		kmsKeyID:          kmsKeyID,
		enableFastRestore: enableFastRestore,
	}
}

// RunID identifies this batch in logs and in the journal.
func (b *Batch) RunID() string {
	return b.runID
}

// Jobs builds one job per volume record.
func (b *Batch) Jobs(records []inventory.VolumeRecord) []Job {
	return lo.Map(records, func(v inventory.VolumeRecord, _ int) Job {
		return Job{
			ID:                uuid.NewString(),
			RunID:             b.runID,
			Source:            v,
			TargetKMSKeyID:    b.kmsKeyID,
			EnableFastRestore: b.enableFastRestore,
		}
	})
}

// Run executes jobs strictly in sequence. A failed or skipped job never
// stops the batch. Cancelling ctx stops the batch between jobs only; a
// running job always sees its stages through.
func (b *Batch) Run(ctx context.Context, jobs []Job) Report {
	report := Report{RunID: b.runID}
	b.logger.Info("batch_started", "jobs", len(jobs))

	for i, job := range jobs {
		if ctx.Err() != nil {
			report.NotStarted = len(jobs) - i
			b.logger.Warn("batch_interrupted", "not_started", report.NotStarted)
			break
		}

		b.logger.Info("job_started", "job", i+1, "of", len(jobs), "job_id", job.ID,
			"volume_id", job.Source.VolumeID, "instance_id", job.Source.InstanceID, "instance_name", job.Source.InstanceName)

		outcome, err := b.runner.Run(context.WithoutCancel(ctx), job)
		if err != nil {
			b.logger.Error("job_error", "job_id", job.ID, "volume_id", job.Source.VolumeID,
				"instance_id", job.Source.InstanceID, "outcome", outcome, "error", err)
		}
		report.Results = append(report.Results, Result{Job: job, Outcome: outcome, Err: err})
	}

	b.logger.Info("batch_complete",
		"done", report.Count(OutcomeDone),
		"skipped", report.Count(OutcomeSkipped),
		"failed", report.Count(OutcomeFailed),
		"not_started", report.NotStarted,
	)
	return report
}
