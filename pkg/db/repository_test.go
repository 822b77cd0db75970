package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/securethecloud/ebs-encryptor/pkg/inventory"
	"github.com/securethecloud/ebs-encryptor/pkg/migrate"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testState(jobID, volumeID string) *migrate.State {
	return migrate.NewState(migrate.Job{
		ID:    jobID,
		RunID: "run-1",
		Source: inventory.VolumeRecord{
			VolumeID:         volumeID,
			VolumeName:       "data",
			InstanceID:       "i-1",
			InstanceName:     "web",
			DevicePath:       "/dev/sdf",
			AvailabilityZone: "eu-west-1a",
			Size:             8 * datasize.GB,
		},
	})
}

func TestRepository_RecordAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	st := testState("job-1", "vol-1")
	st.Current = migrate.StageSnapshotSource
	st.Completed = []migrate.Stage{migrate.StageEligibilityCheck, migrate.StageStopInstance}
	st.StoppedByJob = true
	st.SnapshotID = "snap-1"
	st.StartedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := repo.Record(ctx, st); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	m, err := repo.GetByJobID(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get migration: %v", err)
	}
	if m == nil {
		t.Fatal("migration not found")
	}
	if m.Status != StatusPending || m.Stage != "snapshot_source" || m.SnapshotID != "snap-1" {
		t.Errorf("unexpected row: %+v", m)
	}
	if len(m.CompletedStages) != 2 || m.CompletedStages[1] != "stop_instance" {
		t.Errorf("completed stages: got %v", m.CompletedStages)
	}
	if !m.StoppedByJob || m.SourceDetached {
		t.Errorf("flags: stopped=%v detached=%v", m.StoppedByJob, m.SourceDetached)
	}
	if m.SizeGB != 8 || m.DevicePath != "/dev/sdf" {
		t.Errorf("size=%d device=%s", m.SizeGB, m.DevicePath)
	}
	if m.StartedAt != "2026-01-02T03:04:05Z" || m.FinishedAt != "" {
		t.Errorf("times: started=%q finished=%q", m.StartedAt, m.FinishedAt)
	}
}

func TestRepository_RecordUpserts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	st := testState("job-1", "vol-1")
	if err := repo.Record(ctx, st); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	st.Outcome = migrate.OutcomeFailed
	st.Current = migrate.StageCreateEncryptedVolume
	st.Detached = true
	st.EncryptedSnapshotID = "snap-enc"
	st.Error = "create encrypted volume: VolumeLimitExceeded"
	if err := repo.Record(ctx, st); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	all, err := repo.List(ctx, "")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 row, got %d", len(all))
	}
	m := all[0]
	if m.Status != StatusFailed || !m.SourceDetached || m.EncryptedSnapshotID != "snap-enc" {
		t.Errorf("row not updated: %+v", m)
	}
	if m.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
}

func TestRepository_GetUnknownJob(t *testing.T) {
	repo := newTestRepo(t)

	m, err := repo.GetByJobID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil, got %+v", m)
	}
}

func TestRepository_ListByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	done := testState("job-1", "vol-1")
	done.Outcome = migrate.OutcomeDone
	failed := testState("job-2", "vol-2")
	failed.Outcome = migrate.OutcomeFailed
	skipped := testState("job-3", "vol-3")
	skipped.Outcome = migrate.OutcomeSkipped

	for _, st := range []*migrate.State{done, failed, skipped} {
		if err := repo.Record(ctx, st); err != nil {
			t.Fatalf("failed to record %s: %v", st.Job.ID, err)
		}
	}

	all, err := repo.List(ctx, "")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 rows, got %d", len(all))
	}

	rows, err := repo.List(ctx, StatusFailed)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(rows) != 1 || rows[0].JobID != "job-2" {
		t.Errorf("expected only job-2, got %+v", rows)
	}
}
