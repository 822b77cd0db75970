package db

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/securethecloud/ebs-encryptor/pkg/errors"
	"github.com/securethecloud/ebs-encryptor/pkg/migrate"
	_ "modernc.org/sqlite"
)

var _ migrate.Journal = (*Repository)(nil)

// Repository provides database operations for the migration journal
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Record upserts the journal row for st's job.
func (r *Repository) Record(ctx context.Context, st *migrate.State) error {
	m := FromState(st)
	slog.Debug("database_record_migration", "job_id", m.JobID, "stage", m.Stage, "status", m.Status)

	query := `
		INSERT INTO migrations (
			job_id, run_id, volume_id, volume_name, instance_id, instance_name,
			status, stage, completed_stages, device_path, availability_zone, size_gb,
			snapshot_id, encrypted_snapshot_id, encrypted_volume_id,
			instance_stopped_by_job, source_detached, fast_restore_enabled,
			final_instance_state, skip_reason, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			instance_name = excluded.instance_name,
			status = excluded.status,
			stage = excluded.stage,
			completed_stages = excluded.completed_stages,
			device_path = excluded.device_path,
			availability_zone = excluded.availability_zone,
			snapshot_id = excluded.snapshot_id,
			encrypted_snapshot_id = excluded.encrypted_snapshot_id,
			encrypted_volume_id = excluded.encrypted_volume_id,
			instance_stopped_by_job = excluded.instance_stopped_by_job,
			source_detached = excluded.source_detached,
			fast_restore_enabled = excluded.fast_restore_enabled,
			final_instance_state = excluded.final_instance_state,
			skip_reason = excluded.skip_reason,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.db.ExecContext(ctx, query,
		m.JobID, m.RunID, m.VolumeID, m.VolumeName, m.InstanceID, m.InstanceName,
		m.Status, m.Stage, strings.Join(m.CompletedStages, ","), m.DevicePath, m.AvailabilityZone, m.SizeGB,
		m.SnapshotID, m.EncryptedSnapshotID, m.EncryptedVolumeID,
		m.StoppedByJob, m.SourceDetached, m.FastRestoreEnabled,
		m.FinalInstanceState, m.SkipReason, m.ErrorMessage, m.StartedAt, m.FinishedAt)
	if err != nil {
		slog.Error("database_record_failed", "job_id", m.JobID, "error", err)
		return errors.Wrap(err, "failed to record migration")
	}
	return nil
}

const selectColumns = `
	SELECT id, job_id, run_id, volume_id, volume_name, instance_id, instance_name,
	       status, stage, completed_stages, device_path, availability_zone, size_gb,
	       snapshot_id, encrypted_snapshot_id, encrypted_volume_id,
	       instance_stopped_by_job, source_detached, fast_restore_enabled,
	       final_instance_state, skip_reason, error_message, started_at, finished_at,
	       created_at, updated_at
	FROM migrations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMigration(row rowScanner) (*Migration, error) {
	var m Migration
	var volumeName, instanceID, instanceName, stage, completed, devicePath, az sql.NullString
	var snapshotID, encSnapshotID, encVolumeID, finalState, skipReason, errorMessage sql.NullString
	var startedAt, finishedAt sql.NullString
	var sizeGB sql.NullInt64

	err := row.Scan(
		&m.ID, &m.JobID, &m.RunID, &m.VolumeID, &volumeName, &instanceID, &instanceName,
		&m.Status, &stage, &completed, &devicePath, &az, &sizeGB,
		&snapshotID, &encSnapshotID, &encVolumeID,
		&m.StoppedByJob, &m.SourceDetached, &m.FastRestoreEnabled,
		&finalState, &skipReason, &errorMessage, &startedAt, &finishedAt,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	m.VolumeName = volumeName.String
	m.InstanceID = instanceID.String
	m.InstanceName = instanceName.String
	m.Stage = stage.String
	if completed.String != "" {
		m.CompletedStages = strings.Split(completed.String, ",")
	}
	m.DevicePath = devicePath.String
	m.AvailabilityZone = az.String
	m.SizeGB = sizeGB.Int64
	m.SnapshotID = snapshotID.String
	m.EncryptedSnapshotID = encSnapshotID.String
	m.EncryptedVolumeID = encVolumeID.String
	m.FinalInstanceState = finalState.String
	m.SkipReason = skipReason.String
	m.ErrorMessage = errorMessage.String
	m.StartedAt = startedAt.String
	m.FinishedAt = finishedAt.String
	return &m, nil
}

// GetByJobID retrieves the row of one job. It returns nil when the job was
// never recorded.
func (r *Repository) GetByJobID(ctx context.Context, jobID string) (*Migration, error) {
	m, err := scanMigration(r.db.QueryRowContext(ctx, selectColumns+` WHERE job_id = ?`, jobID))
	if err == sql.ErrNoRows {
		slog.Info("database_migration_not_found", "job_id", jobID)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", jobID, "error", err)
		return nil, errors.Wrap(err, "failed to query migration")
	}
	return m, nil
}

// List retrieves journal rows, newest first. An empty status lists all.
func (r *Repository) List(ctx context.Context, status string) ([]*Migration, error) {
	slog.Info("database_list_migrations", "status", status)

	query := selectColumns
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list migrations")
	}
	defer rows.Close()

	var migrations []*Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		migrations = append(migrations, m)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "migration_count", len(migrations))
	return migrations, nil
}

// FromState flattens a job's in-memory state into a journal row.
func FromState(st *migrate.State) *Migration {
	src := st.Job.Source
	completed := make([]string, len(st.Completed))
	for i, s := range st.Completed {
		completed[i] = string(s)
	}
	return &Migration{
		JobID:               st.Job.ID,
		RunID:               st.Job.RunID,
		VolumeID:            src.VolumeID,
		VolumeName:          src.VolumeName,
		InstanceID:          src.InstanceID,
		InstanceName:        st.InstanceName,
		Status:              string(st.Outcome),
		Stage:               string(st.Current),
		CompletedStages:     completed,
		DevicePath:          st.DevicePath,
		AvailabilityZone:    st.AvailabilityZone,
		SizeGB:              int64(src.SizeGB()),
		SnapshotID:          st.SnapshotID,
		EncryptedSnapshotID: st.EncryptedSnapshotID,
		EncryptedVolumeID:   st.EncryptedVolumeID,
		StoppedByJob:        st.StoppedByJob,
		SourceDetached:      st.Detached,
		FastRestoreEnabled:  st.FastRestoreEnabled,
		FinalInstanceState:  st.FinalInstanceState,
		SkipReason:          st.SkipReason,
		ErrorMessage:        st.Error,
		StartedAt:           formatTime(st.StartedAt),
		FinishedAt:          formatTime(st.FinishedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
