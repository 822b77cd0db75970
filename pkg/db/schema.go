package db

// Schema defines the SQLite journal of migration jobs. One row per job,
// rewritten on every stage transition. Rows are audit data for operators;
// nothing reads them back to decide what work to do.
const Schema = `
CREATE TABLE IF NOT EXISTS migrations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL UNIQUE,
    run_id TEXT NOT NULL,
    volume_id TEXT NOT NULL,
    volume_name TEXT,
    instance_id TEXT,
    instance_name TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'done', 'skipped', 'failed')),
    stage TEXT,
    completed_stages TEXT,
    device_path TEXT,
    availability_zone TEXT,
    size_gb INTEGER,
    snapshot_id TEXT,
    encrypted_snapshot_id TEXT,
    encrypted_volume_id TEXT,
    instance_stopped_by_job INTEGER NOT NULL DEFAULT 0,
    source_detached INTEGER NOT NULL DEFAULT 0,
    fast_restore_enabled INTEGER NOT NULL DEFAULT 0,
    final_instance_state TEXT,
    skip_reason TEXT,
    error_message TEXT,
    started_at TEXT,
    finished_at TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_migrations_run_id ON migrations(run_id);
CREATE INDEX IF NOT EXISTS idx_migrations_volume_id ON migrations(volume_id);
CREATE INDEX IF NOT EXISTS idx_migrations_status ON migrations(status);
CREATE INDEX IF NOT EXISTS idx_migrations_created_at ON migrations(created_at);
`

// Status constants
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Migration is one journal row
type Migration struct {
	ID                  int64
	JobID               string
	RunID               string
	VolumeID            string
	VolumeName          string
	InstanceID          string
	InstanceName        string
	Status              string
	Stage               string
	CompletedStages     []string
	DevicePath          string
	AvailabilityZone    string
	SizeGB              int64
	SnapshotID          string
	EncryptedSnapshotID string
	EncryptedVolumeID   string
	StoppedByJob        bool
	SourceDetached      bool
	FastRestoreEnabled  bool
	FinalInstanceState  string
	SkipReason          string
	ErrorMessage        string
	StartedAt           string
	FinishedAt          string
	CreatedAt           string
	UpdatedAt           string
}
