package migrate

import (
	"fmt"
	"log/slog"
	"time"
)

// FormatElapsed renders a duration as HH:MM:SS. Hours are not wrapped at 24.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

func logSummary(log *slog.Logger, st *State) {
	src := st.Job.Source
	log.Info("job_summary",
		"instance_name", st.InstanceName,
		"volume", src.Label(),
		"processing_time", FormatElapsed(st.Elapsed()),
		"volume_size", src.Size.HumanReadable(),
		"old_volume_id", src.VolumeID,
		"old_snapshot_id", st.SnapshotID,
		"encrypted_snapshot_id", st.EncryptedSnapshotID,
		"encrypted_volume_id", st.EncryptedVolumeID,
		"device_path", st.DevicePath,
		"instance_state", st.FinalInstanceState,
	)
	if st.FinalInstanceState != "" {
		log.Info("verify_instance_services", "instance_name", st.InstanceName)
	}
}
