package fsm

import "github.com/securethecloud/ebs-encryptor/pkg/migrate"

// JobRequest is the FSM input
type JobRequest struct {
	Job migrate.Job
}

// JobResponse is the FSM output (accumulated across transitions)
type JobResponse struct {
	State migrate.State
}

// WorkflowName is the name the volume workflow is registered under.
const WorkflowName = "volume-encrypt"

// StateFinished is the terminal state every run reaches, whatever the job's outcome.
const StateFinished = "finished"
