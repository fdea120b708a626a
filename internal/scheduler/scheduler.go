package scheduler

import "context"

// LaunchRequest describes one containerized job to run on the external
// compute scheduler
type LaunchRequest struct {
	// Template identifies the registered job template to launch
	Template string
	// Container is the container name within the template whose
	// environment is overridden
	Container string
	// Environment carries the job parameters. Serialized size must
	// stay within the scheduler's parameter ceiling.
	Environment map[string]string
}

// JobHandle identifies a submitted job. Opaque to the orchestrator.
type JobHandle string

// Scheduler submits containerized jobs to an external compute cluster.
// The orchestrator has no control over execution once a job is
// accepted.
type Scheduler interface {
	SubmitJob(ctx context.Context, req LaunchRequest) (JobHandle, error)
}
