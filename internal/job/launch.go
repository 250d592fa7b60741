package job

import "context"

// Launcher performs the remote submission of a pending job: it calls the
// compute service, transitions the job to running or failed, and settles the
// tracker slot reserved for it. The Service implements it; the poller calls
// it when deferred jobs reach the front of the launch queue.
type Launcher interface {
	Launch(ctx context.Context, jobID string) error
}

// Tracker is the global polling capacity. The poller implements it; the
// Service asks it for a slot at submit time.
type Tracker interface {
	// Admit tries to reserve one slot for the pending job. When it returns
	// false the job has been queued for deferred launch and the caller must
	// not launch it now. When it returns true the caller launches the job
	// and then either Tracks it (launch succeeded) or Releases the slot.
	Admit(j *Job) bool

	// Track registers a running job for status polling. The slot was
	// reserved by Admit or by the tracker's own deferred-launch path.
	Track(j *Job)

	// Release frees the slot held by a job after it reached a terminal
	// status or failed to launch. May trigger a deferred launch.
	Release(jobID string)
}
