package orchestrator

import "github.com/sandchest/sandchest/internal/repo"

// ValidTransition checks whether a sandbox status transition is allowed,
// generalized from the teacher's sbxstore state machine to Sandchest's
// queued/provisioning/running/stopping/stopped/failed/deleted set.
func ValidTransition(from, to repo.SandboxStatus) bool {
	switch from {
	case repo.SandboxQueued:
		return to == repo.SandboxProvisioning || to == repo.SandboxFailed || to == repo.SandboxDeleted
	case repo.SandboxProvisioning:
		return to == repo.SandboxRunning || to == repo.SandboxFailed || to == repo.SandboxDeleted
	case repo.SandboxRunning:
		return to == repo.SandboxStopping || to == repo.SandboxFailed || to == repo.SandboxDeleted
	case repo.SandboxStopping:
		return to == repo.SandboxStopped || to == repo.SandboxFailed
	case repo.SandboxStopped, repo.SandboxFailed:
		return to == repo.SandboxDeleted
	case repo.SandboxDeleted:
		return false
	default:
		return false
	}
}
