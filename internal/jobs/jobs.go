// Package jobs implements Vestige's background maintenance jobs: duplicate
// entity merging, profile refinement, daily mood checkpoints, and dead-letter
// replay. Each job satisfies [scheduler.Job] and coordinates with the live
// pipeline through queue flags and the processor's batch mutex.
package jobs

import (
	"time"
)

// Queue flag keys shared between jobs and the agent loop.
const (
	// FlagProfileComplete is set once a profile-refinement pass has run, and
	// gates the first merge-detection pass of a session.
	FlagProfileComplete = "flag:profile-complete"

	// FlagMergePending survives restarts: a merge pass that could not run
	// before shutdown sets it so the next session runs one at startup.
	FlagMergePending = "flag:merge-pending"

	// FlagMaintenance warns the agent loop that graph maintenance is in
	// progress and query results may be momentarily inconsistent.
	FlagMaintenance = "flag:maintenance-active"
)

// MaintenanceLock is the queue lock serializing graph maintenance.
const MaintenanceLock = "maintenance"

// maintenanceTTL bounds how long a crashed maintenance pass can hold the lock
// and the warning flag.
const maintenanceTTL = 10 * time.Minute

// profileCompleteTTL keeps [FlagProfileComplete] short-lived so merge
// detection is gated on a recent refinement pass, not one from a past
// session.
const profileCompleteTTL = 5 * time.Minute
