package registry

import (
	"time"

	"github.com/google/uuid"
)

// WorkerInstance is one row of the worker registry. ID, WorkerGroup,
// Hostname, and StartTime are immutable after registration. Status moves
// forward through the state machine only. HeartbeatDate is written solely by
// the worker process itself; coordinators read it and never write it.
type WorkerInstance struct {
	ID            uuid.UUID
	WorkerGroup   string
	Hostname      string
	Status        Status
	StartTime     time.Time
	HeartbeatDate time.Time
}
