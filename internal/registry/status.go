// Package registry defines the worker instance model, its status state
// machine, and the repository contract the liveness loop operates through.
// The registry table is the only coordination channel between coordinator
// processes; there is no direct process-to-process signaling.
package registry

// Status is the lifecycle state of a worker instance. A record only moves
// forward through the state machine; no path re-enters RUNNING.
type Status string

const (
	// StatusRunning is the initial state, set by the worker itself at startup.
	StatusRunning Status = "RUNNING"
	// StatusDead means the coordinator stopped receiving heartbeats from a
	// RUNNING worker.
	StatusDead Status = "DEAD"
	// StatusDisconnected means heartbeats stopped while the worker was in a
	// self-reported non-RUNNING state. Pre-heartbeat worker versions
	// transition themselves before going silent; this status keeps them on
	// the unclean path.
	StatusDisconnected Status = "DISCONNECTED"
	// StatusPendingShutdown is published by a worker when it begins draining
	// its in-flight jobs.
	StatusPendingShutdown Status = "PENDING_SHUTDOWN"
	// StatusTerminatedForced is published when a worker is killed without
	// draining. The fate of its in-flight jobs is unknown.
	StatusTerminatedForced Status = "TERMINATED_FORCED"
	// StatusTerminatedGracefully is published by a worker that drained all
	// in-flight jobs before exiting.
	StatusTerminatedGracefully Status = "TERMINATED_GRACEFULLY"
	// StatusNotRunning is the terminal retired state. Records in this state
	// are deleted on the next cleanup pass.
	StatusNotRunning Status = "NOT_RUNNING"
)

// validTransitions declares the forward edges of the state machine. Absent
// source means no outgoing edges (terminal).
var validTransitions = map[Status][]Status{
	StatusRunning: {
		StatusDead,
		StatusDisconnected,
		StatusPendingShutdown,
		StatusTerminatedGracefully,
		StatusTerminatedForced,
	},
	StatusPendingShutdown: {
		StatusDisconnected,
		StatusTerminatedGracefully,
		StatusTerminatedForced,
		StatusNotRunning,
	},
	StatusDead:                 {StatusNotRunning},
	StatusDisconnected:         {StatusNotRunning},
	StatusTerminatedForced:     {StatusNotRunning},
	StatusTerminatedGracefully: {StatusNotRunning},
}

// CanTransitionTo reports whether target is reachable from s in one step.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsRunning reports whether s is the live state.
func (s Status) IsRunning() bool { return s == StatusRunning }

// IsDisconnectedOrPendingShutdown reports whether s is one of the
// heartbeat-silent states that become unclean once the termination grace
// period elapses: DEAD, DISCONNECTED, or PENDING_SHUTDOWN.
func (s Status) IsDisconnectedOrPendingShutdown() bool {
	switch s {
	case StatusDead, StatusDisconnected, StatusPendingShutdown:
		return true
	default:
		return false
	}
}

// timeoutTransitions maps the observed status of a heartbeat-silent worker
// to the status the liveness probe should apply.
var timeoutTransitions = map[Status]Status{
	StatusRunning: StatusDead,
}

// TimeoutStatusFor returns the status a timed-out worker should transition
// to. Workers still in RUNNING become DEAD; anything else (a legacy worker
// version that pre-transitioned itself without heartbeat support) becomes
// DISCONNECTED.
func TimeoutStatusFor(observed Status) Status {
	if next, ok := timeoutTransitions[observed]; ok {
		return next
	}
	return StatusDisconnected
}
