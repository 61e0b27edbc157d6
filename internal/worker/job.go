// Package worker provides the worker process runtime: it registers the
// process in the worker registry, keeps its heartbeat fresh, and runs a
// goroutine pool that claims and executes jobs from the job_queue table
// using FOR UPDATE SKIP LOCKED.
//
// Handlers are registered per queue name before calling Runner.Start. The
// runner publishes its own shutdown through the registry status column:
// PENDING_SHUTDOWN while draining, then TERMINATED_GRACEFULLY (or
// TERMINATED_FORCED when killed without draining). Coordinators watch these
// statuses to decide whether in-flight work must be re-emitted.
package worker

import (
	"context"
	"encoding/json"
)

// Handler is the function executed for each claimed job.
// A non-nil return value triggers retry logic (exponential backoff up to
// max_attempts, then dead status). A nil return marks the job succeeded.
type Handler func(ctx context.Context, payload json.RawMessage) error
