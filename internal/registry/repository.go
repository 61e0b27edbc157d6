package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the registry access contract consumed by the liveness loop.
// internal/store provides the Postgres implementation; tests substitute an
// in-memory fake. Every method is safe to call from multiple coordinator
// processes concurrently; conditional writes decide races, not callers.
type Repository interface {
	// FindTimedOutRunning returns all probe-eligible instances (RUNNING, or
	// PENDING_SHUTDOWN that went silent mid-drain) whose heartbeat is older
	// than now minus timeout.
	FindTimedOutRunning(ctx context.Context, now time.Time, timeout time.Duration) ([]WorkerInstance, error)

	// FindInStatus returns all instances currently in status.
	FindInStatus(ctx context.Context, status Status) ([]WorkerInstance, error)

	// DeleteAllNotRunning removes every NOT_RUNNING row and returns the
	// deleted rows for diagnostics.
	DeleteAllNotRunning(ctx context.Context) ([]WorkerInstance, error)

	// CompareAndSetStatus sets the instance's status to target only if the
	// stored status still equals observed. Returns false when another
	// coordinator won the race.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, observed, target Status) (bool, error)

	// Reconcile runs fn inside a single transaction. The transaction commits
	// if fn returns nil and rolls back otherwise, so job re-emission and
	// status advancement within fn are atomic to external observers.
	Reconcile(ctx context.Context, fn func(RepositoryTx) error) error

	// RequeueOrphanedJobs returns running jobs to the pending queue when
	// their claiming worker no longer exists in the registry and the claim
	// is older than olderThan. Reports the number of jobs requeued.
	RequeueOrphanedJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RepositoryTx is the transaction-scoped view handed to Reconcile callbacks.
type RepositoryTx interface {
	// FindNonRunning returns all instances whose status is not RUNNING,
	// locked for the duration of the transaction.
	FindNonRunning(ctx context.Context) ([]WorkerInstance, error)

	// CompareAndSetStatus is CompareAndSetStatus scoped to the transaction.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, observed, target Status) (bool, error)

	// ReemitJobs returns every in-flight job claimed by the given workers to
	// the pending queue so another worker can claim it. Reports the number
	// of jobs re-emitted.
	ReemitJobs(ctx context.Context, workers []WorkerInstance) (int64, error)
}
