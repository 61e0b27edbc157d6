// ABOUTME: Store methods for the worker_registry table.
// ABOUTME: Implements registry.Repository; status writes are compare-and-set only.
package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Be-Secure/kestra/internal/registry"
)

const workerColumns = "id, worker_group, hostname, status, start_time, heartbeat_date"

// Store is the production registry.Repository.
var _ registry.Repository = (*Store)(nil)

// psql builds queries with Postgres-style $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// RegisterWorker inserts a new worker instance row. Called by the worker
// process itself at startup; the row starts in whatever status the instance
// carries (normally RUNNING).
func (s *Store) RegisterWorker(ctx context.Context, w registry.WorkerInstance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_registry (`+workerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.WorkerGroup, w.Hostname, w.Status, w.StartTime, w.HeartbeatDate,
	)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.ID, err)
	}
	return nil
}

// Heartbeat advances the worker's heartbeat_date to now(). Only the worker
// process itself calls this; coordinators never write heartbeat_date.
// Returns false when the row no longer exists (the janitor already removed
// a retired record).
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE worker_registry SET heartbeat_date = now() WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindTimedOutRunning returns all probe-eligible workers whose
// heartbeat_date is older than now minus timeout. RUNNING workers are the
// normal case; PENDING_SHUTDOWN is included so a worker that announced its
// shutdown and then went silent is still detected.
func (s *Store) FindTimedOutRunning(ctx context.Context, now time.Time, timeout time.Duration) ([]registry.WorkerInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workerColumns+`
		FROM worker_registry
		WHERE status IN ($1, $2) AND heartbeat_date < $3
		ORDER BY heartbeat_date`,
		registry.StatusRunning, registry.StatusPendingShutdown, now.Add(-timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("find timed-out running workers: %w", err)
	}
	return scanWorkers(rows)
}

// FindInStatus returns all workers currently in status.
func (s *Store) FindInStatus(ctx context.Context, status registry.Status) ([]registry.WorkerInstance, error) {
	return s.FindInstances(ctx, InstanceFilter{Status: string(status)})
}

// InstanceFilter narrows FindInstances. Zero-value fields are not applied.
type InstanceFilter struct {
	Status      string
	WorkerGroup string
}

// FindInstances returns all workers matching f, ordered by start time.
// Used by the observability API and coordinator diagnostics.
func (s *Store) FindInstances(ctx context.Context, f InstanceFilter) ([]registry.WorkerInstance, error) {
	q := psql.Select("id", "worker_group", "hostname", "status", "start_time", "heartbeat_date").
		From("worker_registry").
		OrderBy("start_time")
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.WorkerGroup != "" {
		q = q.Where(sq.Eq{"worker_group": f.WorkerGroup})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build instances query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("find instances: %w", err)
	}
	return scanWorkers(rows)
}

// DeleteAllNotRunning removes every NOT_RUNNING row and returns the deleted
// rows. Retired records are only produced by a committed reconciliation
// transaction, so this never competes with an in-progress advance.
func (s *Store) DeleteAllNotRunning(ctx context.Context) ([]registry.WorkerInstance, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM worker_registry
		WHERE status = $1
		RETURNING `+workerColumns,
		registry.StatusNotRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("delete retired workers: %w", err)
	}
	return scanWorkers(rows)
}

// CompareAndSetStatus sets the worker's status to target only if the stored
// status still equals observed. A false return means another coordinator
// already moved the record; races resolve this way, not as errors.
func (s *Store) CompareAndSetStatus(ctx context.Context, id uuid.UUID, observed, target registry.Status) (bool, error) {
	return compareAndSetStatus(ctx, s.pool, id, observed, target)
}

func compareAndSetStatus(ctx context.Context, q querier, id uuid.UUID, observed, target registry.Status) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE worker_registry
		SET status = $3
		WHERE id = $1 AND status = $2`,
		id, observed, target,
	)
	if err != nil {
		return false, fmt.Errorf("set worker %s status %s -> %s: %w", id, observed, target, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Reconcile runs fn inside a single transaction with a registry.RepositoryTx
// view. Job re-emission and status advancement inside fn commit or roll back
// together.
func (s *Store) Reconcile(ctx context.Context, fn func(registry.RepositoryTx) error) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&reconcileTx{tx: tx})
	})
}

// reconcileTx is the transaction-scoped repository view handed to Reconcile
// callbacks.
type reconcileTx struct {
	tx pgx.Tx
}

// FindNonRunning returns all workers whose status is not RUNNING, locked
// FOR UPDATE so that two coordinators reconciling concurrently serialize on
// the same rows instead of both re-emitting.
func (r *reconcileTx) FindNonRunning(ctx context.Context) ([]registry.WorkerInstance, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT `+workerColumns+`
		FROM worker_registry
		WHERE status <> $1
		ORDER BY heartbeat_date
		FOR UPDATE`,
		registry.StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("find non-running workers: %w", err)
	}
	return scanWorkers(rows)
}

func (r *reconcileTx) CompareAndSetStatus(ctx context.Context, id uuid.UUID, observed, target registry.Status) (bool, error) {
	return compareAndSetStatus(ctx, r.tx, id, observed, target)
}

// ReemitJobs returns every in-flight job claimed by the given workers to the
// pending queue. Runs inside the reconciliation transaction.
func (r *reconcileTx) ReemitJobs(ctx context.Context, workers []registry.WorkerInstance) (int64, error) {
	ids := make([]uuid.UUID, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}
	return requeueJobsForWorkers(ctx, r.tx, ids)
}

func scanWorkers(rows pgx.Rows) ([]registry.WorkerInstance, error) {
	defer rows.Close()

	var out []registry.WorkerInstance
	for rows.Next() {
		var w registry.WorkerInstance
		if err := rows.Scan(&w.ID, &w.WorkerGroup, &w.Hostname, &w.Status, &w.StartTime, &w.HeartbeatDate); err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate worker rows: %w", err)
	}
	return out, nil
}
