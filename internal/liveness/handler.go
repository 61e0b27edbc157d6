package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Be-Secure/kestra/internal/registry"
)

// Config holds the liveness loop settings.
type Config struct {
	// Interval is the tick period of the reconciliation loop.
	Interval time.Duration

	// InitialDelay is the startup grace window: a worker whose start_time is
	// within it is never declared dead, tolerating slow process bootstrap.
	InitialDelay time.Duration

	// Timeout is the heartbeat silence threshold after which a RUNNING
	// worker is considered non-responding.
	Timeout time.Duration

	// TerminationGracePeriod is how long a DEAD, DISCONNECTED, or
	// PENDING_SHUTDOWN worker may keep its heartbeat silent before its
	// shutdown is declared unclean and its jobs are re-emitted.
	TerminationGracePeriod time.Duration

	// Enabled toggles the heartbeat timeout probe. Shutdown reconciliation
	// and retired-record cleanup always run.
	Enabled bool
}

// Handler drives one coordinator's reconciliation loop. The only mutable
// state it owns is the timestamp of its previous tick, used to report
// newly-joined workers; all correctness lives in the registry's
// transactional state. Multiple coordinator processes run their own Handler
// against the same registry concurrently.
type Handler struct {
	repo  registry.Repository
	guard *Service
	cfg   Config

	lastTick time.Time
}

// NewHandler creates a Handler reconciling through repo and guard.
func NewHandler(repo registry.Repository, guard *Service, cfg Config) *Handler {
	return &Handler{
		repo:     repo,
		guard:    guard,
		cfg:      cfg,
		lastTick: time.Now(),
	}
}

// Run ticks the reconciliation loop every cfg.Interval until ctx is
// cancelled. A failed tick is logged and retried on the next interval: the
// conditions it reacts to persist in the registry until resolved, so the
// loop is self-healing.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	slog.Info("worker liveness handler started",
		"interval", h.cfg.Interval,
		"timeout", h.cfg.Timeout,
		"termination_grace_period", h.cfg.TerminationGracePeriod,
		"liveness_enabled", h.cfg.Enabled,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker liveness handler stopping")
			return
		case <-ticker.C:
			if err := h.OnTick(ctx, time.Now()); err != nil {
				tickFailures.Inc()
				slog.ErrorContext(ctx, "liveness tick failed", "error", err)
			}
		}
	}
}

// OnTick runs one reconciliation pass at the given observation time:
// heartbeat timeout probe, shutdown reconciliation (one transaction),
// retired-record cleanup, then the new-worker diagnostic. Exposed for tests.
func (h *Handler) OnTick(ctx context.Context, now time.Time) error {
	if h.cfg.Enabled {
		if err := h.detectDeadWorkers(ctx, now); err != nil {
			return err
		}
	}

	if err := h.reconcileShutdowns(ctx, now); err != nil {
		return err
	}

	if err := h.purgeRetired(ctx); err != nil {
		return err
	}

	if err := h.recoverOrphanedJobs(ctx); err != nil {
		return err
	}

	if err := h.logNewWorkers(ctx); err != nil {
		return err
	}

	h.lastTick = now
	return nil
}

// detectDeadWorkers transitions heartbeat-silent RUNNING workers to DEAD
// (or DISCONNECTED for legacy worker versions that pre-transitioned
// themselves). A detection missed here is caught on a later tick: the
// silence persists until the record is resolved.
func (h *Handler) detectDeadWorkers(ctx context.Context, now time.Time) error {
	timedOut, err := h.repo.FindTimedOutRunning(ctx, now, h.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}

	// Workers started within the initial delay get a bootstrap grace window
	// before they can be declared dead.
	eligibleBefore := now.Add(-h.cfg.InitialDelay)

	for _, w := range timedOut {
		if !w.StartTime.Before(eligibleBefore) {
			continue
		}

		slog.WarnContext(ctx, "detected non-responding worker after heartbeat timeout",
			"worker_id", w.ID,
			"worker_group", w.WorkerGroup,
			"hostname", w.Hostname,
			"silence", now.Sub(w.HeartbeatDate),
		)

		applied, err := h.guard.SafelyTransition(ctx, w, registry.TimeoutStatusFor(w.Status))
		if err != nil {
			// One worker's failure does not abort the pass.
			slog.ErrorContext(ctx, "failed to transition non-responding worker",
				"worker_id", w.ID, "error", err)
			continue
		}
		if applied {
			workersDetectedDead.Inc()
		}
	}
	return nil
}

// reconcileShutdowns classifies non-running workers into clean and unclean
// shutdowns, re-emits the unclean set's in-flight jobs, and advances both
// sets to NOT_RUNNING. The read, the re-emission, and the advances share one
// transaction: a crash between re-emit and advance would otherwise lose or
// duplicate the re-emission.
func (h *Handler) reconcileShutdowns(ctx context.Context, now time.Time) error {
	err := h.repo.Reconcile(ctx, func(tx registry.RepositoryTx) error {
		nonRunning, err := tx.FindNonRunning(ctx)
		if err != nil {
			return err
		}

		gracePeriodStart := now.Add(-h.cfg.TerminationGracePeriod)

		var unclean, clean []registry.WorkerInstance
		for _, w := range nonRunning {
			switch {
			case w.Status.IsDisconnectedOrPendingShutdown() && w.HeartbeatDate.Before(gracePeriodStart):
				slog.WarnContext(ctx, "detected non-responding worker after termination grace period",
					"worker_id", w.ID,
					"worker_group", w.WorkerGroup,
					"hostname", w.Hostname,
					"silence", now.Sub(w.HeartbeatDate),
				)
				unclean = append(unclean, w)
			case w.Status == registry.StatusTerminatedForced:
				// Forced termination gives no opportunity to flush
				// completion state; always unclean, no grace period.
				unclean = append(unclean, w)
			case w.Status == registry.StatusTerminatedGracefully:
				clean = append(clean, w)
			}
		}

		if len(unclean) > 0 {
			reemitted, err := tx.ReemitJobs(ctx, unclean)
			if err != nil {
				// Aborting keeps re-emission and advancement atomic; the
				// next tick re-observes the same unclean set.
				return fmt.Errorf("re-emit jobs: %w", err)
			}
			jobsReemitted.Add(float64(reemitted))
			slog.InfoContext(ctx, "re-emitted jobs of unclean shutdown workers",
				"workers", len(unclean), "jobs", reemitted)
		}

		for _, w := range unclean {
			if h.advance(ctx, tx, w) {
				workersRetiredUnclean.Inc()
			}
		}
		for _, w := range clean {
			if h.advance(ctx, tx, w) {
				workersRetiredClean.Inc()
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("shutdown reconciliation: %w", err)
	}
	return nil
}

// advance moves w to NOT_RUNNING best-effort. A failed apply is isolated:
// the rest of the batch continues.
func (h *Handler) advance(ctx context.Context, tx registry.RepositoryTx, w registry.WorkerInstance) bool {
	applied, err := h.guard.MayTransition(ctx, tx, w, registry.StatusNotRunning)
	if err != nil {
		slog.ErrorContext(ctx, "failed to retire worker",
			"worker_id", w.ID, "status", w.Status, "error", err)
		return false
	}
	return applied
}

// purgeRetired deletes every NOT_RUNNING registry row, bounding registry
// growth. Rows only reach NOT_RUNNING through a committed reconciliation
// transaction, so deleting them races with nothing.
func (h *Handler) purgeRetired(ctx context.Context) error {
	deleted, err := h.repo.DeleteAllNotRunning(ctx)
	if err != nil {
		return fmt.Errorf("purge retired workers: %w", err)
	}
	if len(deleted) > 0 {
		ids := make([]string, len(deleted))
		for i, w := range deleted {
			ids[i] = w.ID.String()
		}
		workersPurged.Add(float64(len(deleted)))
		slog.InfoContext(ctx, "discarded retired workers",
			"count", len(deleted), "worker_ids", ids)
	}
	return nil
}

// recoverOrphanedJobs requeues running jobs whose claiming worker has no
// registry row. Re-emission covers workers retired through the unclean
// path; this pass is the backstop for claims left behind when a worker's
// record was purged before the job's result was written.
func (h *Handler) recoverOrphanedJobs(ctx context.Context) error {
	n, err := h.repo.RequeueOrphanedJobs(ctx, h.cfg.TerminationGracePeriod)
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if n > 0 {
		jobsRecovered.Add(float64(n))
		slog.WarnContext(ctx, "requeued jobs orphaned by retired workers", "jobs", n)
	}
	return nil
}

// logNewWorkers reports RUNNING workers that joined since the previous tick.
// Observability only; holds no authority over correctness.
func (h *Handler) logNewWorkers(ctx context.Context) error {
	running, err := h.repo.FindInStatus(ctx, registry.StatusRunning)
	if err != nil {
		return fmt.Errorf("scan for new workers: %w", err)
	}
	for _, w := range running {
		if w.StartTime.After(h.lastTick) {
			slog.InfoContext(ctx, "detected new worker",
				"worker_id", w.ID,
				"worker_group", w.WorkerGroup,
				"hostname", w.Hostname,
				"started_at", w.StartTime,
			)
		}
	}
	return nil
}
