// Package liveness implements the coordinator's failure-detection and state
// reconciliation loop over the worker registry: the liveness probe, the
// clean/unclean shutdown reconciler, retired-record cleanup, and the
// transition guard every status write goes through.
package liveness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Be-Secure/kestra/internal/registry"
)

// StatusWriter applies a conditional status update. Satisfied by both the
// pool-scoped registry.Repository and a transaction-scoped
// registry.RepositoryTx.
type StatusWriter interface {
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, observed, target registry.Status) (bool, error)
}

// Service is the transition guard. Every coordinator-side status change goes
// through it: the target is validated against the state machine, then
// applied with a compare-and-set against the status the caller observed.
// Losing the compare-and-set means another coordinator already moved the
// record; the desired end state is reached either way, so a loss is never an
// error.
type Service struct {
	repo registry.Repository
}

// NewService creates a Service applying pool-scoped transitions through repo.
func NewService(repo registry.Repository) *Service {
	return &Service{repo: repo}
}

// SafelyTransition applies a strict transition: the caller decided the
// change is warranted from a direct observation (e.g. heartbeat timeout).
// A lost race is logged at warning level since the observation is now stale.
// Returns whether the transition was applied; callers must gate dependent
// actions on the result.
func (s *Service) SafelyTransition(ctx context.Context, w registry.WorkerInstance, target registry.Status) (bool, error) {
	return s.apply(ctx, s.repo, w, target, true)
}

// MayTransition applies a best-effort transition inside a reconciliation
// transaction. A lost race is the normal outcome of concurrent coordinators
// and is logged at debug level only.
func (s *Service) MayTransition(ctx context.Context, tx StatusWriter, w registry.WorkerInstance, target registry.Status) (bool, error) {
	return s.apply(ctx, tx, w, target, false)
}

func (s *Service) apply(ctx context.Context, cas StatusWriter, w registry.WorkerInstance, target registry.Status, strict bool) (bool, error) {
	if !w.Status.CanTransitionTo(target) {
		// A caller defect, not external input: the state graph is fixed and
		// callers derive targets from observed statuses.
		slog.ErrorContext(ctx, "illegal worker status transition requested",
			"worker_id", w.ID,
			"observed_status", w.Status,
			"target_status", target,
		)
		return false, nil
	}

	applied, err := cas.CompareAndSetStatus(ctx, w.ID, w.Status, target)
	if err != nil {
		return false, fmt.Errorf("transition worker %s to %s: %w", w.ID, target, err)
	}
	if !applied {
		level := slog.LevelDebug
		if strict {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "worker status transition lost to concurrent coordinator",
			"worker_id", w.ID,
			"observed_status", w.Status,
			"target_status", target,
		)
	}
	return applied, nil
}
