package liveness_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Be-Secure/kestra/internal/liveness"
	"github.com/Be-Secure/kestra/internal/registry"
)

func testConfig() liveness.Config {
	return liveness.Config{
		Interval:               time.Second,
		InitialDelay:           time.Minute,
		Timeout:                time.Minute,
		TerminationGracePeriod: 30 * time.Minute,
		Enabled:                true,
	}
}

func newTestHandler(repo *fakeRepository, cfg liveness.Config) *liveness.Handler {
	return liveness.NewHandler(repo, liveness.NewService(repo), cfg)
}

// workerAt builds a worker with start and heartbeat expressed as ages
// relative to now.
func workerAt(status registry.Status, now time.Time, startedAgo, heartbeatAgo time.Duration) registry.WorkerInstance {
	return registry.WorkerInstance{
		ID:            uuid.New(),
		WorkerGroup:   "default",
		Hostname:      "worker-host",
		Status:        status,
		StartTime:     now.Add(-startedAgo),
		HeartbeatDate: now.Add(-heartbeatAgo),
	}
}

func hasTransition(repo *fakeRepository, id uuid.UUID, from, to registry.Status) bool {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, tr := range repo.transitions {
		if tr.id == id && tr.from == from && tr.to == to {
			return true
		}
	}
	return false
}

// TestTickMarksSilentWorkerDead: a long-running RUNNING worker whose
// heartbeat went silent well past the timeout is transitioned to DEAD.
func TestTickMarksSilentWorkerDead(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := workerAt(registry.StatusRunning, now, 10*time.Minute, 5*time.Minute)
	repo := newFakeRepository(w)
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	got, ok := repo.get(w.ID)
	if !ok {
		t.Fatal("worker record disappeared")
	}
	if got.Status != registry.StatusDead {
		t.Errorf("status = %s, want DEAD", got.Status)
	}
}

// TestStartupGraceWindow: a freshly started worker is never declared dead
// even when its heartbeat is already past the timeout.
func TestStartupGraceWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := workerAt(registry.StatusRunning, now, 30*time.Second, 5*time.Minute)
	repo := newFakeRepository(w)
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	got, _ := repo.get(w.ID)
	if got.Status != registry.StatusRunning {
		t.Errorf("status = %s, want RUNNING (within startup grace)", got.Status)
	}
}

// TestLegacySilentWorkerBecomesDisconnected: a worker that announced its
// shutdown and then went silent is moved to DISCONNECTED, not DEAD.
func TestLegacySilentWorkerBecomesDisconnected(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := workerAt(registry.StatusPendingShutdown, now, 10*time.Minute, 5*time.Minute)
	repo := newFakeRepository(w)
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	got, _ := repo.get(w.ID)
	if got.Status != registry.StatusDisconnected {
		t.Errorf("status = %s, want DISCONNECTED", got.Status)
	}
}

// TestLivenessDisabledSkipsProbe: with the probe disabled, silent workers
// stay RUNNING; reconciliation and cleanup still run.
func TestLivenessDisabledSkipsProbe(t *testing.T) {
	t.Parallel()

	now := time.Now()
	silent := workerAt(registry.StatusRunning, now, time.Hour, time.Hour)
	retired := workerAt(registry.StatusNotRunning, now, time.Hour, time.Hour)
	repo := newFakeRepository(silent, retired)

	cfg := testConfig()
	cfg.Enabled = false
	h := newTestHandler(repo, cfg)

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	got, _ := repo.get(silent.ID)
	if got.Status != registry.StatusRunning {
		t.Errorf("status = %s, want RUNNING (probe disabled)", got.Status)
	}
	if _, ok := repo.get(retired.ID); ok {
		t.Error("retired record not purged while probe disabled")
	}
}

// TestDeadWorkerPastGraceIsReemittedAndRetired: a DEAD worker whose
// heartbeat is older than the termination grace period has its jobs
// re-emitted and is advanced to NOT_RUNNING (then purged the same tick).
func TestDeadWorkerPastGraceIsReemittedAndRetired(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()
	w := workerAt(registry.StatusDead, now, 2*time.Hour, cfg.TerminationGracePeriod+time.Second)
	repo := newFakeRepository(w)
	repo.jobsByWorker[w.ID] = 3
	h := newTestHandler(repo, cfg)

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	reemitted := repo.reemittedWorkers()
	if len(reemitted) != 1 || reemitted[0] != w.ID {
		t.Errorf("reemitted workers = %v, want exactly [%s]", reemitted, w.ID)
	}
	if !hasTransition(repo, w.ID, registry.StatusDead, registry.StatusNotRunning) {
		t.Error("missing DEAD -> NOT_RUNNING transition")
	}
	if _, ok := repo.get(w.ID); ok {
		t.Error("retired record still present after cleanup pass")
	}
}

// TestDeadWorkerWithinGraceIsLeftAlone: inside the termination grace period
// the worker might still complete its shutdown sequence; nothing happens.
func TestDeadWorkerWithinGraceIsLeftAlone(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := workerAt(registry.StatusDead, now, 2*time.Hour, 2*time.Minute)
	repo := newFakeRepository(w)
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	if len(repo.reemits) != 0 {
		t.Errorf("re-emission happened within grace period: %v", repo.reemits)
	}
	got, _ := repo.get(w.ID)
	if got.Status != registry.StatusDead {
		t.Errorf("status = %s, want DEAD (still within grace)", got.Status)
	}
}

// TestGracefulShutdownNeverReemits: a TERMINATED_GRACEFULLY worker drained
// its own queue; re-emitting would duplicate work.
func TestGracefulShutdownNeverReemits(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := workerAt(registry.StatusTerminatedGracefully, now, time.Hour, 0)
	repo := newFakeRepository(w)
	repo.jobsByWorker[w.ID] = 2
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	if len(repo.reemits) != 0 {
		t.Errorf("re-emission invoked for graceful shutdown: %v", repo.reemits)
	}
	if !hasTransition(repo, w.ID, registry.StatusTerminatedGracefully, registry.StatusNotRunning) {
		t.Error("missing TERMINATED_GRACEFULLY -> NOT_RUNNING transition")
	}
	if _, ok := repo.get(w.ID); ok {
		t.Error("retired record still present after cleanup pass")
	}
}

// TestForcedTerminationIsAlwaysUnclean: TERMINATED_FORCED re-emits
// regardless of heartbeat age; the kill gave no chance to flush state.
func TestForcedTerminationIsAlwaysUnclean(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := workerAt(registry.StatusTerminatedForced, now, time.Hour, 0)
	repo := newFakeRepository(w)
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	reemitted := repo.reemittedWorkers()
	if len(reemitted) != 1 || reemitted[0] != w.ID {
		t.Errorf("reemitted workers = %v, want exactly [%s]", reemitted, w.ID)
	}
	if !hasTransition(repo, w.ID, registry.StatusTerminatedForced, registry.StatusNotRunning) {
		t.Error("missing TERMINATED_FORCED -> NOT_RUNNING transition")
	}
}

// TestCleanupIsIdempotent: the second pass over an already-purged registry
// deletes nothing.
func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := workerAt(registry.StatusNotRunning, now, time.Hour, time.Hour)
	repo := newFakeRepository(w)
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("first OnTick: %v", err)
	}
	if len(repo.deleted) != 1 {
		t.Fatalf("first pass deleted %d records, want 1", len(repo.deleted))
	}

	if err := h.OnTick(context.Background(), now.Add(time.Second)); err != nil {
		t.Fatalf("second OnTick: %v", err)
	}
	if len(repo.deleted) != 1 {
		t.Errorf("second pass deleted more records: total %d, want 1", len(repo.deleted))
	}
}

// TestReemissionHappensExactlyOnce: ticking twice over the same dead worker
// re-emits only on the first pass; the record is retired and gone by the
// second.
func TestReemissionHappensExactlyOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()
	w := workerAt(registry.StatusDead, now, 2*time.Hour, cfg.TerminationGracePeriod+time.Minute)
	repo := newFakeRepository(w)
	h := newTestHandler(repo, cfg)

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("first OnTick: %v", err)
	}
	if err := h.OnTick(context.Background(), now.Add(cfg.Interval)); err != nil {
		t.Fatalf("second OnTick: %v", err)
	}

	if got := repo.reemittedWorkers(); len(got) != 1 {
		t.Errorf("worker re-emitted %d times, want 1", len(got))
	}
}

// TestOrphanedJobsAreRecovered: running jobs claimed by workers with no
// registry row are requeued by the tick's backstop pass.
func TestOrphanedJobsAreRecovered(t *testing.T) {
	t.Parallel()

	now := time.Now()
	repo := newFakeRepository()
	repo.orphanJobs = 2
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	if repo.recovered != 2 {
		t.Errorf("recovered jobs = %d, want 2", repo.recovered)
	}
}

// TestAdvanceFailureIsIsolated: one worker's failed retire does not abort
// the rest of the reconciliation batch or the tick.
func TestAdvanceFailureIsIsolated(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	now := time.Now()
	failing := workerAt(registry.StatusDead, now, 2*time.Hour, cfg.TerminationGracePeriod+time.Minute)
	healthy := workerAt(registry.StatusDead, now, 2*time.Hour, cfg.TerminationGracePeriod+time.Minute)
	repo := newFakeRepository(failing, healthy)
	repo.casErrFor = map[uuid.UUID]error{failing.ID: errors.New("connection reset")}
	h := newTestHandler(repo, cfg)

	if err := h.OnTick(context.Background(), now); err != nil {
		t.Fatalf("OnTick: %v", err)
	}

	if !hasTransition(repo, healthy.ID, registry.StatusDead, registry.StatusNotRunning) {
		t.Error("healthy worker not retired alongside the failing one")
	}
	if _, ok := repo.get(healthy.ID); ok {
		t.Error("healthy worker record not purged")
	}
	got, ok := repo.get(failing.ID)
	if !ok {
		t.Fatal("failing worker record disappeared")
	}
	if got.Status != registry.StatusDead {
		t.Errorf("failing worker status = %s, want DEAD (left for the next tick)", got.Status)
	}
}

// TestTickPropagatesQueryFailure: a datastore failure fails the tick; the
// next tick re-observes the same condition, so nothing is retried inline.
func TestTickPropagatesQueryFailure(t *testing.T) {
	t.Parallel()

	now := time.Now()
	repo := newFakeRepository(workerAt(registry.StatusRunning, now, time.Hour, time.Hour))
	repo.findErr = errors.New("connection reset")
	h := newTestHandler(repo, testConfig())

	if err := h.OnTick(context.Background(), now); err == nil {
		t.Fatal("OnTick: err = nil, want query failure to propagate")
	}
}
