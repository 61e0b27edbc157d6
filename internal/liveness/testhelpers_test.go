// ABOUTME: In-memory registry.Repository fake shared by the liveness tests.
// ABOUTME: Records transitions, re-emission batches, and deletions for assertions.
package liveness_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Be-Secure/kestra/internal/registry"
)

// transition records one applied status change.
type transition struct {
	id       uuid.UUID
	from, to registry.Status
}

// fakeRepository is an in-memory registry.Repository. The compare-and-set
// semantics match the store: a write applies only when the stored status
// equals the observed one.
type fakeRepository struct {
	mu      sync.Mutex
	workers map[uuid.UUID]*registry.WorkerInstance

	// jobsByWorker is how many running jobs each worker owns; ReemitJobs
	// sums and zeroes them.
	jobsByWorker map[uuid.UUID]int64

	// orphanJobs is how many running jobs are claimed by workers with no
	// registry row; RequeueOrphanedJobs drains it into recovered.
	orphanJobs int64
	recovered  int64

	transitions []transition
	reemits     [][]uuid.UUID
	deleted     []uuid.UUID

	casErr    error
	casErrFor map[uuid.UUID]error
	findErr   error
}

var (
	_ registry.Repository   = (*fakeRepository)(nil)
	_ registry.RepositoryTx = (*fakeTx)(nil)
)

func newFakeRepository(workers ...registry.WorkerInstance) *fakeRepository {
	r := &fakeRepository{
		workers:      make(map[uuid.UUID]*registry.WorkerInstance),
		jobsByWorker: make(map[uuid.UUID]int64),
	}
	for _, w := range workers {
		w := w
		r.workers[w.ID] = &w
	}
	return r
}

func (r *fakeRepository) get(id uuid.UUID) (registry.WorkerInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return registry.WorkerInstance{}, false
	}
	return *w, true
}

func (r *fakeRepository) FindTimedOutRunning(_ context.Context, now time.Time, timeout time.Duration) ([]registry.WorkerInstance, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registry.WorkerInstance
	for _, w := range r.workers {
		eligible := w.Status == registry.StatusRunning || w.Status == registry.StatusPendingShutdown
		if eligible && w.HeartbeatDate.Before(now.Add(-timeout)) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (r *fakeRepository) FindInStatus(_ context.Context, status registry.Status) ([]registry.WorkerInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registry.WorkerInstance
	for _, w := range r.workers {
		if w.Status == status {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (r *fakeRepository) DeleteAllNotRunning(_ context.Context) ([]registry.WorkerInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []registry.WorkerInstance
	for id, w := range r.workers {
		if w.Status == registry.StatusNotRunning {
			out = append(out, *w)
			r.deleted = append(r.deleted, id)
			delete(r.workers, id)
		}
	}
	return out, nil
}

func (r *fakeRepository) CompareAndSetStatus(_ context.Context, id uuid.UUID, observed, target registry.Status) (bool, error) {
	if r.casErr != nil {
		return false, r.casErr
	}
	if err := r.casErrFor[id]; err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.Status != observed {
		return false, nil
	}
	w.Status = target
	r.transitions = append(r.transitions, transition{id: id, from: observed, to: target})
	return true, nil
}

func (r *fakeRepository) Reconcile(_ context.Context, fn func(registry.RepositoryTx) error) error {
	return fn(&fakeTx{r: r})
}

func (r *fakeRepository) RequeueOrphanedJobs(_ context.Context, _ time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.orphanJobs
	r.orphanJobs = 0
	r.recovered += n
	return n, nil
}

// fakeTx delegates to the owning fakeRepository; the fake does not model
// rollback because no test needs a mid-transaction failure after a write.
type fakeTx struct {
	r *fakeRepository
}

func (t *fakeTx) FindNonRunning(_ context.Context) ([]registry.WorkerInstance, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	var out []registry.WorkerInstance
	for _, w := range t.r.workers {
		if w.Status != registry.StatusRunning {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (t *fakeTx) CompareAndSetStatus(ctx context.Context, id uuid.UUID, observed, target registry.Status) (bool, error) {
	return t.r.CompareAndSetStatus(ctx, id, observed, target)
}

func (t *fakeTx) ReemitJobs(_ context.Context, workers []registry.WorkerInstance) (int64, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	batch := make([]uuid.UUID, 0, len(workers))
	var n int64
	for _, w := range workers {
		batch = append(batch, w.ID)
		n += t.r.jobsByWorker[w.ID]
		t.r.jobsByWorker[w.ID] = 0
	}
	t.r.reemits = append(t.r.reemits, batch)
	return n, nil
}

// reemittedWorkers flattens all recorded re-emission batches.
func (r *fakeRepository) reemittedWorkers() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uuid.UUID
	for _, batch := range r.reemits {
		out = append(out, batch...)
	}
	return out
}
