package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Be-Secure/kestra/internal/registry"
	"github.com/Be-Secure/kestra/internal/store"
)

// Config holds the worker runtime settings.
type Config struct {
	// WorkerGroup is the logical partition this worker serves.
	WorkerGroup string

	// HeartbeatInterval is how often the heartbeat_date column is advanced.
	HeartbeatInterval time.Duration

	// PollInterval is how often each queue goroutine checks for new jobs.
	PollInterval time.Duration
}

// Runner manages one worker process: its registry record, its heartbeat,
// and one polling goroutine per registered queue.
type Runner struct {
	store *store.Store
	cfg   Config

	// statusMu guards instance.Status; Kill runs from a signal goroutine
	// concurrently with Start's shutdown path.
	statusMu sync.Mutex
	instance registry.WorkerInstance

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates a Runner backed by st. A random instance ID is generated at
// construction time; it identifies this process in the registry and in the
// job queue's locked_by column.
func New(st *store.Store, cfg Config) *Runner {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Runner{
		store: st,
		cfg:   cfg,
		instance: registry.WorkerInstance{
			ID:          uuid.New(),
			WorkerGroup: cfg.WorkerGroup,
			Hostname:    hostname,
			Status:      registry.StatusRunning,
		},
		handlers: make(map[string]Handler),
	}
}

// ID returns the worker's registry identifier.
func (r *Runner) ID() uuid.UUID { return r.instance.ID }

// Register associates h with the named queue. Must be called before Start.
func (r *Runner) Register(queue string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[queue] = h
}

// Start registers the worker instance, then launches the heartbeat goroutine
// and one polling goroutine per registered queue, blocking until ctx is
// cancelled. On cancellation the worker publishes PENDING_SHUTDOWN, lets
// in-flight jobs complete and record their results, keeps the heartbeat
// fresh until the drain is done, then publishes TERMINATED_GRACEFULLY.
// Status writes may be no-ops if a coordinator already declared this worker
// dead; that race is lost deliberately, statuses never move backward.
func (r *Runner) Start(ctx context.Context) error {
	now := time.Now()
	r.instance.StartTime = now
	r.instance.HeartbeatDate = now

	if err := r.store.RegisterWorker(ctx, r.instance); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	slog.Info("worker registered",
		"worker_id", r.instance.ID,
		"worker_group", r.instance.WorkerGroup,
		"hostname", r.instance.Hostname,
	)

	r.mu.RLock()
	queues := make([]string, 0, len(r.handlers))
	for q := range r.handlers {
		queues = append(queues, q)
	}
	r.mu.RUnlock()

	// Cancelling the parent context starts the drain, it must not abort the
	// jobs being drained. Handlers and their completion writes run on a
	// context that stays live until Start returns; the goroutines are
	// stopped by channel instead.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	stopPolling := make(chan struct{})
	stopHeartbeat := make(chan struct{})

	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go func() {
		defer hbWg.Done()
		r.runHeartbeat(workCtx, stopHeartbeat)
	}()

	var jobWg sync.WaitGroup
	for _, q := range queues {
		jobWg.Add(1)
		go func(queue string) {
			defer jobWg.Done()
			r.runQueue(workCtx, stopPolling, queue)
		}(q)
	}

	<-ctx.Done()

	// The parent context is cancelled; shutdown bookkeeping gets its own.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.publishStatus(shutdownCtx, registry.StatusPendingShutdown)

	close(stopPolling)
	jobWg.Wait() // in-flight jobs complete and record their results
	close(stopHeartbeat)
	hbWg.Wait()

	// Only now is the shutdown actually clean: every drained job has its
	// completion written, so the coordinator may safely skip re-emission.
	r.publishStatus(shutdownCtx, registry.StatusTerminatedGracefully)

	slog.Info("worker stopped", "worker_id", r.instance.ID)
	return nil
}

// Kill publishes TERMINATED_FORCED without draining. Wired to SIGQUIT by
// the worker command; the coordinator will re-emit whatever this worker had
// in flight.
func (r *Runner) Kill(ctx context.Context) {
	r.publishStatus(ctx, registry.StatusTerminatedForced)
}

// publishStatus advances this worker's own status with a compare-and-set
// against its last known value. Losing means a coordinator moved the record
// first (or already purged it); the worker never overrides that.
func (r *Runner) publishStatus(ctx context.Context, target registry.Status) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	if !r.instance.Status.CanTransitionTo(target) {
		return
	}
	applied, err := r.store.CompareAndSetStatus(ctx, r.instance.ID, r.instance.Status, target)
	if err != nil {
		slog.Error("publish worker status failed",
			"worker_id", r.instance.ID, "target", target, "error", err)
		return
	}
	if !applied {
		slog.Warn("worker status already changed by a coordinator",
			"worker_id", r.instance.ID, "target", target)
		return
	}
	r.instance.Status = target
	slog.Info("worker status published", "worker_id", r.instance.ID, "status", target)
}

// runHeartbeat advances heartbeat_date until stop is closed, which happens
// only after the drain completes: a worker draining a long job must keep
// heartbeating or the coordinator would count it disconnected and re-emit
// work it is still executing. A missed beat is logged and retried on the
// next interval; the coordinator's timeout is several intervals wide to
// absorb transient failures.
func (r *Runner) runHeartbeat(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			alive, err := r.store.Heartbeat(ctx, r.instance.ID)
			if err != nil {
				slog.Error("heartbeat failed", "worker_id", r.instance.ID, "error", err)
				continue
			}
			if !alive {
				// The registry row is gone: a coordinator declared this
				// worker dead and retired the record while we were still
				// running. Re-registering would resurrect a retired
				// identity, so the worker must exit and restart fresh.
				slog.Error("worker registry record removed, exiting",
					"worker_id", r.instance.ID)
				return
			}
		}
	}
}

// runQueue polls queue for jobs until stop is closed. The job in flight
// when stop closes finishes on ctx, which outlives the shutdown signal.
func (r *Runner) runQueue(ctx context.Context, stop <-chan struct{}, queue string) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("worker queue started", "queue", queue, "worker_id", r.instance.ID)

	for {
		select {
		case <-stop:
			slog.Info("worker queue stopping", "queue", queue)
			return
		case <-ticker.C:
			r.processOne(ctx, queue)
		}
	}
}

// processOne claims one job from queue and executes it. Errors are logged
// but do not stop the polling loop.
func (r *Runner) processOne(ctx context.Context, queue string) {
	job, err := r.store.ClaimJob(ctx, queue, r.instance.ID)
	if err != nil {
		slog.Error("claim job error", "queue", queue, "error", err)
		return
	}
	if job == nil {
		return // no job available; normal case
	}

	r.mu.RLock()
	h := r.handlers[queue]
	r.mu.RUnlock()

	if h == nil {
		slog.Error("no handler registered for queue",
			"queue", queue, "job_id", job.ID)
		return
	}

	slog.Info("executing job",
		"queue", queue, "job_id", job.ID, "attempts", job.Attempts)

	if err := h(ctx, job.Payload); err != nil {
		slog.Error("job handler failed",
			"queue", queue, "job_id", job.ID, "error", err)
		if failErr := r.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			slog.Error("fail job error", "job_id", job.ID, "error", failErr)
		}
		return
	}

	if err := r.store.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("complete job error", "job_id", job.ID, "error", err)
		return
	}
	slog.Info("job completed", "queue", queue, "job_id", job.ID)
}
