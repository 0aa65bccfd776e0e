package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime/debug"
	"time"

	"repro-screening/internal/config"
	"repro-screening/internal/models"
	"repro-screening/internal/queue"
	"repro-screening/internal/task"
	"repro-screening/internal/telemetry"
)

// leaseMargin is added to the hard limit so a running job's lease outlives it.
const leaseMargin = 5 * time.Minute

// Store is the Task Run persistence the processor needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateState(ctx context.Context, id string, status models.Status, meta map[string]any) error
	MarkSuccess(ctx context.Context, id string, result map[string]any) error
	MarkFailure(ctx context.Context, id string, meta map[string]any) error
	RecordLeaseExpiry(ctx context.Context, id string, nextRun time.Time) (int, error)
	SetWorkerID(ctx context.Context, id, workerID string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Handler executes a job for a given type and returns its terminal outcome.
type Handler func(ctx context.Context, job models.Job) task.Outcome

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    Store
	handlers map[string]Handler
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st Store) *Processor {
	return NewProcessorWithID(cfg, q, st, "", nil)
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, st Store, workerID string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if workerID != "" {
		q = q.ForWorker(workerID)
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		workerID: workerID,
		logger:   logger.With("worker", workerID),
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeep(ctx)

		worked, err := p.ProcessOne(ctx)
		if err != nil {
			p.logger.Warn("dequeue failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) housekeep(ctx context.Context) {
	if _, err := p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil {
		p.logger.Warn("promote scheduled failed", "error", err)
	}
	p.ReclaimExpired(ctx, time.Now())
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// ReclaimExpired handles leases whose holder went away. Each is rescheduled
// with backoff, or dead-lettered as a failure after MaxAttempts expiries.
func (p *Processor) ReclaimExpired(ctx context.Context, now time.Time) {
	reclaimed, err := p.queue.ReclaimExpired(ctx, now, 100)
	if err != nil {
		p.logger.Warn("reclaim expired leases failed", "error", err)
	}
	if len(reclaimed) == 0 {
		return
	}
	telemetry.InFlightGauge.Sub(float64(len(reclaimed)))

	for _, id := range reclaimed {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			p.logger.Warn("reclaimed job not loaded", "jobID", id, "error", err)
			_ = p.queue.Ack(ctx, id)
			continue
		}
		if job.Status.Terminal() {
			_ = p.queue.Ack(ctx, id)
			continue
		}
		if lease, err := p.queue.LeaseOf(ctx, id); err == nil {
			p.logger.Warn("lease expired", "jobID", id, "holder", lease.Holder, "deadline", lease.Deadline)
		}
		nextRun := now.Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts+1))
		attempts, err := p.store.RecordLeaseExpiry(ctx, id, nextRun)
		if err != nil {
			p.logger.Error("lease expiry not recorded", "jobID", id, "error", err)
			continue
		}
		if attempts >= p.cfg.MaxAttempts {
			detail := fmt.Sprintf("lease expired %d times", attempts)
			_ = p.store.MarkFailure(ctx, id, map[string]any{"exc_type": "lease_expired", "exc_message": detail})
			_ = p.queue.Ack(ctx, id)
			_ = p.queue.DLQPush(ctx, id)
			_ = p.store.AppendAudit(ctx, id, "dead_letter", detail)
			telemetry.WorkerDeadLetter.Inc()
			p.logger.Error("job dead-lettered", "jobID", id, "attempts", attempts)
			continue
		}
		_ = p.queue.Schedule(ctx, id, p.queue.Priority(ctx, id), nextRun)
		_ = p.store.AppendAudit(ctx, id, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	}
}

// ProcessOne leases and runs at most one job. It reports whether a job was
// taken off the queue.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		p.logger.Warn("leased job not loaded", "jobID", jobID, "error", err)
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}
	if job.Status.Terminal() {
		_ = p.queue.Ack(ctx, jobID)
		return true, nil
	}

	if err := p.queue.ExtendLease(ctx, job.ID, p.leaseFor()); err != nil {
		p.logger.Warn("lease not extended", "jobID", job.ID, "error", err)
	}
	if p.workerID != "" {
		_ = p.store.SetWorkerID(ctx, job.ID, p.workerID)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	out, ok := p.execute(ctx, job)
	if !ok {
		// Shutdown: the lease lapses and another worker reclaims the job.
		p.logger.Warn("job interrupted by shutdown", "jobID", job.ID)
		return true, nil
	}
	p.settle(ctx, job, out)
	return true, nil
}

func (p *Processor) leaseFor() time.Duration {
	if p.cfg.HardTimeLimit > 0 {
		return p.cfg.HardTimeLimit + leaseMargin
	}
	return p.cfg.VisibilityTimeout
}

// execute runs the handler under the hard limit. When the limit passes the
// handler goroutine is abandoned; whatever environment it holds leaks. The
// second result is false when the parent context was cancelled.
func (p *Processor) execute(ctx context.Context, job models.Job) (task.Outcome, bool) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return task.Failed{Kind: task.KindInput, Message: fmt.Sprintf("no handler registered for type %q", job.Type)}, true
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.HardTimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.HardTimeLimit)
	}
	defer cancel()

	done := make(chan task.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("handler panicked", "jobID", job.ID, "panic", r, "stack", string(debug.Stack()))
				done <- task.Failed{Kind: task.KindInternal, Message: fmt.Sprintf("unexpected error: %v", r)}
			}
		}()
		done <- handler(runCtx, job)
	}()

	var out task.Outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
	}
	if ctx.Err() != nil {
		return nil, false
	}
	if f, isFailed := out.(task.Failed); out == nil || (isFailed && f.Kind == task.KindAborted) {
		p.logger.Error("hard time limit exceeded, environment may be leaked", "jobID", job.ID, "type", job.Type, "limit", p.cfg.HardTimeLimit)
		return task.Failed{Kind: task.KindTimeout, Message: fmt.Sprintf("hard time limit of %s exceeded", p.cfg.HardTimeLimit)}, true
	}
	return out, true
}

// settle translates the outcome into substrate state. Neither variant is retried.
func (p *Processor) settle(ctx context.Context, job models.Job, out task.Outcome) {
	switch o := out.(type) {
	case task.Succeeded:
		result := map[string]any{"message": o.Message}
		for k, v := range o.Result {
			result[k] = v
		}
		if err := p.store.MarkSuccess(ctx, job.ID, result); err != nil {
			p.logger.Error("success not recorded", "jobID", job.ID, "error", err)
		}
		_ = p.store.AppendAudit(ctx, job.ID, "succeeded", o.Message)
		telemetry.WorkerSuccess.Inc()
	case task.Failed:
		if err := p.store.MarkFailure(ctx, job.ID, o.Meta()); err != nil {
			p.logger.Error("failure not recorded", "jobID", job.ID, "error", err)
		}
		_ = p.store.AppendAudit(ctx, job.ID, "failed", o.Error())
		telemetry.WorkerFailures.WithLabelValues(string(o.Kind)).Inc()
	}
	if err := p.queue.Ack(ctx, job.ID); err != nil {
		p.logger.Warn("ack failed", "jobID", job.ID, "error", err)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
