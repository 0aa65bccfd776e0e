package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repro-screening/internal/config"
	"repro-screening/internal/models"
	"repro-screening/internal/queue"
	"repro-screening/internal/store"
	"repro-screening/internal/task"
)

type memStore struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	audits []string
}

func newMemStore(jobs ...models.Job) *memStore {
	s := &memStore{jobs: map[string]*models.Job{}}
	for i := range jobs {
		j := jobs[i]
		s.jobs[j.ID] = &j
	}
	return s
}

func (s *memStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return *j, nil
}

func (s *memStore) UpdateState(_ context.Context, id string, status models.Status, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	if j.Status.Terminal() {
		return nil
	}
	j.Status = status
	j.Meta = meta
	return nil
}

func (s *memStore) MarkSuccess(ctx context.Context, id string, result map[string]any) error {
	return s.UpdateState(ctx, id, models.StatusSuccess, result)
}

func (s *memStore) MarkFailure(ctx context.Context, id string, meta map[string]any) error {
	return s.UpdateState(ctx, id, models.StatusFailure, meta)
}

func (s *memStore) RecordLeaseExpiry(_ context.Context, id string, nextRun time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Attempts++
	j.Status = models.StatusPending
	j.NextRunAt = nextRun
	return j.Attempts, nil
}

func (s *memStore) SetWorkerID(_ context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].WorkerID = &workerID
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, jobID, event, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, jobID+":"+event)
	return nil
}

func (s *memStore) job(id string) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func testConfig(mr *miniredis.Miniredis) config.Config {
	cfg := config.Defaults()
	cfg.RedisAddr = mr.Addr()
	cfg.MaxAttempts = 2
	cfg.BackoffInitial = time.Second
	cfg.BackoffMax = 4 * time.Second
	cfg.HardTimeLimit = time.Minute
	return cfg
}

func setup(t *testing.T, jobs ...models.Job) (*Processor, *queue.RedisQueue, *memStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	q := queue.NewRedisQueue(cfg)
	t.Cleanup(func() { _ = q.Close() })
	st := newMemStore(jobs...)
	for _, j := range jobs {
		require.NoError(t, q.Enqueue(context.Background(), j.ID, j.Priority, time.Time{}))
	}
	return NewProcessorWithID(cfg, q, st, "worker-1", nil), q, st, mr
}

func pending(id, typ string) models.Job {
	return models.Job{ID: id, Type: typ, Priority: "default", Status: models.StatusPending}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, max)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
	assert.LessOrEqual(t, b3, max)

	b9 := backoffWithJitter(base, max, 9)
	assert.LessOrEqual(t, b9, max)
}

func TestSucceededOutcomeRecordsSuccess(t *testing.T) {
	p, q, st, _ := setup(t, pending("job-1", models.TypeArchivePublish))
	p.RegisterHandler(models.TypeArchivePublish, func(ctx context.Context, job models.Job) task.Outcome {
		return task.Succeeded{Message: "published", Result: map[string]any{"dois": 4}}
	})

	worked, err := p.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	job := st.job("job-1")
	assert.Equal(t, models.StatusSuccess, job.Status)
	assert.Equal(t, "published", job.Meta["message"])
	assert.Equal(t, 4, job.Meta["dois"])
	require.NotNil(t, job.WorkerID)
	assert.Equal(t, "worker-1", *job.WorkerID)
	assert.Contains(t, st.audits, "job-1:succeeded")

	ids, err := q.ReclaimExpired(context.Background(), time.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "acked job must leave inflight")
}

func TestFailedOutcomeIsNotRetried(t *testing.T) {
	p, q, st, _ := setup(t, pending("job-1", models.TypeBuildPreview))
	p.RegisterHandler(models.TypeBuildPreview, func(ctx context.Context, job models.Job) task.Outcome {
		return task.Failed{Kind: task.KindVerification, Message: "no index.html", LogURL: "https://gist/1"}
	})

	_, err := p.ProcessOne(context.Background())
	require.NoError(t, err)

	job := st.job("job-1")
	assert.Equal(t, models.StatusFailure, job.Status)
	assert.Equal(t, "verification", job.Meta["exc_type"])
	assert.Equal(t, "https://gist/1", job.Meta["log_url"])
	assert.Zero(t, job.Attempts)

	n, err := q.PromoteScheduled(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	depth, err := q.ReadyDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRevokedJobIsSkipped(t *testing.T) {
	job := pending("job-1", models.TypeArchiveFlush)
	job.Status = models.StatusRevoked
	p, _, st, _ := setup(t, job)
	called := false
	p.RegisterHandler(models.TypeArchiveFlush, func(ctx context.Context, job models.Job) task.Outcome {
		called = true
		return task.Succeeded{}
	})

	worked, err := p.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.False(t, called)
	assert.Equal(t, models.StatusRevoked, st.job("job-1").Status)
}

func TestUnknownTypeFails(t *testing.T) {
	p, _, st, _ := setup(t, pending("job-1", "build:nightly"))

	_, err := p.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, st.job("job-1").Status)
	assert.Equal(t, "input", st.job("job-1").Meta["exc_type"])
}

func TestHardLimitAbandonsHandler(t *testing.T) {
	p, _, st, _ := setup(t, pending("job-1", models.TypeBuildProduction))
	p.cfg.HardTimeLimit = 50 * time.Millisecond
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p.RegisterHandler(models.TypeBuildProduction, func(ctx context.Context, job models.Job) task.Outcome {
		<-release
		return task.Succeeded{}
	})

	_, err := p.ProcessOne(context.Background())
	require.NoError(t, err)

	job := st.job("job-1")
	assert.Equal(t, models.StatusFailure, job.Status)
	assert.Equal(t, "timeout", job.Meta["exc_type"])
	assert.Contains(t, job.Meta["exc_message"], "hard time limit")
}

func TestPanickingHandlerFails(t *testing.T) {
	p, _, st, _ := setup(t, pending("job-1", models.TypeArchiveUpload))
	p.RegisterHandler(models.TypeArchiveUpload, func(ctx context.Context, job models.Job) task.Outcome {
		panic("boom")
	})

	_, err := p.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, st.job("job-1").Status)
	assert.Equal(t, "internal", st.job("job-1").Meta["exc_type"])
}

func TestExpiredLeaseIsRetriedThenDeadLettered(t *testing.T) {
	p, q, st, _ := setup(t, pending("job-1", models.TypeBuildPreview))
	ctx := context.Background()

	// A worker leases the job and disappears.
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	later := time.Now().Add(2 * time.Hour)
	p.ReclaimExpired(ctx, later)
	job := st.job("job-1")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Contains(t, st.audits, "job-1:retry_scheduled")

	n, err := q.PromoteScheduled(ctx, later.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	p.ReclaimExpired(ctx, later.Add(4*time.Hour))
	job = st.job("job-1")
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, models.StatusFailure, job.Status)
	assert.Equal(t, "lease_expired", job.Meta["exc_type"])

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, dlq)
}
