package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"repro-screening/internal/archive"
	"repro-screening/internal/models"
)

// ErrNotFound is returned when no Task Run has the requested id.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a Task Run.
type CreateJobParams struct {
	Type           string
	Priority       string
	Payload        map[string]any
	IdempotencyKey string
	IdempotencyTTL time.Duration
	RunAt          time.Time
}

// CreateJob inserts a pending Task Run, honoring idempotency if a key is given.
// The boolean reports whether an existing job was returned instead.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.Priority == "" {
		p.Priority = "default"
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, type, priority, payload, status, attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, id, p.Type, p.Priority, payloadJSON, models.StatusPending, p.RunAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		var expires *time.Time
		if p.IdempotencyTTL > 0 {
			t := now.Add(p.IdempotencyTTL)
			expires = &t
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at
			WHERE idempotency_keys.expires_at IS NOT NULL AND idempotency_keys.expires_at <= NOW()
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.FindByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}
	return models.Job{
		ID:        id,
		Type:      p.Type,
		Priority:  p.Priority,
		Payload:   p.Payload,
		Status:    models.StatusPending,
		NextRunAt: p.RunAt,
		CreatedAt: now,
		UpdatedAt: now,
	}, false, nil
}

// FindByIdempotencyKey returns the job mapped to the key if present and unexpired.
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a Task Run by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, priority, payload, status, attempts, meta, next_run_at, last_error, worker_id, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON, metaJSON []byte
	var lastErr, workerID pgtype.Text
	if err := row.Scan(&job.ID, &job.Type, &job.Priority, &payloadJSON, &job.Status, &job.Attempts, &metaJSON, &job.NextRunAt, &lastErr, &workerID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &job.Meta); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	job.LastError = textPtr(lastErr)
	job.WorkerID = textPtr(workerID)
	return job, nil
}

// UpdatePayload replaces the stored flat request, used once the pending
// comment id is known.
func (s *Store) UpdatePayload(ctx context.Context, id string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE jobs SET payload = $2, updated_at = NOW() WHERE id = $1`, id, raw)
	return err
}

// UpdateState mirrors a lifecycle phase into the Task Run. A terminal row is
// never moved back to a non-terminal status.
func (s *Store) UpdateState(ctx context.Context, id string, status models.Status, meta map[string]any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	var lastErr *string
	if status == models.StatusFailure {
		if msg, ok := meta["exc_message"].(string); ok {
			lastErr = &msg
		}
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, meta = $3, last_error = COALESCE($4, last_error), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('success', 'failure', 'revoked')
	`, id, status, raw, lastErr)
	return err
}

// MarkSuccess records success with the job's result.
func (s *Store) MarkSuccess(ctx context.Context, id string, result map[string]any) error {
	return s.UpdateState(ctx, id, models.StatusSuccess, result)
}

// MarkFailure records failure with its structured error payload.
func (s *Store) MarkFailure(ctx context.Context, id string, meta map[string]any) error {
	return s.UpdateState(ctx, id, models.StatusFailure, meta)
}

// MarkRevoked flags a job as revoked.
func (s *Store) MarkRevoked(ctx context.Context, id string) error {
	return s.UpdateState(ctx, id, models.StatusRevoked, map[string]any{"revoked": true})
}

// RecordLeaseExpiry returns a reclaimed job to pending with one more attempt
// counted and returns the new attempt count.
func (s *Store) RecordLeaseExpiry(ctx context.Context, id string, nextRun time.Time) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, next_run_at = $3, last_error = 'lease expired', updated_at = NOW()
		WHERE id = $1
		RETURNING attempts
	`, id, models.StatusPending, nextRun).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return attempts, err
}

// SetWorkerID records which worker holds the job.
func (s *Store) SetWorkerID(ctx context.Context, id, workerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET worker_id = $2, updated_at = NOW() WHERE id = $1`, id, workerID)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail returns a job's audit rows, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AuditLog, error) {
		var a models.AuditLog
		err := row.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded)
		return a, err
	})
}

// SaveRecord upserts an Archival Record.
func (s *Store) SaveRecord(ctx context.Context, rec archive.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO archival_records (submission, asset, deposit_id, bucket_url, file_id, doi, published, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (submission, asset) DO UPDATE
		SET deposit_id = EXCLUDED.deposit_id, bucket_url = EXCLUDED.bucket_url, file_id = EXCLUDED.file_id,
		    doi = EXCLUDED.doi, published = EXCLUDED.published, updated_at = NOW()
		WHERE NOT archival_records.published
	`, rec.Submission, string(rec.Asset), rec.DepositID, rec.BucketURL, rec.FileID, rec.DOI, rec.Published)
	if err != nil {
		return fmt.Errorf("save archival record: %w", err)
	}
	return nil
}

// Records lists a submission's Archival Records.
func (s *Store) Records(ctx context.Context, submission string) ([]archive.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT submission, asset, deposit_id, bucket_url, file_id, doi, published, updated_at
		FROM archival_records WHERE submission = $1
		ORDER BY array_position(ARRAY['repository','book','data','docker'], asset)
	`, submission)
	if err != nil {
		return nil, fmt.Errorf("query archival records: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (archive.Record, error) {
		var r archive.Record
		var asset string
		err := row.Scan(&r.Submission, &asset, &r.DepositID, &r.BucketURL, &r.FileID, &r.DOI, &r.Published, &r.UpdatedAt)
		r.Asset = archive.Asset(asset)
		return r, err
	})
}

// DeleteRecord removes an unpublished Archival Record. Published ones stay.
func (s *Store) DeleteRecord(ctx context.Context, submission string, asset archive.Asset) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM archival_records WHERE submission = $1 AND asset = $2 AND NOT published
	`, submission, string(asset))
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
