package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tenants ---

func (s *PostgresStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	return s.GetTenant(ctx, DefaultTenantID)
}

func (s *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, class, created_at, updated_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Class, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, nonNilStrings(key.Scopes), key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE tenant_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, tenant_id, owner_id, parent_job_id, is_parent, provider_id, delivery_mode, status,
	item_count, completed_count, progress_pct, params, provider_task_id, expected_variants,
	error_message, run_at, created_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var mode string
	err := row.Scan(&j.ID, &j.TenantID, &j.OwnerID, &j.ParentJobID, &j.IsParent, &j.ProviderID, &mode, &j.Status,
		&j.ItemCount, &j.CompletedCount, &j.ProgressPct, &j.Params, &j.ProviderTaskID, &j.ExpectedVariants,
		&j.ErrorMessage, &j.RunAt, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.DeliveryMode = models.DeliveryMode(mode)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJobs(ctx context.Context, jobs ...*models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create jobs: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, j := range jobs {
		runAt := j.RunAt
		if runAt.IsZero() {
			runAt = j.CreatedAt
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, tenant_id, owner_id, parent_job_id, is_parent, provider_id, delivery_mode, status,
			   item_count, completed_count, progress_pct, params, provider_task_id, expected_variants,
			   run_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			j.ID, j.TenantID, j.OwnerID, j.ParentJobID, j.IsParent, j.ProviderID, string(j.DeliveryMode), j.Status,
			j.ItemCount, j.CompletedCount, j.ProgressPct, nonNilParams(j.Params), j.ProviderTaskID, j.ExpectedVariants,
			runAt, j.CreatedAt, j.UpdatedAt)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, nil
}

// UpdateJob applies patch only while the job is in a status the patch may leave from.
// A terminal job is never rewritten.
func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, patch models.JobPatch) (*models.Job, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id, tenantID, patchAllowedFrom(patch)}
	argIdx := 4

	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.ProviderTaskID != nil {
		add("provider_task_id", *patch.ProviderTaskID)
	}
	if patch.DeliveryMode != nil {
		add("delivery_mode", string(*patch.DeliveryMode))
	}
	if patch.ExpectedVariants != nil {
		add("expected_variants", *patch.ExpectedVariants)
	}
	if patch.CompletedCount != nil {
		add("completed_count", *patch.CompletedCount)
	}
	if patch.ProgressPct != nil {
		add("progress_pct", *patch.ProgressPct)
	}
	if patch.RunAt != nil {
		add("run_at", *patch.RunAt)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.FinishedAt != nil {
		add("finished_at", *patch.FinishedAt)
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $1 AND tenant_id = $2 AND status = ANY($3) RETURNING %s`,
		strings.Join(sets, ", "), jobColumns)

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetJob(ctx, id, tenantID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, classifyMiss(current)
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) FindByProviderTask(ctx context.Context, providerID, taskID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE provider_id = $1 AND provider_task_id = $2
		 ORDER BY created_at DESC LIMIT 1`, providerID, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by provider task: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentID uuid.UUID, tenantID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_job_id = $1 AND tenant_id = $2 ORDER BY run_at ASC, created_at ASC`,
		parentID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) SummarizeChildren(ctx context.Context, parentID uuid.UUID) (models.ChildSummary, error) {
	summary := models.ChildSummary{ByStatus: map[string]int{}}
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(item_count), 0), COALESCE(SUM(completed_count), 0)
		 FROM jobs WHERE parent_job_id = $1 GROUP BY status`, parentID)
	if err != nil {
		return summary, fmt.Errorf("summarize children: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count, items, completed int64
		if err := rows.Scan(&status, &count, &items, &completed); err != nil {
			return summary, fmt.Errorf("scan child summary: %w", err)
		}
		summary.ByStatus[status] = int(count)
		summary.Total += int(count)
		summary.ItemCount += int(items)
		summary.CompletedCount += int(completed)
	}
	return summary, rows.Err()
}

// ClaimQueued uses SELECT FOR UPDATE SKIP LOCKED so concurrent claimers never take the same job.
func (s *PostgresStore) ClaimQueued(ctx context.Context, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'running', started_at = NOW(), updated_at = NOW()
		 WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND is_parent = FALSE AND run_at <= NOW()
			ORDER BY run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		 )
		 RETURNING `+jobColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queued jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) PromoteNextChild(ctx context.Context, parentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET run_at = NOW(), updated_at = NOW()
		 WHERE id = (
			SELECT id FROM jobs
			WHERE parent_job_id = $1 AND status = 'queued' AND run_at > NOW()
			ORDER BY run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )`, parentID)
	if err != nil {
		return fmt.Errorf("promote next child: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRunning(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'running' AND is_parent = FALSE ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListStaleRunning(ctx context.Context, mode models.DeliveryMode, startedBefore time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND is_parent = FALSE AND delivery_mode = $1 AND started_at < $2
		 ORDER BY started_at ASC`, string(mode), startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	return collectJobs(rows)
}

// --- Events ---

// AppendEvent bumps the job's event_seq under its row lock, so per-job sequence order matches commit order.
func (s *PostgresStore) AppendEvent(ctx context.Context, jobID, tenantID uuid.UUID, eventType string, payload json.RawMessage) (*models.Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var seq int64
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET event_seq = event_seq + 1 WHERE id = $1 AND tenant_id = $2 RETURNING event_seq`,
		jobID, tenantID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next event seq: %w", err)
	}

	evt := &models.Event{
		ID:        uuid.New(),
		JobID:     jobID,
		TenantID:  tenantID,
		Seq:       seq,
		Type:      eventType,
		Payload:   nonNilParams(payload),
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO job_events (id, job_id, tenant_id, seq, type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		evt.ID, evt.JobID, evt.TenantID, evt.Seq, evt.Type, evt.Payload, evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append event: %w", err)
	}
	return evt, nil
}

func (s *PostgresStore) EventsSince(ctx context.Context, jobID, tenantID uuid.UUID, sinceSeq int64, limit int) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, tenant_id, seq, type, payload, created_at
		 FROM job_events WHERE job_id = $1 AND tenant_id = $2 AND seq > $3
		 ORDER BY seq ASC LIMIT $4`, jobID, tenantID, sinceSeq, eventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.JobID, &e.TenantID, &e.Seq, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Result Units ---

func (s *PostgresStore) ResultExists(ctx context.Context, jobID uuid.UUID, conversionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM result_units WHERE job_id = $1 AND conversion_id = $2)`,
		jobID, conversionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("result exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateResultUnit(ctx context.Context, unit *models.ResultUnit) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create result: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	var completed, items int
	err = tx.QueryRow(ctx,
		`SELECT status, completed_count, item_count FROM jobs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		unit.JobID, unit.TenantID).Scan(&status, &completed, &items)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if models.IsTerminalStatus(status) {
		return nil, ErrJobTerminal
	}

	metadata := unit.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO result_units (id, job_id, tenant_id, provider_task_id, choice_id, conversion_id,
		   source_urls, storage_keys, duration_seconds, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (job_id, conversion_id) DO NOTHING`,
		unit.ID, unit.JobID, unit.TenantID, unit.ProviderTaskID, unit.ChoiceID, unit.ConversionID,
		nonNilStrings(unit.SourceURLs), nonNilStrings(unit.StorageKeys), unit.DurationSeconds, metadata, unit.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert result unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyExists
	}

	if completed < items {
		completed++
	}
	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET completed_count = $3, progress_pct = $4, updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 RETURNING `+jobColumns,
		unit.JobID, unit.TenantID, completed, models.ProgressPercent(completed, items)))
	if err != nil {
		return nil, fmt.Errorf("advance completed count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create result: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListResultUnits(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) ([]*models.ResultUnit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, tenant_id, provider_task_id, choice_id, conversion_id, source_urls, storage_keys,
		   duration_seconds, metadata, created_at
		 FROM result_units WHERE job_id = $1 AND tenant_id = $2 ORDER BY created_at ASC`, jobID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list result units: %w", err)
	}
	defer rows.Close()

	var units []*models.ResultUnit
	for rows.Next() {
		var u models.ResultUnit
		if err := rows.Scan(&u.ID, &u.JobID, &u.TenantID, &u.ProviderTaskID, &u.ChoiceID, &u.ConversionID,
			&u.SourceURLs, &u.StorageKeys, &u.DurationSeconds, &u.Metadata, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result unit: %w", err)
		}
		units = append(units, &u)
	}
	return units, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
