package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node Store backed by modernc.org/sqlite.
// All access goes through one connection, so transactions never contend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
// Pass ":memory:" for a throwaway store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tenants (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			class       TEXT NOT NULL DEFAULT 'standard',
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS api_keys (
			id            TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL,
			name          TEXT NOT NULL,
			key_hash      TEXT NOT NULL,
			key_prefix    TEXT NOT NULL,
			scopes        TEXT NOT NULL DEFAULT '[]',
			last_used_at  DATETIME,
			deleted_at    DATETIME,
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,
			UNIQUE (tenant_id, name)
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix);

		CREATE TABLE IF NOT EXISTS jobs (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			owner_id           TEXT NOT NULL,
			parent_job_id      TEXT,
			is_parent          INTEGER NOT NULL DEFAULT 0,
			provider_id        TEXT NOT NULL,
			delivery_mode      TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'queued',
			item_count         INTEGER NOT NULL,
			completed_count    INTEGER NOT NULL DEFAULT 0,
			progress_pct       INTEGER NOT NULL DEFAULT 0,
			params             TEXT NOT NULL DEFAULT '{}',
			provider_task_id   TEXT NOT NULL DEFAULT '',
			expected_variants  INTEGER NOT NULL DEFAULT 0,
			error_message      TEXT,
			event_seq          INTEGER NOT NULL DEFAULT 0,
			run_at             DATETIME NOT NULL,
			created_at         DATETIME NOT NULL,
			started_at         DATETIME,
			finished_at        DATETIME,
			updated_at         DATETIME NOT NULL,
			CHECK (completed_count >= 0 AND completed_count <= item_count)
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status_run_at ON jobs(status, run_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_parent        ON jobs(parent_job_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_provider_task ON jobs(provider_id, provider_task_id);

		CREATE TABLE IF NOT EXISTS job_events (
			id          TEXT PRIMARY KEY,
			job_id      TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			type        TEXT NOT NULL,
			payload     TEXT NOT NULL DEFAULT '{}',
			created_at  DATETIME NOT NULL,
			UNIQUE (job_id, seq)
		);

		CREATE TABLE IF NOT EXISTS result_units (
			id                TEXT PRIMARY KEY,
			job_id            TEXT NOT NULL,
			tenant_id         TEXT NOT NULL,
			provider_task_id  TEXT NOT NULL DEFAULT '',
			choice_id         TEXT NOT NULL DEFAULT '',
			conversion_id     TEXT NOT NULL,
			source_urls       TEXT NOT NULL DEFAULT '[]',
			storage_keys      TEXT NOT NULL DEFAULT '[]',
			duration_seconds  REAL NOT NULL DEFAULT 0,
			metadata          TEXT NOT NULL DEFAULT '{}',
			created_at        DATETIME NOT NULL,
			UNIQUE (job_id, conversion_id)
		);
	`)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`INSERT OR IGNORE INTO tenants (id, name, class, created_at, updated_at) VALUES (?, 'default', 'standard', ?, ?)`,
		DefaultTenantID.String(), now, now)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Tenants ---

func (s *SQLiteStore) GetDefaultTenant(ctx context.Context) (*models.Tenant, error) {
	return s.GetTenant(ctx, DefaultTenantID)
}

func (s *SQLiteStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	var created, updated sqliteTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, class, created_at, updated_at FROM tenants WHERE id = ?`, id.String(),
	).Scan(&t.ID, &t.Name, &t.Class, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	t.CreatedAt, t.UpdatedAt = created.Time, updated.Time
	return &t, nil
}

// CreateTenant inserts a tenant. Only the single-node store exposes it; Postgres tenants come from migrations.
func (s *SQLiteStore) CreateTenant(ctx context.Context, t *models.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, class, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID.String(), t.Name, t.Class, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	if err != nil {
		if isSQLiteConstraintError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// --- API Keys ---

const apiKeyColumns = `id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanSQLiteAPIKeys(rows *sql.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		var scopes string
		var lastUsed, deleted, created, updated sqliteTime
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &scopes,
			&lastUsed, &deleted, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		if err := json.Unmarshal([]byte(scopes), &k.Scopes); err != nil {
			return nil, fmt.Errorf("decode api key scopes: %w", err)
		}
		k.LastUsedAt = lastUsed.Ptr()
		k.DeletedAt = deleted.Ptr()
		k.CreatedAt, k.UpdatedAt = created.Time, updated.Time
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = ? AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanSQLiteAPIKeys(rows)
}

func (s *SQLiteStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ?, updated_at = ? WHERE id = ?`, now, now, id.String())
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	scopes, err := json.Marshal(nonNilStrings(key.Scopes))
	if err != nil {
		return fmt.Errorf("encode api key scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID.String(), key.TenantID.String(), key.Name, key.KeyHash, key.KeyPrefix, string(scopes),
		key.CreatedAt.UTC(), key.UpdatedAt.UTC())
	if err != nil {
		if isSQLiteConstraintError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE tenant_id = ? AND deleted_at IS NULL ORDER BY created_at DESC`,
		tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanSQLiteAPIKeys(rows)
}

func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET deleted_at = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`, now, now, id.String(), tenantID.String())
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var mode, params string
	var parent uuid.NullUUID
	var errMsg sql.NullString
	var runAt, created, started, finished, updated sqliteTime
	err := row.Scan(&j.ID, &j.TenantID, &j.OwnerID, &parent, &j.IsParent, &j.ProviderID, &mode, &j.Status,
		&j.ItemCount, &j.CompletedCount, &j.ProgressPct, &params, &j.ProviderTaskID, &j.ExpectedVariants,
		&errMsg, &runAt, &created, &started, &finished, &updated)
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		id := parent.UUID
		j.ParentJobID = &id
	}
	j.DeliveryMode = models.DeliveryMode(mode)
	j.Params = json.RawMessage(params)
	if errMsg.Valid {
		msg := errMsg.String
		j.ErrorMessage = &msg
	}
	j.RunAt, j.CreatedAt, j.UpdatedAt = runAt.Time, created.Time, updated.Time
	j.StartedAt = started.Ptr()
	j.FinishedAt = finished.Ptr()
	return &j, nil
}

func collectSQLiteJobs(rows *sql.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) CreateJobs(ctx context.Context, jobs ...*models.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create jobs: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, j := range jobs {
		runAt := j.RunAt
		if runAt.IsZero() {
			runAt = j.CreatedAt
		}
		var parent any
		if j.ParentJobID != nil {
			parent = j.ParentJobID.String()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, tenant_id, owner_id, parent_job_id, is_parent, provider_id, delivery_mode, status,
			   item_count, completed_count, progress_pct, params, provider_task_id, expected_variants,
			   run_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID.String(), j.TenantID.String(), j.OwnerID.String(), parent, j.IsParent, j.ProviderID,
			string(j.DeliveryMode), j.Status, j.ItemCount, j.CompletedCount, j.ProgressPct,
			string(nonNilParams(j.Params)), j.ProviderTaskID, j.ExpectedVariants,
			runAt.UTC(), j.CreatedAt.UTC(), j.UpdatedAt.UTC())
		if err != nil {
			if isSQLiteConstraintError(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("create job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND tenant_id = ?`, id.String(), tenantID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, patch models.JobPatch) (*models.Job, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
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
		add("run_at", patch.RunAt.UTC())
	}
	if patch.StartedAt != nil {
		add("started_at", patch.StartedAt.UTC())
	}
	if patch.FinishedAt != nil {
		add("finished_at", patch.FinishedAt.UTC())
	}

	allowed := patchAllowedFrom(patch)
	args = append(args, id.String(), tenantID.String())
	for _, st := range allowed {
		args = append(args, st)
	}
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ? AND tenant_id = ? AND status IN (%s) RETURNING %s`,
		strings.Join(sets, ", "), placeholders(len(allowed)), jobColumns)

	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
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

func (s *SQLiteStore) FindByProviderTask(ctx context.Context, providerID, taskID string) (*models.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE provider_id = ? AND provider_task_id = ?
		 ORDER BY created_at DESC LIMIT 1`, providerID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job by provider task: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListChildren(ctx context.Context, parentID uuid.UUID, tenantID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE parent_job_id = ? AND tenant_id = ? ORDER BY run_at ASC, created_at ASC`,
		parentID.String(), tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) SummarizeChildren(ctx context.Context, parentID uuid.UUID) (models.ChildSummary, error) {
	summary := models.ChildSummary{ByStatus: map[string]int{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(item_count), 0), COALESCE(SUM(completed_count), 0)
		 FROM jobs WHERE parent_job_id = ? GROUP BY status`, parentID.String())
	if err != nil {
		return summary, fmt.Errorf("summarize children: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count, items, completed int
		if err := rows.Scan(&status, &count, &items, &completed); err != nil {
			return summary, fmt.Errorf("scan child summary: %w", err)
		}
		summary.ByStatus[status] = count
		summary.Total += count
		summary.ItemCount += items
		summary.CompletedCount += completed
	}
	return summary, rows.Err()
}

func (s *SQLiteStore) ClaimQueued(ctx context.Context, limit int) ([]*models.Job, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'queued' AND is_parent = 0 AND run_at <= ?
			ORDER BY run_at ASC
			LIMIT ?
		 )
		 RETURNING `+jobColumns, now, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queued jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) PromoteNextChild(ctx context.Context, parentID uuid.UUID) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET run_at = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE parent_job_id = ? AND status = 'queued' AND run_at > ?
			ORDER BY run_at ASC
			LIMIT 1
		 )`, now, now, parentID.String(), now)
	if err != nil {
		return fmt.Errorf("promote next child: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListRunning(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'running' AND is_parent = 0 ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

func (s *SQLiteStore) ListStaleRunning(ctx context.Context, mode models.DeliveryMode, startedBefore time.Time) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'running' AND is_parent = 0 AND delivery_mode = ? AND started_at < ?
		 ORDER BY started_at ASC`, string(mode), startedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	return collectSQLiteJobs(rows)
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, jobID, tenantID uuid.UUID, eventType string, payload json.RawMessage) (*models.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append event: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE jobs SET event_seq = event_seq + 1 WHERE id = ? AND tenant_id = ? RETURNING event_seq`,
		jobID.String(), tenantID.String()).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_events (id, job_id, tenant_id, seq, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		evt.ID.String(), jobID.String(), tenantID.String(), evt.Seq, evt.Type, string(evt.Payload), evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append event: %w", err)
	}
	return evt, nil
}

func (s *SQLiteStore) EventsSince(ctx context.Context, jobID, tenantID uuid.UUID, sinceSeq int64, limit int) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, tenant_id, seq, type, payload, created_at
		 FROM job_events WHERE job_id = ? AND tenant_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`, jobID.String(), tenantID.String(), sinceSeq, eventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var payload string
		var created sqliteTime
		if err := rows.Scan(&e.ID, &e.JobID, &e.TenantID, &e.Seq, &e.Type, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = created.Time
		e.Payload = json.RawMessage(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- Result Units ---

func (s *SQLiteStore) ResultExists(ctx context.Context, jobID uuid.UUID, conversionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM result_units WHERE job_id = ? AND conversion_id = ?)`,
		jobID.String(), conversionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("result exists: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) CreateResultUnit(ctx context.Context, unit *models.ResultUnit) (*models.Job, error) {
	sourceURLs, err := json.Marshal(nonNilStrings(unit.SourceURLs))
	if err != nil {
		return nil, fmt.Errorf("encode source urls: %w", err)
	}
	storageKeys, err := json.Marshal(nonNilStrings(unit.StorageKeys))
	if err != nil {
		return nil, fmt.Errorf("encode storage keys: %w", err)
	}
	metadata := unit.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode result metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create result: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	var completed, items int
	err = tx.QueryRowContext(ctx,
		`SELECT status, completed_count, item_count FROM jobs WHERE id = ? AND tenant_id = ?`,
		unit.JobID.String(), unit.TenantID.String()).Scan(&status, &completed, &items)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	if models.IsTerminalStatus(status) {
		return nil, ErrJobTerminal
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO result_units (id, job_id, tenant_id, provider_task_id, choice_id, conversion_id,
		   source_urls, storage_keys, duration_seconds, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, conversion_id) DO NOTHING`,
		unit.ID.String(), unit.JobID.String(), unit.TenantID.String(), unit.ProviderTaskID, unit.ChoiceID,
		unit.ConversionID, string(sourceURLs), string(storageKeys), unit.DurationSeconds, string(metaJSON),
		unit.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("insert result unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyExists
	}

	if completed < items {
		completed++
	}
	j, err := scanSQLiteJob(tx.QueryRowContext(ctx,
		`UPDATE jobs SET completed_count = ?, progress_pct = ?, updated_at = ?
		 WHERE id = ? AND tenant_id = ? RETURNING `+jobColumns,
		completed, models.ProgressPercent(completed, items), time.Now().UTC(),
		unit.JobID.String(), unit.TenantID.String()))
	if err != nil {
		return nil, fmt.Errorf("advance completed count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create result: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListResultUnits(ctx context.Context, jobID uuid.UUID, tenantID uuid.UUID) ([]*models.ResultUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, tenant_id, provider_task_id, choice_id, conversion_id, source_urls, storage_keys,
		   duration_seconds, metadata, created_at
		 FROM result_units WHERE job_id = ? AND tenant_id = ? ORDER BY created_at ASC`,
		jobID.String(), tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("list result units: %w", err)
	}
	defer rows.Close()

	var units []*models.ResultUnit
	for rows.Next() {
		var u models.ResultUnit
		var sourceURLs, storageKeys, metadata string
		var created sqliteTime
		if err := rows.Scan(&u.ID, &u.JobID, &u.TenantID, &u.ProviderTaskID, &u.ChoiceID, &u.ConversionID,
			&sourceURLs, &storageKeys, &u.DurationSeconds, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan result unit: %w", err)
		}
		u.CreatedAt = created.Time
		if err := json.Unmarshal([]byte(sourceURLs), &u.SourceURLs); err != nil {
			return nil, fmt.Errorf("decode source urls: %w", err)
		}
		if err := json.Unmarshal([]byte(storageKeys), &u.StorageKeys); err != nil {
			return nil, fmt.Errorf("decode storage keys: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &u.Metadata); err != nil {
			return nil, fmt.Errorf("decode result metadata: %w", err)
		}
		units = append(units, &u)
	}
	return units, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sqliteTime scans a DATETIME column whether the driver hands back a time.Time or the stored text.
type sqliteTime struct {
	Time  time.Time
	Valid bool
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func (t *sqliteTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	}
	return fmt.Errorf("unsupported datetime value %T", v)
}

func (t *sqliteTime) parse(s string) error {
	for _, layout := range sqliteTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable datetime %q", s)
}

func (t sqliteTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// isSQLiteConstraintError matches UNIQUE and PRIMARY KEY violations by message, which is stable across sqlite drivers.
func isSQLiteConstraintError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
