package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/training"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint failure.
const uniqueViolation = "23505"

const jobColumns = `id, owner_id, name, description, status, progress, current_step, total_steps,
	external_job_id, training_config, dataset_config, model_config, sample_config,
	error, loss, learning_rate, eta_seconds, sample_urls, checkpoint_urls, final_model_url,
	created_at, updated_at, started_at, completed_at`

const assetColumns = `id, job_id, position, filename, caption, url, content_type,
	width, height, size_bytes, created_at`

var assetCopyColumns = []string{
	"id", "job_id", "position", "filename", "caption", "url", "content_type",
	"width", "height", "size_bytes", "created_at",
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements training.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an open pool. Run Migrate first.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts the job row and copies its assets in one transaction.
func (s *Store) Create(ctx context.Context, job *training.Job) error {
	trainingConfig, datasetConfig, modelConfig, sampleConfig, err := encodeConfigs(job)
	if err != nil {
		return apperrors.Internal("postgres.create", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperrors.Internal("postgres.create", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO training_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		job.ID, job.OwnerID, job.Name, job.Description, string(job.Status), job.Progress, job.CurrentStep, job.TotalSteps,
		nullString(job.ExternalJobID), trainingConfig, datasetConfig, modelConfig, sampleConfig,
		nullString(job.Error), job.Loss, job.LearningRate, job.ETASeconds,
		nonNil(job.SampleURLs), nonNil(job.CheckpointURLs), nullString(job.FinalModelURL),
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return classify("postgres.create", job.ID, err)
	}

	if len(job.Assets) > 0 {
		rows := make([][]any, len(job.Assets))
		for i, a := range job.Assets {
			rows[i] = []any{
				a.ID, job.ID, a.Position, a.Filename, a.Caption, a.URL, a.ContentType,
				a.Width, a.Height, a.SizeBytes, a.CreatedAt,
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"training_assets"}, assetCopyColumns, pgx.CopyFromRows(rows)); err != nil {
			return classify("postgres.createAssets", job.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.Internal("postgres.create", err)
	}
	return nil
}

// Get returns the job with its assets.
func (s *Store) Get(ctx context.Context, id string) (*training.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM training_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound(training.Resource, id)
	}
	if err != nil {
		return nil, apperrors.Internal("postgres.get", err)
	}

	job.Assets, err = listAssets(ctx, s.pool, id)
	if err != nil {
		return nil, apperrors.Internal("postgres.getAssets", err)
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, newest first, without assets.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*training.Job, error) {
	jobs, err := queryJobs(ctx, s.pool,
		`SELECT `+jobColumns+` FROM training_jobs WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, apperrors.Internal("postgres.listByOwner", err)
	}
	return jobs, nil
}

// Update locks the job row, applies fn and writes the mutable columns back.
// Configuration blobs and assets are immutable and never rewritten.
func (s *Store) Update(ctx context.Context, id string, fn func(*training.Job) error) (*training.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperrors.Internal("postgres.update", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM training_jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound(training.Resource, id)
	}
	if err != nil {
		return nil, apperrors.Internal("postgres.update", err)
	}

	if err := fn(job); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `UPDATE training_jobs SET
			status = $2, progress = $3, current_step = $4, total_steps = $5, external_job_id = $6,
			error = $7, loss = $8, learning_rate = $9, eta_seconds = $10,
			sample_urls = $11, checkpoint_urls = $12, final_model_url = $13,
			updated_at = $14, started_at = $15, completed_at = $16
		WHERE id = $1`,
		id, string(job.Status), job.Progress, job.CurrentStep, job.TotalSteps, nullString(job.ExternalJobID),
		nullString(job.Error), job.Loss, job.LearningRate, job.ETASeconds,
		nonNil(job.SampleURLs), nonNil(job.CheckpointURLs), nullString(job.FinalModelURL),
		job.UpdatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return nil, classify("postgres.update", id, err)
	}

	job.Assets, err = listAssets(ctx, tx, id)
	if err != nil {
		return nil, apperrors.Internal("postgres.update", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.Internal("postgres.update", err)
	}
	return job, nil
}

// Delete removes the job if it belongs to ownerID. Assets go with it.
func (s *Store) Delete(ctx context.Context, id, ownerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM training_jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return apperrors.Internal("postgres.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(training.Resource, id)
	}
	return nil
}

// ListStale returns jobs in the filter's statuses last updated before the cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, filter training.StaleFilter) ([]*training.Job, error) {
	statuses := make([]string, len(filter.Statuses))
	for i, st := range filter.Statuses {
		statuses[i] = string(st)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	jobs, err := queryJobs(ctx, s.pool,
		`SELECT `+jobColumns+` FROM training_jobs
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		statuses, filter.UpdatedBefore, limit)
	if err != nil {
		return nil, apperrors.Internal("postgres.listStale", err)
	}
	return jobs, nil
}

// Ping verifies the database is reachable. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func queryJobs(ctx context.Context, q querier, sql string, args ...any) ([]*training.Job, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*training.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*training.Job, error) {
	var (
		job                                                    training.Job
		status                                                 string
		externalJobID, jobErr, finalModelURL                   *string
		trainingConfig, datasetConfig, modelConfig, sampleConf []byte
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.Name, &job.Description, &status, &job.Progress, &job.CurrentStep, &job.TotalSteps,
		&externalJobID, &trainingConfig, &datasetConfig, &modelConfig, &sampleConf,
		&jobErr, &job.Loss, &job.LearningRate, &job.ETASeconds, &job.SampleURLs, &job.CheckpointURLs, &finalModelURL,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = training.Status(status)
	job.ExternalJobID = deref(externalJobID)
	job.Error = deref(jobErr)
	job.FinalModelURL = deref(finalModelURL)
	job.SampleURLs = nonNil(job.SampleURLs)
	job.CheckpointURLs = nonNil(job.CheckpointURLs)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = utc(job.StartedAt)
	job.CompletedAt = utc(job.CompletedAt)

	if err := decodeConfigs(&job, trainingConfig, datasetConfig, modelConfig, sampleConf); err != nil {
		return nil, err
	}
	return &job, nil
}

func listAssets(ctx context.Context, q querier, jobID string) ([]training.Asset, error) {
	rows, err := q.Query(ctx, `SELECT `+assetColumns+` FROM training_assets WHERE job_id = $1 ORDER BY position`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []training.Asset
	for rows.Next() {
		var a training.Asset
		if err := rows.Scan(
			&a.ID, &a.JobID, &a.Position, &a.Filename, &a.Caption, &a.URL, &a.ContentType,
			&a.Width, &a.Height, &a.SizeBytes, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// encodeConfigs marshals the configuration blobs for the JSONB columns.
func encodeConfigs(job *training.Job) (trainingConfig, datasetConfig, modelConfig, sampleConfig []byte, err error) {
	if trainingConfig, err = json.Marshal(job.TrainingConfig); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode training config: %w", err)
	}
	if datasetConfig, err = marshalSettings(job.DatasetConfig); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode dataset config: %w", err)
	}
	if modelConfig, err = marshalSettings(job.ModelConfig); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode model config: %w", err)
	}
	if sampleConfig, err = marshalSettings(job.SampleConfig); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode sample config: %w", err)
	}
	return trainingConfig, datasetConfig, modelConfig, sampleConfig, nil
}

func marshalSettings(s training.Settings) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

func decodeConfigs(job *training.Job, trainingConfig, datasetConfig, modelConfig, sampleConfig []byte) error {
	if err := json.Unmarshal(trainingConfig, &job.TrainingConfig); err != nil {
		return fmt.Errorf("decode training config: %w", err)
	}
	for _, c := range []struct {
		raw []byte
		dst *training.Settings
	}{
		{datasetConfig, &job.DatasetConfig},
		{modelConfig, &job.ModelConfig},
		{sampleConfig, &job.SampleConfig},
	} {
		if err := json.Unmarshal(c.raw, c.dst); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if len(*c.dst) == 0 {
			*c.dst = nil
		}
	}
	return nil
}

// classify maps unique violations to conflicts and everything else to internal errors.
func classify(op, id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperrors.Conflict(training.Resource, id, fmt.Sprintf("training job %s conflicts with an existing record (%s)", id, pgErr.ConstraintName))
	}
	return apperrors.Internal(op, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ training.Store = (*Store)(nil)
