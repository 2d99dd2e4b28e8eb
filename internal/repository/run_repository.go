package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
)

// ErrRunNotFound is returned when a pipeline run id does not exist
var ErrRunNotFound = errors.New("pipeline run not found")

// RunRepository handles database operations for pipeline runs
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new pipeline run repository
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Start records a running stage and returns it with its id
func (r *RunRepository) Start(ctx context.Context, dataset, stage string) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		Dataset:   dataset,
		Stage:     stage,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (dataset, stage, status, started_at)
		VALUES (?, ?, ?, ?)
	`, run.Dataset, run.Stage, run.Status, run.StartedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline run: %w", err)
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return run, nil
}

// Complete marks a run as completed with its result summary
func (r *RunRepository) Complete(ctx context.Context, id int64, summary string) error {
	return r.finish(ctx, id, models.RunStatusCompleted, summary, "")
}

// Fail marks a run as failed with the error message
func (r *RunRepository) Fail(ctx context.Context, id int64, message string) error {
	return r.finish(ctx, id, models.RunStatusFailed, "", message)
}

func (r *RunRepository) finish(ctx context.Context, id int64, status, summary, message string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = ?, result_summary = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`, status, nullIfEmpty(summary), nullIfEmpty(message), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update pipeline run: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	return nil
}

// GetByID retrieves a pipeline run by ID
func (r *RunRepository) GetByID(ctx context.Context, id int64) (*models.PipelineRun, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM pipeline_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}
	return run, nil
}

// List retrieves pipeline runs with filtering and pagination, newest first
func (r *RunRepository) List(ctx context.Context, filter models.RunFilter) ([]models.PipelineRun, int64, error) {
	var conditions []string
	var args []interface{}

	if filter.Dataset != "" {
		conditions = append(conditions, "dataset = ?")
		args = append(args, filter.Dataset)
	}
	if filter.Stage != "" {
		conditions = append(conditions, "stage = ?")
		args = append(args, filter.Stage)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pipeline_runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pipeline runs: %w", err)
	}

	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 50
	}
	query := "SELECT " + runColumns + " FROM pipeline_runs" + where + " ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query pipeline runs: %w", err)
	}
	defer rows.Close()

	runs := []models.PipelineRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, total, rows.Err()
}

const runColumns = "id, dataset, stage, status, result_summary, error_message, started_at, completed_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.PipelineRun, error) {
	var (
		run       models.PipelineRun
		summary   sql.NullString
		message   sql.NullString
		started   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Dataset, &run.Stage, &run.Status, &summary, &message, &started, &completed); err != nil {
		return nil, err
	}
	run.ResultSummary = summary.String
	run.ErrorMessage = message.String
	run.StartedAt = time.Unix(started, 0)
	if completed.Valid {
		t := time.Unix(completed.Int64, 0)
		run.CompletedAt = &t
	}
	return &run, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
