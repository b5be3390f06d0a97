package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"vinoteca/internal/models"
)

// ErrJobTerminal is returned when an update targets a job already in a
// final state. Completed and error jobs never transition again.
var ErrJobTerminal = errors.New("job already in a terminal state")

// ErrDuplicateClientMsg is returned when an insert races a live job for the
// same (user_id, client_msg_id) pair on the partial unique index.
var ErrDuplicateClientMsg = errors.New("duplicate client message id")

const jobColumns = `job_id, user_id, business_name, status, file_type, file_name, file_size,
	total_wines, processed_wines, saved_wines, error_count, result_data, error_message,
	client_msg_id, processing_method, stage_used, created_at, started_at, completed_at`

// CreateJob inserts a pending job record. The caller mints the job id.
func (r *Repository) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO processing_jobs (job_id, user_id, business_name, status,
			file_type, file_name, file_size, client_msg_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, job.ID, job.UserID, job.BusinessName, models.JobPending,
		job.FileType, job.FileName, job.FileSize, job.ClientMsgID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateClientMsg
	}
	return err
}

// GetJob fetches one job by id. Returns nil when it does not exist.
func (r *Repository) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// GetJobByClientMsgID is the idempotency probe: the newest job for the
// tenant's client message id, or nil when none exists.
func (r *Repository) GetJobByClientMsgID(ctx context.Context, userID, clientMsgID string) (*models.Job, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM processing_jobs
		WHERE user_id = $1 AND client_msg_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, clientMsgID)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// JobUpdate carries the fields of one status transition. Nil pointers leave
// the stored value untouched.
type JobUpdate struct {
	Status           string
	TotalWines       *int
	ProcessedWines   *int
	SavedWines       *int
	ErrorCount       *int
	ResultData       json.RawMessage
	ErrorMessage     *string
	ProcessingMethod *string
	StageUsed        *string
}

// UpdateJobStatus transitions job state atomically. started_at is stamped on
// the first move to processing, completed_at on entry to a terminal state.
// Updating a job that already reached completed or error fails with
// ErrJobTerminal.
func (r *Repository) UpdateJobStatus(ctx context.Context, jobID string, upd JobUpdate) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE processing_jobs SET
			status            = $2,
			total_wines       = COALESCE($3, total_wines),
			processed_wines   = COALESCE($4, processed_wines),
			saved_wines       = COALESCE($5, saved_wines),
			error_count       = COALESCE($6, error_count),
			result_data       = COALESCE($7, result_data),
			error_message     = COALESCE($8, error_message),
			processing_method = COALESCE($9, processing_method),
			stage_used        = COALESCE($10, stage_used),
			started_at        = CASE WHEN $2 = 'processing' THEN COALESCE(started_at, NOW()) ELSE started_at END,
			completed_at      = CASE WHEN $2 IN ('completed', 'error') THEN COALESCE(completed_at, NOW()) ELSE completed_at END
		WHERE job_id = $1 AND status NOT IN ('completed', 'error')
	`, jobID, upd.Status, upd.TotalWines, upd.ProcessedWines, upd.SavedWines, upd.ErrorCount,
		sanitizeJSONB(upd.ResultData), upd.ErrorMessage, upd.ProcessingMethod, upd.StageUsed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("job %s not found", jobID)
		}
		return ErrJobTerminal
	}
	return nil
}

// UpdateJobProgress bumps the progress counters without touching status.
func (r *Repository) UpdateJobProgress(ctx context.Context, jobID string, processed int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE processing_jobs SET processed_wines = $2
		WHERE job_id = $1 AND status = 'processing'
	`, jobID, processed)
	return err
}

// sanitizeJSONB guards the JSONB column against null bytes and invalid
// payloads; nil keeps the stored value via COALESCE.
func sanitizeJSONB(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return nil
	}
	return []byte(raw)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	j := &models.Job{}
	var errMsg *string
	err := row.Scan(&j.ID, &j.UserID, &j.BusinessName, &j.Status, &j.FileType, &j.FileName,
		&j.FileSize, &j.TotalWines, &j.ProcessedWines, &j.SavedWines, &j.ErrorCount,
		&j.ResultData, &errMsg, &j.ClientMsgID, &j.ProcessingMethod, &j.StageUsed,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	return j, nil
}
