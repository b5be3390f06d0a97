// Package ingest owns the asynchronous job lifecycle: submissions become
// pending job records, a worker pool drives them through the pipeline, and
// results land in the store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vinoteca/internal/eventbus"
	"vinoteca/internal/logging"
	"vinoteca/internal/models"
	"vinoteca/internal/pipeline"
	"vinoteca/internal/repository"
)

// Import modes.
const (
	ModeAdd     = "add"
	ModeReplace = "replace"
)

// ErrQueueFull is returned when the worker queue cannot accept another job.
var ErrQueueFull = errors.New("ingestion queue full")

// Store is the persistence surface the manager needs.
type Store interface {
	EnsureTenant(ctx context.Context, tenant models.Tenant) error
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetJobByClientMsgID(ctx context.Context, userID, clientMsgID string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, upd repository.JobUpdate) error
	UpdateJobProgress(ctx context.Context, jobID string, processed int) error
	BatchInsertWines(ctx context.Context, tenant models.Tenant, wines []*models.Wine, batchSize int) (int, int, error)
	DeleteWines(ctx context.Context, tenant models.Tenant) (int64, error)
	EnsureInitialSnapshot(ctx context.Context, tenant models.Tenant) error
	LogInteraction(ctx context.Context, tenant models.Tenant, kind string, payload json.RawMessage) error
}

// Processor runs the ingestion pipeline to a terminal outcome.
type Processor interface {
	ProcessFile(ctx context.Context, data []byte, fileName, ext string, tenant models.Tenant, correlationID string) (*pipeline.Outcome, error)
}

// SubmitRequest is one upload.
type SubmitRequest struct {
	Tenant        models.Tenant
	FileName      string
	FileType      string
	Data          []byte
	ClientMsgID   *string
	CorrelationID string
	Mode          string
	DryRun        bool
}

// SubmitResult is the synchronous answer to a submission; processing
// continues in the background unless the result came from cache.
type SubmitResult struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	FromCache bool   `json:"from_cache,omitempty"`
}

// UploadResult is the result_data payload stored on completed jobs.
type UploadResult struct {
	TotalWines        int              `json:"total_wines"`
	SavedWines        int              `json:"saved_wines"`
	ErrorCount        int              `json:"error_count"`
	DuplicatesRemoved int              `json:"duplicates_removed,omitempty"`
	StageUsed         string           `json:"stage_used"`
	Mode              string           `json:"mode"`
	DryRun            bool             `json:"dry_run,omitempty"`
	Metrics           pipeline.Metrics `json:"metrics,omitempty"`
}

type task struct {
	job *models.Job
	req SubmitRequest
}

// Manager drives jobs from submission to a terminal state.
type Manager struct {
	store       Store
	proc        Processor
	bus         *eventbus.Bus
	recorder    pipeline.Recorder
	log         *zap.Logger
	maxFileSize int64
	batchSize   int

	queue  chan task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	jobsProcessed atomic.Int64
	jobsFailed    atomic.Int64
}

// Stats is a point-in-time view of the worker pool, served by the status
// endpoint.
type Stats struct {
	QueueDepth    int   `json:"queue_depth"`
	JobsProcessed int64 `json:"jobs_processed"`
	JobsFailed    int64 `json:"jobs_failed"`
}

func (m *Manager) Stats() Stats {
	return Stats{
		QueueDepth:    len(m.queue),
		JobsProcessed: m.jobsProcessed.Load(),
		JobsFailed:    m.jobsFailed.Load(),
	}
}

// NewManager wires the job manager. bus and recorder may be nil.
func NewManager(store Store, proc Processor, bus *eventbus.Bus, recorder pipeline.Recorder, maxFileSize int64, batchSize, queueSize int, log *zap.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:       store,
		proc:        proc,
		bus:         bus,
		recorder:    recorder,
		log:         log,
		maxFileSize: maxFileSize,
		batchSize:   batchSize,
		queue:       make(chan task, queueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker pool.
func (m *Manager) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
}

// Stop drains nothing: queued jobs stay pending in the store and are not
// reprocessed automatically. In-flight jobs finish their current step.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// Submit validates the upload, answers from cache for repeated client
// message ids, creates a pending job and enqueues it.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	ext := pipeline.NormalizeExt(req.FileType)
	if !pipeline.Supported(ext) {
		return nil, pipeline.ErrUnsupportedFormat
	}
	if len(req.Data) == 0 {
		return nil, pipeline.ErrEmptyInput
	}
	if m.maxFileSize > 0 && int64(len(req.Data)) > m.maxFileSize {
		return nil, pipeline.ErrOversizeInput
	}
	if req.Mode == "" {
		req.Mode = ModeAdd
	}
	if req.Mode != ModeAdd && req.Mode != ModeReplace {
		return nil, errors.New("unknown import mode")
	}

	if err := m.store.EnsureTenant(ctx, req.Tenant); err != nil {
		return nil, err
	}

	// Idempotency probe: a live job for the same client message wins over a
	// new submission. Only error jobs allow a retry.
	if req.ClientMsgID != nil && *req.ClientMsgID != "" {
		if cached, err := m.cachedResult(ctx, req); cached != nil || err != nil {
			return cached, err
		}
	}

	job := &models.Job{
		ID:           uuid.NewString(),
		UserID:       req.Tenant.UserID,
		BusinessName: req.Tenant.BusinessName,
		Status:       models.JobPending,
		FileType:     ext,
		FileName:     req.FileName,
		FileSize:     int64(len(req.Data)),
		ClientMsgID:  req.ClientMsgID,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		// Two submissions with the same client message can both pass the
		// probe; the partial unique index picks the winner and the loser
		// answers from cache.
		if errors.Is(err, repository.ErrDuplicateClientMsg) {
			if cached, probeErr := m.cachedResult(ctx, req); cached != nil {
				return cached, nil
			} else if probeErr != nil {
				return nil, probeErr
			}
		}
		return nil, err
	}

	select {
	case m.queue <- task{job: job, req: req}:
	default:
		msg := ErrQueueFull.Error()
		_ = m.store.UpdateJobStatus(ctx, job.ID, repository.JobUpdate{
			Status:       models.JobError,
			ErrorMessage: &msg,
		})
		return nil, ErrQueueFull
	}
	return &SubmitResult{JobID: job.ID, Status: "processing"}, nil
}

// cachedResult answers from the newest non-error job for the request's
// client message id, or nil when a fresh job is allowed.
func (m *Manager) cachedResult(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	existing, err := m.store.GetJobByClientMsgID(ctx, req.Tenant.UserID, *req.ClientMsgID)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.Status == models.JobError {
		return nil, nil
	}
	status := "processing"
	if existing.Status == models.JobCompleted {
		status = "completed"
	}
	return &SubmitResult{JobID: existing.ID, Status: status, FromCache: true}, nil
}

func (m *Manager) worker(n int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case t := <-m.queue:
			m.runJob(t)
		}
	}
}

func (m *Manager) runJob(t task) {
	log := logging.WithRequest(m.log, t.req.CorrelationID, t.req.Tenant.UserID).With(
		zap.String("job_id", t.job.ID),
		zap.String("file_name", t.req.FileName),
	)
	ctx := m.ctx

	if err := m.store.UpdateJobStatus(ctx, t.job.ID, repository.JobUpdate{Status: models.JobProcessing}); err != nil {
		log.Error("job transition to processing failed", zap.Error(err))
		return
	}

	out, err := m.proc.ProcessFile(ctx, t.req.Data, t.req.FileName, t.job.FileType, t.req.Tenant, t.req.CorrelationID)
	if err != nil {
		m.failJob(ctx, t, out, err, log)
		return
	}
	m.completeJob(ctx, t, out, log)
}

func (m *Manager) failJob(ctx context.Context, t task, out *pipeline.Outcome, cause error, log *zap.Logger) {
	m.jobsFailed.Add(1)
	if m.recorder != nil {
		m.recorder.RecordError()
	}
	msg := cause.Error()
	upd := repository.JobUpdate{Status: models.JobError, ErrorMessage: &msg}
	if out != nil && out.StageUsed != "" {
		upd.StageUsed = &out.StageUsed
	}
	if err := m.store.UpdateJobStatus(ctx, t.job.ID, upd); err != nil {
		log.Error("job transition to error failed", zap.Error(err))
	}
	log.Warn("job failed", zap.Error(cause))

	m.publish(eventbus.Event{
		Type:          eventbus.EventError,
		UserID:        t.req.Tenant.UserID,
		BusinessName:  t.req.Tenant.BusinessName,
		CorrelationID: t.req.CorrelationID,
		Data: map[string]any{
			"job_id":        t.job.ID,
			"file_name":     t.req.FileName,
			"error_message": msg,
		},
	})
}

func (m *Manager) completeJob(ctx context.Context, t task, out *pipeline.Outcome, log *zap.Logger) {
	total := len(out.Wines)
	saved, errored := 0, 0

	// The pipeline has produced all rows at this point; surface that to
	// status polls before the persistence phase starts.
	if err := m.store.UpdateJobProgress(ctx, t.job.ID, total); err != nil {
		log.Warn("progress update failed", zap.Error(err))
	}

	if !t.req.DryRun {
		if t.req.Mode == ModeReplace {
			if _, err := m.store.DeleteWines(ctx, t.req.Tenant); err != nil {
				m.failJob(ctx, t, out, err, log)
				return
			}
		}
		var err error
		saved, errored, err = m.store.BatchInsertWines(ctx, t.req.Tenant, out.Wines, m.batchSize)
		if err != nil {
			m.failJob(ctx, t, out, err, log)
			return
		}
		if err := m.store.EnsureInitialSnapshot(ctx, t.req.Tenant); err != nil {
			log.Warn("initial snapshot failed", zap.Error(err))
		}
	}

	duplicates := 0
	if n, ok := out.Metrics["duplicates_removed"].(int); ok {
		duplicates = n
	}
	result := UploadResult{
		TotalWines:        total,
		SavedWines:        saved,
		ErrorCount:        errored,
		DuplicatesRemoved: duplicates,
		StageUsed:         out.StageUsed,
		Mode:              t.req.Mode,
		DryRun:            t.req.DryRun,
		Metrics:           out.Metrics,
	}
	resultData, err := json.Marshal(result)
	if err != nil {
		m.failJob(ctx, t, out, err, log)
		return
	}

	method := "pipeline"
	if t.req.DryRun {
		method = "dry_run"
	}
	if err := m.store.UpdateJobStatus(ctx, t.job.ID, repository.JobUpdate{
		Status:           models.JobCompleted,
		TotalWines:       &total,
		ProcessedWines:   &total,
		SavedWines:       &saved,
		ErrorCount:       &errored,
		ResultData:       resultData,
		ProcessingMethod: &method,
		StageUsed:        &out.StageUsed,
	}); err != nil {
		log.Error("job transition to completed failed", zap.Error(err))
		return
	}
	m.jobsProcessed.Add(1)
	log.Info("job completed",
		zap.String("stage", out.StageUsed),
		zap.Int("total_wines", total),
		zap.Int("saved_wines", saved),
		zap.Int("error_count", errored),
	)

	if payload, err := json.Marshal(result); err == nil {
		if err := m.store.LogInteraction(ctx, t.req.Tenant, "upload", payload); err != nil {
			log.Warn("interaction log failed", zap.Error(err))
		}
	}

	if t.req.DryRun {
		return
	}
	m.publish(eventbus.Event{
		Type:          eventbus.EventInventoryUploaded,
		UserID:        t.req.Tenant.UserID,
		BusinessName:  t.req.Tenant.BusinessName,
		CorrelationID: t.req.CorrelationID,
		Data: map[string]any{
			"job_id":      t.job.ID,
			"file_name":   t.req.FileName,
			"saved_wines": saved,
			"stage_used":  out.StageUsed,
		},
	})
	if duplicates > 0 {
		m.publish(eventbus.Event{
			Type:          eventbus.EventDuplicatesRemoved,
			UserID:        t.req.Tenant.UserID,
			BusinessName:  t.req.Tenant.BusinessName,
			CorrelationID: t.req.CorrelationID,
			Data:          map[string]any{"duplicates_removed": duplicates},
		})
	}
}

func (m *Manager) publish(evt eventbus.Event) {
	if m.bus != nil {
		m.bus.Publish(evt)
	}
}
