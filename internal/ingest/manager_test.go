package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vinoteca/internal/eventbus"
	"vinoteca/internal/models"
	"vinoteca/internal/pipeline"
	"vinoteca/internal/repository"
)

type fakeStore struct {
	mu            sync.Mutex
	jobs          map[string]*models.Job
	inserted      []*models.Wine
	deleted       int
	snapshots     int
	interactions  []string
	insertErr     error
	createHook    func() error
	progressCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*models.Job{}}
}

func (s *fakeStore) EnsureTenant(context.Context, models.Tenant) error { return nil }

func (s *fakeStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createHook != nil {
		if err := s.createHook(); err != nil {
			return err
		}
	}
	cp := *job
	cp.CreatedAt = time.Now()
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) GetJobByClientMsgID(_ context.Context, userID, clientMsgID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *models.Job
	for _, j := range s.jobs {
		if j.UserID != userID || j.ClientMsgID == nil || *j.ClientMsgID != clientMsgID {
			continue
		}
		if newest == nil || j.CreatedAt.After(newest.CreatedAt) {
			newest = j
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (s *fakeStore) UpdateJobStatus(_ context.Context, jobID string, upd repository.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	if j.Terminal() {
		return repository.ErrJobTerminal
	}
	j.Status = upd.Status
	if upd.TotalWines != nil {
		j.TotalWines = *upd.TotalWines
	}
	if upd.ProcessedWines != nil {
		j.ProcessedWines = *upd.ProcessedWines
	}
	if upd.SavedWines != nil {
		j.SavedWines = *upd.SavedWines
	}
	if upd.ErrorCount != nil {
		j.ErrorCount = *upd.ErrorCount
	}
	if upd.ResultData != nil {
		j.ResultData = upd.ResultData
	}
	if upd.ErrorMessage != nil {
		j.ErrorMessage = *upd.ErrorMessage
	}
	if upd.StageUsed != nil {
		j.StageUsed = *upd.StageUsed
	}
	if upd.ProcessingMethod != nil {
		j.ProcessingMethod = *upd.ProcessingMethod
	}
	return nil
}

func (s *fakeStore) UpdateJobProgress(_ context.Context, jobID string, processed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return errors.New("job not found")
	}
	j.ProcessedWines = processed
	s.progressCalls++
	return nil
}

func (s *fakeStore) BatchInsertWines(_ context.Context, _ models.Tenant, wines []*models.Wine, _ int) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return 0, len(wines), s.insertErr
	}
	s.inserted = append(s.inserted, wines...)
	return len(wines), 0, nil
}

func (s *fakeStore) DeleteWines(context.Context, models.Tenant) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted++
	n := len(s.inserted)
	s.inserted = nil
	return int64(n), nil
}

func (s *fakeStore) EnsureInitialSnapshot(context.Context, models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots++
	return nil
}

func (s *fakeStore) LogInteraction(_ context.Context, _ models.Tenant, kind string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions = append(s.interactions, kind)
	return nil
}

func (s *fakeStore) insertedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

type fakeProc struct {
	out *pipeline.Outcome
	err error
}

func (p *fakeProc) ProcessFile(context.Context, []byte, string, string, models.Tenant, string) (*pipeline.Outcome, error) {
	return p.out, p.err
}

type countingRecorder struct {
	mu     sync.Mutex
	errors int
}

func (r *countingRecorder) RecordStage3Failure() {}
func (r *countingRecorder) RecordError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors++
}
func (r *countingRecorder) RecordLLMCost(_, _, _ string) {}

func goodOutcome(n int) *pipeline.Outcome {
	wines := make([]*models.Wine, n)
	for i := range wines {
		wines[i] = &models.Wine{Name: "Barolo", Quantity: 1, SourceStage: models.StageClassic}
	}
	return &pipeline.Outcome{
		Wines:     wines,
		Metrics:   pipeline.Metrics{"duplicates_removed": 1},
		Decision:  "save",
		StageUsed: models.StageClassic,
	}
}

func testRequest() SubmitRequest {
	return SubmitRequest{
		Tenant:        models.Tenant{UserID: "u-1", BusinessName: "Enoteca Test"},
		FileName:      "carta.csv",
		FileType:      "csv",
		Data:          []byte("Nome\nBarolo\n"),
		CorrelationID: "cid",
	}
}

func waitTerminal(t *testing.T, store *fakeStore, jobID string) *models.Job {
	t.Helper()
	require.Eventually(t, func() bool {
		j, _ := store.GetJob(context.Background(), jobID)
		return j != nil && j.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	j, _ := store.GetJob(context.Background(), jobID)
	return j
}

func TestSubmitRejectsBadInput(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, &fakeProc{out: goodOutcome(1)}, nil, nil, 100, 500, 4, zap.NewNop())

	req := testRequest()
	req.FileType = "docx"
	_, err := m.Submit(context.Background(), req)
	assert.ErrorIs(t, err, pipeline.ErrUnsupportedFormat)

	req = testRequest()
	req.Data = nil
	_, err = m.Submit(context.Background(), req)
	assert.ErrorIs(t, err, pipeline.ErrEmptyInput)

	req = testRequest()
	req.Data = make([]byte, 101)
	_, err = m.Submit(context.Background(), req)
	assert.ErrorIs(t, err, pipeline.ErrOversizeInput)
}

func TestJobCompletesAndPersists(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, &fakeProc{out: goodOutcome(3)}, nil, nil, 1<<20, 500, 4, zap.NewNop())
	m.Start(1)
	defer m.Stop()

	res, err := m.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "processing", res.Status)
	assert.False(t, res.FromCache)

	job := waitTerminal(t, store, res.JobID)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 3, job.TotalWines)
	assert.Equal(t, 3, job.SavedWines)
	assert.Equal(t, models.StageClassic, job.StageUsed)
	assert.Equal(t, 3, store.insertedCount())
	assert.Equal(t, 1, store.snapshots)
	assert.Contains(t, store.interactions, "upload")
	assert.Equal(t, 1, store.progressCalls, "worker must report progress before persisting")
	assert.Equal(t, 3, job.ProcessedWines)

	var result UploadResult
	require.NoError(t, json.Unmarshal(job.ResultData, &result))
	assert.Equal(t, 3, result.SavedWines)
	assert.Equal(t, 1, result.DuplicatesRemoved)
}

func TestSubmitIdempotency(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, &fakeProc{out: goodOutcome(1)}, nil, nil, 1<<20, 500, 4, zap.NewNop())
	m.Start(1)
	defer m.Stop()

	msgID := "msg-42"
	req := testRequest()
	req.ClientMsgID = &msgID

	first, err := m.Submit(context.Background(), req)
	require.NoError(t, err)
	waitTerminal(t, store, first.JobID)

	// Same client message again: the completed job answers from cache.
	second, err := m.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, "completed", second.Status)
	assert.Equal(t, 1, store.insertedCount(), "a cached answer must not persist again")
}

// Two racing submissions with the same client message id: the loser hits
// the unique index on insert and must answer with the winner's job instead
// of surfacing an internal error.
func TestSubmitDuplicateRaceAnswersFromCache(t *testing.T) {
	store := newFakeStore()
	msgID := "msg-99"
	winner := &models.Job{
		ID:          "winner",
		UserID:      "u-1",
		Status:      models.JobProcessing,
		ClientMsgID: &msgID,
		CreatedAt:   time.Now(),
	}
	// The winner lands between the probe and the insert.
	store.createHook = func() error {
		store.jobs[winner.ID] = winner
		return repository.ErrDuplicateClientMsg
	}
	m := NewManager(store, &fakeProc{out: goodOutcome(1)}, nil, nil, 1<<20, 500, 4, zap.NewNop())

	req := testRequest()
	req.ClientMsgID = &msgID
	res, err := m.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "winner", res.JobID)
	assert.Equal(t, "processing", res.Status)
}

func TestSubmitRetryAfterError(t *testing.T) {
	store := newFakeStore()
	proc := &fakeProc{err: pipeline.ErrStage3Failed}
	m := NewManager(store, proc, nil, nil, 1<<20, 500, 4, zap.NewNop())
	m.Start(1)
	defer m.Stop()

	msgID := "msg-7"
	req := testRequest()
	req.ClientMsgID = &msgID

	first, err := m.Submit(context.Background(), req)
	require.NoError(t, err)
	job := waitTerminal(t, store, first.JobID)
	assert.Equal(t, models.JobError, job.Status)

	// An error job does not block a retry with the same client message id.
	second, err := m.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, second.FromCache)
	assert.NotEqual(t, first.JobID, second.JobID)
}

func TestDryRunDoesNotPersist(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, &fakeProc{out: goodOutcome(2)}, nil, nil, 1<<20, 500, 4, zap.NewNop())
	m.Start(1)
	defer m.Stop()

	req := testRequest()
	req.DryRun = true
	res, err := m.Submit(context.Background(), req)
	require.NoError(t, err)

	job := waitTerminal(t, store, res.JobID)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, "dry_run", job.ProcessingMethod)
	assert.Equal(t, 2, job.TotalWines)
	assert.Equal(t, 0, job.SavedWines)
	assert.Equal(t, 0, store.insertedCount())
	assert.Equal(t, 0, store.snapshots)
}

func TestReplaceModeDeletesFirst(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, &fakeProc{out: goodOutcome(1)}, nil, nil, 1<<20, 500, 4, zap.NewNop())
	m.Start(1)
	defer m.Stop()

	req := testRequest()
	req.Mode = ModeReplace
	res, err := m.Submit(context.Background(), req)
	require.NoError(t, err)

	waitTerminal(t, store, res.JobID)
	assert.Equal(t, 1, store.deleted)
	assert.Equal(t, 1, store.insertedCount())
}

func TestPipelineFailureMarksJobError(t *testing.T) {
	store := newFakeStore()
	recorder := &countingRecorder{}
	bus := eventbus.New()
	defer bus.Close()
	errCh := make(chan eventbus.Event, 1)
	bus.Subscribe(eventbus.EventError, errCh)

	m := NewManager(store, &fakeProc{err: pipeline.ErrParseFailed}, bus, recorder, 1<<20, 500, 4, zap.NewNop())
	m.Start(1)
	defer m.Stop()

	res, err := m.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	job := waitTerminal(t, store, res.JobID)
	assert.Equal(t, models.JobError, job.Status)
	assert.Contains(t, job.ErrorMessage, "parse")

	select {
	case evt := <-errCh:
		assert.Equal(t, "u-1", evt.UserID)
	case <-time.After(time.Second):
		t.Fatal("no error event published")
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, 1, recorder.errors)
}

func TestQueueFull(t *testing.T) {
	store := newFakeStore()
	// One slot, no workers: the second submission cannot be accepted.
	m := NewManager(store, &fakeProc{out: goodOutcome(1)}, nil, nil, 1<<20, 500, 1, zap.NewNop())

	_, err := m.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	res, err := m.Submit(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Nil(t, res)
}
