package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vinoteca/internal/alerts"
	"vinoteca/internal/ingest"
	"vinoteca/internal/models"
	"vinoteca/internal/pipeline"
	"vinoteca/internal/repository"
)

type fakeStore struct {
	jobs      map[string]*models.Job
	getJobErr error
	movement  *repository.MovementResult
	moveErr   error
	snapshot  *repository.SnapshotResult
	lowStock  []*models.Wine
	history   *models.History

	interactions []string
	recent       []repository.Interaction
	setQtyErr    error
	lastMove     string
	lastTerm     string
	lastCount    int
	lastWineID   int64
	lastQty      int
	lastLimit    int
}

// GetJob mirrors the repository contract: (nil, nil) for unknown ids.
func (f *fakeStore) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	if f.getJobErr != nil {
		return nil, f.getJobErr
	}
	return f.jobs[jobID], nil
}

func (f *fakeStore) ApplyMovement(_ context.Context, _ models.Tenant, term, movementType string, quantity int) (*repository.MovementResult, error) {
	f.lastTerm, f.lastMove, f.lastCount = term, movementType, quantity
	if f.moveErr != nil {
		return nil, f.moveErr
	}
	return f.movement, nil
}

func (f *fakeStore) Snapshot(context.Context, models.Tenant) (*repository.SnapshotResult, error) {
	return f.snapshot, nil
}

func (f *fakeStore) LowStockWines(context.Context, models.Tenant) ([]*models.Wine, error) {
	return f.lowStock, nil
}

func (f *fakeStore) GetHistory(context.Context, models.Tenant, string, string) (*models.History, error) {
	return f.history, nil
}

func (f *fakeStore) SetWineQuantity(_ context.Context, _ models.Tenant, wineID int64, quantity int) error {
	f.lastWineID, f.lastQty = wineID, quantity
	return f.setQtyErr
}

func (f *fakeStore) RecentInteractions(_ context.Context, _ models.Tenant, limit int) ([]repository.Interaction, error) {
	f.lastLimit = limit
	return f.recent, nil
}

func (f *fakeStore) LogInteraction(_ context.Context, _ models.Tenant, kind string, _ json.RawMessage) error {
	f.interactions = append(f.interactions, kind)
	return nil
}

type fakeIngestor struct {
	result  *ingest.SubmitResult
	err     error
	lastReq ingest.SubmitRequest
}

func (f *fakeIngestor) Submit(_ context.Context, req ingest.SubmitRequest) (*ingest.SubmitResult, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestServer(store *fakeStore, ing *fakeIngestor) *Server {
	tokens := NewViewerTokens("test-secret", 15*time.Minute)
	return NewServer(store, ing, tokens, nil, "0", 10<<20, zap.NewNop())
}

func multipartUpload(t *testing.T, fields map[string]string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestUploadAccepted(t *testing.T) {
	ing := &fakeIngestor{result: &ingest.SubmitResult{JobID: "job-1", Status: "processing"}}
	srv := newTestServer(&fakeStore{}, ing)

	body, contentType := multipartUpload(t, map[string]string{
		"user_id":       "u1",
		"business_name": "Enoteca Rossi",
		"mode":          "replace",
		"client_msg_id": "msg-42",
	}, "carta.csv", []byte("Nome,Produttore\nBarolo,Conterno\n"))

	req := httptest.NewRequest("POST", "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	got := decodeBody(t, rec)
	assert.Equal(t, "job-1", got["job_id"])

	assert.Equal(t, "u1", ing.lastReq.Tenant.UserID)
	assert.Equal(t, "csv", ing.lastReq.FileType)
	assert.Equal(t, "replace", ing.lastReq.Mode)
	require.NotNil(t, ing.lastReq.ClientMsgID)
	assert.Equal(t, "msg-42", *ing.lastReq.ClientMsgID)
	assert.NotEmpty(t, ing.lastReq.CorrelationID, "correlation id is minted when absent")
}

func TestUploadCachedJobReturns200(t *testing.T) {
	ing := &fakeIngestor{result: &ingest.SubmitResult{JobID: "job-1", Status: "completed", FromCache: true}}
	srv := newTestServer(&fakeStore{}, ing)

	body, contentType := multipartUpload(t, map[string]string{"user_id": "u1"}, "carta.csv", []byte("x"))
	req := httptest.NewRequest("POST", "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadValidationErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unsupported format", pipeline.ErrUnsupportedFormat, http.StatusBadRequest, "unsupported_format"},
		{"empty input", pipeline.ErrEmptyInput, http.StatusBadRequest, "empty_input"},
		{"oversize input", pipeline.ErrOversizeInput, http.StatusBadRequest, "oversize_input"},
		{"queue full", ingest.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakeStore{}, &fakeIngestor{err: tc.err})
			body, contentType := multipartUpload(t, map[string]string{"user_id": "u1"}, "carta.csv", []byte("x"))
			req := httptest.NewRequest("POST", "/api/v1/upload", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeBody(t, rec)["error"])
		})
	}
}

func TestUploadOversizeBodyMapsToTaxonomy(t *testing.T) {
	// A body that blows through the transport cap must surface as
	// oversize_input, not as a generic multipart error.
	tokens := NewViewerTokens("test-secret", 15*time.Minute)
	srv := NewServer(&fakeStore{}, &fakeIngestor{}, tokens, nil, "0", 1024, zap.NewNop())

	big := bytes.Repeat([]byte("a"), 2<<20)
	body, contentType := multipartUpload(t, map[string]string{"user_id": "u1"}, "carta.csv", big)
	req := httptest.NewRequest("POST", "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "oversize_input", decodeBody(t, rec)["error"])
}

func TestUploadRequiresUserID(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeIngestor{})
	body, contentType := multipartUpload(t, nil, "carta.csv", []byte("x"))
	req := httptest.NewRequest("POST", "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobStatusCompleted(t *testing.T) {
	completed := time.Now()
	store := &fakeStore{jobs: map[string]*models.Job{
		"job-1": {
			ID:             "job-1",
			Status:         models.JobCompleted,
			FileName:       "carta.csv",
			FileType:       "csv",
			TotalWines:     10,
			ProcessedWines: 10,
			SavedWines:     9,
			ErrorCount:     1,
			StageUsed:      models.StageClassic,
			ResultData:     json.RawMessage(`{"saved_wines":9}`),
			CompletedAt:    &completed,
		},
	}}
	srv := newTestServer(store, &fakeIngestor{})

	req := httptest.NewRequest("GET", "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, 100.0, got["progress_percent"])
	result, ok := got["result"].(map[string]any)
	require.True(t, ok, "completed jobs expose parsed result_data")
	assert.Equal(t, 9.0, result["saved_wines"])
}

func TestJobStatusError(t *testing.T) {
	store := &fakeStore{jobs: map[string]*models.Job{
		"job-2": {ID: "job-2", Status: models.JobError, ErrorMessage: "parse_failed"},
	}}
	srv := newTestServer(store, &fakeIngestor{})

	req := httptest.NewRequest("GET", "/api/v1/jobs/job-2", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "parse_failed", decodeBody(t, rec)["error_message"])
}

func TestJobStatusUnknownIDIs404(t *testing.T) {
	// The store answers (nil, nil) for unknown ids; the handler must not
	// dereference the missing job.
	srv := newTestServer(&fakeStore{jobs: map[string]*models.Job{}}, &fakeIngestor{})
	req := httptest.NewRequest("GET", "/api/v1/jobs/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "job_not_found", decodeBody(t, rec)["error"])
}

func TestJobStatusStoreErrorIs500(t *testing.T) {
	srv := newTestServer(&fakeStore{getJobErr: errors.New("connection refused")}, &fakeIngestor{})
	req := httptest.NewRequest("GET", "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeBody(t, rec)["error"])
}

func TestMovementApplied(t *testing.T) {
	store := &fakeStore{movement: &repository.MovementResult{
		Status:         "ok",
		WineName:       "Barolo",
		WineProducer:   "Conterno",
		MovementType:   models.MovementConsumo,
		QuantityBefore: 6,
		QuantityAfter:  4,
	}}
	srv := newTestServer(store, &fakeIngestor{})

	payload := `{"user_id":"u1","wine":"barolo","movement_type":"consumo","quantity":2}`
	req := httptest.NewRequest("POST", "/api/v1/movements", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody(t, rec)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "Barolo", got["wine_name"])
	assert.Equal(t, 4.0, got["quantity_after"])
	assert.Equal(t, "barolo", store.lastTerm)
	assert.Equal(t, 2, store.lastCount)
	assert.Equal(t, []string{"movement"}, store.interactions)
}

func TestMovementDomainErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"wine not found", repository.ErrWineNotFound, http.StatusNotFound, "wine_not_found"},
		{"insufficient stock", repository.ErrInsufficientQuantity, http.StatusConflict, "insufficient_quantity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakeStore{moveErr: tc.err}, &fakeIngestor{})
			payload := `{"user_id":"u1","wine":"barolo","movement_type":"consumo","quantity":2}`
			req := httptest.NewRequest("POST", "/api/v1/movements", strings.NewReader(payload))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeBody(t, rec)["error"])
		})
	}
}

func TestMovementValidation(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeIngestor{})
	cases := []string{
		`{"wine":"barolo","movement_type":"consumo","quantity":2}`,
		`{"user_id":"u1","movement_type":"consumo","quantity":2}`,
		`{"user_id":"u1","wine":"barolo","movement_type":"degustazione","quantity":2}`,
		`{"user_id":"u1","wine":"barolo","movement_type":"consumo","quantity":0}`,
		`{"user_id":"u1","wine":"barolo","movement_type":"consumo","quantity":-3}`,
	}
	for _, payload := range cases {
		req := httptest.NewRequest("POST", "/api/v1/movements", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, payload)
	}
}

func TestSetQuantity(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store, &fakeIngestor{})

	payload := `{"user_id":"u1","wine_id":7,"quantity":12}`
	req := httptest.NewRequest("POST", "/api/v1/wines/quantity", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody(t, rec)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, int64(7), store.lastWineID)
	assert.Equal(t, 12, store.lastQty)
	assert.Equal(t, []string{"set_quantity"}, store.interactions)
}

func TestSetQuantityErrors(t *testing.T) {
	srv := newTestServer(&fakeStore{setQtyErr: repository.ErrWineNotFound}, &fakeIngestor{})
	payload := `{"user_id":"u1","wine_id":7,"quantity":12}`
	req := httptest.NewRequest("POST", "/api/v1/wines/quantity", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "wine_not_found", decodeBody(t, rec)["error"])

	srv = newTestServer(&fakeStore{}, &fakeIngestor{})
	for _, payload := range []string{
		`{"wine_id":7,"quantity":12}`,
		`{"user_id":"u1","quantity":12}`,
		`{"user_id":"u1","wine_id":7,"quantity":-1}`,
	} {
		req := httptest.NewRequest("POST", "/api/v1/wines/quantity", strings.NewReader(payload))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, payload)
	}
}

func TestInteractionsEndpoint(t *testing.T) {
	store := &fakeStore{recent: []repository.Interaction{
		{ID: 2, Kind: "movement", CreatedAt: "2026-08-24 10:00:00"},
		{ID: 1, Kind: "upload", CreatedAt: "2026-08-24 09:00:00"},
	}}
	srv := newTestServer(store, &fakeIngestor{})

	req := httptest.NewRequest("GET", "/api/v1/interactions?user_id=u1&limit=10", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, 2.0, got["total"])
	assert.Equal(t, 10, store.lastLimit)

	// user_id is mandatory, like every tenant-scoped read.
	req = httptest.NewRequest("GET", "/api/v1/interactions", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestViewerTokenRoundTrip(t *testing.T) {
	store := &fakeStore{snapshot: &repository.SnapshotResult{Total: 2}}
	srv := newTestServer(store, &fakeIngestor{})

	// Issue.
	payload := `{"user_id":"u1","business_name":"Enoteca Rossi"}`
	req := httptest.NewRequest("POST", "/api/v1/viewer-token", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decodeBody(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	// Redeem via query parameter.
	req = httptest.NewRequest("GET", "/api/v1/snapshot?token="+token, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2.0, decodeBody(t, rec)["total"])

	// Redeem via Authorization header.
	req = httptest.NewRequest("GET", "/api/v1/snapshot", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSnapshotRejectsBadToken(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeIngestor{})

	req := httptest.NewRequest("GET", "/api/v1/snapshot", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/api/v1/snapshot?token=garbage", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestViewerTokenExpiry(t *testing.T) {
	tokens := NewViewerTokens("test-secret", 1*time.Nanosecond)
	token, _, err := tokens.Issue(models.Tenant{UserID: "u1"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = tokens.Verify(token)
	assert.Error(t, err, "expired tokens must be rejected")
}

func TestViewerTokenWrongSecret(t *testing.T) {
	issued, _, err := NewViewerTokens("secret-a", time.Minute).Issue(models.Tenant{UserID: "u1"})
	require.NoError(t, err)
	_, err = NewViewerTokens("secret-b", time.Minute).Verify(issued)
	assert.Error(t, err)
}

func TestLowStock(t *testing.T) {
	store := &fakeStore{lowStock: []*models.Wine{
		{Name: "Barolo", Quantity: 1, MinQuantity: 3},
	}}
	srv := newTestServer(store, &fakeIngestor{})

	req := httptest.NewRequest("GET", "/api/v1/low-stock?user_id=u1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decodeBody(t, rec)["total"])
}

func TestHistoryEndpoint(t *testing.T) {
	store := &fakeStore{history: &models.History{
		WineName:     "Barolo",
		CurrentStock: 4,
		TotalConsumi: 2,
	}}
	srv := newTestServer(store, &fakeIngestor{})

	req := httptest.NewRequest("GET", "/api/v1/history?user_id=u1&wine_name=Barolo", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.0, decodeBody(t, rec)["current_stock"])

	// No movements yet: 404.
	srv = newTestServer(&fakeStore{}, &fakeIngestor{})
	req = httptest.NewRequest("GET", "/api/v1/history?user_id=u1&wine_name=Barolo", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusExposesAlertWindow(t *testing.T) {
	monitor := alerts.NewMonitor(5, 0.5, 10, nil, zap.NewNop())
	monitor.RecordError()
	tokens := NewViewerTokens("test-secret", 15*time.Minute)
	srv := NewServer(&fakeStore{}, &fakeIngestor{}, tokens, monitor, "0", 10<<20, zap.NewNop())

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	window, ok := got["alert_window"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, window["error_count"])
}

func TestHealthAndCORS(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeIngestor{})

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	req = httptest.NewRequest("OPTIONS", "/api/v1/upload", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorrelationHeaderEchoed(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeIngestor{})

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Correlation-ID", "cid-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "cid-123", rec.Header().Get("X-Correlation-ID"))
}
