package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"vinoteca/internal/ingest"
	"vinoteca/internal/models"
	"vinoteca/internal/pipeline"
	"vinoteca/internal/repository"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"service":        "vinoteca",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if withStats, ok := s.ingestor.(interface{ Stats() ingest.Stats }); ok {
		resp["ingest"] = withStats.Stats()
	}
	if s.monitor != nil {
		resp["alert_window"] = s.monitor.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpload accepts a multipart upload and answers with a job id; the
// pipeline runs in the background. Repeated client_msg_id values return the
// existing job instead of starting a new one.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxBodySize > 0 {
		// The cap leaves headroom for multipart framing; the exact file limit
		// is enforced on the decoded payload in Submit.
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize+(1<<20))
	}
	if err := r.ParseMultipartForm(4 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "oversize_input", "il file supera la dimensione massima")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "multipart form expected")
		return
	}

	tenant, ok := tenantFromForm(w, r)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable file")
		return
	}

	fileType := r.FormValue("file_type")
	if fileType == "" {
		fileType = strings.TrimPrefix(filepath.Ext(header.Filename), ".")
	}

	req := ingest.SubmitRequest{
		Tenant:        tenant,
		FileName:      header.Filename,
		FileType:      fileType,
		Data:          data,
		CorrelationID: correlationFromContext(r.Context()),
		Mode:          r.FormValue("mode"),
		DryRun:        r.FormValue("dry_run") == "true",
	}
	if v := r.FormValue("client_msg_id"); v != "" {
		req.ClientMsgID = &v
	}

	res, err := s.ingestor.Submit(r.Context(), req)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.FromCache {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, "unsupported_format", "formato file non supportato (csv, xlsx, pdf, png, jpg)")
	case errors.Is(err, pipeline.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, "empty_input", "il file è vuoto")
	case errors.Is(err, pipeline.ErrOversizeInput):
		writeError(w, http.StatusBadRequest, "oversize_input", "il file supera la dimensione massima")
	case errors.Is(err, ingest.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "queue_full", "troppe elaborazioni in corso, riprova tra poco")
	default:
		s.log.Error("upload submission failed",
			zap.String("correlation_id", correlationFromContext(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.log.Error("job lookup failed",
			zap.String("job_id", jobID),
			zap.String("correlation_id", correlationFromContext(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job_not_found", "job sconosciuto")
		return
	}

	resp := map[string]any{
		"job_id":           job.ID,
		"status":           job.Status,
		"file_name":        job.FileName,
		"file_type":        job.FileType,
		"total_wines":      job.TotalWines,
		"processed_wines":  job.ProcessedWines,
		"saved_wines":      job.SavedWines,
		"error_count":      job.ErrorCount,
		"progress_percent": job.ProgressPercent(),
		"created_at":       job.CreatedAt,
	}
	if job.StartedAt != nil {
		resp["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt
	}
	if job.StageUsed != "" {
		resp["stage_used"] = job.StageUsed
	}
	if job.Status == models.JobCompleted && len(job.ResultData) > 0 {
		var result map[string]any
		if json.Unmarshal(job.ResultData, &result) == nil {
			resp["result"] = result
		}
	}
	if job.Status == models.JobError {
		resp["error_message"] = job.ErrorMessage
	}
	writeJSON(w, http.StatusOK, resp)
}

type movementRequest struct {
	UserID       string `json:"user_id"`
	BusinessName string `json:"business_name"`
	Wine         string `json:"wine"`
	MovementType string `json:"movement_type"`
	Quantity     int    `json:"quantity"`
}

func (s *Server) handleMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "corpo JSON non valido")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id mancante")
		return
	}
	if strings.TrimSpace(req.Wine) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "nome vino mancante")
		return
	}
	if req.MovementType != models.MovementConsumo && req.MovementType != models.MovementRifornimento {
		writeError(w, http.StatusBadRequest, "bad_request", "movement_type deve essere consumo o rifornimento")
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "quantity deve essere positiva")
		return
	}

	tenant := models.Tenant{UserID: req.UserID, BusinessName: req.BusinessName}
	res, err := s.store.ApplyMovement(r.Context(), tenant, req.Wine, req.MovementType, req.Quantity)
	switch {
	case errors.Is(err, repository.ErrWineNotFound):
		writeError(w, http.StatusNotFound, "wine_not_found", "nessun vino corrisponde a '"+req.Wine+"'")
		return
	case errors.Is(err, repository.ErrInsufficientQuantity):
		writeError(w, http.StatusConflict, "insufficient_quantity", "scorte insufficienti per il consumo richiesto")
		return
	case err != nil:
		s.log.Error("movement failed",
			zap.String("correlation_id", correlationFromContext(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
		return
	}
	if payload, merr := json.Marshal(res); merr == nil {
		if lerr := s.store.LogInteraction(r.Context(), tenant, "movement", payload); lerr != nil {
			s.log.Warn("interaction log failed", zap.Error(lerr))
		}
	}
	writeJSON(w, http.StatusOK, res)
}

type setQuantityRequest struct {
	UserID       string `json:"user_id"`
	BusinessName string `json:"business_name"`
	WineID       int64  `json:"wine_id"`
	Quantity     int    `json:"quantity"`
}

// handleSetQuantity overwrites one wine's stock level directly, for manual
// corrections. Unlike a movement it leaves history untouched.
func (s *Server) handleSetQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "corpo JSON non valido")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id mancante")
		return
	}
	if req.WineID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "wine_id mancante")
		return
	}
	if req.Quantity < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "quantity deve essere non negativa")
		return
	}

	tenant := models.Tenant{UserID: req.UserID, BusinessName: req.BusinessName}
	err := s.store.SetWineQuantity(r.Context(), tenant, req.WineID, req.Quantity)
	switch {
	case errors.Is(err, repository.ErrWineNotFound):
		writeError(w, http.StatusNotFound, "wine_not_found", "nessun vino con questo id")
		return
	case err != nil:
		s.log.Error("set quantity failed",
			zap.String("correlation_id", correlationFromContext(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
		return
	}
	if payload, merr := json.Marshal(req); merr == nil {
		if lerr := s.store.LogInteraction(r.Context(), tenant, "set_quantity", payload); lerr != nil {
			s.log.Warn("interaction log failed", zap.Error(lerr))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"wine_id":  req.WineID,
		"quantity": req.Quantity,
	})
}

// handleInteractions serves the tenant's recent interaction log entries.
func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromQuery(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.store.RecentInteractions(r.Context(), tenant, limit)
	if err != nil {
		s.log.Error("interactions query failed", zap.String("tenant", tenant.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interactions": entries,
		"total":        len(entries),
	})
}

type viewerTokenRequest struct {
	UserID       string `json:"user_id"`
	BusinessName string `json:"business_name"`
}

func (s *Server) handleViewerToken(w http.ResponseWriter, r *http.Request) {
	var req viewerTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id mancante")
		return
	}
	token, expires, err := s.tokens.Issue(models.Tenant{UserID: req.UserID, BusinessName: req.BusinessName})
	if err != nil {
		s.log.Error("viewer token issuance failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// handleSnapshot serves the read-only inventory view behind a viewer token.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tokenStr := tokenFromRequest(r)
	if tokenStr == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "token mancante")
		return
	}
	tenant, err := s.tokens.Verify(tokenStr)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "token non valido o scaduto")
		return
	}

	snap, err := s.store.Snapshot(r.Context(), tenant)
	if err != nil {
		s.log.Error("snapshot failed", zap.String("tenant", tenant.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLowStock(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromQuery(w, r)
	if !ok {
		return
	}
	wines, err := s.store.LowStockWines(r.Context(), tenant)
	if err != nil {
		s.log.Error("low stock query failed", zap.String("tenant", tenant.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wines": wines,
		"total": len(wines),
	})
}

// handleHistory returns the movement aggregate for one (name, producer)
// pair, or 404 when the wine never moved.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFromQuery(w, r)
	if !ok {
		return
	}
	wineName := r.URL.Query().Get("wine_name")
	if wineName == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "wine_name mancante")
		return
	}
	history, err := s.store.GetHistory(r.Context(), tenant, wineName, r.URL.Query().Get("wine_producer"))
	if err != nil {
		s.log.Error("history query failed", zap.String("tenant", tenant.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "errore interno")
		return
	}
	if history == nil {
		writeError(w, http.StatusNotFound, "history_not_found", "nessun movimento registrato per questo vino")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func tenantFromForm(w http.ResponseWriter, r *http.Request) (models.Tenant, bool) {
	userID := r.FormValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id mancante")
		return models.Tenant{}, false
	}
	return models.Tenant{UserID: userID, BusinessName: r.FormValue("business_name")}, true
}

func tenantFromQuery(w http.ResponseWriter, r *http.Request) (models.Tenant, bool) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id mancante")
		return models.Tenant{}, false
	}
	return models.Tenant{UserID: userID, BusinessName: r.URL.Query().Get("business_name")}, true
}
