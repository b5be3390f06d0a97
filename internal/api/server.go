// Package api exposes the HTTP surface: upload, job status, movements,
// snapshot and viewer-token issuance.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"vinoteca/internal/alerts"
	"vinoteca/internal/ingest"
	"vinoteca/internal/logging"
	"vinoteca/internal/models"
	"vinoteca/internal/repository"
)

// Ingestor accepts upload submissions.
type Ingestor interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (*ingest.SubmitResult, error)
}

// Store is the read/movement surface the handlers need.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ApplyMovement(ctx context.Context, tenant models.Tenant, term, movementType string, quantity int) (*repository.MovementResult, error)
	Snapshot(ctx context.Context, tenant models.Tenant) (*repository.SnapshotResult, error)
	LowStockWines(ctx context.Context, tenant models.Tenant) ([]*models.Wine, error)
	GetHistory(ctx context.Context, tenant models.Tenant, wineName, wineProducer string) (*models.History, error)
	SetWineQuantity(ctx context.Context, tenant models.Tenant, wineID int64, quantity int) error
	LogInteraction(ctx context.Context, tenant models.Tenant, kind string, payload json.RawMessage) error
	RecentInteractions(ctx context.Context, tenant models.Tenant, limit int) ([]repository.Interaction, error)
}

type Server struct {
	store       Store
	ingestor    Ingestor
	tokens      *ViewerTokens
	monitor     *alerts.Monitor
	log         *zap.Logger
	httpServer  *http.Server
	maxBodySize int64
	startedAt   time.Time
}

// NewServer wires the router and middleware. monitor may be nil.
func NewServer(store Store, ingestor Ingestor, tokens *ViewerTokens, monitor *alerts.Monitor, port string, maxBodySize int64, log *zap.Logger) *Server {
	s := &Server{
		store:       store,
		ingestor:    ingestor,
		tokens:      tokens,
		monitor:     monitor,
		log:         log,
		maxBodySize: maxBodySize,
		startedAt:   time.Now(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.correlationMiddleware)
	r.Use(newIPLimiterFromEnv().middleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/upload", s.handleUpload).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/jobs/{job_id}", s.handleJobStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/movements", s.handleMovement).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/wines/quantity", s.handleSetQuantity).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/interactions", s.handleInteractions).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/viewer-token", s.handleViewerToken).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/snapshot", s.handleSnapshot).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/low-stock", s.handleLowStock).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/history", s.handleHistory).Methods("GET", "OPTIONS")

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// correlationMiddleware makes sure every request carries a correlation id,
// generating one when the client did not send it.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := logging.CorrelationID(r.Header.Get("X-Correlation-ID"))
		w.Header().Set("X-Correlation-ID", cid)
		ctx := context.WithValue(r.Context(), correlationIDKey, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationFromContext(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"status":        "error",
		"error":         code,
		"error_message": message,
	})
}
