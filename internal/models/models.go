package models

import (
	"encoding/json"
	"time"
)

// Tenant identifies the owner of a private inventory. UserID is the stable
// canonical identifier; BusinessName is a display string that may be updated
// but never removed while the tenant owns data.
type Tenant struct {
	UserID       string `json:"user_id"`
	BusinessName string `json:"business_name"`
}

// Wine types recognised by the inventory. Anything that cannot be classified
// falls back to TypeAltro.
const (
	TypeRosso    = "Rosso"
	TypeBianco   = "Bianco"
	TypeRosato   = "Rosato"
	TypeSpumante = "Spumante"
	TypeAltro    = "Altro"
)

// Source stages attached to extracted rows. Used by the duplicate merge
// policy: stage1 values win over stage2, stage2 over stage3.
const (
	StageClassic  = "stage1_parse"
	StageTargeted = "stage2_targeted_ai"
	StageLLM      = "stage3_llm"
	StageOCR      = "stage4_ocr"
	StageFallback = "llm_mode_fallback_previous"
)

// Wine represents one row of the 'wines' table.
type Wine struct {
	ID             int64     `json:"wine_id"`
	Name           string    `json:"name"`
	Producer       string    `json:"producer,omitempty"`
	Supplier       string    `json:"supplier,omitempty"`
	Vintage        *int      `json:"vintage,omitempty"`
	GrapeVariety   string    `json:"grape_variety,omitempty"`
	Region         string    `json:"region,omitempty"`
	Country        string    `json:"country,omitempty"`
	Type           string    `json:"type,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Quantity       int       `json:"quantity"`
	MinQuantity    int       `json:"min_quantity"`
	CostPrice      *float64  `json:"cost_price,omitempty"`
	SellingPrice   *float64  `json:"selling_price,omitempty"`
	AlcoholContent *float64  `json:"alcohol_content,omitempty"`
	Description    string    `json:"description,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	SourceStage    string    `json:"source_stage,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Movement types. Consumo decreases stock, rifornimento increases it.
const (
	MovementConsumo      = "consumo"
	MovementRifornimento = "rifornimento"
)

// Movement represents one row of the append-only 'movements' table.
// QuantityBefore + QuantityChange == QuantityAfter always holds.
type Movement struct {
	ID             int64     `json:"id"`
	WineName       string    `json:"wine_name"`
	WineProducer   string    `json:"wine_producer,omitempty"`
	MovementType   string    `json:"movement_type"`
	QuantityChange int       `json:"quantity_change"`
	QuantityBefore int       `json:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after"`
	CreatedAt      time.Time `json:"created_at"`
}

// HistoryEntry is one element of the ordered movement list kept in the
// per-wine history aggregate.
type HistoryEntry struct {
	MovementType   string    `json:"movement_type"`
	QuantityChange int       `json:"quantity_change"`
	QuantityBefore int       `json:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after"`
	Timestamp      time.Time `json:"timestamp"`
}

// History is the aggregate kept per distinct (name, producer) within a
// tenant. CurrentStock mirrors the wine row's quantity after every committed
// movement.
type History struct {
	WineName          string         `json:"wine_name"`
	WineProducer      string         `json:"wine_producer,omitempty"`
	CurrentStock      int            `json:"current_stock"`
	TotalConsumi      int            `json:"total_consumi"`
	TotalRifornimenti int            `json:"total_rifornimenti"`
	Movements         []HistoryEntry `json:"movements"`
	FirstMovementDate time.Time      `json:"first_movement_date"`
	LastMovementDate  time.Time      `json:"last_movement_date"`
}

// Job statuses. Completed and error are terminal; there is no transition
// out of either.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobError      = "error"
)

// Job represents the 'processing_jobs' table.
type Job struct {
	ID               string          `json:"job_id"`
	UserID           string          `json:"user_id"`
	BusinessName     string          `json:"business_name"`
	Status           string          `json:"status"`
	FileType         string          `json:"file_type"`
	FileName         string          `json:"file_name"`
	FileSize         int64           `json:"file_size"`
	TotalWines       int             `json:"total_wines"`
	ProcessedWines   int             `json:"processed_wines"`
	SavedWines       int             `json:"saved_wines"`
	ErrorCount       int             `json:"error_count"`
	ResultData       json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ClientMsgID      *string         `json:"client_msg_id,omitempty"`
	ProcessingMethod string          `json:"processing_method,omitempty"`
	StageUsed        string          `json:"stage_used,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobError
}

// ProgressPercent is 100 * processed / total, 0 when total is unknown.
func (j *Job) ProgressPercent() float64 {
	if j.TotalWines <= 0 {
		return 0
	}
	return 100 * float64(j.ProcessedWines) / float64(j.TotalWines)
}
