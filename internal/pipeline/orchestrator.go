// Package pipeline implements the multi-stage ingestion cascade: cheap
// deterministic parsing first, escalating to targeted AI repair, full LLM
// extraction and OCR only when quality metrics fall below thresholds.
package pipeline

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"vinoteca/internal/models"
	"vinoteca/internal/normalize"
	"vinoteca/internal/parser"
)

// Recorder feeds the rolling-window alert counters. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordStage3Failure()
	RecordError()
	RecordLLMCost(model, prompt, completion string)
}

type nopRecorder struct{}

func (nopRecorder) RecordStage3Failure()         {}
func (nopRecorder) RecordError()                 {}
func (nopRecorder) RecordLLMCost(_, _, _ string) {}

// OCRRunner is implemented by the OCR engine (Stage 4 front half).
type OCRRunner interface {
	// Recognize turns an image or PDF payload into raw text.
	Recognize(ctx context.Context, data []byte, ext string) (text string, pages int, elapsedSec float64, err error)
}

// Metrics is the free-form metric bag attached to an Outcome. Keys are
// stable strings; values are logged and persisted with the job result.
type Metrics map[string]any

// Outcome is the terminal result of one pipeline run.
type Outcome struct {
	Wines     []*models.Wine
	Metrics   Metrics
	Decision  string
	StageUsed string
}

var tabularExts = map[string]bool{"csv": true, "tsv": true, "xlsx": true, "xls": true}
var imageExts = map[string]bool{"pdf": true, "jpg": true, "jpeg": true, "png": true}

// NormalizeExt lowercases an extension and strips the leading dot.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Supported reports whether the extension routes to any entry stage.
func Supported(ext string) bool {
	e := NormalizeExt(ext)
	return tabularExts[e] || imageExts[e]
}

// Orchestrator owns stage sequencing and the hybrid merge policy. A nil
// stage pointer means the stage is disabled by configuration.
type Orchestrator struct {
	stage1   *parser.Parser
	stage2   *TargetedAI
	stage3   *Extractor
	ocr      OCRRunner
	recorder Recorder
	log      *zap.Logger
}

// NewOrchestrator wires the cascade. stage2, stage3 and ocr may be nil when
// the corresponding feature flag is off.
func NewOrchestrator(stage1 *parser.Parser, stage2 *TargetedAI, stage3 *Extractor, ocr OCRRunner, recorder Recorder, log *zap.Logger) *Orchestrator {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Orchestrator{
		stage1:   stage1,
		stage2:   stage2,
		stage3:   stage3,
		ocr:      ocr,
		recorder: recorder,
		log:      log,
	}
}

// ProcessFile routes the payload by extension and drives the cascade to a
// terminal decision. The returned error is non-nil only for terminal
// failures; partial successes come back as decision "save".
func (o *Orchestrator) ProcessFile(ctx context.Context, data []byte, fileName, ext string, tenant models.Tenant, correlationID string) (*Outcome, error) {
	ext = NormalizeExt(ext)
	log := o.log.With(
		zap.String("correlation_id", correlationID),
		zap.String("tenant", tenant.UserID),
		zap.String("file_name", fileName),
		zap.String("ext", ext),
	)
	start := time.Now()

	var (
		out *Outcome
		err error
	)
	switch {
	case tabularExts[ext]:
		out, err = o.runTabular(ctx, data, ext, log)
	case imageExts[ext]:
		out, err = o.runOCR(ctx, data, ext, log)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return out, err
	}

	out.Metrics["elapsed_ms"] = time.Since(start).Milliseconds()
	log.Info("pipeline finished",
		zap.String("stage", out.StageUsed),
		zap.String("decision", out.Decision),
		zap.Int("wines", len(out.Wines)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

func (o *Orchestrator) runTabular(ctx context.Context, data []byte, ext string, log *zap.Logger) (*Outcome, error) {
	metrics := Metrics{}

	s1, err := o.stage1.Parse(data, ext)
	if err != nil {
		// Unreadable payload for the deterministic parser; the LLM stage may
		// still make sense of the raw bytes when the input is text-like.
		log.Warn("stage1 parse failed", zap.Error(err))
		metrics["stage1_error"] = err.Error()
		s1 = nil
	}

	if s1 != nil {
		metrics["schema_score"] = s1.SchemaScore
		metrics["valid_rows"] = s1.ValidRows
		metrics["rows_total"] = s1.Batch.Stats.RowsTotal
		metrics["rows_valid"] = s1.Batch.Stats.RowsValid
		metrics["rows_rejected"] = s1.Batch.Stats.RowsRejected
		metrics["encoding"] = s1.Encoding
		log.Info("stage1 done",
			zap.String("stage", models.StageClassic),
			zap.Float64("schema_score", s1.SchemaScore),
			zap.Float64("valid_rows", s1.ValidRows),
			zap.Int("rows_total", s1.Batch.Stats.RowsTotal),
			zap.Int("rows_valid", s1.Batch.Stats.RowsValid),
			zap.Int("rows_rejected", s1.Batch.Stats.RowsRejected),
			zap.String("decision", s1.Decision),
		)
		if s1.Decision == parser.DecisionSave {
			wines, removed := normalize.Merge(s1.Batch.Valid)
			metrics["duplicates_removed"] = removed
			return &Outcome{Wines: wines, Metrics: metrics, Decision: decisionSave, StageUsed: models.StageClassic}, nil
		}
	}

	// Best rows seen so far, carried into the hybrid merge.
	var previous []*models.Wine
	if s1 != nil {
		previous = s1.Batch.Valid
	}
	deepest := models.StageClassic

	if s1 != nil && o.stage2 != nil {
		deepest = models.StageTargeted
		s2, err := o.stage2.Run(ctx, s1)
		if err != nil {
			log.Warn("stage2 failed", zap.Error(err))
			metrics["stage2_error"] = err.Error()
		} else {
			metrics["stage2_schema_score"] = s2.SchemaScore
			metrics["stage2_valid_rows"] = s2.ValidRows
			metrics["stage2_headers_resolved"] = s2.HeadersResolved
			metrics["stage2_rows_repaired"] = s2.RowsRepaired
			log.Info("stage2 done",
				zap.String("stage", models.StageTargeted),
				zap.Float64("schema_score", s2.SchemaScore),
				zap.Float64("valid_rows", s2.ValidRows),
				zap.String("decision", s2.Decision),
			)
			if len(s2.Batch.Valid) > len(previous) {
				previous = s2.Batch.Valid
			}
			if s2.Decision == decisionSave {
				wines, removed := normalize.Merge(s2.Batch.Valid)
				metrics["duplicates_removed"] = removed
				return &Outcome{Wines: wines, Metrics: metrics, Decision: decisionSave, StageUsed: models.StageTargeted}, nil
			}
		}
	}

	if o.stage3 != nil {
		deepest = models.StageLLM
		s3, err := o.stage3.Run(ctx, data, ext)
		if err == nil && s3.Decision == decisionSave {
			metrics["chunks"] = s3.Chunks
			metrics["wines_extracted"] = s3.WinesExtracted
			metrics["wines_deduplicated"] = s3.WinesDeduplicated
			metrics["stage3_rows_valid"] = s3.RowsValid
			metrics["stage3_rows_rejected"] = s3.RowsRejected
			metrics["stage3_elapsed_sec"] = s3.ElapsedSec

			// Hybrid merge: union of upstream partials with LLM rows.
			combined := append(append([]*models.Wine{}, previous...), s3.Wines...)
			metrics["hybrid_rows_before_merge"] = len(combined)
			wines, removed := normalize.Merge(combined)
			metrics["hybrid_rows_after_merge"] = len(wines)
			metrics["duplicates_removed"] = removed
			log.Info("stage3 done",
				zap.String("stage", models.StageLLM),
				zap.Int("rows_valid", s3.RowsValid),
				zap.Int("rows_rejected", s3.RowsRejected),
				zap.String("decision", s3.Decision),
			)
			return &Outcome{Wines: wines, Metrics: metrics, Decision: decisionSave, StageUsed: models.StageLLM}, nil
		}
		if err != nil {
			log.Warn("stage3 failed", zap.Error(err))
			metrics["stage3_error"] = err.Error()
		}
		if len(previous) > 0 {
			// Stage 3 broke but earlier stages produced usable rows.
			wines, removed := normalize.Merge(previous)
			metrics["duplicates_removed"] = removed
			return &Outcome{Wines: wines, Metrics: metrics, Decision: decisionSave, StageUsed: models.StageFallback}, nil
		}
	}

	out := &Outcome{Metrics: metrics, Decision: decisionError, StageUsed: deepest}
	switch deepest {
	case models.StageLLM:
		return out, ErrStage3Failed
	case models.StageTargeted:
		return out, ErrStage2Failed
	default:
		return out, ErrParseFailed
	}
}

func (o *Orchestrator) runOCR(ctx context.Context, data []byte, ext string, log *zap.Logger) (*Outcome, error) {
	metrics := Metrics{}
	if o.ocr == nil || o.stage3 == nil {
		return &Outcome{Metrics: metrics, Decision: decisionError, StageUsed: models.StageOCR}, ErrOCRFailed
	}

	text, pages, elapsed, err := o.ocr.Recognize(ctx, data, ext)
	if err != nil {
		log.Warn("ocr failed", zap.Error(err))
		return &Outcome{Metrics: metrics, Decision: decisionError, StageUsed: models.StageOCR}, ErrOCRFailed
	}
	metrics["pages"] = pages
	metrics["text_length"] = len(text)
	metrics["ocr_elapsed_sec"] = elapsed

	s3, err := o.stage3.ExtractText(ctx, text)
	if err != nil {
		log.Warn("stage3 after ocr failed", zap.Error(err))
		return &Outcome{Metrics: metrics, Decision: decisionError, StageUsed: models.StageOCR}, ErrStage3Failed
	}
	metrics["chunks"] = s3.Chunks
	metrics["wines_extracted"] = s3.WinesExtracted
	metrics["wines_deduplicated"] = s3.WinesDeduplicated
	metrics["stage3_rows_valid"] = s3.RowsValid
	metrics["stage3_rows_rejected"] = s3.RowsRejected

	for i := range s3.Wines {
		s3.Wines[i].SourceStage = models.StageOCR
	}
	decision := decisionError
	if s3.Decision == decisionSave {
		decision = decisionSave
	}
	out := &Outcome{Wines: s3.Wines, Metrics: metrics, Decision: decision, StageUsed: models.StageOCR}
	if decision == decisionError {
		return out, ErrStage3Failed
	}
	return out, nil
}
