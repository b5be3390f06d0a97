package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"vinoteca/internal/llm"
	"vinoteca/internal/models"
	"vinoteca/internal/normalize"
	"vinoteca/internal/parser"
)

const (
	stage3MaxTextBytes = 80 * 1024
	stage3ChunkBytes   = 40 * 1024
	stage3OverlapBytes = 1024
	// Reduced-input size for the one retry with a stricter instruction.
	stage3RetryBytes = 16 * 1024
)

const extractSystemPrompt = `You extract wine inventory rows from raw text.
Return ONLY a JSON array of objects with exactly these keys:
"name" (string, required), "winery" (string or null), "vintage" (integer 1900-2099 or null),
"qty" (non-negative integer), "price" (decimal, comma accepted as separator, or null),
"type" (one of "Rosso","Bianco","Rosato","Spumante" or null).
Escape embedded quotes and apostrophes. Use null for absent fields.
No prose, no markdown fences.`

const extractRetryPrompt = `Return STRICTLY VALID JSON: a single array of objects with keys
"name","winery","vintage","qty","price","type". Nothing else.`

// Extractor is Stage 3: chunked extraction of structured rows from raw text
// via the robust model.
type Extractor struct {
	provider llm.Provider
	model    string
	timeout  time.Duration
	recorder Recorder
	log      *zap.Logger
}

// NewExtractor wires Stage 3. recorder may be nil.
func NewExtractor(provider llm.Provider, model string, timeout time.Duration, recorder Recorder, log *zap.Logger) *Extractor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Extractor{provider: provider, model: model, timeout: timeout, recorder: recorder, log: log}
}

// Stage3Result is the aggregate outcome over all chunks.
type Stage3Result struct {
	Wines             []*models.Wine
	Chunks            int
	WinesExtracted    int
	WinesDeduplicated int
	RowsValid         int
	RowsRejected      int
	ElapsedSec        float64
	Decision          string
}

// Run prepares text from the original payload and extracts from it.
func (e *Extractor) Run(ctx context.Context, data []byte, ext string) (*Stage3Result, error) {
	text, err := PrepareText(data, ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStage3Failed, err)
	}
	return e.ExtractText(ctx, text)
}

// ExtractText runs the chunked extraction over already-prepared raw text.
// Used directly by the OCR path.
func (e *Extractor) ExtractText(ctx context.Context, text string) (*Stage3Result, error) {
	start := time.Now()
	text = capText(text, stage3MaxTextBytes)
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrStage3Failed)
	}

	chunks := Chunk(text, stage3ChunkBytes, stage3OverlapBytes)
	res := &Stage3Result{Chunks: len(chunks)}

	var rows []normalize.RawRow
	failures := 0
	for i, chunk := range chunks {
		chunkRows, err := e.extractChunk(ctx, chunk)
		if err != nil {
			failures++
			e.log.Warn("chunk extraction failed", zap.Int("chunk", i), zap.Error(err))
			continue
		}
		rows = append(rows, chunkRows...)
	}
	if failures == len(chunks) {
		e.recorder.RecordStage3Failure()
		return nil, fmt.Errorf("%w: all %d chunks failed", ErrStage3Failed, len(chunks))
	}

	res.WinesExtracted = len(rows)
	batch := normalize.ValidateBatch(rows, models.StageLLM)
	res.RowsValid = batch.Stats.RowsValid
	res.RowsRejected = batch.Stats.RowsRejected

	merged, removed := normalize.Merge(batch.Valid)
	res.Wines = merged
	res.WinesDeduplicated = removed
	res.ElapsedSec = time.Since(start).Seconds()

	if len(merged) > 0 {
		res.Decision = decisionSave
	} else {
		res.Decision = decisionError
		e.recorder.RecordStage3Failure()
	}
	return res, nil
}

// extractChunk calls the robust model once and runs the JSON recovery
// cascade. When everything fails it retries once with a reduced input and a
// stricter valid-JSON-only instruction.
func (e *Extractor) extractChunk(ctx context.Context, chunk string) ([]normalize.RawRow, error) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.provider.Generate(callCtx, llm.Request{
		Model:    e.model,
		System:   extractSystemPrompt,
		Prompt:   chunk,
		JSONMode: true,
	})
	e.recorder.RecordLLMCost(e.model, extractSystemPrompt+chunk, resp)
	if err == nil {
		if objs, rerr := RecoverObjects(resp); rerr == nil {
			return objectsToRows(objs), nil
		}
	}

	// One repair attempt: reduced input, stricter instruction.
	reduced := capText(chunk, stage3RetryBytes)
	retryCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		retryCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	resp, err = e.provider.Generate(retryCtx, llm.Request{
		Model:    e.model,
		System:   extractRetryPrompt,
		Prompt:   reduced,
		JSONMode: true,
	})
	e.recorder.RecordLLMCost(e.model, extractRetryPrompt+reduced, resp)
	if err != nil {
		return nil, err
	}
	objs, err := RecoverObjects(resp)
	if err != nil {
		return nil, err
	}
	return objectsToRows(objs), nil
}

func objectsToRows(objs []map[string]any) []normalize.RawRow {
	rows := make([]normalize.RawRow, 0, len(objs))
	for _, obj := range objs {
		row := make(normalize.RawRow, len(obj))
		for k, v := range obj {
			if v == nil {
				continue
			}
			field := strings.ToLower(strings.TrimSpace(k))
			if alias, ok := targetFieldAliases[field]; ok {
				field = alias
			}
			row[field] = v
		}
		rows = append(rows, row)
	}
	return rows
}

// PrepareText turns the original payload into raw text for extraction:
// spreadsheets are serialised one row per line with " | " separators,
// tabular text is decoded with the Stage 1 encoding strategy and repeated
// header lines are dropped.
func PrepareText(data []byte, ext string) (string, error) {
	switch ext {
	case "xlsx", "xls":
		f, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return "", nil
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return "", err
		}
		var sb strings.Builder
		for _, row := range rows {
			sb.WriteString(strings.Join(row, " | "))
			sb.WriteByte('\n')
		}
		return capText(sb.String(), stage3MaxTextBytes), nil
	default:
		text, _ := DecodeText(data)
		return capText(dropRepeatedHeaders(text), stage3MaxTextBytes), nil
	}
}

// DecodeText re-exports the Stage 1 encoding strategy for raw text prep.
func DecodeText(data []byte) (string, string) {
	return parser.DecodeText(data)
}

func dropRepeatedHeaders(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return text
	}
	header := strings.TrimSpace(lines[0])
	if header == "" {
		return text
	}
	out := lines[:1]
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == header {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func capText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	// Prefer a line boundary near the cap.
	if idx := strings.LastIndexByte(cut, '\n'); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut
}

// Chunk splits text into slices of at most maxBytes with a trailing overlap,
// preferring to cut at line boundaries.
func Chunk(text string, maxBytes, overlap int) []string {
	if len(text) <= maxBytes {
		return []string{text}
	}
	var chunks []string
	pos := 0
	for pos < len(text) {
		end := pos + maxBytes
		if end >= len(text) {
			chunks = append(chunks, text[pos:])
			break
		}
		cut := end
		if idx := strings.LastIndexByte(text[pos:end], '\n'); idx > maxBytes/2 {
			cut = pos + idx
		}
		chunks = append(chunks, text[pos:cut])
		next := cut - overlap
		if next <= pos {
			next = cut
		}
		pos = next
	}
	return chunks
}
