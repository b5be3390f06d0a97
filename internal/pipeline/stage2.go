package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"vinoteca/internal/llm"
	"vinoteca/internal/models"
	"vinoteca/internal/normalize"
	"vinoteca/internal/parser"
)

// Stage 2 decisions.
const (
	decisionSave            = "save"
	decisionEscalateStage3  = "escalate_to_stage3"
	decisionError           = "error"
	headerSampleValues      = 3
	repairPromptRowsMaxSize = 8 * 1024
)

// Aliases the cheap model may answer with for the six core target fields.
var targetFieldAliases = map[string]string{
	"name":          normalize.FieldName,
	"winery":        normalize.FieldProducer,
	"producer":      normalize.FieldProducer,
	"vintage":       normalize.FieldVintage,
	"qty":           normalize.FieldQuantity,
	"quantity":      normalize.FieldQuantity,
	"price":         normalize.FieldSellingPrice,
	"selling_price": normalize.FieldSellingPrice,
	"type":          normalize.FieldType,
}

// TargetedAI is Stage 2: cheap, surgical LLM calls that either resolve
// ambiguous headers or repair small batches of problematic rows. It never
// re-reads the payload; it works on the Stage 1 result.
type TargetedAI struct {
	provider      llm.Provider
	model         string
	maxTokens     int
	batchSize     int
	schemaScoreTh float64
	minValidRows  float64
	recorder      Recorder
	log           *zap.Logger
}

// NewTargetedAI wires Stage 2. recorder may be nil.
func NewTargetedAI(provider llm.Provider, model string, maxTokens, batchSize int, schemaScoreTh, minValidRows float64, recorder Recorder, log *zap.Logger) *TargetedAI {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &TargetedAI{
		provider:      provider,
		model:         model,
		maxTokens:     maxTokens,
		batchSize:     batchSize,
		schemaScoreTh: schemaScoreTh,
		minValidRows:  minValidRows,
		recorder:      recorder,
		log:           log,
	}
}

// Stage2Result carries the improved rows and recomputed metrics.
type Stage2Result struct {
	RawRows         []normalize.RawRow
	Batch           normalize.BatchResult
	SchemaScore     float64
	ValidRows       float64
	Decision        string
	HeadersResolved int
	RowsRepaired    int
}

// Run executes header disambiguation and/or row repair depending on which
// Stage 1 metric fell below threshold, then recomputes metrics and decides.
func (t *TargetedAI) Run(ctx context.Context, s1 *parser.Result) (*Stage2Result, error) {
	mapping := make(parser.HeaderMapping, len(s1.Mapping))
	for idx, field := range s1.Mapping {
		mapping[idx] = field
	}

	res := &Stage2Result{}

	if parser.SchemaScore(mapping) < t.schemaScoreTh {
		resolved, err := t.disambiguateHeaders(ctx, s1, mapping)
		if err != nil {
			t.log.Warn("header disambiguation failed", zap.Error(err))
		} else {
			res.HeadersResolved = resolved
		}
	}

	rows := parser.ExtractRows(s1.Records, mapping)
	batch := normalize.ValidateBatch(rows, models.StageTargeted)

	if ratio(batch.Stats) < t.minValidRows {
		repaired, count, err := t.repairRows(ctx, rows)
		if err != nil {
			t.log.Warn("row repair failed", zap.Error(err))
		} else {
			rows = repaired
			res.RowsRepaired = count
			batch = normalize.ValidateBatch(rows, models.StageTargeted)
		}
	}

	res.RawRows = rows
	res.Batch = batch
	res.SchemaScore = parser.SchemaScore(mapping)
	res.ValidRows = ratio(batch.Stats)
	if res.SchemaScore >= t.schemaScoreTh && res.ValidRows >= t.minValidRows {
		res.Decision = decisionSave
	} else {
		res.Decision = decisionEscalateStage3
	}
	return res, nil
}

// disambiguateHeaders asks the cheap model to map the still-unmapped
// headers onto the six core fields. Returned non-null mappings are applied
// to the shared mapping in place; already-assigned targets stay put.
func (t *TargetedAI) disambiguateHeaders(ctx context.Context, s1 *parser.Result, mapping parser.HeaderMapping) (int, error) {
	unmapped := make(map[string]int)
	var promptRows []string
	for idx, header := range s1.Headers {
		if _, ok := mapping[idx]; ok {
			continue
		}
		if strings.TrimSpace(header) == "" {
			continue
		}
		unmapped[header] = idx
		samples := columnSamples(s1.Records, idx, headerSampleValues)
		promptRows = append(promptRows, fmt.Sprintf("%q: examples %s", header, samples))
	}
	if len(unmapped) == 0 {
		return 0, nil
	}

	system := "You map spreadsheet column headers of a wine inventory onto a fixed schema. " +
		"The only legal output is a JSON object mapping each original header to one of: " +
		`"name", "winery", "vintage", "qty", "price", "type", or null when none fits. ` +
		"No prose, no markdown."
	prompt := "Headers with example values:\n" + strings.Join(promptRows, "\n")

	resp, err := t.provider.Generate(ctx, llm.Request{
		Model:     t.model,
		System:    system,
		Prompt:    prompt,
		MaxTokens: t.maxTokens,
		JSONMode:  true,
	})
	t.recorder.RecordLLMCost(t.model, system+prompt, resp)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStage2Failed, err)
	}

	obj, err := RecoverObject(resp)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStage2Failed, err)
	}

	taken := mapping.MappedFields()
	applied := 0
	for header, target := range obj {
		idx, ok := unmapped[header]
		if !ok {
			continue
		}
		ts, ok := target.(string)
		if !ok {
			continue // null or junk
		}
		field, ok := targetFieldAliases[strings.ToLower(strings.TrimSpace(ts))]
		if !ok || taken[field] {
			continue
		}
		mapping[idx] = field
		taken[field] = true
		applied++
	}
	return applied, nil
}

// repairRows finds rows lacking a name or quantity, ships them to the cheap
// model in batches, and merges the repaired values back, preferring
// non-absent returned values.
func (t *TargetedAI) repairRows(ctx context.Context, rows []normalize.RawRow) ([]normalize.RawRow, int, error) {
	var ambiguous []int
	for i, row := range rows {
		if rowNeedsRepair(row) {
			ambiguous = append(ambiguous, i)
		}
	}
	if len(ambiguous) == 0 {
		return rows, 0, nil
	}

	out := make([]normalize.RawRow, len(rows))
	copy(out, rows)

	repairedTotal := 0
	for start := 0; start < len(ambiguous); start += t.batchSize {
		end := start + t.batchSize
		if end > len(ambiguous) {
			end = len(ambiguous)
		}
		batchIdx := ambiguous[start:end]

		batch := make([]normalize.RawRow, 0, len(batchIdx))
		for _, i := range batchIdx {
			batch = append(batch, rows[i])
		}
		payload, err := json.Marshal(batch)
		if err != nil {
			return rows, repairedTotal, fmt.Errorf("%w: %v", ErrStage2Failed, err)
		}
		if len(payload) > repairPromptRowsMaxSize {
			payload = payload[:repairPromptRowsMaxSize]
		}

		system := "You repair rows of a wine inventory. Fill ONLY missing or invalid fields in place. " +
			"Return a JSON array of the SAME length, in the SAME order, with the same keys. " +
			"Use null for values you cannot infer. No prose, no markdown."
		resp, err := t.provider.Generate(ctx, llm.Request{
			Model:     t.model,
			System:    system,
			Prompt:    string(payload),
			MaxTokens: t.maxTokens,
			JSONMode:  true,
		})
		t.recorder.RecordLLMCost(t.model, system+string(payload), resp)
		if err != nil {
			return rows, repairedTotal, fmt.Errorf("%w: %v", ErrStage2Failed, err)
		}

		objs, err := RecoverObjects(resp)
		if err != nil {
			return rows, repairedTotal, fmt.Errorf("%w: %v", ErrStage2Failed, err)
		}
		if len(objs) != len(batchIdx) {
			// A short or reordered answer cannot be merged safely.
			t.log.Warn("repair batch length mismatch",
				zap.Int("sent", len(batchIdx)), zap.Int("got", len(objs)))
			continue
		}
		for j, i := range batchIdx {
			out[i] = mergeRepaired(rows[i], objs[j])
			repairedTotal++
		}
	}
	return out, repairedTotal, nil
}

func rowNeedsRepair(row normalize.RawRow) bool {
	if _, reason := normalize.Row(row, models.StageTargeted); reason != "" {
		return true
	}
	_, hasQty := row[normalize.FieldQuantity]
	return !hasQty
}

func mergeRepaired(original normalize.RawRow, repaired map[string]any) normalize.RawRow {
	merged := make(normalize.RawRow, len(original)+len(repaired))
	for k, v := range original {
		merged[k] = v
	}
	for k, v := range repaired {
		if v == nil {
			continue
		}
		field := k
		if alias, ok := targetFieldAliases[strings.ToLower(k)]; ok {
			field = alias
		}
		cur, exists := merged[field]
		if !exists || cur == nil {
			merged[field] = v
			continue
		}
		if s, ok := cur.(string); ok && strings.TrimSpace(s) == "" {
			merged[field] = v
		}
	}
	return merged
}

func columnSamples(records [][]string, col, n int) string {
	var samples []string
	for _, rec := range records {
		if col < len(rec) && strings.TrimSpace(rec[col]) != "" {
			samples = append(samples, rec[col])
			if len(samples) >= n {
				break
			}
		}
	}
	data, _ := json.Marshal(samples)
	return string(data)
}

func ratio(stats normalize.BatchStats) float64 {
	if stats.RowsTotal == 0 {
		return 0
	}
	return float64(stats.RowsValid) / float64(stats.RowsTotal)
}
