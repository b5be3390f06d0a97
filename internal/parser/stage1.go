// Package parser implements the deterministic first stage of the ingestion
// cascade: encoding detection, delimiter sniffing, header mapping and row
// extraction for CSV/TSV and Excel payloads.
package parser

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"vinoteca/internal/models"
	"vinoteca/internal/normalize"
)

// Stage 1 decisions.
const (
	DecisionSave     = "save"
	DecisionEscalate = "escalate_to_stage2"
)

// Parser holds the decision thresholds for Stage 1.
type Parser struct {
	SchemaScoreTh float64
	MinValidRows  float64
}

// New returns a Stage 1 parser with the given decision thresholds.
func New(schemaScoreTh, minValidRows float64) *Parser {
	return &Parser{SchemaScoreTh: schemaScoreTh, MinValidRows: minValidRows}
}

// Result is the complete outcome of a Stage 1 parse. Raw rows and headers
// are kept so Stage 2 can re-map and repair without re-reading the payload.
type Result struct {
	Headers     []string
	Mapping     HeaderMapping
	Records     [][]string
	RawRows     []normalize.RawRow
	Batch       normalize.BatchResult
	Encoding    string
	Delimiter   rune
	SchemaScore float64
	ValidRows   float64
	Decision    string
}

// Parse extracts canonical rows from a tabular payload. ext must already be
// lowercased without a leading dot.
func (p *Parser) Parse(data []byte, ext string) (*Result, error) {
	var (
		records [][]string
		res     = &Result{}
		err     error
	)
	switch ext {
	case "xlsx", "xls":
		records, err = readSpreadsheet(data)
		if err != nil {
			return nil, fmt.Errorf("read spreadsheet: %w", err)
		}
		res.Encoding = "xlsx"
	case "csv", "tsv":
		var text string
		text, res.Encoding = DecodeText(data)
		res.Delimiter = SniffDelimiter(text)
		records, err = readDelimited(text, res.Delimiter)
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
	default:
		return nil, fmt.Errorf("stage1 does not handle extension %q", ext)
	}

	if len(records) == 0 {
		res.Decision = DecisionEscalate
		res.Batch = normalize.ValidateBatch(nil, models.StageClassic)
		return res, nil
	}

	res.Headers = records[0]
	res.Mapping = MapHeaders(res.Headers)
	res.Records = records[1:]
	res.RawRows = ExtractRows(res.Records, res.Mapping)
	res.Batch = normalize.ValidateBatch(res.RawRows, models.StageClassic)

	res.SchemaScore = SchemaScore(res.Mapping)
	res.ValidRows = validRowsRatio(res.Batch.Stats)
	res.Decision = p.decide(res.SchemaScore, res.ValidRows)
	return res, nil
}

func (p *Parser) decide(schemaScore, validRows float64) string {
	if schemaScore >= p.SchemaScoreTh && validRows >= p.MinValidRows {
		return DecisionSave
	}
	return DecisionEscalate
}

// SchemaScore is the fraction of the six core fields the mapping covers.
func SchemaScore(m HeaderMapping) float64 {
	mapped := m.MappedFields()
	hit := 0
	for _, f := range normalize.CoreFields {
		if mapped[f] {
			hit++
		}
	}
	return float64(hit) / float64(len(normalize.CoreFields))
}

func validRowsRatio(stats normalize.BatchStats) float64 {
	if stats.RowsTotal == 0 {
		return 0
	}
	return float64(stats.RowsValid) / float64(stats.RowsTotal)
}

// ExtractRows turns data records into raw rows keyed by canonical field
// names, skipping fully empty records.
func ExtractRows(records [][]string, mapping HeaderMapping) []normalize.RawRow {
	rows := make([]normalize.RawRow, 0, len(records))
	for _, rec := range records {
		empty := true
		for _, cell := range rec {
			if strings.TrimSpace(cell) != "" {
				empty = false
				break
			}
		}
		if empty {
			continue
		}
		row := make(normalize.RawRow, len(mapping))
		for idx, field := range mapping {
			if idx < len(rec) {
				row[field] = strings.TrimSpace(rec[idx])
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func readDelimited(text string, delimiter rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delimiter
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func readSpreadsheet(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}
	return f.GetRows(sheets[0])
}
